// Package device arbitrates ownership of the single receiver.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/radio"
)

var (
	// ErrConflict is returned when a recording already owns the receiver.
	ErrConflict = errors.New("receiver owned by another activity")
	// ErrSuperseded is returned to a debounced request replaced by a newer one.
	ErrSuperseded = errors.New("request superseded")
)

type Activity int

const (
	Idle Activity = iota
	Streaming
	Recording
)

func (a Activity) String() string {
	switch a {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Recording:
		return "recording"
	}
	return fmt.Sprintf("activity(%d)", int(a))
}

func (a Activity) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Owner is a running activity holding the receiver.
type Owner interface {
	// Stop ends the activity and returns once the receiver is released.
	Stop(ctx context.Context) error
}

// StartFunc starts an activity once the receiver is free.
type StartFunc func(ctx context.Context) (Owner, error)

type Config struct {
	// Cooldown is the quiet time between a stop and the next start.
	Cooldown time.Duration
	// Debounce is the window in which repeated start requests coalesce.
	Debounce time.Duration
}

var DefaultConfig = Config{Cooldown: 2 * time.Second, Debounce: 300 * time.Millisecond}

// Arbiter gives the receiver to one activity at a time. Every transition
// runs stop, then cool-down, then start, in that order.
type Arbiter struct {
	cfg Config

	// tmu serialises transitions.
	tmu sync.Mutex

	mu       sync.Mutex
	activity Activity
	owner    Owner
	lastStop time.Time
	seq      uint64
}

func NewArbiter(cfg Config) *Arbiter { return &Arbiter{cfg: cfg} }

// Acquire stops any current owner, waits out the cool-down and starts act.
func (a *Arbiter) Acquire(ctx context.Context, act Activity, start StartFunc) error {
	return a.acquire(ctx, act, start, false)
}

// TryAcquire is Acquire except that a running recording is never stopped;
// ErrConflict is returned instead.
func (a *Arbiter) TryAcquire(ctx context.Context, act Activity, start StartFunc) error {
	return a.acquire(ctx, act, start, true)
}

// AcquireDebounced waits for the debounce window and runs TryAcquire only
// if no newer debounced request arrived meanwhile.
func (a *Arbiter) AcquireDebounced(ctx context.Context, act Activity, start StartFunc) error {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if err := sleepCtx(ctx, a.cfg.Debounce); err != nil {
		return err
	}
	a.mu.Lock()
	latest := a.seq == seq
	a.mu.Unlock()
	if !latest {
		return ErrSuperseded
	}
	return a.acquire(ctx, act, start, true)
}

func (a *Arbiter) acquire(ctx context.Context, act Activity, start StartFunc, try bool) error {
	a.tmu.Lock()
	defer a.tmu.Unlock()

	a.mu.Lock()
	cur := a.activity
	a.mu.Unlock()
	if try && cur == Recording {
		return fmt.Errorf("acquire %v: %w", act, ErrConflict)
	}
	if cur != Idle {
		glog.Infof("stopping %v for %v", cur, act)
		if err := a.stop(ctx); err != nil {
			// A process that survived its kill may still hold the device.
			if errors.Is(err, radio.ErrTerminationTimeout) {
				return fmt.Errorf("acquire %v: stopping %v: %w", act, cur, err)
			}
			glog.Warningf("stop %v: %v", cur, err)
		}
	}
	if err := sleepCtx(ctx, a.cooldownLeft()); err != nil {
		return err
	}
	owner, err := start(ctx)
	if err != nil {
		a.mu.Lock()
		a.lastStop = time.Now()
		a.mu.Unlock()
		return err
	}
	a.mu.Lock()
	a.activity, a.owner = act, owner
	a.mu.Unlock()
	glog.V(1).Infof("receiver acquired for %v", act)
	return nil
}

// Release stops the current owner if it is running act.
func (a *Arbiter) Release(ctx context.Context, act Activity) error {
	a.tmu.Lock()
	defer a.tmu.Unlock()
	a.mu.Lock()
	cur := a.activity
	a.mu.Unlock()
	if cur != act || cur == Idle {
		return nil
	}
	return a.stop(ctx)
}

// Released records that owner ended on its own. It returns false if owner
// no longer held the receiver.
func (a *Arbiter) Released(owner Owner) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != owner {
		return false
	}
	glog.Infof("%v ended on its own", a.activity)
	a.activity, a.owner, a.lastStop = Idle, nil, time.Now()
	return true
}

func (a *Arbiter) stop(ctx context.Context) error {
	a.mu.Lock()
	owner := a.owner
	a.mu.Unlock()
	var err error
	if owner != nil {
		err = owner.Stop(ctx)
	}
	a.mu.Lock()
	a.activity, a.owner, a.lastStop = Idle, nil, time.Now()
	a.mu.Unlock()
	return err
}

func (a *Arbiter) cooldownLeft() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastStop.IsZero() {
		return 0
	}
	return a.cfg.Cooldown - time.Since(a.lastStop)
}

// Activity is the current owner's activity.
func (a *Arbiter) Activity() Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activity
}

// LastStop is when the receiver was last released.
func (a *Arbiter) LastStop() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStop
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
