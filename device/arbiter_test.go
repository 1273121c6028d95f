package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chzchzchz/skyrx/radio"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeOwner struct {
	name   string
	log    *eventLog
	active *int32
}

func (f *fakeOwner) Stop(ctx context.Context) error {
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(f.active, -1)
	f.log.add("stop " + f.name)
	return nil
}

func starter(name string, log *eventLog, active *int32, t *testing.T) StartFunc {
	return func(ctx context.Context) (Owner, error) {
		if n := atomic.AddInt32(active, 1); n > 1 {
			t.Errorf("%s started with %d owners", name, n)
		}
		log.add("start " + name)
		return &fakeOwner{name: name, log: log, active: active}, nil
	}
}

func TestAcquireStopsOtherOwner(t *testing.T) {
	a := NewArbiter(Config{})
	var log eventLog
	var active int32
	ctx := context.TODO()
	if err := a.Acquire(ctx, Streaming, starter("stream", &log, &active, t)); err != nil {
		t.Fatal(err)
	}
	if a.Activity() != Streaming {
		t.Fatalf("activity %v", a.Activity())
	}
	if err := a.Acquire(ctx, Recording, starter("record", &log, &active, t)); err != nil {
		t.Fatal(err)
	}
	want := []string{"start stream", "stop stream", "start record"}
	if got := log.list(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if a.LastStop().IsZero() {
		t.Fatal("stop time not recorded")
	}
}

func TestCooldown(t *testing.T) {
	cooldown := 150 * time.Millisecond
	a := NewArbiter(Config{Cooldown: cooldown})
	var log eventLog
	var active int32
	ctx := context.TODO()
	if err := a.Acquire(ctx, Streaming, starter("s1", &log, &active, t)); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(ctx, Streaming); err != nil {
		t.Fatal(err)
	}
	stopped := a.LastStop()
	var started time.Time
	err := a.Acquire(ctx, Recording, func(ctx context.Context) (Owner, error) {
		started = time.Now()
		return starter("r1", &log, &active, t)(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	if d := started.Sub(stopped); d < cooldown {
		t.Fatalf("started %v after stop, cooldown %v", d, cooldown)
	}
}

func TestCooldownCancelled(t *testing.T) {
	a := NewArbiter(Config{Cooldown: time.Hour})
	var log eventLog
	var active int32
	if err := a.Acquire(context.TODO(), Streaming, starter("s", &log, &active, t)); err != nil {
		t.Fatal(err)
	}
	a.Release(context.TODO(), Streaming)
	ctx, cancel := context.WithTimeout(context.TODO(), 50*time.Millisecond)
	defer cancel()
	if err := a.Acquire(ctx, Streaming, starter("s2", &log, &active, t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestTryAcquireConflict(t *testing.T) {
	a := NewArbiter(Config{})
	var log eventLog
	var active int32
	ctx := context.TODO()
	if err := a.TryAcquire(ctx, Recording, starter("r", &log, &active, t)); err != nil {
		t.Fatal(err)
	}
	if err := a.TryAcquire(ctx, Recording, starter("r2", &log, &active, t)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := a.TryAcquire(ctx, Streaming, starter("s", &log, &active, t)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := log.list(); len(got) != 1 {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestDebounceKeepsLatest(t *testing.T) {
	a := NewArbiter(Config{Debounce: 100 * time.Millisecond})
	var log eventLog
	var active int32
	errc := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(n int) {
			errc <- a.AcquireDebounced(context.TODO(), Streaming, starter(fmt.Sprintf("s%d", n), &log, &active, t))
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	superseded := 0
	for i := 0; i < 3; i++ {
		err := <-errc
		if errors.Is(err, ErrSuperseded) {
			superseded++
		} else if err != nil {
			t.Fatal(err)
		}
	}
	if superseded != 2 {
		t.Fatalf("expected 2 superseded, got %d", superseded)
	}
	if got := log.list(); len(got) != 1 || got[0] != "start s2" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestReleased(t *testing.T) {
	a := NewArbiter(Config{})
	var log eventLog
	var active int32
	var owner Owner
	a.Acquire(context.TODO(), Streaming, func(ctx context.Context) (Owner, error) {
		o, err := starter("s", &log, &active, t)(ctx)
		owner = o
		return o, err
	})
	if !a.Released(owner) {
		t.Fatal("owner not released")
	}
	if a.Activity() != Idle || a.Released(owner) {
		t.Fatal("release not idempotent")
	}
}

func TestNeverTwoOwners(t *testing.T) {
	a := NewArbiter(Config{Cooldown: time.Millisecond})
	var log eventLog
	var active int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			act := Streaming
			if n%3 == 0 {
				act = Recording
			}
			a.Acquire(context.TODO(), act, starter(fmt.Sprintf("%v%d", act, n), &log, &active, t))
		}(i)
	}
	wg.Wait()
	if n := atomic.LoadInt32(&active); n != 1 {
		t.Fatalf("expected one owner at the end, got %d", n)
	}
}

type stuckOwner struct{}

func (stuckOwner) Stop(ctx context.Context) error {
	return fmt.Errorf("rtl_sdr[42]: %w", radio.ErrTerminationTimeout)
}

func TestAcquireRefusesWhileOwnerAlive(t *testing.T) {
	a := NewArbiter(Config{})
	err := a.Acquire(context.TODO(), Streaming, func(ctx context.Context) (Owner, error) {
		return stuckOwner{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	started := false
	err = a.Acquire(context.TODO(), Recording, func(ctx context.Context) (Owner, error) {
		started = true
		return stuckOwner{}, nil
	})
	if !errors.Is(err, radio.ErrTerminationTimeout) {
		t.Fatalf("expected termination timeout, got %v", err)
	}
	if started || a.Activity() != Idle {
		t.Fatalf("started=%v activity=%v", started, a.Activity())
	}
}
