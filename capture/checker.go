package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
)

const powerProgram = "rtl_power"

// Reading is one power scan around a frequency.
type Reading struct {
	Frequency uint64  `json:"frequency"`
	Power     float64 `json:"power"`
	Peak      float64 `json:"peak"`
	PeakHz    uint64  `json:"peakHz"`
	Detected  bool    `json:"detected"`
}

// Meter takes a single power reading around freq.
type Meter interface {
	Check(ctx context.Context, freq uint64, gain float64) (Reading, error)
}

// Checker measures band power with rtl_power. It holds the receiver as a
// recording for the length of the scan.
type Checker struct {
	launcher radio.Launcher
	arb      *device.Arbiter

	// Threshold is the mean power in dB above which a signal is detected.
	Threshold   float64
	Span        uint64
	Bin         uint64
	Integration time.Duration
	// Delay separates Verify attempts.
	Delay       time.Duration
	StopTimeout time.Duration
	PPM         int
	Device      string
}

func NewChecker(l radio.Launcher, arb *device.Arbiter) *Checker {
	return &Checker{
		launcher:    l,
		arb:         arb,
		Threshold:   -25,
		Span:        100000,
		Bin:         1000,
		Integration: time.Second,
		Delay:       2 * time.Second,
		StopTimeout: 2 * time.Second,
	}
}

type procOwner struct {
	proc    radio.Process
	timeout time.Duration
}

func (o *procOwner) Stop(ctx context.Context) error {
	_, err := radio.StopProcess(o.proc, o.timeout)
	return err
}

func (c *Checker) Check(ctx context.Context, freq uint64, gain float64) (Reading, error) {
	t := radio.Tuning{Frequency: freq, Gain: gain, PPM: c.PPM, Device: c.Device}
	args, err := radio.PowerArgs(t, radio.HzBand{Center: freq, Width: c.Span}, c.Bin, c.Integration)
	if err != nil {
		return Reading{}, err
	}
	owner := &procOwner{timeout: c.StopTimeout}
	err = c.arb.TryAcquire(ctx, device.Recording, func(ctx context.Context) (device.Owner, error) {
		p, err := c.launcher.Launch(ctx, powerProgram, args...)
		if err != nil {
			return nil, err
		}
		owner.proc = p
		return owner, nil
	})
	if err != nil {
		return Reading{}, err
	}
	defer c.arb.Released(owner)

	var (
		wg     sync.WaitGroup
		rows   []radio.PowerRow
		rowErr error
		hwErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rows, rowErr = radio.ReadPowerRows(owner.proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		radio.WatchStderr(powerProgram, owner.proc.Stderr(), func(err error) { hwErr = err })
	}()

	select {
	case <-owner.proc.Done():
	case <-ctx.Done():
		owner.Stop(ctx)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	if hwErr != nil {
		return Reading{}, hwErr
	}
	if err := radio.ExitError(owner.proc); err != nil {
		return Reading{}, err
	}
	if rowErr != nil {
		return Reading{}, fmt.Errorf("%d Hz: %w", freq, rowErr)
	}
	ps, err := radio.SummarizePower(rows)
	if err != nil {
		return Reading{}, fmt.Errorf("%d Hz: %w", freq, err)
	}
	r := Reading{
		Frequency: freq,
		Power:     ps.Mean,
		Peak:      ps.Peak,
		PeakHz:    ps.PeakHz,
		Detected:  ps.Mean > c.Threshold,
	}
	glog.V(1).Infof("power at %d Hz: mean %.1f dB, peak %.1f dB at %d Hz", freq, r.Power, r.Peak, r.PeakHz)
	return r, nil
}

// Verify runs Verify against c with c.Delay between attempts.
func (c *Checker) Verify(ctx context.Context, freq uint64, gain float64, attempts int) (bool, error) {
	return Verify(ctx, c, freq, gain, attempts, c.Delay)
}

// Majority is how many of attempts must detect a signal for Verify to pass.
func Majority(attempts int) int { return (attempts + 1) / 2 }

// Verify checks freq attempts times and passes when a majority detect a
// signal. A failed check counts as a miss; a missing receiver ends the
// verification at once.
func Verify(ctx context.Context, m Meter, freq uint64, gain float64, attempts int, delay time.Duration) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	need := Majority(attempts)
	passed, read := 0, 0
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return false, err
			}
		}
		r, err := m.Check(ctx, freq, gain)
		switch {
		case ctx.Err() != nil:
			return false, ctx.Err()
		case errors.Is(err, radio.ErrHardwareUnavailable):
			return false, err
		case err != nil:
			glog.Warningf("signal check %d/%d at %d Hz: %v", i+1, attempts, freq, err)
			lastErr = err
		default:
			read++
			if r.Detected {
				passed++
			}
		}
		if passed >= need {
			glog.Infof("signal verified at %d Hz (%d/%d)", freq, passed, i+1)
			return true, nil
		}
		if passed+attempts-i-1 < need {
			break
		}
	}
	glog.Infof("signal not verified at %d Hz (%d/%d needed)", freq, passed, need)
	if read == 0 {
		return false, lastErr
	}
	return false, nil
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
