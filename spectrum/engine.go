package spectrum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/dsp"
	"github.com/chzchzchz/skyrx/radio"
)

var ErrEngineRunning = errors.New("spectrum engine already running")

const sampleProgram = "rtl_sdr"

// EngineStatus is a snapshot of the engine.
type EngineStatus struct {
	Running bool   `json:"running"`
	Config  Config `json:"config"`
	Err     string `json:"error,omitempty"`
	// HardwareError is set when the sampling process reported a missing
	// or failing device.
	HardwareError bool `json:"hardwareError"`
}

type engineRun struct {
	proc    radio.Process
	cancel  context.CancelFunc
	// loopc closes when the sample loop has drained.
	loopc chan struct{}
	// stderrc closes when stderr reaches EOF.
	stderrc chan struct{}
	// donec closes when the run is over and err is set.
	donec chan struct{}
	err   error
}

// Engine runs the sampling process and turns its output into frames.
type Engine struct {
	launcher radio.Launcher
	notches  *dsp.NotchSet

	Window      int
	StopTimeout time.Duration
	Device      string

	mu    sync.Mutex
	run   *engineRun
	last  *engineRun
	cfg   Config
	hwErr error
	err   error
}

func NewEngine(l radio.Launcher, notches *dsp.NotchSet) *Engine {
	if notches == nil {
		notches = dsp.NewNotchSet()
	}
	return &Engine{
		launcher:    l,
		notches:     notches,
		Window:      DefaultWindow,
		StopTimeout: 2 * time.Second,
	}
}

func (e *Engine) Notches() *dsp.NotchSet { return e.notches }

// Start launches the sampling process for cfg; emit receives each frame
// from the engine's goroutine and must not block.
func (e *Engine) Start(cfg Config, emit func(Frame)) error {
	cfg = cfg.WithDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return ErrEngineRunning
	}
	args, err := radio.SampleArgs(radio.Tuning{
		Frequency:  cfg.Frequency,
		SampleRate: cfg.Bandwidth,
		Gain:       cfg.Gain,
		PPM:        cfg.PPM,
		Device:     e.Device,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := e.launcher.Launch(ctx, sampleProgram, args...)
	if err != nil {
		cancel()
		return err
	}
	r := &engineRun{
		proc:    proc,
		cancel:  cancel,
		loopc:   make(chan struct{}),
		stderrc: make(chan struct{}),
		donec:   make(chan struct{}),
	}
	e.run, e.last, e.cfg, e.hwErr, e.err = r, r, cfg, nil, nil

	go func() {
		defer close(r.stderrc)
		radio.WatchStderr(sampleProgram, proc.Stderr(), e.setHardwareError)
	}()
	go e.loop(ctx, r, NewProcessor(cfg, e.Window, e.notches), emit)
	go e.wait(r)
	glog.Infof("spectrum engine started at %d Hz, %d sps, fft %d", cfg.Frequency, cfg.Bandwidth, cfg.FFTSize)
	return nil
}

func (e *Engine) loop(ctx context.Context, r *engineRun, p *Processor, emit func(Frame)) {
	defer close(r.loopc)
	defer p.Reset()
	iqr := radio.NewIQReader(r.proc.Stdout())
	for samps := range iqr.BatchStream64(ctx, p.cfg.FFTSize, 0) {
		if f, ok := p.Push(samps, time.Now()); ok {
			emit(f)
		}
	}
	if err := iqr.Err(); err != nil && ctx.Err() == nil {
		glog.Warningf("spectrum read: %v", err)
	}
}

func (e *Engine) wait(r *engineRun) {
	<-r.proc.Done()
	<-r.loopc
	<-r.stderrc
	e.mu.Lock()
	r.err = e.hwErr
	if r.err == nil {
		r.err = radio.ExitError(r.proc)
	}
	if e.run == r {
		// Exited without Stop.
		e.run, e.err = nil, r.err
		if r.err == nil {
			r.err = radio.ErrProcessFailed
			e.err = r.err
		}
		glog.Warningf("spectrum engine exited: %v", r.err)
	}
	e.mu.Unlock()
	close(r.donec)
}

func (e *Engine) setHardwareError(err error) {
	e.mu.Lock()
	e.hwErr = err
	e.mu.Unlock()
}

// Done closes when the most recent run ends, by Stop or on its own. It is
// nil before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	return e.last.donec
}

// Err is why the last run ended on its own, if it did.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stop terminates the sampling process, escalating to a kill after
// StopTimeout, and discards the averaging state.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	_, err := radio.StopProcess(r.proc, e.StopTimeout)
	r.cancel()
	if err == nil {
		<-r.loopc
	}
	glog.Infof("spectrum engine stopped")
	return err
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EngineStatus{Running: e.run != nil, Config: e.cfg}
	if err := e.err; err != nil {
		st.Err = err.Error()
		st.HardwareError = errors.Is(err, radio.ErrHardwareUnavailable)
	} else if e.hwErr != nil {
		st.Err, st.HardwareError = e.hwErr.Error(), true
	}
	return st
}
