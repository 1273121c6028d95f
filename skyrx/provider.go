package skyrx

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/spectrum"
)

// FrameFunc receives spectrum frames. It must not block.
type FrameFunc func(spectrum.Frame)

// Provider is everything the scheduler needs from a receiver, wherever
// the receiver lives.
type Provider interface {
	// Stream starts streaming cfg to fn, or retunes and switches to fn
	// when already streaming.
	Stream(ctx context.Context, cfg spectrum.Config, fn FrameFunc) error
	StopStream(ctx context.Context) error
	IsStreaming() bool
	Record(ctx context.Context, req capture.Request, progress capture.ProgressFunc) (*capture.Session, error)
	CheckSignal(ctx context.Context, freq uint64, gain float64) (capture.Reading, error)
	VerifySignal(ctx context.Context, freq uint64, gain float64, attempts int) (bool, error)
	Status(ctx context.Context) (Status, error)
}

type Status struct {
	Connected bool             `json:"connected"`
	Device    *radio.SDRHWInfo `json:"device,omitempty"`
	Mode      device.Activity  `json:"mode"`
	Error     string           `json:"error,omitempty"`
}

// Local drives a receiver attached to this host.
type Local struct {
	hub *spectrum.Hub
	rec *capture.Recorder
	chk *capture.Checker
	arb *device.Arbiter

	// Device describes the attached receiver, if known.
	Device *radio.SDRHWInfo

	mu  sync.Mutex
	sub *spectrum.Subscription
	fn  FrameFunc
}

func NewLocal(hub *spectrum.Hub, rec *capture.Recorder, chk *capture.Checker, arb *device.Arbiter) *Local {
	return &Local{hub: hub, rec: rec, chk: chk, arb: arb}
}

func (l *Local) Stream(ctx context.Context, cfg spectrum.Config, fn FrameFunc) error {
	l.mu.Lock()
	if l.sub != nil {
		l.fn = fn
		l.mu.Unlock()
		cur := l.hub.Config()
		if cur.Frequency == cfg.Frequency {
			return nil
		}
		return l.hub.Retune(ctx, cfg.Frequency)
	}
	l.mu.Unlock()

	sub, err := l.hub.Subscribe(ctx, cfg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sub, l.fn = sub, fn
	l.mu.Unlock()
	go l.forward(sub)
	return nil
}

func (l *Local) forward(sub *spectrum.Subscription) {
	for f := range sub.Frames() {
		l.mu.Lock()
		fn := l.fn
		l.mu.Unlock()
		if fn != nil {
			fn(f)
		}
	}
	if err := sub.Err(); err != nil {
		glog.Infof("local stream ended: %v", err)
	}
	l.mu.Lock()
	if l.sub == sub {
		l.sub, l.fn = nil, nil
	}
	l.mu.Unlock()
}

func (l *Local) StopStream(ctx context.Context) error {
	l.mu.Lock()
	sub := l.sub
	l.sub, l.fn = nil, nil
	l.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return nil
}

func (l *Local) IsStreaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub != nil
}

func (l *Local) Record(ctx context.Context, req capture.Request, progress capture.ProgressFunc) (*capture.Session, error) {
	return l.rec.Record(ctx, req, progress)
}

// Recorder exposes the recorder for callers that manage sessions themselves.
func (l *Local) Recorder() *capture.Recorder { return l.rec }

func (l *Local) Hub() *spectrum.Hub { return l.hub }

func (l *Local) CheckSignal(ctx context.Context, freq uint64, gain float64) (capture.Reading, error) {
	return l.chk.Check(ctx, freq, gain)
}

func (l *Local) VerifySignal(ctx context.Context, freq uint64, gain float64, attempts int) (bool, error) {
	return l.chk.Verify(ctx, freq, gain, attempts)
}

func (l *Local) Status(ctx context.Context) (Status, error) {
	est := l.hub.Engine().Status()
	st := Status{Connected: !est.HardwareError, Device: l.Device, Mode: l.arb.Activity()}
	if est.HardwareError {
		st.Error = est.Err
	}
	return st, nil
}
