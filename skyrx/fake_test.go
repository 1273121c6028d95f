package skyrx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/spectrum"
)

// fakeProvider emits one frame every few milliseconds while streaming,
// with a peak taken from peaks by frequency.
type fakeProvider struct {
	peaks     map[uint64]float64
	verify    []bool
	verifyErr error
	recordErr error
	recordFor time.Duration

	mu        sync.Mutex
	freq      uint64
	fn        FrameFunc
	stopc     chan struct{}
	streams   []uint64
	records   []capture.Request
	recordAt  []time.Time
	verifies  int
	stopCalls int
}

func (p *fakeProvider) Stream(ctx context.Context, cfg spectrum.Config, fn FrameFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freq, p.fn = cfg.Frequency, fn
	p.streams = append(p.streams, cfg.Frequency)
	if p.stopc == nil {
		p.stopc = make(chan struct{})
		go p.emit(p.stopc)
	}
	return nil
}

func (p *fakeProvider) emit(stopc chan struct{}) {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stopc:
			return
		case <-t.C:
		}
		p.mu.Lock()
		freq, fn := p.freq, p.fn
		p.mu.Unlock()
		peak, ok := p.peaks[freq]
		if !ok {
			peak = -100
		}
		fn(spectrum.Frame{CenterFrequency: freq, MaxPower: peak, MinPower: -120})
	}
}

func (p *fakeProvider) StopStream(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	if p.stopc != nil {
		close(p.stopc)
		p.stopc = nil
	}
	return nil
}

func (p *fakeProvider) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopc != nil
}

func (p *fakeProvider) Record(ctx context.Context, req capture.Request, progress capture.ProgressFunc) (*capture.Session, error) {
	p.mu.Lock()
	p.records = append(p.records, req)
	p.recordAt = append(p.recordAt, time.Now())
	p.mu.Unlock()
	sess := &capture.Session{
		ID:         "sess",
		Frequency:  req.Frequency,
		Status:     capture.StatusRecording,
		OutputPath: "/captures/test.wav",
	}
	if progress != nil {
		progress(0, req.Duration)
	}
	d := req.Duration
	if p.recordFor > 0 && p.recordFor < d {
		d = p.recordFor
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		sess.Status = capture.StatusError
		return sess, capture.ErrStopped
	}
	if p.recordErr != nil {
		sess.Status = capture.StatusError
		return sess, p.recordErr
	}
	sess.Status = capture.StatusComplete
	return sess, nil
}

func (p *fakeProvider) CheckSignal(ctx context.Context, freq uint64, gain float64) (capture.Reading, error) {
	return capture.Reading{Frequency: freq}, nil
}

func (p *fakeProvider) VerifySignal(ctx context.Context, freq uint64, gain float64, attempts int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifies++
	if p.verifyErr != nil {
		return false, p.verifyErr
	}
	if len(p.verify) == 0 {
		return true, nil
	}
	ok := p.verify[0]
	p.verify = p.verify[1:]
	return ok, nil
}

func (p *fakeProvider) Status(ctx context.Context) (Status, error) {
	return Status{Connected: true}, nil
}

func (p *fakeProvider) recorded() []capture.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capture.Request(nil), p.records...)
}

type fakeDecoder struct {
	mu     sync.Mutex
	paths  []string
	panics int
	err    error
}

func (d *fakeDecoder) Decode(ctx context.Context, path, outDir string, kind Kind) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
	if d.panics > 0 {
		d.panics--
		panic("decoder blew up")
	}
	if d.err != nil {
		return nil, d.err
	}
	return []string{path + "." + string(kind) + ".png"}, nil
}

type fakeSink struct {
	c   chan CaptureResult
	err error
}

func newFakeSink() *fakeSink { return &fakeSink{c: make(chan CaptureResult, 16)} }

func (s *fakeSink) Save(ctx context.Context, res CaptureResult, pass PassWindow) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.c <- res
	return int64(len(s.c)), nil
}

var errFlaky = errors.New("usb hiccup")
