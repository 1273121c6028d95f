package skyrx

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/capture"
)

var (
	ErrNoSignal   = errors.New("signal not detected")
	ErrPassMissed = errors.New("pass already over")
)

// CaptureResult is the outcome of one capture attempt, successful or not.
type CaptureResult struct {
	Pass         PassWindow `json:"pass"`
	SessionID    string     `json:"sessionId,omitempty"`
	Frequency    uint64     `json:"frequency"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	ArtifactPath string     `json:"artifactPath,omitempty"`
	Outputs      []string   `json:"outputs,omitempty"`
	Success      bool       `json:"success"`
	Err          string     `json:"error,omitempty"`
	PeakPower    float64    `json:"peakPower,omitempty"`
}

// Decoder turns a recorded artifact into products such as images. A nil
// result with a nil error means nothing was decoded.
type Decoder interface {
	Decode(ctx context.Context, artifactPath, outDir string, kind Kind) ([]string, error)
}

// Sink persists capture results and returns the record id.
type Sink interface {
	Save(ctx context.Context, res CaptureResult, pass PassWindow) (int64, error)
}

type SchedulerConfig struct {
	// Lead starts the recording this long before AOS.
	Lead time.Duration
	// SafetyMargin is how long before the recording start a scan must end.
	SafetyMargin time.Duration
	// ScanMinWindow is the least idle time worth scanning.
	ScanMinWindow time.Duration
	ErrorBackoff  time.Duration
	// IdlePoll is how often an empty queue is checked.
	IdlePoll       time.Duration
	Verify         bool
	VerifyAttempts int
	Gain           float64
	SampleRate     uint32
	OutputDir      string
}

var DefaultSchedulerConfig = SchedulerConfig{
	Lead:           30 * time.Second,
	SafetyMargin:   60 * time.Second,
	ScanMinWindow:  5 * time.Minute,
	ErrorBackoff:   10 * time.Second,
	IdlePoll:       30 * time.Second,
	Verify:         true,
	VerifyAttempts: 3,
	OutputDir:      "images",
}

// Scheduler captures queued passes one after the other and scans for
// signals in between.
type Scheduler struct {
	cfg     SchedulerConfig
	p       Provider
	queue   *PassQueue
	dec     Decoder
	sink    Sink
	scanner *Scanner
	state   *StateTracker
}

// NewScheduler builds a scheduler. scanner may be nil.
func NewScheduler(cfg SchedulerConfig, p Provider, q *PassQueue, dec Decoder, sink Sink, scanner *Scanner) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		p:       p,
		queue:   q,
		dec:     dec,
		sink:    sink,
		scanner: scanner,
		state:   NewStateTracker(),
	}
}

func (s *Scheduler) State() *StateTracker { return s.state }

func (s *Scheduler) Queue() *PassQueue { return s.queue }

// Run captures passes until ctx ends. Failures in a step are logged and
// followed by a back-off; they never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	glog.Infof("scheduler started with %d queued passes", s.queue.Len())
	for ctx.Err() == nil {
		if err := s.safeStep(ctx); err != nil && ctx.Err() == nil {
			glog.Errorf("scheduler step: %v", err)
			s.state.setIdle()
			sleepCtx(ctx, s.cfg.ErrorBackoff)
		}
	}
	s.state.setIdle()
	return ctx.Err()
}

func (s *Scheduler) safeStep(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.step(ctx)
}

func (s *Scheduler) step(ctx context.Context) error {
	pass, ok := s.queue.Next(time.Now())
	if !ok {
		s.state.setIdle()
		return sleepCtx(ctx, s.cfg.IdlePoll)
	}
	glog.Infof("next pass %v", pass)
	s.state.set(StateWaiting, &pass)
	if err := s.wait(ctx, pass); err != nil {
		return err
	}
	res := s.capture(ctx, pass)
	s.finish(ctx, res)
	s.state.setIdle()
	return nil
}

// wait sleeps until the recording start, scanning meanwhile when there is
// room for it.
func (s *Scheduler) wait(ctx context.Context, pass PassWindow) error {
	start := pass.AOS.Add(-s.cfg.Lead)
	for {
		left := time.Until(start)
		if left <= 0 {
			return nil
		}
		if s.scanner == nil || left-s.cfg.SafetyMargin <= s.cfg.ScanMinWindow {
			return sleepCtx(ctx, left)
		}
		if err := s.scan(ctx, start.Add(-s.cfg.SafetyMargin)); err != nil {
			return err
		}
		s.state.set(StateWaiting, &pass)
	}
}

func (s *Scheduler) scan(ctx context.Context, until time.Time) error {
	sctx, cancel := context.WithDeadline(ctx, until)
	defer cancel()
	glog.Infof("scanning until %s", until.Format(time.TimeOnly))
	res, err := s.scanner.Scan(sctx, s.state.setScanning)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		glog.Warningf("scan: %v", err)
	}
	if res != nil {
		res.Success = true
		s.finish(ctx, *res)
		return nil
	}
	// Nothing heard on a full sweep; sit out the rest of the window.
	if err == nil {
		sleepCtx(sctx, time.Until(until))
	}
	return ctx.Err()
}

func (s *Scheduler) capture(ctx context.Context, pass PassWindow) CaptureResult {
	s.state.set(StateCapturing, &pass)
	res := CaptureResult{Pass: pass, Frequency: pass.Frequency, Start: time.Now()}
	fail := func(err error) CaptureResult {
		res.End, res.Err = time.Now(), err.Error()
		glog.Warningf("capture %v: %v", pass, err)
		return res
	}

	if s.cfg.Verify {
		ok, err := s.p.VerifySignal(ctx, pass.Frequency, s.cfg.Gain, s.cfg.VerifyAttempts)
		if err != nil {
			return fail(fmt.Errorf("verify: %w", err))
		}
		if !ok {
			return fail(ErrNoSignal)
		}
	}
	d := time.Until(pass.LOS)
	if d <= 0 {
		return fail(ErrPassMissed)
	}
	req := capture.Request{
		Frequency:  pass.Frequency,
		Duration:   d,
		SampleRate: s.cfg.SampleRate,
		Gain:       s.cfg.Gain,
		Label:      pass.Target,
	}
	progress := func(elapsed, total time.Duration) {
		s.state.setProgress(100 * elapsed.Seconds() / total.Seconds())
	}
	sess, err := s.p.Record(ctx, req, progress)
	if sess != nil {
		res.SessionID, res.ArtifactPath = sess.ID, sess.OutputPath
	}
	if err != nil {
		return fail(err)
	}
	res.End, res.Success = time.Now(), true
	return res
}

// finish decodes whatever was recorded and persists the result.
func (s *Scheduler) finish(ctx context.Context, res CaptureResult) {
	pass := res.Pass
	s.state.set(StateDecoding, &pass)
	if res.ArtifactPath != "" && s.dec != nil {
		outs, err := s.dec.Decode(ctx, res.ArtifactPath, s.cfg.OutputDir, pass.Kind)
		switch {
		case err != nil:
			glog.Warningf("decode %s: %v", res.ArtifactPath, err)
			if res.Err == "" {
				res.Err = "decode: " + err.Error()
			}
			res.Success = false
		case len(outs) == 0:
			glog.Infof("nothing decoded from %s", res.ArtifactPath)
		default:
			res.Outputs = outs
		}
	}
	if s.sink == nil {
		return
	}
	id, err := s.sink.Save(ctx, res, pass)
	if err != nil {
		glog.Errorf("save result for %v: %v", pass, err)
		return
	}
	glog.Infof("saved capture %d for %v (success=%v)", id, pass, res.Success)
}
