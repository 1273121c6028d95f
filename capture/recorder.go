package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/radio/wav"
)

const fmProgram = "rtl_fm"

var (
	ErrEmptyArtifact = errors.New("recording produced no audio")
	ErrStopped       = errors.New("recording stopped early")
)

type Status string

const (
	StatusRecording Status = "recording"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Terminal reports whether a session with status s will change no more.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// Session describes one recording. Sessions handed out are copies.
type Session struct {
	ID              string    `json:"id"`
	Frequency       uint64    `json:"frequency"`
	Label           string    `json:"label,omitempty"`
	Start           time.Time `json:"startTime"`
	DurationSeconds float64   `json:"durationSeconds"`
	Status          Status    `json:"status"`
	Progress        float64   `json:"progress"`
	OutputPath      string    `json:"outputPath,omitempty"`
	Err             string    `json:"error,omitempty"`
}

// Request asks for one bounded recording.
type Request struct {
	Frequency  uint64
	Duration   time.Duration
	SampleRate uint32
	Gain       float64
	PPM        int
	Label      string
}

const DefaultSampleRate = 60000

// ProgressFunc receives the elapsed and total recording time.
type ProgressFunc func(elapsed, total time.Duration)

// Artifacts creates the files recordings are written into.
type Artifacts interface {
	Create(freq uint64, label, ext string) (*os.File, error)
}

// Recorder demodulates FM with rtl_fm into a WAV artifact.
type Recorder struct {
	launcher radio.Launcher
	arb      *device.Arbiter
	files    Artifacts

	AudioRate uint32
	// Grace bounds both the graceful stop and the wait for the artifact.
	Grace    time.Duration
	Interval time.Duration
	Device   string
}

func NewRecorder(l radio.Launcher, arb *device.Arbiter, files Artifacts) *Recorder {
	return &Recorder{
		launcher:  l,
		arb:       arb,
		files:     files,
		AudioRate: 11025,
		Grace:     5 * time.Second,
		Interval:  time.Second,
	}
}

// Recording is a running capture. It owns the receiver until it ends.
type Recording struct {
	proc     radio.Process
	f        *os.File
	w        *wav.Writer
	arb      *device.Arbiter
	total    time.Duration
	grace    time.Duration
	interval time.Duration
	progress ProgressFunc

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	// stopErr is set before donec closes.
	stopErr error

	mu   sync.Mutex
	sess Session
	err  error
}

// Start acquires the receiver and begins recording. ctx bounds only the
// acquisition; stop a running recording with Stop.
func (r *Recorder) Start(ctx context.Context, req Request, progress ProgressFunc) (*Recording, error) {
	if req.SampleRate == 0 {
		req.SampleRate = DefaultSampleRate
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("bad recording duration %v", req.Duration)
	}
	t := radio.Tuning{
		Frequency:  req.Frequency,
		SampleRate: req.SampleRate,
		Gain:       req.Gain,
		PPM:        req.PPM,
		Device:     r.Device,
	}
	args, err := radio.FMArgs(t, r.AudioRate)
	if err != nil {
		return nil, err
	}
	rec := &Recording{
		arb:      r.arb,
		total:    req.Duration,
		grace:    r.Grace,
		interval: r.Interval,
		progress: progress,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
		sess: Session{
			ID:              uuid.NewString(),
			Frequency:       req.Frequency,
			Label:           req.Label,
			DurationSeconds: req.Duration.Seconds(),
			Status:          StatusRecording,
		},
	}
	err = r.arb.TryAcquire(ctx, device.Recording, func(ctx context.Context) (device.Owner, error) {
		f, err := r.files.Create(req.Frequency, req.Label, ".wav")
		if err != nil {
			return nil, err
		}
		w, err := wav.NewWriter(f, int(r.AudioRate), 16, 1)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
		p, err := r.launcher.Launch(ctx, fmProgram, args...)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
		rec.proc, rec.f, rec.w = p, f, w
		rec.sess.OutputPath, rec.sess.Start = f.Name(), time.Now()
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("recording %s: %d Hz for %v into %s", rec.sess.ID, req.Frequency, req.Duration, rec.sess.OutputPath)
	go rec.run()
	return rec, nil
}

// Record starts a recording and waits for it to end. Cancelling ctx stops
// the recording early; the artifact is still finalized.
func (r *Recorder) Record(ctx context.Context, req Request, progress ProgressFunc) (*Session, error) {
	rec, err := r.Start(ctx, req, progress)
	if err != nil {
		return nil, err
	}
	sess, err := rec.Wait(ctx)
	return &sess, err
}

func (rec *Recording) run() {
	defer close(rec.donec)

	copyc := make(chan error, 1)
	go func() {
		_, err := io.Copy(rec.w, rec.proc.Stdout())
		copyc <- err
	}()
	hwc := make(chan error, 1)
	go radio.WatchStderr(fmProgram, rec.proc.Stderr(), func(err error) { hwc <- err })

	tick := time.NewTicker(rec.interval)
	defer tick.Stop()
	deadline := time.NewTimer(rec.total)
	defer deadline.Stop()

	var err error
	start := time.Now()
loop:
	for {
		select {
		case <-tick.C:
			rec.report(time.Since(start))
		case <-deadline.C:
			break loop
		case <-rec.stopc:
			err = ErrStopped
			break loop
		case err = <-hwc:
			break loop
		case <-rec.proc.Done():
			if err = radio.ExitError(rec.proc); err == nil {
				err = fmt.Errorf("%s exited after %v: %w", rec.proc, time.Since(start).Round(time.Millisecond), radio.ErrProcessFailed)
			}
			break loop
		}
	}

	if forced, serr := radio.StopProcess(rec.proc, rec.grace); serr != nil {
		glog.Warningf("stop %s: %v", rec.proc, serr)
		rec.stopErr = serr
	} else if forced {
		glog.Warningf("%s killed after %v", rec.proc, rec.grace)
	}
	t := time.NewTimer(rec.grace)
	select {
	case cerr := <-copyc:
		if cerr != nil && err == nil {
			err = cerr
		}
	case <-t.C:
		// Something still holds the pipe open.
		glog.Warningf("%s output not drained after %v", rec.proc, rec.grace)
		if c, ok := rec.proc.Stdout().(io.Closer); ok {
			c.Close()
		}
		<-copyc
	}
	t.Stop()
	if cerr := rec.w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := rec.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil && rec.w.DataLen() == 0 {
		err = ErrEmptyArtifact
	}
	rec.finish(time.Since(start), err)
	rec.arb.Released(rec)
}

func (rec *Recording) report(elapsed time.Duration) {
	if elapsed > rec.total {
		elapsed = rec.total
	}
	rec.mu.Lock()
	rec.sess.Progress = 100 * elapsed.Seconds() / rec.total.Seconds()
	rec.mu.Unlock()
	if rec.progress != nil {
		rec.progress(elapsed, rec.total)
	}
}

func (rec *Recording) finish(elapsed time.Duration, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.err = err
	if err != nil {
		rec.sess.Status, rec.sess.Err = StatusError, err.Error()
		glog.Warningf("recording %s failed after %v: %v", rec.sess.ID, elapsed.Round(time.Millisecond), err)
		return
	}
	rec.sess.Status, rec.sess.Progress = StatusComplete, 100
	glog.Infof("recording %s complete: %d bytes in %s", rec.sess.ID, rec.w.DataLen(), rec.sess.OutputPath)
}

// Session returns a copy of the recording's current state.
func (rec *Recording) Session() Session {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.sess
}

func (rec *Recording) Done() <-chan struct{} { return rec.donec }

func (rec *Recording) Err() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.err
}

// Stop ends the recording early and waits until the artifact is final.
func (rec *Recording) Stop(ctx context.Context) error {
	rec.stopOnce.Do(func() { close(rec.stopc) })
	select {
	case <-rec.donec:
		return rec.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the recording ends. If ctx ends first the recording is
// stopped and finalized before Wait returns.
func (rec *Recording) Wait(ctx context.Context) (Session, error) {
	select {
	case <-rec.donec:
	case <-ctx.Done():
		rec.Stop(context.Background())
	}
	return rec.Session(), rec.Err()
}
