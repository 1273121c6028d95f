package skyrx

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/spectrum"
)

// ScanCandidate is a frequency worth listening to between passes.
type ScanCandidate struct {
	Frequency uint64 `toml:"frequency" json:"frequency"`
	Kind      Kind   `toml:"kind" json:"kind"`
	Label     string `toml:"label" json:"label"`
}

type ScanConfig struct {
	Candidates []ScanCandidate
	// Dwell is how long each candidate is watched.
	Dwell time.Duration
	// A frame peak above Threshold-Margin dB triggers a recording.
	Threshold      float64
	Margin         float64
	RecordDuration time.Duration
	Stream         spectrum.Config
	Gain           float64
}

// Scanner listens through the candidates and records the first one that
// shows a signal.
type Scanner struct {
	p   Provider
	cfg ScanConfig
}

func NewScanner(p Provider, cfg ScanConfig) *Scanner { return &Scanner{p: p, cfg: cfg} }

type peakTracker struct {
	mu   sync.Mutex
	freq uint64
	peak float64
}

func (pt *peakTracker) reset(freq uint64) {
	pt.mu.Lock()
	pt.freq, pt.peak = freq, math.Inf(-1)
	pt.mu.Unlock()
}

func (pt *peakTracker) feed(f spectrum.Frame) {
	pt.mu.Lock()
	if f.CenterFrequency == pt.freq && f.MaxPower > pt.peak {
		pt.peak = f.MaxPower
	}
	pt.mu.Unlock()
}

func (pt *peakTracker) get() float64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.peak
}

// Scan walks the candidates once. It returns the result of a successful
// recording, nil when nothing was captured, or ctx's error when ctx ends
// first. onFreq is told each candidate as it is visited.
func (sc *Scanner) Scan(ctx context.Context, onFreq func(uint64)) (*CaptureResult, error) {
	defer func() {
		if sc.p.IsStreaming() {
			sc.p.StopStream(context.Background())
		}
	}()
	pt := &peakTracker{}
	for _, c := range sc.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onFreq != nil {
			onFreq(c.Frequency)
		}
		pt.reset(c.Frequency)
		cfg := sc.cfg.Stream
		cfg.Frequency = c.Frequency
		if err := sc.p.Stream(ctx, cfg, pt.feed); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			glog.Warningf("scan %d Hz: %v", c.Frequency, err)
			continue
		}
		if err := sleepCtx(ctx, sc.cfg.Dwell); err != nil {
			return nil, err
		}
		peak := pt.get()
		if peak <= sc.cfg.Threshold-sc.cfg.Margin {
			glog.V(1).Infof("scan %d Hz: peak %.1f dB", c.Frequency, peak)
			continue
		}
		glog.Infof("scan %d Hz: peak %.1f dB; recording %v", c.Frequency, peak, sc.cfg.RecordDuration)
		if err := sc.p.StopStream(ctx); err != nil {
			glog.Warningf("stop stream: %v", err)
		}
		res, err := sc.record(ctx, c, peak)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		glog.Warningf("scan capture at %d Hz: %v", c.Frequency, err)
	}
	return nil, nil
}

func (sc *Scanner) record(ctx context.Context, c ScanCandidate, peak float64) (*CaptureResult, error) {
	res := &CaptureResult{
		Pass: PassWindow{
			Target:    c.Label,
			Frequency: c.Frequency,
			Kind:      c.Kind,
			AOS:       time.Now(),
			LOS:       time.Now().Add(sc.cfg.RecordDuration),
		},
		Frequency: c.Frequency,
		Start:     time.Now(),
		PeakPower: peak,
	}
	req := capture.Request{
		Frequency: c.Frequency,
		Duration:  sc.cfg.RecordDuration,
		Gain:      sc.cfg.Gain,
		Label:     c.Label,
	}
	sess, err := sc.p.Record(ctx, req, nil)
	res.End = time.Now()
	if sess != nil {
		res.SessionID, res.ArtifactPath = sess.ID, sess.OutputPath
	}
	if err != nil {
		return nil, err
	}
	return res, nil
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
