package spectrum

import (
	"time"

	"github.com/chzchzchz/skyrx/dsp"
)

// Processor folds FFT-sized sample batches into an averaged spectrum and
// emits frames no faster than the configured update rate.
type Processor struct {
	cfg      Config
	ps       *dsp.PowerSpectrum
	avg      *dsp.Averager
	notches  *dsp.NotchSet
	lin      []float64
	interval time.Duration
	last     time.Time
}

func NewProcessor(cfg Config, window int, notches *dsp.NotchSet) *Processor {
	cfg = cfg.WithDefaults()
	return &Processor{
		cfg:      cfg,
		ps:       dsp.NewPowerSpectrum(cfg.FFTSize),
		avg:      dsp.NewAverager(window),
		notches:  notches,
		lin:      make([]float64, cfg.FFTSize),
		interval: cfg.interval(),
	}
}

// Push adds samps, which must hold FFTSize samples, and returns a frame if
// one is due at now.
func (p *Processor) Push(samps []complex64, now time.Time) (Frame, bool) {
	if len(samps) != p.cfg.FFTSize {
		return Frame{}, false
	}
	p.ps.Power(p.lin, samps)
	p.avg.Add(p.lin)
	if !p.avg.Ready() {
		return Frame{}, false
	}
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return Frame{}, false
	}
	p.last = now

	bins := p.avg.Average(make([]float64, 0, p.cfg.FFTSize))
	dsp.ToDB(bins, bins)
	f := Frame{Timestamp: now, CenterFrequency: p.cfg.Frequency, Bins: bins}
	if p.notches != nil {
		f.MinPower, f.MaxPower = p.notches.Apply(bins, float64(p.cfg.Frequency), float64(p.cfg.Bandwidth))
	} else {
		f.MinPower, f.MaxPower = dsp.MinMax(bins)
	}
	return f, true
}

// Reset drops the running average.
func (p *Processor) Reset() {
	p.avg.Reset()
	p.last = time.Time{}
}
