package spectrum

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/chzchzchz/skyrx/radio"
)

type GainResult int

const (
	GainDisabled GainResult = iota
	GainCollecting
	GainAdjusted
	GainInRange
	GainLimitReached
)

func (r GainResult) String() string {
	switch r {
	case GainDisabled:
		return "disabled"
	case GainCollecting:
		return "collecting"
	case GainAdjusted:
		return "adjusted"
	case GainInRange:
		return "in_range"
	case GainLimitReached:
		return "limit_reached"
	}
	return "unknown"
}

type GainConfig struct {
	// TargetMin and TargetMax bound the wanted noise floor in dB.
	TargetMin float64 `toml:"target_min"`
	TargetMax float64 `toml:"target_max"`
	Step      float64 `toml:"step"`
	Min       float64 `toml:"min"`
	Max       float64 `toml:"max"`
	// Samples is how many frame medians are averaged per decision.
	Samples int `toml:"samples"`
}

var DefaultGainConfig = GainConfig{
	TargetMin: -80,
	TargetMax: -55,
	Step:      5,
	Min:       0,
	Max:       49.6,
	Samples:   10,
}

// GainController steers receiver gain so the noise floor lands in a
// target band.
type GainController struct {
	cfg GainConfig

	mu      sync.Mutex
	gain    float64
	enabled bool
	medians []float64
}

func NewGainController(cfg GainConfig, gain float64) *GainController {
	if cfg.Samples < 1 {
		cfg.Samples = 1
	}
	return &GainController{cfg: cfg, gain: gain}
}

// Feed takes one frame of dB bins and returns the loop's decision and the
// gain to use.
func (g *GainController) Feed(bins []float64) (GainResult, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return GainDisabled, g.gain
	}
	if len(bins) == 0 {
		return GainCollecting, g.gain
	}
	g.medians = append(g.medians, median(bins))
	if len(g.medians) < g.cfg.Samples {
		return GainCollecting, g.gain
	}
	floor := stat.Mean(g.medians, nil)
	g.medians = g.medians[:0]

	next := g.gain
	switch {
	case floor > g.cfg.TargetMax:
		next = g.clamp(g.gain - g.cfg.Step)
	case floor < g.cfg.TargetMin:
		next = g.clamp(g.gain + g.cfg.Step)
	default:
		g.enabled = false
		return GainInRange, g.gain
	}
	if next == g.gain {
		g.enabled = false
		return GainLimitReached, g.gain
	}
	g.gain = next
	return GainAdjusted, g.gain
}

func (g *GainController) clamp(v float64) float64 {
	return max(g.cfg.Min, min(g.cfg.Max, v))
}

// Enable restarts the loop with an empty sample buffer.
func (g *GainController) Enable() {
	g.mu.Lock()
	g.enabled, g.medians = true, g.medians[:0]
	g.mu.Unlock()
}

// Calibrate starts the loop from gain.
func (g *GainController) Calibrate(gain float64) {
	g.mu.Lock()
	g.gain, g.enabled, g.medians = g.clamp(gain), true, g.medians[:0]
	g.mu.Unlock()
}

// SetGain overrides the gain by hand and stops the loop.
func (g *GainController) SetGain(gain float64) {
	g.mu.Lock()
	g.gain, g.enabled = gain, false
	g.mu.Unlock()
}

func (g *GainController) Gain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gain
}

func (g *GainController) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

type BandGain struct {
	Gain       float64 `json:"gain"`
	Calibrated bool    `json:"calibrated"`
}

// BandGains remembers the gain per band so a retune into a calibrated band
// skips calibration.
type BandGains struct {
	width uint64

	mu    sync.Mutex
	bands map[string]BandGain
}

func NewBandGains(width uint64) *BandGains {
	return &BandGains{width: width, bands: make(map[string]BandGain)}
}

func (b *BandGains) key(freq uint64) string {
	return radio.HzBand{Center: freq, Width: b.width}.Key()
}

func (b *BandGains) Get(freq uint64) (BandGain, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bg, ok := b.bands[b.key(freq)]
	return bg, ok
}

func (b *BandGains) Set(freq uint64, gain float64, calibrated bool) {
	b.mu.Lock()
	b.bands[b.key(freq)] = BandGain{Gain: gain, Calibrated: calibrated}
	b.mu.Unlock()
}

// Calibrated reports whether freq's band has a settled gain.
func (b *BandGains) Calibrated(freq uint64) bool {
	bg, ok := b.Get(freq)
	return ok && bg.Calibrated
}
