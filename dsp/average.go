package dsp

// Averager is an exponential moving average over power spectra with
// smoothing factor 1/window.
type Averager struct {
	alpha float64
	avg   []float64
	n     int
}

func NewAverager(window int) *Averager {
	if window < 1 {
		window = 1
	}
	return &Averager{alpha: 1 / float64(window)}
}

func (a *Averager) Add(p []float64) {
	if a.n == 0 || len(a.avg) != len(p) {
		a.avg = append(a.avg[:0], p...)
		a.n = 1
		return
	}
	for i, v := range p {
		a.avg[i] += a.alpha * (v - a.avg[i])
	}
	a.n++
}

// Count is the number of spectra folded in since the last Reset.
func (a *Averager) Count() int { return a.n }

// Ready reports whether enough spectra were averaged to emit.
func (a *Averager) Ready() bool { return a.n >= 2 }

// Average copies the current average into dst.
func (a *Averager) Average(dst []float64) []float64 {
	return append(dst[:0], a.avg...)
}

func (a *Averager) Reset() {
	a.avg, a.n = nil, 0
}
