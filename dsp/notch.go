package dsp

import (
	"math"
	"sort"
	"sync"
)

// NotchTolerance is the distance in Hz under which two notches are the same.
const NotchTolerance = 1000.0

const notchGuardBins = 2

type Notch struct {
	Center    float64 `json:"center"`
	HalfWidth float64 `json:"halfWidth"`
	Enabled   bool    `json:"enabled"`
}

// NotchSet is a set of notches keyed by proximity of their centers.
type NotchSet struct {
	mu      sync.RWMutex
	notches []Notch
}

func NewNotchSet(ns ...Notch) *NotchSet {
	s := &NotchSet{}
	for _, n := range ns {
		s.Add(n.Center, n.HalfWidth)
		if !n.Enabled {
			s.SetEnabled(n.Center, false)
		}
	}
	return s
}

func (s *NotchSet) find(center float64) int {
	for i, n := range s.notches {
		if math.Abs(n.Center-center) < NotchTolerance {
			return i
		}
	}
	return -1
}

// Add inserts an enabled notch, or updates the half width of the notch
// already within tolerance of center.
func (s *NotchSet) Add(center, halfWidth float64) Notch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.find(center); i >= 0 {
		s.notches[i].HalfWidth, s.notches[i].Enabled = halfWidth, true
		return s.notches[i]
	}
	n := Notch{Center: center, HalfWidth: halfWidth, Enabled: true}
	s.notches = append(s.notches, n)
	sort.Slice(s.notches, func(i, j int) bool { return s.notches[i].Center < s.notches[j].Center })
	return n
}

func (s *NotchSet) Remove(center float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(center)
	if i < 0 {
		return false
	}
	s.notches = append(s.notches[:i], s.notches[i+1:]...)
	return true
}

func (s *NotchSet) SetEnabled(center float64, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(center)
	if i < 0 {
		return false
	}
	s.notches[i].Enabled = on
	return true
}

func (s *NotchSet) Clear() {
	s.mu.Lock()
	s.notches = nil
	s.mu.Unlock()
}

// List returns a copy of the notches ordered by center.
func (s *NotchSet) List() []Notch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notch(nil), s.notches...)
}

func (s *NotchSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notches)
}

// Apply replaces the dB bins covered by each enabled notch with the mean
// of the bins just outside it, then returns the new extremes. bins are
// DC-centred around centerHz and span sampleRate.
func (s *NotchSet) Apply(bins []float64, centerHz, sampleRate float64) (min, max float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(bins)
	if n > 0 && sampleRate > 0 {
		binHz := sampleRate / float64(n)
		for _, nt := range s.notches {
			if nt.Enabled {
				notchBins(bins, centerHz, binHz, nt)
			}
		}
	}
	return MinMax(bins)
}

func notchBins(bins []float64, centerHz, binHz float64, nt Notch) {
	n := len(bins)
	toBin := func(hz float64) float64 { return (hz-centerHz)/binHz + float64(n/2) }
	lo := int(math.Ceil(toBin(nt.Center - nt.HalfWidth)))
	hi := int(math.Floor(toBin(nt.Center + nt.HalfWidth)))
	if hi < 0 || lo >= n {
		return
	}
	lo, hi = max(lo, 0), min(hi, n-1)
	if lo > hi {
		return
	}
	sum, cnt := 0.0, 0
	if l := lo - 1 - notchGuardBins; l >= 0 {
		sum, cnt = sum+bins[l], cnt+1
	}
	if r := hi + 1 + notchGuardBins; r < n {
		sum, cnt = sum+bins[r], cnt+1
	}
	if cnt == 0 {
		return
	}
	fill := sum / float64(cnt)
	for i := lo; i <= hi; i++ {
		bins[i] = fill
	}
}
