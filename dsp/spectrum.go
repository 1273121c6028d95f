// Package dsp holds the spectrum math: windowing, power spectra, averaging
// and notch filtering.
package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// PowerFloor is the dB value reported for bins with negligible power.
const PowerFloor = -120.0

var powerFloorLinear = math.Pow(10, PowerFloor/10)

// Hamming returns an n-point Hamming window.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// PowerSpectrum computes windowed, DC-centred power spectra of a fixed size.
type PowerSpectrum struct {
	n   int
	fft *fourier.CmplxFFT
	win []float64
	in  []complex128
	out []complex128
}

func NewPowerSpectrum(n int) *PowerSpectrum {
	return &PowerSpectrum{
		n:   n,
		fft: fourier.NewCmplxFFT(n),
		win: Hamming(n),
		in:  make([]complex128, n),
		out: make([]complex128, n),
	}
}

func (ps *PowerSpectrum) Size() int { return ps.n }

// Power writes |X|^2/N^2 of samps into dst with DC in the middle bin.
// len(samps) and len(dst) must equal Size().
func (ps *PowerSpectrum) Power(dst []float64, samps []complex64) {
	for i, s := range samps {
		ps.in[i] = complex(float64(real(s))*ps.win[i], float64(imag(s))*ps.win[i])
	}
	ps.out = ps.fft.Coefficients(ps.out, ps.in)
	n2 := float64(ps.n) * float64(ps.n)
	half := ps.n / 2
	for i := range dst {
		x := ps.out[(i+half)%ps.n]
		dst[i] = (real(x)*real(x) + imag(x)*imag(x)) / n2
	}
}

// ToDB converts linear power to dB, clamping at PowerFloor.
func ToDB(dst, src []float64) {
	for i, p := range src {
		if p <= powerFloorLinear {
			dst[i] = PowerFloor
			continue
		}
		dst[i] = 10 * math.Log10(p)
	}
}

// MinMax returns the extremes of bins.
func MinMax(bins []float64) (min, max float64) {
	if len(bins) == 0 {
		return 0, 0
	}
	return floats.Min(bins), floats.Max(bins)
}
