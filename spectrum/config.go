// Package spectrum turns a receiver's IQ stream into averaged, notched
// power-spectrum frames and shares them among subscribers.
package spectrum

import "time"

const (
	DefaultFFTSize    = 2048
	DefaultBandwidth  = 2048000
	DefaultUpdateRate = 10.0
	DefaultWindow     = 8
)

// Config is the setup of one spectrum stream.
type Config struct {
	Frequency uint64 `json:"frequency"`
	// Bandwidth is the receiver sample rate in Hz.
	Bandwidth  uint32  `json:"bandwidth"`
	FFTSize    int     `json:"fftSize"`
	Gain       float64 `json:"gain"`
	UpdateRate float64 `json:"updateRate"`
	PPM        int     `json:"ppm,omitempty"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Bandwidth == 0 {
		c.Bandwidth = DefaultBandwidth
	}
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.UpdateRate <= 0 {
		c.UpdateRate = DefaultUpdateRate
	}
	return c
}

func (c Config) interval() time.Duration {
	return time.Duration(float64(time.Second) / c.UpdateRate)
}

// Frame is one emitted power spectrum, DC-centred, in dB.
type Frame struct {
	Timestamp       time.Time `json:"timestamp"`
	CenterFrequency uint64    `json:"centerFrequency"`
	Bins            []float64 `json:"bins"`
	MinPower        float64   `json:"minPower"`
	MaxPower        float64   `json:"maxPower"`
}

// Copy returns a frame that shares no memory with f.
func (f Frame) Copy() Frame {
	f.Bins = append([]float64(nil), f.Bins...)
	return f
}
