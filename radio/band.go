package radio

import "fmt"

type HzBand struct {
	Center uint64 `json:"center_hz"`
	Width  uint64 `json:"width_hz"`
}

func (hzb HzBand) Begin() uint64 {
	if hzb.Width/2 > hzb.Center {
		return 0
	}
	return hzb.Center - hzb.Width/2
}

func (hzb HzBand) End() uint64 { return hzb.Center + hzb.Width/2 }

func (hzb HzBand) Contains(hz uint64) bool { return hz >= hzb.Begin() && hz <= hzb.End() }

// Key names the band slot of width Width that contains Center.
func (hzb HzBand) Key() string {
	if hzb.Width == 0 {
		return fmt.Sprintf("%d", hzb.Center)
	}
	slot := hzb.Center / hzb.Width
	return fmt.Sprintf("%d+%d", slot*hzb.Width, hzb.Width)
}

func (hzb HzBand) String() string {
	return fmt.Sprintf("%.3fMHz[%dHz]", float64(hzb.Center)/1e6, hzb.Width)
}
