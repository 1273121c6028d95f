package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chzchzchz/skyrx/skyrx"
)

type passEntry struct {
	Target       string    `toml:"target"`
	Frequency    uint64    `toml:"frequency"`
	Kind         string    `toml:"kind"`
	AOS          time.Time `toml:"aos"`
	LOS          time.Time `toml:"los"`
	MaxElevation float64   `toml:"max_elevation"`
}

// LoadPasses reads [[pass]] tables produced by an external predictor,
// ordered by AOS.
func LoadPasses(path string) ([]skyrx.PassWindow, error) {
	var f struct {
		Pass []passEntry `toml:"pass"`
	}
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("passes %s: %w", path, err)
	}
	ret := make([]skyrx.PassWindow, 0, len(f.Pass))
	for i, p := range f.Pass {
		if p.Frequency == 0 || !p.LOS.After(p.AOS) {
			return nil, fmt.Errorf("passes %s: entry %d (%s): bad frequency or window", path, i, p.Target)
		}
		ret = append(ret, skyrx.PassWindow{
			Target:       p.Target,
			Frequency:    p.Frequency,
			Kind:         skyrx.Kind(p.Kind),
			AOS:          p.AOS,
			LOS:          p.LOS,
			MaxElevation: p.MaxElevation,
		})
	}
	sort.SliceStable(ret, func(i, j int) bool { return ret[i].AOS.Before(ret[j].AOS) })
	return ret, nil
}
