package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifacts lays out recordings as baseDir/<MHz>/<unixnano>.<label><ext>.
type Artifacts struct {
	baseDir string
}

func NewArtifacts(dir string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Artifacts{dir}, nil
}

func (a *Artifacts) Dir() string { return a.baseDir }

func (a *Artifacts) Create(freq uint64, label, ext string) (*os.File, error) {
	fdir := filepath.Join(a.baseDir, fmt.Sprintf("%.3f", float64(freq)/1e6))
	if err := os.MkdirAll(fdir, 0755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d", time.Now().UnixNano())
	if label = cleanLabel(label); label != "" {
		name += "." + label
	}
	fn := filepath.Join(fdir, name+ext)
	return os.OpenFile(fn, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
}

// cleanLabel keeps labels like "NOAA 19" usable as a path component.
func cleanLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == '.' || r == '/':
			return '_'
		}
		return -1
	}, strings.TrimSpace(label))
}
