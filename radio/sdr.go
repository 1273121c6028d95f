package radio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
)

var ErrRateOutOfRange = errors.New("sample rate out of range")
var ErrFrequencyOutOfRange = errors.New("frequency out of range")

// ErrHardwareUnavailable means no receiver was found or USB I/O failed.
var ErrHardwareUnavailable = errors.New("sdr hardware unavailable")

// ErrProcessFailed is a sampling process that exited on its own with an error.
var ErrProcessFailed = errors.New("sdr process failed")

// ErrTerminationTimeout is a process that outlived its forced kill.
var ErrTerminationTimeout = errors.New("process termination timed out")

type SDRFormat struct {
	BitDepth   uint   `json:"bit_depth"`
	CenterHz   uint64 `json:"center_hz"`
	SampleRate uint32 `json:"sample_rate"`
}

type SDRHWInfo struct {
	Id   string `json:"id"`
	Name string `json:"name"`

	MinHz         uint64 `json:"min_hz"`
	MaxHz         uint64 `json:"max_hz"`
	MinSampleRate uint32 `json:"min_sample_rate"`
	MaxSampleRate uint32 `json:"max_sample_rate"`
}

var deviceLineRE = regexp.MustCompile(`^\s*(\d+):\s+(.+)$`)

// SDRList probes for attached receivers with rtl_test.
func SDRList(ctx context.Context, l Launcher) ([]SDRHWInfo, error) {
	p, err := l.Launch(ctx, "rtl_test", "-t")
	if err != nil {
		return nil, err
	}
	// rtl_test writes the device list to stderr.
	go io.Copy(io.Discard, p.Stdout())
	infos, err := parseSDRList(p.Stderr())
	<-p.Done()
	return infos, err
}

func parseSDRList(r io.Reader) (ret []SDRHWInfo, err error) {
	s := bufio.NewScanner(r)
	found := false
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, "Found "):
			found = true
		case strings.Contains(line, "No supported devices found"):
			return nil, ErrHardwareUnavailable
		case found:
			m := deviceLineRE.FindStringSubmatch(line)
			if m == nil {
				found = false
				continue
			}
			ret = append(ret, SDRHWInfo{
				Id:            m[1],
				Name:          strings.TrimSpace(m[2]),
				MinHz:         uint64(minFreqHz),
				MaxHz:         uint64(maxFreqHz),
				MinSampleRate: minRate,
				MaxSampleRate: maxRate,
			})
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(ret) == 0 {
		return nil, ErrHardwareUnavailable
	}
	return ret, nil
}
