package radio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

var minFreqHz = uint32(24000000)
var maxFreqHz = uint32(1766000000)
var minRate = uint32(225001)
var maxRate = uint32(3200000)

// Tuning is the receiver setup shared by the rtl_* programs.
type Tuning struct {
	Frequency  uint64
	SampleRate uint32
	// Gain in dB; zero selects automatic gain.
	Gain   float64
	PPM    int
	Device string
}

func (t Tuning) validFrequency() error {
	if t.Frequency < uint64(minFreqHz) || t.Frequency > uint64(maxFreqHz) {
		return fmt.Errorf("%d Hz: %w", t.Frequency, ErrFrequencyOutOfRange)
	}
	return nil
}

func isValidRate(rate uint32) bool {
	return !((rate <= 225000) || (rate > 3200000) ||
		((rate > 300000) && (rate <= 900000)))
}

func (t Tuning) common() []string {
	args := []string{"-f", strconv.FormatUint(t.Frequency, 10)}
	if t.Device != "" {
		args = append(args, "-d", t.Device)
	}
	if t.Gain > 0 {
		args = append(args, "-g", strconv.FormatFloat(t.Gain, 'f', 1, 64))
	}
	if t.PPM != 0 {
		args = append(args, "-p", strconv.Itoa(t.PPM))
	}
	return args
}

// SampleArgs builds rtl_sdr arguments for raw u8 IQ on stdout.
func SampleArgs(t Tuning) ([]string, error) {
	if err := t.validFrequency(); err != nil {
		return nil, err
	}
	if !isValidRate(t.SampleRate) {
		return nil, fmt.Errorf("%d sps: %w", t.SampleRate, ErrRateOutOfRange)
	}
	args := t.common()
	args = append(args, "-s", strconv.FormatUint(uint64(t.SampleRate), 10), "-")
	return args, nil
}

// FMArgs builds rtl_fm arguments for s16le audio at audioRate on stdout.
func FMArgs(t Tuning, audioRate uint32) ([]string, error) {
	if err := t.validFrequency(); err != nil {
		return nil, err
	}
	if t.SampleRate == 0 || audioRate == 0 {
		return nil, ErrRateOutOfRange
	}
	args := t.common()
	args = append(args,
		"-M", "fm",
		"-s", strconv.FormatUint(uint64(t.SampleRate), 10),
		"-r", strconv.FormatUint(uint64(audioRate), 10),
		"-E", "deemp",
		"-")
	return args, nil
}

// PowerArgs builds rtl_power arguments for one integration of length
// integration over band, split into bins of binHz.
func PowerArgs(t Tuning, band HzBand, binHz uint64, integration time.Duration) ([]string, error) {
	if err := t.validFrequency(); err != nil {
		return nil, err
	}
	secs := int(integration.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{"-f", fmt.Sprintf("%d:%d:%d", band.Begin(), band.End(), binHz)}
	if t.Device != "" {
		args = append(args, "-d", t.Device)
	}
	if t.Gain > 0 {
		args = append(args, "-g", strconv.FormatFloat(t.Gain, 'f', 1, 64))
	}
	if t.PPM != 0 {
		args = append(args, "-p", strconv.Itoa(t.PPM))
	}
	args = append(args, "-i", strconv.Itoa(secs), "-1", "-")
	return args, nil
}

// StderrClass sorts the diagnostic lines the rtl_* programs print.
type StderrClass int

const (
	StderrOther StderrClass = iota
	StderrChatter
	StderrNoDevice
	StderrUSB
)

var stderrChatter = []string{
	"Found ",
	"Using device",
	"Realtek",
	"Detached kernel driver",
	"Found Rafael Micro",
	"Found Elonics",
	"Found Fitipower",
	"Tuner gain set",
	"Tuner error set",
	"Tuned to",
	"Sampling at",
	"Output at",
	"Exact sample rate",
	"Sampling rate set",
	"Reading samples in async mode",
	"Allocating",
	"Supported gain values",
	"Buffer size",
	"Bandwidth set",
	"Signal caught",
	"User cancel",
	"[R82XX] PLL not locked",
	"Number of frequency hops",
	"Dongle bandwidth",
	"Downsampling by",
	"Cropping by",
	"Report time",
	"Frequency correction set",
	"Enabled direct sampling",
	"Oversampling input",
}

var stderrUSB = []string{
	"usb_open error",
	"usb_claim_interface error",
	"Failed to open rtlsdr device",
	"LIBUSB_ERROR",
	"rtlsdr_read_async returned",
	"Failed to submit transfer",
	"cb transfer status",
	"Kernel driver is active",
}

func ClassifyStderr(line string) StderrClass {
	switch {
	case strings.Contains(line, "No supported devices found"):
		return StderrNoDevice
	case containsAny(line, stderrUSB):
		return StderrUSB
	case strings.TrimSpace(line) == "", containsAny(line, stderrChatter):
		return StderrChatter
	}
	return StderrOther
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WatchStderr logs each line from r by class until r closes. The first
// hardware failure is passed to onHardware.
func WatchStderr(name string, r io.Reader, onHardware func(error)) {
	reported := false
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		switch c := ClassifyStderr(line); c {
		case StderrChatter:
			glog.V(2).Infof("%s: %s", name, line)
		case StderrNoDevice, StderrUSB:
			glog.Warningf("%s: %s", name, line)
			if !reported && onHardware != nil {
				reported = true
				onHardware(fmt.Errorf("%s: %q: %w", name, line, ErrHardwareUnavailable))
			}
		default:
			glog.Infof("%s: %s", name, line)
		}
	}
}
