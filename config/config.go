// Package config loads skyrx settings from defaults, a TOML file and
// SKYRX_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/decoder"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/spectrum"
	"github.com/chzchzchz/skyrx/store"
)

// Duration reads TOML strings such as "300ms" or "2m".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(b))
	return err
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type DeviceConfig struct {
	// Index is passed to the rtl_* programs as -d.
	Index    string   `toml:"index"`
	PPM      int      `toml:"ppm"`
	Cooldown Duration `toml:"cooldown"`
	Debounce Duration `toml:"debounce"`
}

func (d DeviceConfig) Arbiter() device.Config {
	return device.Config{Cooldown: d.Cooldown.Duration, Debounce: d.Debounce.Duration}
}

type SpectrumConfig struct {
	Frequency  uint64  `toml:"frequency"`
	Bandwidth  uint32  `toml:"bandwidth"`
	FFTSize    int     `toml:"fft_size"`
	UpdateRate float64 `toml:"update_rate"`
	Gain       float64 `toml:"gain"`
	AutoGain   bool    `toml:"auto_gain"`
	// Grace is how long the engine outlives its last subscriber.
	Grace Duration `toml:"grace"`
}

func (s SpectrumConfig) Stream(ppm int) spectrum.Config {
	return spectrum.Config{
		Frequency:  s.Frequency,
		Bandwidth:  s.Bandwidth,
		FFTSize:    s.FFTSize,
		Gain:       s.Gain,
		UpdateRate: s.UpdateRate,
		PPM:        ppm,
	}
}

type CaptureConfig struct {
	Dir         string   `toml:"dir"`
	SampleRate  uint32   `toml:"sample_rate"`
	AudioRate   uint32   `toml:"audio_rate"`
	Grace       Duration `toml:"grace"`
	Threshold   float64  `toml:"threshold"`
	VerifyDelay Duration `toml:"verify_delay"`
}

type SchedulerConfig struct {
	Lead           Duration `toml:"lead"`
	SafetyMargin   Duration `toml:"safety_margin"`
	ScanMinWindow  Duration `toml:"scan_min_window"`
	ErrorBackoff   Duration `toml:"error_backoff"`
	IdlePoll       Duration `toml:"idle_poll"`
	Verify         bool     `toml:"verify"`
	VerifyAttempts int      `toml:"verify_attempts"`
	Gain           float64  `toml:"gain"`
	OutputDir      string   `toml:"output_dir"`
}

type ScanConfig struct {
	Candidates     []skyrx.ScanCandidate `toml:"candidate"`
	Dwell          Duration              `toml:"dwell"`
	Threshold      float64               `toml:"threshold"`
	Margin         float64               `toml:"margin"`
	RecordDuration Duration              `toml:"record_duration"`
}

type StoreConfig struct {
	// Driver is "sqlite3" or "mysql".
	Driver string            `toml:"driver"`
	SQLite string            `toml:"sqlite_path"`
	MySQL  store.MySQLConfig `toml:"mysql"`
}

type RelayConfig struct {
	// Listen is where `skyrx relay` serves.
	Listen string `toml:"listen"`
	// Endpoint selects the remote provider when set.
	Endpoint     string   `toml:"endpoint"`
	PollInterval Duration `toml:"poll_interval"`
}

type Config struct {
	Device    DeviceConfig               `toml:"device"`
	Spectrum  SpectrumConfig             `toml:"spectrum"`
	Gain      spectrum.GainConfig        `toml:"gain"`
	Capture   CaptureConfig              `toml:"capture"`
	Scheduler SchedulerConfig            `toml:"scheduler"`
	Scan      ScanConfig                 `toml:"scan"`
	Store     StoreConfig                `toml:"store"`
	Relay     RelayConfig                `toml:"relay"`
	Decoders  map[string]decoder.Program `toml:"decoder"`

	// Listen is the observer API address of `skyrx serve`.
	Listen     string `toml:"listen"`
	PassesFile string `toml:"passes_file"`
}

func Default() *Config {
	sc := skyrx.DefaultSchedulerConfig
	return &Config{
		Device: DeviceConfig{
			Cooldown: Duration{device.DefaultConfig.Cooldown},
			Debounce: Duration{device.DefaultConfig.Debounce},
		},
		Spectrum: SpectrumConfig{
			Frequency:  137500000,
			Bandwidth:  spectrum.DefaultBandwidth,
			FFTSize:    spectrum.DefaultFFTSize,
			UpdateRate: spectrum.DefaultUpdateRate,
			Grace:      Duration{3 * time.Second},
		},
		Gain: spectrum.DefaultGainConfig,
		Capture: CaptureConfig{
			Dir:         "captures",
			SampleRate:  capture.DefaultSampleRate,
			AudioRate:   11025,
			Grace:       Duration{5 * time.Second},
			Threshold:   -25,
			VerifyDelay: Duration{2 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Lead:           Duration{sc.Lead},
			SafetyMargin:   Duration{sc.SafetyMargin},
			ScanMinWindow:  Duration{sc.ScanMinWindow},
			ErrorBackoff:   Duration{sc.ErrorBackoff},
			IdlePoll:       Duration{sc.IdlePoll},
			Verify:         sc.Verify,
			VerifyAttempts: sc.VerifyAttempts,
			OutputDir:      sc.OutputDir,
		},
		Scan: ScanConfig{
			Dwell:          Duration{10 * time.Second},
			Threshold:      -30,
			Margin:         5,
			RecordDuration: Duration{2 * time.Minute},
		},
		Store: StoreConfig{Driver: "sqlite3", SQLite: "skyrx.db"},
		Relay: RelayConfig{
			Listen:       ":8081",
			PollInterval: Duration{time.Second},
		},
		Listen: ":8080",
	}
}

// Load reads path, or the user config file when path is empty, over the
// defaults. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = configFilePath()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Capture.Dir, cfg.Scheduler.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if cfg.Store.Driver == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLite), 0o755); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SKYRX_DEVICE"); v != "" {
		cfg.Device.Index = v
	}
	if v := os.Getenv("SKYRX_PPM"); v != "" {
		ppm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SKYRX_PPM: %w", err)
		}
		cfg.Device.PPM = ppm
	}
	if v := os.Getenv("SKYRX_CAPTURE_DIR"); v != "" {
		cfg.Capture.Dir = expandTilde(v)
	}
	if v := os.Getenv("SKYRX_OUTPUT_DIR"); v != "" {
		cfg.Scheduler.OutputDir = expandTilde(v)
	}
	if v := os.Getenv("SKYRX_DB"); v != "" {
		cfg.Store.SQLite = expandTilde(v)
	}
	if v := os.Getenv("SKYRX_RELAY_ENDPOINT"); v != "" {
		cfg.Relay.Endpoint = v
	}
	if v := os.Getenv("SKYRX_RELAY_LISTEN"); v != "" {
		cfg.Relay.Listen = v
	}
	if v := os.Getenv("SKYRX_LISTEN"); v != "" {
		cfg.Listen = v
	}
	cfg.Capture.Dir = expandTilde(cfg.Capture.Dir)
	cfg.Scheduler.OutputDir = expandTilde(cfg.Scheduler.OutputDir)
	cfg.Store.SQLite = expandTilde(cfg.Store.SQLite)
	return nil
}

func configFilePath() string {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "skyrx")
	} else if home, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(home, ".config", "skyrx")
	} else {
		return ""
	}
	return filepath.Join(configDir, "config.toml")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func (c *Config) SchedulerConfig() skyrx.SchedulerConfig {
	s := c.Scheduler
	return skyrx.SchedulerConfig{
		Lead:           s.Lead.Duration,
		SafetyMargin:   s.SafetyMargin.Duration,
		ScanMinWindow:  s.ScanMinWindow.Duration,
		ErrorBackoff:   s.ErrorBackoff.Duration,
		IdlePoll:       s.IdlePoll.Duration,
		Verify:         s.Verify,
		VerifyAttempts: s.VerifyAttempts,
		Gain:           s.Gain,
		SampleRate:     c.Capture.SampleRate,
		OutputDir:      s.OutputDir,
	}
}

// ScanConfig returns nil settings when no candidates are configured.
func (c *Config) ScanConfig() *skyrx.ScanConfig {
	if len(c.Scan.Candidates) == 0 {
		return nil
	}
	s := c.Scan
	return &skyrx.ScanConfig{
		Candidates:     s.Candidates,
		Dwell:          s.Dwell.Duration,
		Threshold:      s.Threshold,
		Margin:         s.Margin,
		RecordDuration: s.RecordDuration.Duration,
		Stream:         c.Spectrum.Stream(c.Device.PPM),
		Gain:           c.Scheduler.Gain,
	}
}

func (c *Config) DecoderPrograms() map[skyrx.Kind]decoder.Program {
	ret := make(map[skyrx.Kind]decoder.Program, len(c.Decoders))
	for k, v := range c.Decoders {
		ret[skyrx.Kind(k)] = v
	}
	return ret
}

func (c *Config) OpenHistory() (*store.History, error) {
	switch c.Store.Driver {
	case "sqlite3", "sqlite", "":
		return store.OpenSQLite(c.Store.SQLite)
	case "mysql":
		return store.OpenMySQL(c.Store.MySQL)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}
