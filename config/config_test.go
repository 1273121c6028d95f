package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chzchzchz/skyrx/skyrx"
)

const testConfig = `
passes_file = "passes.toml"

[device]
index = "1"
cooldown = "500ms"

[spectrum]
fft_size = 1024

[gain]
target_min = -75.0

[scheduler]
verify = false
lead = "10s"

[[scan.candidate]]
frequency = 145800000
kind = "sstv"
label = "ISS"

[decoder.sstv]
path = "/opt/sstv/wrapper.py"
args = ["{input}", "{output}"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKYRX_CAPTURE_DIR", filepath.Join(dir, "caps"))
	t.Setenv("SKYRX_OUTPUT_DIR", filepath.Join(dir, "images"))
	t.Setenv("SKYRX_DB", filepath.Join(dir, "db", "skyrx.db"))
	t.Setenv("SKYRX_PPM", "-3")
	cfg, err := Load(writeFile(t, dir, "config.toml", testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Index != "1" || cfg.Device.PPM != -3 {
		t.Fatalf("bad device %+v", cfg.Device)
	}
	if a := cfg.Device.Arbiter(); a.Cooldown != 500*time.Millisecond || a.Debounce != 300*time.Millisecond {
		t.Fatalf("bad arbiter config %+v", a)
	}
	if cfg.Spectrum.FFTSize != 1024 || cfg.Spectrum.Bandwidth == 0 {
		t.Fatalf("bad spectrum %+v", cfg.Spectrum)
	}
	if cfg.Gain.TargetMin != -75 || cfg.Gain.TargetMax != -55 {
		t.Fatalf("bad gain %+v", cfg.Gain)
	}
	sc := cfg.SchedulerConfig()
	if sc.Verify || sc.Lead != 10*time.Second || sc.VerifyAttempts != 3 || sc.SafetyMargin != time.Minute {
		t.Fatalf("bad scheduler %+v", sc)
	}
	scan := cfg.ScanConfig()
	if scan == nil || len(scan.Candidates) != 1 || scan.Candidates[0].Kind != skyrx.KindSSTV {
		t.Fatalf("bad scan %+v", scan)
	}
	if p := cfg.DecoderPrograms()[skyrx.KindSSTV]; p.Path != "/opt/sstv/wrapper.py" || len(p.Args) != 2 {
		t.Fatalf("bad decoder %+v", p)
	}
	for _, d := range []string{"caps", "images", "db"} {
		if fi, err := os.Stat(filepath.Join(dir, d)); err != nil || !fi.IsDir() {
			t.Fatalf("%s not created: %v", d, err)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatal("missing explicit file accepted")
	}
	if _, err := Load(writeFile(t, dir, "bad.toml", "[device]\ncooldown = \"soon\"\n")); err == nil {
		t.Fatal("bad duration accepted")
	}
	t.Setenv("SKYRX_PPM", "lots")
	if _, err := Load(writeFile(t, dir, "ok.toml", "")); err == nil {
		t.Fatal("bad SKYRX_PPM accepted")
	}
}

func TestLoadDefaultPathMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("SKYRX_CAPTURE_DIR", filepath.Join(dir, "caps"))
	t.Setenv("SKYRX_OUTPUT_DIR", filepath.Join(dir, "images"))
	t.Setenv("SKYRX_DB", filepath.Join(dir, "skyrx.db"))
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ScanConfig() != nil || cfg.Store.Driver != "sqlite3" {
		t.Fatalf("bad defaults %+v", cfg)
	}
}

func TestLoadPasses(t *testing.T) {
	p := writeFile(t, t.TempDir(), "passes.toml", `
[[pass]]
target = "METEOR-M2 3"
frequency = 137900000
kind = "lrpt"
aos = 2026-10-15T12:30:00Z
los = 2026-10-15T12:44:00Z
max_elevation = 72.0

[[pass]]
target = "NOAA 19"
frequency = 137100000
kind = "apt"
aos = 2026-10-15T10:00:00Z
los = 2026-10-15T10:12:00Z
`)
	passes, err := LoadPasses(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 2 || passes[0].Target != "NOAA 19" || passes[1].Duration() != 14*time.Minute {
		t.Fatalf("bad passes %+v", passes)
	}

	bad := writeFile(t, t.TempDir(), "bad.toml", `
[[pass]]
target = "NOAA 15"
frequency = 137620000
aos = 2026-10-15T10:00:00Z
los = 2026-10-15T09:00:00Z
`)
	if _, err := LoadPasses(bad); err == nil {
		t.Fatal("inverted window accepted")
	}
}
