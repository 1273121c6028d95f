package decoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chzchzchz/skyrx/skyrx"
)

func shProgram(script string) Program {
	return Program{Path: "/bin/sh", Args: []string{"-c", script, "decoder", "{input}", "{output}"}}
}

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		name   string
		script string
		outs   int
		err    bool
	}{
		{"success", `echo "SUCCESS: Saved image to $2"; echo png > "$2"`, 1, false},
		{"no signal", `echo "FAILED: No SSTV signal detected"; exit 1`, 0, false},
		{"error line", `echo "ERROR: Failed to decode: bad header"; exit 1`, 0, true},
		{"crash", `exit 2`, 0, true},
		{"clean exit no image", `echo "SUCCESS: sure"`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := filepath.Join(dir, "1700000000.ISS.wav")
			if err := os.WriteFile(in, []byte("RIFF"), 0644); err != nil {
				t.Fatal(err)
			}
			c := NewCommand(map[skyrx.Kind]Program{skyrx.KindSSTV: shProgram(tt.script)})
			outs, err := c.Decode(context.TODO(), in, filepath.Join(dir, "images"), skyrx.KindSSTV)
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if len(outs) != tt.outs {
				t.Fatalf("outputs %v", outs)
			}
			if tt.outs == 1 && outs[0] != filepath.Join(dir, "images", "1700000000.ISS.png") {
				t.Fatalf("bad output path %q", outs[0])
			}
		})
	}
}

func TestDecodeUnsupportedKind(t *testing.T) {
	c := &Command{}
	if _, err := c.Decode(context.TODO(), "x.wav", t.TempDir(), skyrx.KindAPT); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestDecodeMissingProgram(t *testing.T) {
	c := NewCommand(map[skyrx.Kind]Program{skyrx.KindAPT: {Path: "/nonexistent/noaa-apt"}})
	if _, err := c.Decode(context.TODO(), "x.wav", t.TempDir(), skyrx.KindAPT); err == nil {
		t.Fatal("expected launch error")
	}
}

func TestDecodeCancel(t *testing.T) {
	c := NewCommand(map[skyrx.Kind]Program{skyrx.KindAPT: shProgram(`exec sleep 10`)})
	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	if _, err := c.Decode(ctx, "x.wav", t.TempDir(), skyrx.KindAPT); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
}
