package skyrx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/spectrum"
)

// rtlScript stands in for every rtl_* program, keyed on $0.
const rtlScript = `case "$0" in
rtl_sdr) exec cat /dev/zero ;;
rtl_fm) head -c 2000 /dev/zero; exec sleep 5 ;;
rtl_power) echo "2025-03-01, 10:00:00, 137050000, 137150000, 1000.00, 16, -10.0, -12.0" ;;
esac`

type shLauncher struct{ script string }

func (l shLauncher) Launch(ctx context.Context, name string, args ...string) (radio.Process, error) {
	return radio.ExecLauncher{}.Launch(ctx, "/bin/sh", append([]string{"-c", l.script, name}, args...)...)
}

type dirArtifacts string

func (d dirArtifacts) Create(freq uint64, label, ext string) (*os.File, error) {
	return os.Create(filepath.Join(string(d), fmt.Sprintf("%d%s", freq, ext)))
}

func newTestLocal(t *testing.T) *Local {
	l := shLauncher{rtlScript}
	arb := device.NewArbiter(device.Config{})
	hub := spectrum.NewHub(spectrum.NewEngine(l, nil), arb, nil, nil)
	hub.Grace = 50 * time.Millisecond
	rec := capture.NewRecorder(l, arb, dirArtifacts(t.TempDir()))
	rec.Grace = time.Second
	return NewLocal(hub, rec, capture.NewChecker(l, arb), arb)
}

var localStream = spectrum.Config{Frequency: 137100000, Bandwidth: 2048000, FFTSize: 256, UpdateRate: 50}

func frameSink() (FrameFunc, <-chan spectrum.Frame) {
	c := make(chan spectrum.Frame, 1)
	return func(f spectrum.Frame) {
		select {
		case c <- f:
		default:
		}
	}, c
}

func recvFrame(t *testing.T, c <-chan spectrum.Frame, freq uint64) spectrum.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-c:
			if f.CenterFrequency == freq {
				return f
			}
		case <-deadline:
			t.Fatalf("no frame at %d Hz", freq)
		}
	}
}

func TestLocalStreamRetuneAndPreempt(t *testing.T) {
	lp := newTestLocal(t)
	ctx := context.TODO()
	fn, c := frameSink()
	if err := lp.Stream(ctx, localStream, fn); err != nil {
		t.Fatal(err)
	}
	if f := recvFrame(t, c, localStream.Frequency); len(f.Bins) != 256 {
		t.Fatalf("got %d bins", len(f.Bins))
	}
	if !lp.IsStreaming() {
		t.Fatal("not streaming")
	}

	// Streaming again retunes and moves frames to the new callback.
	fn2, c2 := frameSink()
	cfg := localStream
	cfg.Frequency = 137912500
	if err := lp.Stream(ctx, cfg, fn2); err != nil {
		t.Fatal(err)
	}
	recvFrame(t, c2, cfg.Frequency)

	sess, err := lp.Record(ctx, capture.Request{Frequency: 137100000, Duration: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != capture.StatusComplete {
		t.Fatalf("bad session %+v", sess)
	}
	deadline := time.Now().Add(5 * time.Second)
	for lp.IsStreaming() {
		if time.Now().After(deadline) {
			t.Fatal("stream survived recording")
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := lp.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.Mode != device.Idle {
		t.Fatalf("bad status %+v", st)
	}
}

func TestLocalCheckSignal(t *testing.T) {
	lp := newTestLocal(t)
	r, err := lp.CheckSignal(context.TODO(), 137100000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Power != -11 || !r.Detected {
		t.Fatalf("bad reading %+v", r)
	}
	ok, err := lp.VerifySignal(context.TODO(), 137100000, 0, 1)
	if err != nil || !ok {
		t.Fatalf("verify %v %v", ok, err)
	}
}
