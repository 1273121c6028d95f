package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/relay"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/spectrum"
)

// rtlScript stands in for every rtl_* program, keyed on $0.
const rtlScript = `case "$0" in
rtl_sdr) exec cat /dev/zero ;;
rtl_fm) head -c 4000 /dev/zero; exec sleep 5 ;;
rtl_power) echo "2025-03-01, 10:00:00, 137050000, 137150000, 1000.00, 16, -20.0, -22.0" ;;
esac`

type shLauncher struct{}

func (shLauncher) Launch(ctx context.Context, name string, args ...string) (radio.Process, error) {
	return radio.ExecLauncher{}.Launch(ctx, "/bin/sh", append([]string{"-c", rtlScript, name}, args...)...)
}

type dirArtifacts string

func (d dirArtifacts) Create(freq uint64, label, ext string) (*os.File, error) {
	return os.CreateTemp(string(d), fmt.Sprintf("%d-*%s", freq, ext))
}

func newTestServer(t *testing.T) *Server {
	arb := device.NewArbiter(device.Config{})
	hub := spectrum.NewHub(spectrum.NewEngine(shLauncher{}, nil), arb, nil, nil)
	rec := capture.NewRecorder(shLauncher{}, arb, dirArtifacts(t.TempDir()))
	rec.Grace = time.Second
	s := NewServer(skyrx.NewLocal(hub, rec, capture.NewChecker(shLauncher{}, arb), arb))
	t.Cleanup(s.Close)
	return s
}

var testStart = relay.StartRequest{Frequency: 137100000, DurationSeconds: 0.3, Label: "NOAA 19"}

func waitTerminal(t *testing.T, s *Server, id string) capture.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := s.Session(id)
		if err != nil {
			t.Fatal(err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never finished", id)
	return capture.Session{}
}

func TestConcurrentStart(t *testing.T) {
	s := newTestServer(t)
	type result struct {
		id  string
		err error
	}
	resc := make(chan result, 5)
	for i := 0; i < 5; i++ {
		go func() {
			id, err := s.StartCapture(context.TODO(), testStart)
			resc <- result{id, err}
		}()
	}
	var ids []string
	for i := 0; i < 5; i++ {
		r := <-resc
		switch {
		case r.err == nil:
			ids = append(ids, r.id)
		case !errors.Is(r.err, device.ErrConflict):
			t.Fatalf("unexpected error %v", r.err)
		}
	}
	if len(ids) != 1 {
		t.Fatalf("expected one session, got %v", ids)
	}
	if n := len(s.Sessions()); n != 1 {
		t.Fatalf("session table has %d entries", n)
	}

	if _, err := s.Artifact(ids[0]); !errors.Is(err, relay.ErrNotReady) && err != nil {
		t.Fatalf("artifact of running session: %v", err)
	}
	sess := waitTerminal(t, s, ids[0])
	if sess.Status != capture.StatusComplete {
		t.Fatalf("bad session %+v", sess)
	}
	path, err := s.Artifact(ids[0])
	if err != nil {
		t.Fatal(err)
	}

	// Finished sessions no longer block new ones.
	id2, err := s.StartCapture(context.TODO(), testStart)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, s, id2)

	if err := s.Reap(context.TODO(), ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("artifact survived reap: %v", err)
	}
	if _, err := s.Session(ids[0]); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("reaped session still present: %v", err)
	}
}

func TestReapStopsRecording(t *testing.T) {
	s := newTestServer(t)
	req := testStart
	req.DurationSeconds = 60
	id, err := s.StartCapture(context.TODO(), req)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := s.Reap(context.TODO(), id); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("reap did not stop the recording")
	}
	if _, err := s.StartCapture(context.TODO(), testStart); err != nil {
		t.Fatalf("start after reap: %v", err)
	}
}

func TestCheckAndStatus(t *testing.T) {
	s := newTestServer(t)
	r, err := s.Check(context.TODO(), relay.CheckRequest{Frequency: 137100000})
	if err != nil {
		t.Fatal(err)
	}
	if r.Power != -21 || !r.Detected {
		t.Fatalf("bad reading %+v", r)
	}
	st, err := s.Status(context.TODO())
	if err != nil || !st.Connected || st.Mode != device.Idle {
		t.Fatalf("bad status %+v %v", st, err)
	}
}

func TestStopKeepsPartialArtifact(t *testing.T) {
	s := newTestServer(t)
	req := testStart
	req.DurationSeconds = 60
	id, err := s.StartCapture(context.TODO(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Artifact(id); !errors.Is(err, relay.ErrNotReady) {
		t.Fatalf("artifact of running session: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	sess, err := s.Stop(context.TODO(), id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != capture.StatusError {
		t.Fatalf("bad session %+v", sess)
	}
	path, err := s.Artifact(id)
	if err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(path); err != nil || fi.Size() != 44+4000 {
		t.Fatalf("partial artifact %v %v", fi, err)
	}
	if _, err := s.Stop(context.TODO(), "nope"); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("stop of unknown session: %v", err)
	}
}
