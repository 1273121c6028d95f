package skyrx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func testSchedulerConfig() SchedulerConfig {
	cfg := DefaultSchedulerConfig
	cfg.Lead = 0
	cfg.SafetyMargin = 50 * time.Millisecond
	cfg.ScanMinWindow = 50 * time.Millisecond
	cfg.ErrorBackoff = 10 * time.Millisecond
	cfg.IdlePoll = 10 * time.Millisecond
	cfg.OutputDir = "/images"
	return cfg
}

func testPass(aos, los time.Duration) PassWindow {
	now := time.Now()
	return PassWindow{
		Target:       "NOAA 19",
		Frequency:    137100000,
		Kind:         KindAPT,
		AOS:          now.Add(aos),
		LOS:          now.Add(los),
		MaxElevation: 45,
	}
}

func waitResult(t *testing.T, s *fakeSink) CaptureResult {
	t.Helper()
	select {
	case res := <-s.c:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result saved")
	}
	return CaptureResult{}
}

func runScheduler(s *Scheduler) (stop func()) {
	ctx, cancel := context.WithCancel(context.TODO())
	donec := make(chan struct{})
	go func() {
		defer close(donec)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-donec
	}
}

func TestPassQueueSkipsExpired(t *testing.T) {
	now := time.Now()
	q := NewPassQueue(
		PassWindow{Target: "old", AOS: now.Add(-time.Hour), LOS: now.Add(-50 * time.Minute)},
		PassWindow{Target: "live", AOS: now.Add(-time.Minute), LOS: now.Add(time.Minute)},
		PassWindow{Target: "next", AOS: now.Add(time.Hour), LOS: now.Add(time.Hour + 10*time.Minute)},
	)
	p, ok := q.Next(now)
	if !ok || p.Target != "live" {
		t.Fatalf("got %+v", p)
	}
	if p, _ := q.Next(now); p.Target != "next" || p.Duration() != 10*time.Minute {
		t.Fatalf("got %+v", p)
	}
	if _, ok := q.Next(now); ok {
		t.Fatal("queue not empty")
	}
}

func TestSchedulerCapturesPass(t *testing.T) {
	p := &fakeProvider{}
	dec, sink := &fakeDecoder{}, newFakeSink()
	s := NewScheduler(testSchedulerConfig(), p, NewPassQueue(testPass(50*time.Millisecond, 250*time.Millisecond)), dec, sink, nil)

	var mu sync.Mutex
	var seen []State
	s.State().Watch(func(st SystemState) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != st.Status {
			seen = append(seen, st.Status)
		}
	})
	stop := runScheduler(s)
	res := waitResult(t, sink)
	stop()

	if !res.Success || res.Err != "" || res.ArtifactPath != "/captures/test.wav" {
		t.Fatalf("bad result %+v", res)
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != "/captures/test.wav.apt.png" {
		t.Fatalf("bad outputs %v", res.Outputs)
	}
	recs := p.recorded()
	if len(recs) != 1 || recs[0].Frequency != 137100000 || recs[0].Label != "NOAA 19" {
		t.Fatalf("bad recordings %+v", recs)
	}
	if recs[0].Duration > 250*time.Millisecond || recs[0].Duration < 100*time.Millisecond {
		t.Fatalf("recorded for %v", recs[0].Duration)
	}
	mu.Lock()
	got := make([]string, len(seen))
	for i, st := range seen {
		got[i] = string(st)
	}
	mu.Unlock()
	want := "waiting,capturing,decoding,idle"
	if !strings.HasPrefix(strings.Join(got, ","), want) {
		t.Fatalf("states %v, want %s", got, want)
	}
	if st := s.State().Get(); st.Status != StateIdle || st.CurrentPass != nil {
		t.Fatalf("final state %+v", st)
	}
}

func TestSchedulerVerifyFailureSkipsPass(t *testing.T) {
	p := &fakeProvider{verify: []bool{false}}
	sink := newFakeSink()
	q := NewPassQueue(testPass(0, 200*time.Millisecond), testPass(10*time.Millisecond, 300*time.Millisecond))
	s := NewScheduler(testSchedulerConfig(), p, q, &fakeDecoder{}, sink, nil)
	stop := runScheduler(s)
	first, second := waitResult(t, sink), waitResult(t, sink)
	stop()

	if first.Success || !strings.Contains(first.Err, ErrNoSignal.Error()) || first.ArtifactPath != "" {
		t.Fatalf("bad skipped result %+v", first)
	}
	if !second.Success {
		t.Fatalf("second pass failed: %+v", second)
	}
	if n := len(p.recorded()); n != 1 {
		t.Fatalf("expected one recording, got %d", n)
	}
}

func TestSchedulerRecordErrorStillDecoded(t *testing.T) {
	p := &fakeProvider{recordErr: errFlaky, recordFor: 20 * time.Millisecond}
	dec, sink := &fakeDecoder{}, newFakeSink()
	s := NewScheduler(testSchedulerConfig(), p, NewPassQueue(testPass(0, 200*time.Millisecond)), dec, sink, nil)
	stop := runScheduler(s)
	res := waitResult(t, sink)
	stop()

	if res.Success || res.Err != errFlaky.Error() {
		t.Fatalf("bad result %+v", res)
	}
	if len(dec.paths) != 1 || len(res.Outputs) != 1 {
		t.Fatalf("partial recording not decoded: %v %v", dec.paths, res.Outputs)
	}
}

func TestSchedulerRecoversPanic(t *testing.T) {
	p := &fakeProvider{recordFor: 10 * time.Millisecond}
	dec, sink := &fakeDecoder{panics: 1}, newFakeSink()
	q := NewPassQueue(testPass(0, 100*time.Millisecond), testPass(0, 400*time.Millisecond))
	s := NewScheduler(testSchedulerConfig(), p, q, dec, sink, nil)
	stop := runScheduler(s)
	res := waitResult(t, sink)
	stop()

	if !res.Success || len(p.recorded()) != 2 {
		t.Fatalf("loop did not resume: %+v after %d recordings", res, len(p.recorded()))
	}
}

func TestSchedulerVerifyErrorPersisted(t *testing.T) {
	p := &fakeProvider{verifyErr: errFlaky}
	sink := newFakeSink()
	s := NewScheduler(testSchedulerConfig(), p, NewPassQueue(testPass(0, 100*time.Millisecond)), &fakeDecoder{}, sink, nil)
	stop := runScheduler(s)
	res := waitResult(t, sink)
	stop()
	if res.Success || !strings.Contains(res.Err, "usb hiccup") {
		t.Fatalf("bad result %+v", res)
	}
}

func TestSchedulerScansWhileWaiting(t *testing.T) {
	p := &fakeProvider{recordFor: 10 * time.Millisecond}
	sink := newFakeSink()
	cfg := testSchedulerConfig()
	cfg.Verify = false
	pass := testPass(400*time.Millisecond, 500*time.Millisecond)
	sc := NewScanner(p, ScanConfig{
		Candidates: []ScanCandidate{{Frequency: 145800000, Kind: KindSSTV, Label: "ISS"}, {Frequency: 145825000}},
		Dwell:      20 * time.Millisecond,
		Threshold:  -40,
		Margin:     5,
	})
	s := NewScheduler(cfg, p, NewPassQueue(pass), &fakeDecoder{}, sink, sc)

	var mu sync.Mutex
	scanned := false
	s.State().Watch(func(st SystemState) {
		if st.Status == StateScanning && st.ScanningFrequency != 0 {
			mu.Lock()
			scanned = true
			mu.Unlock()
		}
	})
	stop := runScheduler(s)
	res := waitResult(t, sink)
	stop()

	mu.Lock()
	defer mu.Unlock()
	if !scanned {
		t.Fatal("never scanned")
	}
	if !res.Success || res.Pass.Target != "NOAA 19" {
		t.Fatalf("bad result %+v", res)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recordAt) != 1 || p.recordAt[0].Before(pass.AOS) {
		t.Fatalf("recorded %d times, first at %v before AOS %v", len(p.recordAt), p.recordAt, pass.AOS)
	}
	if p.stopc != nil {
		t.Fatal("still streaming after scan")
	}
}

func TestSchedulerSinkErrorKeepsRunning(t *testing.T) {
	p := &fakeProvider{recordFor: 10 * time.Millisecond}
	sink := newFakeSink()
	sink.err = errors.New("database locked")
	s := NewScheduler(testSchedulerConfig(), p, NewPassQueue(testPass(0, 100*time.Millisecond), testPass(0, 300*time.Millisecond)), nil, sink, nil)
	stop := runScheduler(s)
	deadline := time.Now().Add(5 * time.Second)
	for len(p.recorded()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second pass never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()
}
