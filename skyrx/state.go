package skyrx

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateCapturing State = "capturing"
	StateDecoding  State = "decoding"
	StateScanning  State = "scanning"
)

// SystemState is what the scheduler is doing right now.
type SystemState struct {
	Status            State       `json:"status"`
	CurrentPass       *PassWindow `json:"currentPass,omitempty"`
	Progress          float64     `json:"progress"`
	ScanningFrequency uint64      `json:"scanningFrequency,omitempty"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

func (s SystemState) copy() SystemState {
	if s.CurrentPass != nil {
		p := *s.CurrentPass
		s.CurrentPass = &p
	}
	return s
}

// StateTracker holds the SystemState. The scheduler is its only writer;
// readers and watchers only ever see copies.
type StateTracker struct {
	mu       sync.Mutex
	st       SystemState
	watchers map[int]func(SystemState)
	nextID   int
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		st:       SystemState{Status: StateIdle, UpdatedAt: time.Now()},
		watchers: make(map[int]func(SystemState)),
	}
}

func (t *StateTracker) Get() SystemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.copy()
}

// Watch calls fn with a copy of every change until the returned cancel is
// called. Calls are made synchronously in update order.
func (t *StateTracker) Watch(fn func(SystemState)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *StateTracker) update(f func(*SystemState)) {
	t.mu.Lock()
	f(&t.st)
	t.st.UpdatedAt = time.Now()
	st := t.st.copy()
	fns := make([]func(SystemState), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(st.copy())
	}
}

func (t *StateTracker) set(status State, pass *PassWindow) {
	t.update(func(s *SystemState) {
		s.Status, s.Progress, s.ScanningFrequency = status, 0, 0
		s.CurrentPass = nil
		if pass != nil {
			p := *pass
			s.CurrentPass = &p
		}
	})
}

func (t *StateTracker) setIdle() { t.set(StateIdle, nil) }

func (t *StateTracker) setProgress(pct float64) {
	t.update(func(s *SystemState) { s.Progress = pct })
}

func (t *StateTracker) setScanning(freq uint64) {
	t.update(func(s *SystemState) { s.Status, s.ScanningFrequency = StateScanning, freq })
}
