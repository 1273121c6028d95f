package skyrx

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Kind names the transmission type, which picks the decoder.
type Kind string

const (
	KindAPT  Kind = "apt"
	KindLRPT Kind = "lrpt"
	KindSSTV Kind = "sstv"
)

// PassWindow is one predicted pass of a target over the station.
type PassWindow struct {
	Target       string    `json:"target"`
	Frequency    uint64    `json:"frequency"`
	Kind         Kind      `json:"kind"`
	AOS          time.Time `json:"aos"`
	LOS          time.Time `json:"los"`
	MaxElevation float64   `json:"maxElevation"`
}

func (p PassWindow) Duration() time.Duration { return p.LOS.Sub(p.AOS) }

func (p PassWindow) String() string {
	return fmt.Sprintf("%s@%.3fMHz[%s+%v]", p.Target, float64(p.Frequency)/1e6,
		p.AOS.Format(time.TimeOnly), p.Duration().Round(time.Second))
}

// PassQueue hands out pass windows in the order they were pushed.
type PassQueue struct {
	mu     sync.Mutex
	passes []PassWindow
}

func NewPassQueue(passes ...PassWindow) *PassQueue {
	return &PassQueue{passes: append([]PassWindow(nil), passes...)}
}

func (q *PassQueue) Push(passes ...PassWindow) {
	q.mu.Lock()
	q.passes = append(q.passes, passes...)
	q.mu.Unlock()
}

// Next pops the oldest pass that has not ended by now. Ended passes ahead
// of it are dropped.
func (q *PassQueue) Next(now time.Time) (PassWindow, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.passes) > 0 {
		p := q.passes[0]
		q.passes = q.passes[1:]
		if p.LOS.After(now) {
			return p, true
		}
		glog.Infof("skipping expired pass %v", p)
	}
	return PassWindow{}, false
}

// Passes returns a copy of the queued passes.
func (q *PassQueue) Passes() []PassWindow {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PassWindow(nil), q.passes...)
}

func (q *PassQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.passes)
}
