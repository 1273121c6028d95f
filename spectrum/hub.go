package spectrum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/device"
)

var (
	// ErrPreempted ends subscriptions when another activity takes the receiver.
	ErrPreempted  = errors.New("spectrum stream preempted")
	ErrNotRunning = errors.New("spectrum stream not running")
)

const defaultQueueLen = 4

// Subscription receives frames on a bounded queue. When the queue is full
// the oldest frame is dropped.
type Subscription struct {
	hub *Hub
	c   chan Frame

	mu      sync.Mutex
	closed  bool
	err     error
	dropped int
}

// Frames closes when the subscription ends; Err then says why.
func (s *Subscription) Frames() <-chan Frame { return s.c }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts frames discarded because the reader fell behind.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() { s.hub.unsubscribe(s) }

func (s *Subscription) send(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.c <- f:
			return
		default:
		}
		select {
		case <-s.c:
			s.dropped++
		default:
		}
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed, s.err = true, err
	close(s.c)
}

// Hub shares one engine run among all subscribers. The engine holds the
// receiver while anyone is subscribed and is released Grace after the
// last subscriber leaves.
type Hub struct {
	eng   *Engine
	arb   *device.Arbiter
	gain  *GainController
	gains *BandGains

	Grace    time.Duration
	QueueLen int
	// AutoGain runs the gain loop when tuning into an uncalibrated band.
	AutoGain bool

	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	cfg        Config
	owner      *streamOwner
	idle       *time.Timer
	restarting int
}

func NewHub(eng *Engine, arb *device.Arbiter, gain *GainController, gains *BandGains) *Hub {
	return &Hub{
		eng:      eng,
		arb:      arb,
		gain:     gain,
		gains:    gains,
		Grace:    3 * time.Second,
		QueueLen: defaultQueueLen,
		subs:     make(map[*Subscription]struct{}),
	}
}

type streamOwner struct {
	hub *Hub

	mu      sync.Mutex
	stopped bool
}

func (o *streamOwner) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	h := o.hub
	err := h.eng.Stop()
	h.mu.Lock()
	preempted := false
	if h.owner == o {
		h.owner, preempted = nil, h.restarting == 0
	}
	h.mu.Unlock()
	if preempted {
		h.closeAll(ErrPreempted)
	}
	return err
}

func (o *streamOwner) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Subscribe adds a subscriber and starts or retunes the stream to cfg.
func (h *Hub) Subscribe(ctx context.Context, cfg Config) (*Subscription, error) {
	cfg = cfg.WithDefaults()
	qlen := h.QueueLen
	if qlen < 1 {
		qlen = defaultQueueLen
	}
	s := &Subscription{hub: h, c: make(chan Frame, qlen)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	if h.idle != nil {
		h.idle.Stop()
		h.idle = nil
	}
	running := h.owner != nil
	need := !running || !sameTuning(h.cfg, cfg)
	h.mu.Unlock()

	if need {
		if err := h.start(ctx, cfg, running, true); err != nil {
			h.unsubscribe(s)
			return nil, err
		}
	}
	return s, nil
}

func sameTuning(a, b Config) bool {
	return a.Frequency == b.Frequency && a.Bandwidth == b.Bandwidth &&
		a.FFTSize == b.FFTSize && a.UpdateRate == b.UpdateRate && a.PPM == b.PPM
}

// Retune moves the running stream to freq. Rapid retunes coalesce.
func (h *Hub) Retune(ctx context.Context, freq uint64) error {
	h.mu.Lock()
	if h.owner == nil && h.restarting == 0 {
		h.mu.Unlock()
		return ErrNotRunning
	}
	cfg := h.cfg
	h.mu.Unlock()
	cfg.Frequency = freq
	return h.start(ctx, cfg, true, true)
}

func (h *Hub) start(ctx context.Context, cfg Config, debounce, tuneGain bool) error {
	if tuneGain {
		cfg = h.bandGain(cfg)
	}
	h.mu.Lock()
	h.restarting++
	h.cfg = cfg
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.restarting--
		h.mu.Unlock()
	}()

	var (
		o    *streamOwner
		done <-chan struct{}
	)
	startFn := func(ctx context.Context) (device.Owner, error) {
		if !tuneGain && h.gain != nil {
			// Gain loop restarts coalesce; run at the loop's latest gain.
			cfg.Gain = h.gain.Gain()
		}
		if err := h.eng.Start(cfg, h.broadcast); err != nil {
			return nil, err
		}
		o, done = &streamOwner{hub: h}, h.eng.Done()
		h.mu.Lock()
		h.owner, h.cfg = o, cfg
		h.mu.Unlock()
		return o, nil
	}
	var err error
	if debounce {
		err = h.arb.AcquireDebounced(ctx, device.Streaming, startFn)
	} else {
		err = h.arb.TryAcquire(ctx, device.Streaming, startFn)
	}
	if errors.Is(err, device.ErrSuperseded) {
		return nil
	}
	if err == nil {
		// Watch only once the arbiter has recorded the owner.
		go h.watch(o, done)
	} else {
		glog.Warningf("spectrum start at %d Hz: %v", cfg.Frequency, err)
		h.mu.Lock()
		orphaned := h.owner == nil
		h.mu.Unlock()
		if orphaned {
			h.closeAll(err)
		}
	}
	return err
}

// bandGain picks the start gain for cfg's band and arms the gain loop when
// the band has not been calibrated.
func (h *Hub) bandGain(cfg Config) Config {
	if h.gain == nil || h.gains == nil {
		return cfg
	}
	if bg, ok := h.gains.Get(cfg.Frequency); ok && bg.Calibrated {
		cfg.Gain = bg.Gain
		h.gain.SetGain(bg.Gain)
		return cfg
	}
	if h.AutoGain {
		start := cfg.Gain
		if start == 0 {
			start = h.gain.Gain()
		}
		h.gain.Calibrate(start)
		cfg.Gain = h.gain.Gain()
	}
	return cfg
}

func (h *Hub) watch(o *streamOwner, done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done
	if o.isStopped() {
		return
	}
	h.arb.Released(o)
	h.mu.Lock()
	if h.owner == o {
		h.owner = nil
	}
	h.mu.Unlock()
	err := h.eng.Err()
	if err == nil {
		err = ErrNotRunning
	}
	h.closeAll(err)
}

func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	for s := range h.subs {
		s.send(f.Copy())
	}
	cfg := h.cfg
	h.mu.Unlock()

	if h.gain == nil {
		return
	}
	switch res, g := h.gain.Feed(f.Bins); res {
	case GainAdjusted:
		glog.Infof("gain adjusted to %.1f dB at %d Hz", g, cfg.Frequency)
		cfg.Gain = g
		go func() {
			if err := h.start(context.Background(), cfg, true, false); err != nil {
				glog.Warningf("gain restart: %v", err)
			}
		}()
	case GainInRange, GainLimitReached:
		glog.Infof("gain %v at %.1f dB for %d Hz", res, g, cfg.Frequency)
		if h.gains != nil {
			h.gains.Set(cfg.Frequency, g, true)
		}
	}
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		if len(h.subs) == 0 && h.owner != nil && h.idle == nil {
			h.idle = time.AfterFunc(h.Grace, h.idleStop)
		}
	}
	h.mu.Unlock()
	s.finish(nil)
}

func (h *Hub) idleStop() {
	h.mu.Lock()
	if len(h.subs) > 0 {
		h.mu.Unlock()
		return
	}
	h.idle = nil
	h.mu.Unlock()
	glog.Infof("no spectrum subscribers; releasing receiver")
	if err := h.arb.Release(context.Background(), device.Streaming); err != nil {
		glog.Warningf("release stream: %v", err)
	}
}

func (h *Hub) closeAll(err error) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	if h.idle != nil {
		h.idle.Stop()
		h.idle = nil
	}
	h.mu.Unlock()
	for s := range subs {
		s.finish(err)
	}
}

// Stop ends every subscription and releases the receiver now.
func (h *Hub) Stop(ctx context.Context) error {
	h.closeAll(nil)
	return h.arb.Release(ctx, device.Streaming)
}

func (h *Hub) Streaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner != nil
}

// Config is the configuration of the current or most recent stream.
func (h *Hub) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Hub) Engine() *Engine { return h.eng }
