// Package client drives a receiver hosted by a relay peer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio"
	"github.com/chzchzchz/skyrx/relay"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/spectrum"
)

// Backoff spaces stream reconnection attempts.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second, Attempts: 5}

// Delay is the wait before attempt n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

type Config struct {
	Endpoint url.URL
	// PollInterval spaces session status requests.
	PollInterval time.Duration
	// Slack is how long past its duration a session may take to finish.
	Slack time.Duration
	// MaxPollErrors consecutive failed polls abandon a session.
	MaxPollErrors int
	VerifyDelay   time.Duration
	Backoff       Backoff
}

// Client implements skyrx.Provider against a relay peer. Recordings are
// copied into the local artifact store.
type Client struct {
	Config

	files capture.Artifacts
	hc    *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
	fn   skyrx.FrameFunc
	cfg  spectrum.Config

	writeMu sync.Mutex
}

func New(ep url.URL, files capture.Artifacts) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Config: Config{
			Endpoint:      ep,
			PollInterval:  time.Second,
			Slack:         30 * time.Second,
			MaxPollErrors: 5,
			VerifyDelay:   2 * time.Second,
			Backoff:       DefaultBackoff,
		},
		files:  files,
		hc:     &http.Client{},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) streamURL() string {
	u := c.Endpoint
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/stream"
	return u.String()
}

func (c *Client) write(conn *websocket.Conn, m relay.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(m)
}

// subscribe dials the relay and waits for it to accept cfg.
func (c *Client) subscribe(ctx context.Context, cfg spectrum.Config) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrNetwork, err)
	}
	if err := c.write(conn, relay.Subscribe(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", relay.ErrNetwork, err)
	}
	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", relay.ErrNetwork, err)
		}
		m, err := relay.DecodeMessage(b)
		if err != nil {
			glog.Warningf("relay stream: %v", err)
			continue
		}
		switch m.Type {
		case relay.MsgSubscribed:
			conn.SetReadDeadline(time.Time{})
			return conn, nil
		case relay.MsgError:
			conn.Close()
			return nil, fmt.Errorf("relay subscribe: %s", m.Message)
		}
	}
}

func (c *Client) Stream(ctx context.Context, cfg spectrum.Config, fn skyrx.FrameFunc) error {
	c.mu.Lock()
	if conn := c.conn; conn != nil {
		old := c.cfg
		c.fn, c.cfg = fn, cfg
		c.mu.Unlock()
		retune := old
		retune.Frequency = cfg.Frequency
		switch {
		case cfg == old:
			return nil
		case cfg == retune:
			return c.write(conn, relay.SetFrequency(cfg.Frequency))
		}
		return c.write(conn, relay.Subscribe(cfg))
	}
	c.mu.Unlock()

	conn, err := c.subscribe(ctx, cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return c.Stream(ctx, cfg, fn)
	}
	c.conn, c.fn, c.cfg = conn, fn, cfg
	c.mu.Unlock()
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for conn != nil {
		err := c.readFrames(conn)
		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		if !current {
			return
		}
		glog.Warningf("relay stream lost: %v", err)
		conn = c.reconnect()
	}
}

func (c *Client) readFrames(conn *websocket.Conn) error {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := relay.DecodeMessage(b)
		if err != nil {
			glog.Warningf("relay stream: %v", err)
			continue
		}
		switch m.Type {
		case relay.MsgFFTData:
			c.mu.Lock()
			fn := c.fn
			c.mu.Unlock()
			if fn != nil {
				fn(*m.Frame)
			}
		case relay.MsgError:
			glog.Warningf("relay stream error: %s", m.Message)
		}
	}
}

// reconnect resubscribes while a callback is registered, backing off
// between attempts. It returns nil when it gives up or is no longer needed.
func (c *Client) reconnect() *websocket.Conn {
	for i := 0; i < c.Backoff.Attempts; i++ {
		select {
		case <-time.After(c.Backoff.Delay(i)):
		case <-c.ctx.Done():
			return nil
		}
		c.mu.Lock()
		fn, cfg := c.fn, c.cfg
		c.mu.Unlock()
		if fn == nil {
			return nil
		}
		conn, err := c.subscribe(c.ctx, cfg)
		if err != nil {
			glog.Warningf("relay reconnect %d/%d: %v", i+1, c.Backoff.Attempts, err)
			continue
		}
		c.mu.Lock()
		if c.fn == nil || c.conn != nil {
			c.mu.Unlock()
			conn.Close()
			return nil
		}
		c.conn = conn
		c.mu.Unlock()
		glog.Infof("relay stream reconnected at %d Hz", cfg.Frequency)
		return conn
	}
	glog.Errorf("relay stream: giving up after %d attempts", c.Backoff.Attempts)
	c.mu.Lock()
	if c.conn == nil {
		c.fn = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) StopStream(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.fn = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.write(conn, relay.Message{Type: relay.MsgUnsubscribe})
	return conn.Close()
}

// IsStreaming is true while a callback is registered, including while
// the stream reconnects.
func (c *Client) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fn != nil
}

func responseError(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var er relay.ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &er) != nil || er.Error == "" {
		er.Error = http.StatusText(resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusConflict && er.Code == relay.CodeConflict:
		return fmt.Errorf("%w: %s", device.ErrConflict, er.Error)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", relay.ErrNotReady, er.Error)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", relay.ErrNotFound, er.Error)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", radio.ErrHardwareUnavailable, er.Error)
	}
	return fmt.Errorf("relay: %s (%d)", er.Error, resp.StatusCode)
}

func (c *Client) request(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint.String()+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrNetwork, err)
	}
	if err := responseError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := c.request(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	}
	return relay.DecodeJSON(resp.Body, out)
}

func (c *Client) CheckSignal(ctx context.Context, freq uint64, gain float64) (r capture.Reading, err error) {
	err = c.do(ctx, http.MethodPost, "/signal/check", relay.CheckRequest{Frequency: freq, Gain: gain}, &r)
	return r, err
}

// Check makes the client a capture.Meter.
func (c *Client) Check(ctx context.Context, freq uint64, gain float64) (capture.Reading, error) {
	return c.CheckSignal(ctx, freq, gain)
}

func (c *Client) VerifySignal(ctx context.Context, freq uint64, gain float64, attempts int) (bool, error) {
	return capture.Verify(ctx, c, freq, gain, attempts, c.VerifyDelay)
}

// Status reports an unreachable relay as disconnected rather than failing.
func (c *Client) Status(ctx context.Context) (skyrx.Status, error) {
	var st skyrx.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		return skyrx.Status{Error: err.Error()}, nil
	}
	return st, nil
}

func (c *Client) Close() error {
	c.StopStream(context.Background())
	c.cancel()
	c.wg.Wait()
	c.hc.CloseIdleConnections()
	return nil
}
