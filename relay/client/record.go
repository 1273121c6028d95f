package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/relay"
)

// Record starts a session on the relay, polls it until it ends, copies
// the artifact into the local store and reaps the remote session. A
// session that fails or overruns still hands back its partial audio
// along with the error.
func (c *Client) Record(ctx context.Context, req capture.Request, progress capture.ProgressFunc) (*capture.Session, error) {
	var sr relay.StartResponse
	if err := c.do(ctx, http.MethodPost, "/capture/start", relay.NewStartRequest(req), &sr); err != nil {
		return nil, err
	}
	sess := &capture.Session{
		ID:              sr.SessionID,
		Frequency:       req.Frequency,
		Label:           req.Label,
		Start:           time.Now(),
		DurationSeconds: req.Duration.Seconds(),
		Status:          capture.StatusRecording,
	}
	glog.Infof("relay session %s: %d Hz for %v", sess.ID, req.Frequency, req.Duration)
	defer c.reap(sess.ID)

	perr := c.poll(ctx, sess, req.Duration, progress)
	if errors.Is(perr, capture.ErrStopped) {
		sess.Status, sess.Err = capture.StatusError, perr.Error()
		return sess, perr
	}
	if perr == nil && sess.Status == capture.StatusComplete {
		path, err := c.fetchAudio(ctx, sess.ID, req)
		if err != nil {
			sess.Status, sess.Err = capture.StatusError, err.Error()
			return sess, err
		}
		sess.OutputPath = path
		return sess, nil
	}

	// Failed or overran: keep whatever audio the relay captured.
	if perr == nil {
		perr = fmt.Errorf("relay session %s: %s", sess.ID, sess.Err)
	}
	if !sess.Status.Terminal() {
		if err := c.do(ctx, http.MethodPost, "/capture/"+sess.ID+"/stop", nil, nil); err != nil {
			glog.Warningf("stop relay session %s: %v", sess.ID, err)
		}
	}
	if path, err := c.fetchAudio(ctx, sess.ID, req); err != nil {
		glog.Warningf("relay session %s: no partial audio: %v", sess.ID, err)
	} else {
		sess.OutputPath = path
	}
	sess.Status, sess.Err = capture.StatusError, perr.Error()
	return sess, perr
}

// poll refreshes sess until the relay reports a terminal status. The
// session is abandoned when ctx ends, after duration plus Slack, or after
// MaxPollErrors failed polls in a row.
func (c *Client) poll(ctx context.Context, sess *capture.Session, total time.Duration, progress capture.ProgressFunc) error {
	deadline := time.NewTimer(total + c.Slack)
	defer deadline.Stop()
	t := time.NewTicker(c.PollInterval)
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return capture.ErrStopped
		case <-deadline.C:
			return fmt.Errorf("relay session %s did not finish within %v", sess.ID, total+c.Slack)
		case <-t.C:
		}
		var rs capture.Session
		if err := c.do(ctx, http.MethodGet, "/capture/"+sess.ID, nil, &rs); err != nil {
			if ctx.Err() != nil {
				return capture.ErrStopped
			}
			if fails++; fails >= c.MaxPollErrors {
				return err
			}
			glog.Warningf("relay session %s poll %d/%d: %v", sess.ID, fails, c.MaxPollErrors, err)
			continue
		}
		fails = 0
		sess.Status, sess.Progress, sess.Err = rs.Status, rs.Progress, rs.Err
		if sess.Status.Terminal() {
			return nil
		}
		if progress != nil {
			elapsed := time.Since(sess.Start)
			if elapsed > total {
				elapsed = total
			}
			progress(elapsed, total)
		}
	}
}

func (c *Client) fetchAudio(ctx context.Context, id string, req capture.Request) (string, error) {
	resp, err := c.request(ctx, http.MethodGet, "/capture/"+id+"/audio", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	f, err := c.files.Create(req.Frequency, req.Label, ".wav")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = capture.ErrEmptyArtifact
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	glog.Infof("relay session %s: copied %d bytes to %s", id, n, f.Name())
	return f.Name(), nil
}

// reap deletes the remote session even when ctx is already done.
func (c *Client) reap(id string) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodDelete, "/capture/"+id, nil, nil); err != nil {
		glog.Warningf("reap relay session %s: %v", id, err)
	}
}
