// Package server hosts a local receiver for remote schedulers.
package server

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/golang/glog"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/device"
	"github.com/chzchzchz/skyrx/radio/wav"
	"github.com/chzchzchz/skyrx/relay"
	"github.com/chzchzchz/skyrx/skyrx"
	"github.com/chzchzchz/skyrx/spectrum"
)

// Server keeps the recording sessions started through the relay. At most
// one session records at a time; finished sessions stay until reaped.
type Server struct {
	local *skyrx.Local

	// sessions holds every session not yet reaped.
	sessions map[string]*capture.Recording
	// starting is set while a start is waiting on the arbiter.
	starting bool

	rwmu sync.RWMutex
}

func NewServer(l *skyrx.Local) *Server {
	return &Server{local: l, sessions: make(map[string]*capture.Recording)}
}

func (s *Server) active() bool {
	if s.starting {
		return true
	}
	for _, rec := range s.sessions {
		if !rec.Session().Status.Terminal() {
			return true
		}
	}
	return false
}

// StartCapture begins a recording. It fails with device.ErrConflict
// instead of waiting when another recording holds the receiver.
func (s *Server) StartCapture(ctx context.Context, req relay.StartRequest) (string, error) {
	s.rwmu.Lock()
	if s.active() {
		s.rwmu.Unlock()
		return "", device.ErrConflict
	}
	s.starting = true
	s.rwmu.Unlock()

	rec, err := s.local.Recorder().Start(ctx, req.Request(), nil)

	s.rwmu.Lock()
	defer s.rwmu.Unlock()
	s.starting = false
	if err != nil {
		return "", err
	}
	id := rec.Session().ID
	s.sessions[id] = rec
	return id, nil
}

func (s *Server) recording(id string) (*capture.Recording, error) {
	s.rwmu.RLock()
	defer s.rwmu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return rec, nil
}

func (s *Server) Session(id string) (capture.Session, error) {
	rec, err := s.recording(id)
	if err != nil {
		return capture.Session{}, err
	}
	return rec.Session(), nil
}

func (s *Server) Sessions() (ret []capture.Session) {
	s.rwmu.RLock()
	defer s.rwmu.RUnlock()
	for _, rec := range s.sessions {
		ret = append(ret, rec.Session())
	}
	return ret
}

// Artifact returns the path of a finished session's recording. A session
// that ended in error still serves whatever audio it captured.
func (s *Server) Artifact(id string) (string, error) {
	sess, err := s.Session(id)
	if err != nil {
		return "", err
	}
	if !sess.Status.Terminal() {
		return "", relay.ErrNotReady
	}
	if sess.OutputPath == "" {
		return "", fmt.Errorf("%w: session %s has no audio", relay.ErrNotFound, id)
	}
	fi, err := os.Stat(sess.OutputPath)
	if err != nil || fi.Size() <= wav.HeaderLen {
		return "", fmt.Errorf("%w: session %s has no audio", relay.ErrNotFound, id)
	}
	return sess.OutputPath, nil
}

// Stop ends a session early and keeps it, with its artifact, until reaped.
func (s *Server) Stop(ctx context.Context, id string) (capture.Session, error) {
	rec, err := s.recording(id)
	if err != nil {
		return capture.Session{}, err
	}
	if err := rec.Stop(ctx); err != nil {
		return capture.Session{}, err
	}
	glog.V(1).Infof("stopped session %s", id)
	return rec.Session(), nil
}

// Reap stops the session if it still records, then forgets it and
// deletes its artifact.
func (s *Server) Reap(ctx context.Context, id string) error {
	rec, err := s.recording(id)
	if err != nil {
		return err
	}
	if err := rec.Stop(ctx); err != nil {
		return err
	}
	s.rwmu.Lock()
	delete(s.sessions, id)
	s.rwmu.Unlock()
	if p := rec.Session().OutputPath; p != "" {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			glog.Warningf("reap %s: %v", id, err)
		}
	}
	glog.V(1).Infof("reaped session %s", id)
	return nil
}

func (s *Server) Check(ctx context.Context, req relay.CheckRequest) (capture.Reading, error) {
	return s.local.CheckSignal(ctx, req.Frequency, req.Gain)
}

func (s *Server) Status(ctx context.Context) (skyrx.Status, error) {
	return s.local.Status(ctx)
}

func (s *Server) Hub() *spectrum.Hub { return s.local.Hub() }

// Close stops every recording and the spectrum stream.
func (s *Server) Close() {
	s.rwmu.Lock()
	recs := make([]*capture.Recording, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.rwmu.Unlock()
	for _, rec := range recs {
		rec.Stop(context.Background())
	}
	s.local.Hub().Stop(context.Background())
}
