// Package relay defines the protocol spoken between a scheduler and a
// relay peer that hosts the receiver.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chzchzchz/skyrx/capture"
	"github.com/chzchzchz/skyrx/spectrum"
)

var (
	ErrUnknownMessage = errors.New("unrecognized message")
	ErrNetwork        = errors.New("relay unreachable")
	ErrNotFound       = errors.New("no such session")
	ErrNotReady       = errors.New("session not complete")
)

// CodeConflict is the error code of a start rejected because the
// receiver is owned.
const CodeConflict = "conflict"

type MessageType string

const (
	// client to server
	MsgSubscribe    MessageType = "subscribe"
	MsgUnsubscribe  MessageType = "unsubscribe"
	MsgSetFrequency MessageType = "set_frequency"
	// server to client
	MsgFFTData      MessageType = "fft_data"
	MsgSubscribed   MessageType = "subscribed"
	MsgUnsubscribed MessageType = "unsubscribed"
	MsgError        MessageType = "error"
)

// Message is one frame on the streaming channel. Which fields are set
// depends on Type.
type Message struct {
	Type      MessageType      `json:"type"`
	Config    *spectrum.Config `json:"config,omitempty"`
	Frequency uint64           `json:"frequency,omitempty"`
	Frame     *spectrum.Frame  `json:"frame,omitempty"`
	Message   string           `json:"message,omitempty"`
}

func Subscribe(cfg spectrum.Config) Message  { return Message{Type: MsgSubscribe, Config: &cfg} }
func Subscribed(cfg spectrum.Config) Message { return Message{Type: MsgSubscribed, Config: &cfg} }
func SetFrequency(freq uint64) Message       { return Message{Type: MsgSetFrequency, Frequency: freq} }
func FFTData(f spectrum.Frame) Message       { return Message{Type: MsgFFTData, Frame: &f} }
func ErrorMessage(err error) Message         { return Message{Type: MsgError, Message: err.Error()} }

// DecodeMessage parses a streaming message and checks it carries what
// its type needs.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	switch m.Type {
	case MsgSubscribe, MsgSubscribed:
		if m.Config == nil {
			return m, fmt.Errorf("%s without config", m.Type)
		}
	case MsgSetFrequency:
		if m.Frequency == 0 {
			return m, fmt.Errorf("%s without frequency", m.Type)
		}
	case MsgFFTData:
		if m.Frame == nil {
			return m, fmt.Errorf("%s without frame", m.Type)
		}
	case MsgUnsubscribe, MsgUnsubscribed, MsgError:
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return m, nil
}

type StartRequest struct {
	Frequency       uint64  `json:"frequency"`
	DurationSeconds float64 `json:"durationSeconds"`
	SampleRate      uint32  `json:"sampleRate,omitempty"`
	Gain            float64 `json:"gain"`
	PPMCorrection   int     `json:"ppmCorrection,omitempty"`
	Label           string  `json:"label,omitempty"`
}

func NewStartRequest(req capture.Request) StartRequest {
	return StartRequest{
		Frequency:       req.Frequency,
		DurationSeconds: req.Duration.Seconds(),
		SampleRate:      req.SampleRate,
		Gain:            req.Gain,
		PPMCorrection:   req.PPM,
		Label:           req.Label,
	}
}

func (r StartRequest) Request() capture.Request {
	return capture.Request{
		Frequency:  r.Frequency,
		Duration:   time.Duration(r.DurationSeconds * float64(time.Second)),
		SampleRate: r.SampleRate,
		Gain:       r.Gain,
		PPM:        r.PPMCorrection,
		Label:      r.Label,
	}
}

type StartResponse struct {
	SessionID string `json:"sessionId"`
}

type CheckRequest struct {
	Frequency uint64  `json:"frequency"`
	Gain      float64 `json:"gain"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// DecodeJSON reads one JSON value from rc and closes it.
func DecodeJSON(rc io.ReadCloser, v interface{}) error {
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
