package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/chzchzchz/skyrx/capture"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		in      string
		typ     MessageType
		err     bool
		unknown bool
	}{
		{`{"type":"subscribe","config":{"frequency":137100000}}`, MsgSubscribe, false, false},
		{`{"type":"subscribe"}`, MsgSubscribe, true, false},
		{`{"type":"set_frequency","frequency":137912500}`, MsgSetFrequency, false, false},
		{`{"type":"set_frequency"}`, MsgSetFrequency, true, false},
		{`{"type":"fft_data","frame":{"bins":[-90,-80]}}`, MsgFFTData, false, false},
		{`{"type":"unsubscribe"}`, MsgUnsubscribe, false, false},
		{`{"type":"error","message":"busy"}`, MsgError, false, false},
		{`{"type":"waterfall"}`, "waterfall", true, true},
		{`{"type":`, "", true, false},
	}
	for _, tt := range tests {
		m, err := DecodeMessage([]byte(tt.in))
		if (err != nil) != tt.err {
			t.Errorf("%s: err = %v", tt.in, err)
			continue
		}
		if errors.Is(err, ErrUnknownMessage) != tt.unknown {
			t.Errorf("%s: unknown = %v", tt.in, err)
		}
		if m.Type != tt.typ {
			t.Errorf("%s: type %q", tt.in, m.Type)
		}
	}
}

func TestStartRequestRequest(t *testing.T) {
	req := capture.Request{Frequency: 145800000, Duration: 90 * time.Second, Gain: 40, PPM: 2, Label: "ISS"}
	got := NewStartRequest(req).Request()
	if got != req {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}
