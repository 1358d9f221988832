package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageMicChunk(t *testing.T) {
	raw := []byte(`{"type":"client_mic_chunk","session_id":"s1","seq":3,"pcm16_base64":"AQID","sample_rate":44100}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(ClientMicChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientMicChunk", msg)
	}
	if chunk.SessionID != "s1" || chunk.SampleRate != 44100 || chunk.Seq != 3 {
		t.Fatalf("unexpected mic chunk: %+v", chunk)
	}
}

func TestParseClientMessageStart(t *testing.T) {
	raw := []byte(`{"type":"client_start","session_id":"s1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientStart); !ok {
		t.Fatalf("message type = %T, want ClientStart", msg)
	}
}

func TestParseClientMessageMicState(t *testing.T) {
	raw := []byte(`{"type":"client_mic_state","session_id":"s1","granted":false}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	state, ok := msg.(ClientMicState)
	if !ok {
		t.Fatalf("message type = %T, want ClientMicState", msg)
	}
	if state.Granted {
		t.Fatalf("Granted = true, want false")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalidMicChunk(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_mic_chunk","session_id":"","pcm16_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsStartWithoutSession(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_start"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
