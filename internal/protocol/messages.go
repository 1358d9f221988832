package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeClientStart    MessageType = "client_start"
	TypeClientMicChunk MessageType = "client_mic_chunk"
	TypeClientMicState MessageType = "client_mic_state"

	// Server -> client.
	TypeSessionState   MessageType = "session_state"
	TypeShowPrompt     MessageType = "show_prompt"
	TypeShowFixation   MessageType = "show_fixation"
	TypePlayStimulus   MessageType = "play_stimulus"
	TypeTrialCompleted MessageType = "trial_completed"
	TypeSessionDone    MessageType = "session_complete"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientStart is the single designated start signal. Anything the client
// sends again after the session is running carries no control meaning.
type ClientStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ClientMicChunk carries raw microphone samples from the browser. Chunks are
// the only audio input path; the engine slices them into capture windows.
type ClientMicChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

// ClientMicState reports the outcome of the browser's permission prompt.
type ClientMicState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Granted   bool        `json:"granted"`
}

type SessionState struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	State           string      `json:"state"`
	CompletedTrials int         `json:"completed_trials"`
	TotalTrials     int         `json:"total_trials"`
}

type ShowPrompt struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TrialIndex int         `json:"trial_index"`
}

type ShowFixation struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// PlayStimulus tells the client to start playback of a preloaded clip
// immediately. The engine has already stamped playback onset by the time this
// message is on the wire.
type PlayStimulus struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TrialIndex  int         `json:"trial_index"`
	Asset       string      `json:"asset"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type TrialCompleted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TrialIndex int         `json:"trial_index"`
	Total      int         `json:"total"`
}

type SessionComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ExportURL string      `json:"export_url"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientStart:
		var msg ClientStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_start")
		}
		return msg, nil
	case TypeClientMicChunk:
		var msg ClientMicChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_mic_chunk")
		}
		return msg, nil
	case TypeClientMicState:
		var msg ClientMicState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_mic_state")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
