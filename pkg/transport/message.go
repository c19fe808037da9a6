package transport

import "github.com/MrWong99/voxbench/pkg/voice"

// Type identifies a control message. Audio never travels as a typed message:
// PCM goes in binary WebSocket frames.
type Type string

// Client to server.
const (
	TypeSetup           Type = "setup"
	TypeEndOfAudio      Type = "end_of_audio"
	TypeEndSession      Type = "end_session"
	TypeInterrupt       Type = "interrupt"
	TypePlaybackStarted Type = "playback_started"
)

// Server to client.
const (
	TypeReady             Type = "ready"
	TypeTranscript        Type = "transcript"
	TypeResponseTextDelta Type = "response_text_delta"
	TypeTurnStarted       Type = "turn_started"
	TypeTurnComplete      Type = "turn_complete"
	TypeInterrupted       Type = "interrupted"
	TypeError             Type = "error"
	TypeSessionClosed     Type = "session_closed"
	TypeState             Type = "state"
)

// Message is one JSON control message. Only the fields relevant to Type are
// populated.
type Message struct {
	Type Type `json:"type"`

	// Config is the requested session configuration (setup).
	Config *voice.Config `json:"config,omitempty"`

	// SessionID is set on ready and session_closed.
	SessionID string `json:"session_id,omitempty"`

	// SampleRate is the rate of response audio (ready).
	SampleRate int `json:"sample_rate,omitempty"`

	// Turn is the sequence number the message refers to.
	Turn int `json:"turn,omitempty"`

	// Text carries transcript or response text.
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// Kind and Error describe an error message.
	Kind  voice.Kind `json:"kind,omitempty"`
	Error string     `json:"message,omitempty"`

	// State is the orchestrator state (state).
	State string `json:"state,omitempty"`

	// Status is the final session status (session_closed).
	Status voice.Status `json:"status,omitempty"`

	// LatencyMs holds per-turn latency metrics (turn_complete).
	LatencyMs map[string]float64 `json:"latency_ms,omitempty"`
}

// Inbound is one received WebSocket frame: either a control message or a
// chunk of PCM audio.
type Inbound struct {
	Msg   Message
	Audio []byte
}

// IsAudio reports whether the frame carried binary audio.
func (in Inbound) IsAudio() bool { return in.Audio != nil }

// ErrorMessage builds an error message from err, classifying it by kind.
func ErrorMessage(turn int, err error) Message {
	return Message{Type: TypeError, Turn: turn, Kind: voice.KindOf(err), Error: err.Error()}
}
