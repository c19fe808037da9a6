// Package voice defines the domain model shared by every voxbench package:
// sessions, turns, the immutable per-session configuration and the error
// kinds that drive the orchestrator's failure policy.
//
// The types here are plain data. Mutation is owned by the session
// orchestrator; everything handed out to other packages (stores, HTTP
// handlers, tests) is a copy.
package voice

import (
	"slices"
	"time"
)

// Mode selects which architecture handles a session's turns.
type Mode string

const (
	// ModeCascade chains separate STT, LLM and TTS providers and detects turn
	// boundaries locally with a VAD.
	ModeCascade Mode = "cascade"

	// ModeRealtime hands audio to a single native speech-to-speech provider.
	ModeRealtime Mode = "realtime"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeCascade || m == ModeRealtime
}

// Status is the lifecycle status of a session as seen by the store.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Providers names the provider chosen for each stage. Only the stages used by
// the session's mode are populated.
type Providers struct {
	STT string `json:"stt,omitempty"`
	LLM string `json:"llm,omitempty"`
	TTS string `json:"tts,omitempty"`
	S2S string `json:"s2s,omitempty"`
}

// Session identifies one conversation.
type Session struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Providers Providers `json:"providers"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Status    Status    `json:"status"`

	// Error holds the message of the error that ended the session, if any.
	Error string `json:"error,omitempty"`
}

// Role is a conversational speaker role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// RoleChange records the moment the floor passed to a speaker within a turn.
type RoleChange struct {
	Role Role      `json:"role"`
	At   time.Time `json:"at"`
}

// Turn is one user-utterance/agent-response exchange.
//
// A turn is open while EndedAt is zero. Closed turns are never modified.
type Turn struct {
	Seq       int    `json:"seq"`
	SessionID string `json:"session_id"`

	Roles []RoleChange `json:"roles,omitempty"`

	// InputTranscript is the final transcript of the user's utterance. Partial
	// transcripts are forwarded to the client but never stored here.
	InputTranscript string `json:"input_transcript"`

	// ResponseText accumulates the agent's streamed response text.
	ResponseText string `json:"response_text"`

	// AudioBytes is the number of response PCM bytes delivered to the client.
	AudioBytes int64 `json:"audio_bytes"`

	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Interrupted bool      `json:"interrupted"`

	// Error is the message of the error that failed the turn, if any.
	Error string `json:"error,omitempty"`
}

// Open reports whether the turn has not been closed yet.
func (t *Turn) Open() bool { return t.EndedAt.IsZero() }

// AddRole appends a role transition unless r already holds the floor.
func (t *Turn) AddRole(r Role, at time.Time) {
	if n := len(t.Roles); n > 0 && t.Roles[n-1].Role == r {
		return
	}
	t.Roles = append(t.Roles, RoleChange{Role: r, At: at})
}

// Clone returns a deep copy of t.
func (t Turn) Clone() Turn {
	t.Roles = slices.Clone(t.Roles)
	return t
}

// Duration returns EndedAt - StartedAt, or zero for an open turn.
func (t *Turn) Duration() time.Duration {
	if t.Open() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
