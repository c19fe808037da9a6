// Package s2s defines the Provider interface for native speech-to-speech
// backends.
//
// An S2S provider (OpenAI Realtime, Gemini Live) accepts raw microphone audio
// and answers with synthesised speech in one bidirectional session, without a
// separate STT or TTS stage. Everything the provider reports (transcripts,
// response audio, turn boundaries, cancellation acknowledgements) arrives as a
// single ordered [Event] stream so the consumer sees provider events in the
// order they were received.
//
// Turn detection is chosen once at connect time: either the provider's own
// VAD decides where a user turn ends ([TurnDetection.Auto]) or the caller
// signals it explicitly with [SessionHandle.Commit]. The two are never mixed
// within one session.
//
// Implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

var (
	// ErrNotSupported is returned by operations the provider cannot perform,
	// e.g. Interrupt on a provider without a cancel signal.
	ErrNotSupported = errors.New("s2s: operation not supported")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrAutoTurnDetection is returned by Commit when the provider detects
	// turn boundaries itself.
	ErrAutoTurnDetection = errors.New("s2s: commit not allowed with automatic turn detection")
)

// EventType enumerates the provider events translated by implementations.
type EventType int

const (
	// EventInputTranscript carries a transcript of the user's speech. Final
	// distinguishes interim from authoritative text.
	EventInputTranscript EventType = iota + 1

	// EventTextDelta carries an incremental fragment of the response text.
	EventTextDelta

	// EventAudio carries a chunk of response audio (PCM16 mono at
	// Capabilities.OutputSampleRate).
	EventAudio

	// EventSpeechStarted is the provider's VAD detecting user speech.
	EventSpeechStarted

	// EventSpeechStopped is the provider's VAD detecting the end of user
	// speech, i.e. an automatic turn boundary.
	EventSpeechStopped

	// EventResponseStarted marks the start of a new model response.
	EventResponseStarted

	// EventResponseDone marks the model having finished its response.
	EventResponseDone

	// EventInterrupted acknowledges that the in-flight response was cancelled,
	// either on request or because the provider detected barge-in itself.
	EventInterrupted

	// EventError reports a provider-side error. Err is set.
	EventError
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventInputTranscript:
		return "input_transcript"
	case EventTextDelta:
		return "text_delta"
	case EventAudio:
		return "audio"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventResponseStarted:
		return "response_started"
	case EventResponseDone:
		return "response_done"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one translated provider event.
type Event struct {
	Type  EventType
	Text  string
	Final bool
	Audio []byte
	Err   error
}

// TurnDetection selects how user turns end.
type TurnDetection struct {
	// Auto enables the provider's built-in VAD. When false the caller must
	// call Commit at the end of every user turn.
	Auto bool

	// SilenceDuration is the trailing silence the provider VAD waits for.
	// Zero means provider default.
	SilenceDuration time.Duration

	// Threshold is the provider VAD activation threshold in [0,1]. Zero means
	// provider default.
	Threshold float64
}

// SessionConfig is the setup handshake for a new session.
type SessionConfig struct {
	Voice tts.VoiceProfile

	// Instructions is the system prompt.
	Instructions string

	// Language is a BCP-47 hint for input transcription.
	Language string

	TurnDetection TurnDetection
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	// SupportsInterrupt is true when the provider has an explicit cancel
	// signal for the in-flight response.
	SupportsInterrupt bool

	// SupportsManualTurns is true when the provider accepts Commit.
	SupportsManualTurns bool

	// InputSampleRate is the PCM16 rate SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the PCM16 rate of EventAudio payloads.
	OutputSampleRate int

	// MaxSessionDuration is the provider's session limit, zero if unlimited.
	MaxSessionDuration time.Duration

	Voices []tts.VoiceProfile
}

// SessionHandle is a live S2S session.
type SessionHandle interface {
	// SendAudio forwards a chunk of PCM16 mono audio at InputSampleRate.
	SendAudio(chunk []byte) error

	// Commit ends the current user turn and requests a response. It returns
	// ErrAutoTurnDetection when the session was opened with automatic turn
	// detection.
	Commit() error

	// Interrupt asks the provider to cancel the in-flight response. Providers
	// without a cancel signal return ErrNotSupported.
	Interrupt() error

	// Events returns the ordered provider event stream. It is closed when the
	// session ends.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil.
	Err() error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session. Authentication and handshake failures are
	// returned here, before any audio flows.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities reports static provider capabilities.
	Capabilities() Capabilities
}
