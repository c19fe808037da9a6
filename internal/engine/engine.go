// Package engine defines the event vocabulary shared by the two response
// pipelines of a voice session.
//
// Both the cascade pipeline ([cascade]) and the realtime bridge ([s2s]) report
// progress as a stream of [Event] values. The session orchestrator consumes
// them through one code path, so its state machine does not depend on which
// architecture produced a turn's response.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
//
// [cascade]: github.com/MrWong99/voxbench/internal/engine/cascade
// [s2s]: github.com/MrWong99/voxbench/internal/engine/s2s
package engine

// EventType identifies the kind of an [Event].
type EventType int

const (
	// EventTranscript carries an input transcript. Final distinguishes the
	// authoritative transcript from interim partials.
	EventTranscript EventType = iota + 1

	// EventSpeechStarted reports that user speech began. Only emitted by
	// pipelines with their own turn detection (realtime auto mode).
	EventSpeechStarted

	// EventSpeechStopped reports a turn boundary detected by the pipeline.
	EventSpeechStopped

	// EventResponseStarted reports that generation of a response began.
	EventResponseStarted

	// EventTextDelta carries a fragment of response text.
	EventTextDelta

	// EventAudio carries a chunk of response PCM at SampleRate.
	EventAudio

	// EventResponseDone reports that generation finished. Audio may still be
	// playing on the client.
	EventResponseDone

	// EventInterrupted acknowledges that the in-flight response was cancelled.
	EventInterrupted

	// EventError reports a failure. Err is classified with a voice.Kind.
	EventError
)

var eventTypeNames = map[EventType]string{
	EventTranscript:      "transcript",
	EventSpeechStarted:   "speech_started",
	EventSpeechStopped:   "speech_stopped",
	EventResponseStarted: "response_started",
	EventTextDelta:       "text_delta",
	EventAudio:           "audio",
	EventResponseDone:    "response_done",
	EventInterrupted:     "interrupted",
	EventError:           "error",
}

// String returns the event type name.
func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is one unit of pipeline progress.
type Event struct {
	Type EventType

	// Turn is the sequence number of the turn the event belongs to. Zero when
	// the producer cannot attribute it (realtime events before a turn opens).
	Turn int

	Text  string
	Final bool

	Audio      []byte
	SampleRate int

	Err error
}

// IsResponseUnit reports whether the event is the first kind of output a user
// can perceive: response text or audio.
func (e Event) IsResponseUnit() bool {
	return e.Type == EventTextDelta || e.Type == EventAudio
}
