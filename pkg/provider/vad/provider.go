// Package vad defines the Engine interface for Voice Activity Detection.
//
// A VAD engine turns a stream of fixed-size PCM frames into speech-start and
// speech-end boundaries. Each session keeps its own state (consecutive-frame
// counters, hangover timers, pre-speech audio) so independent streams never
// interfere.
//
// VAD is synchronous: ProcessFrame returns immediately, which lets the session
// orchestrator run detection inline on its frame loop while a response is
// still being generated.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the PCM16 mono frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each frame. Hangover and pre-roll are
	// counted in whole frames.
	FrameSizeMs int

	// ThresholdDB is the RMS level in dBFS above which a frame counts as
	// speech. Typical speech at a close microphone sits around -30 to -15.
	ThresholdDB float64

	// MinSpeechFrames is the number of consecutive frames above the threshold
	// required before speech-start fires.
	MinSpeechFrames int

	// Hangover is the trailing silence required before speech-end fires.
	Hangover time.Duration

	// PreRoll is how much audio preceding speech-start is retained so the
	// first syllable is not lost.
	PreRoll time.Duration
}

// ThresholdForSensitivity maps a sensitivity in [0,1] onto a dBFS threshold:
// 0 requires loud speech (-15 dBFS), 1 triggers on quiet speech (-45 dBFS).
func ThresholdForSensitivity(s float64) float64 {
	s = min(max(s, 0), 1)
	return -15 - 30*s
}

// EventType enumerates per-frame detection results.
type EventType int

const (
	// EventSilence means no speech is in progress.
	EventSilence EventType = iota

	// EventSpeechStart fires once when speech begins.
	EventSpeechStart

	// EventSpeechContinue means speech is ongoing (including hangover frames).
	EventSpeechContinue

	// EventSpeechEnd fires once when the hangover has elapsed.
	EventSpeechEnd
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventSilence:
		return "silence"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is the detection result for one frame.
type Event struct {
	Type EventType

	// Probability is a speech likelihood score in [0,1]. Energy detectors
	// derive it from the frame level.
	Probability float64

	// LevelDB is the frame's RMS level in dBFS, when known.
	LevelDB float64
}

// SessionHandle is an active VAD session for a single audio stream. It is not
// safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one frame. Frames must match the configured
	// sample rate and frame size.
	ProcessFrame(frame []byte) (Event, error)

	// PreRoll returns the buffered audio that preceded the most recent
	// speech-start, oldest first, including the frames that triggered it.
	PreRoll() [][]byte

	// Reset clears all detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
