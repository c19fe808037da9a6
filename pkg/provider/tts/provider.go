// Package tts defines the Provider interface for Text-to-Speech backends.
//
// The primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a [Stream] of raw PCM audio as it becomes available,
// enabling low-latency pipelining between LLM output and playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync/atomic"
)

// VoiceProfile selects and shapes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Speed adjusts speaking rate (0.25–4.0, 0 or 1.0 = default).
	Speed float64

	// Style is a free-form delivery instruction for providers that accept one.
	Style string

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Stream is one synthesis in progress.
type Stream struct {
	// Audio carries 16-bit little-endian mono PCM chunks. It is closed by the
	// provider when all text has been synthesised, when ctx is cancelled, or
	// when a mid-stream error occurs. Check [Stream.Err] after it closes.
	Audio <-chan []byte

	// SampleRate is the sample rate in Hz of the PCM on Audio.
	SampleRate int

	streamErr atomic.Pointer[error]
}

// NewStream wraps an audio channel.
func NewStream(audio <-chan []byte, sampleRate int) *Stream {
	return &Stream{Audio: audio, SampleRate: sampleRate}
}

// Err returns the error that closed Audio prematurely, or nil.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. Providers call it before closing
// Audio.
func (s *Stream) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and
	// returns the resulting audio stream. Callers must drain Stream.Audio.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (*Stream, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
