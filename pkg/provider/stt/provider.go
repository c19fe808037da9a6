// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (Deepgram streaming, a
// whisper.cpp server, OpenAI's transcription endpoint) behind one streaming
// shape. A SessionHandle accepts PCM frames for a single utterance and emits
// two streams: low-latency partials for interim display and authoritative
// finals for the turn record. Batch providers simply emit no partials and
// produce their final once input is finished.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after CloseSend or Close.
var ErrSessionClosed = errors.New("stt: session closed")

// Transcript is a speech-to-text result. Partials and finals share the type.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0,1]; zero if the provider does not report it.
	Confidence float64

	// Timestamp is the utterance start relative to the session start.
	Timestamp time.Duration

	// Duration of the utterance, when known.
	Duration time.Duration
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate in Hz of the PCM16 audio passed to SendAudio.
	SampleRate int

	// Channels; 1 for mono.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider auto-detect.
	Language string

	// Keywords are vocabulary hints for uncommon words.
	Keywords []string
}

// SessionHandle is an open transcription session for one utterance.
//
// Callers must call Close when done. All methods must be safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio delivers a chunk of PCM16 audio in the negotiated format.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. It is closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative transcripts. It is closed when the session
	// ends, which after CloseSend means every final has been delivered.
	Finals() <-chan Transcript

	// CloseSend signals that no more audio will follow. The provider flushes
	// its pending recognition, emits the remaining finals and then closes both
	// channels. Further SendAudio calls return ErrSessionClosed.
	CloseSend() error

	// Err returns the error that ended the session early, or nil.
	Err() error

	// Close aborts the session and releases resources. Safe to call more than
	// once.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a transcription session. The returned handle accepts
	// audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
