// Package batch adapts request/response transcription backends to the
// streaming stt.SessionHandle shape.
//
// A session buffers the utterance and hands it to a Transcriber once
// CloseSend is called. Utterances longer than MaxDuration are transcribed in
// pieces as they fill up, each producing its own final. Buffers that never
// rise above speech level are dropped without a request. No partials are
// produced.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
)

// SpeechLevel is the normalised per-chunk RMS above which a chunk counts as
// speech.
const SpeechLevel = 0.01

// Transcriber turns one buffer of PCM16 audio into text.
type Transcriber func(ctx context.Context, pcm []byte, f audio.Format) (string, error)

// Config configures a session.
type Config struct {
	Format audio.Format

	// MaxDuration caps the buffered audio before an early submission. Zero
	// means no cap.
	MaxDuration time.Duration
}

var _ stt.SessionHandle = (*Session)(nil)

// Session implements stt.SessionHandle over a Transcriber.
type Session struct {
	transcribe Transcriber
	format     audio.Format
	maxBytes   int

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	mu         sync.Mutex
	sendClosed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	err atomic.Pointer[error]
}

// Start opens a session. The session stops when ctx is cancelled.
func Start(ctx context.Context, cfg Config, t Transcriber) *Session {
	f := cfg.Format
	f.Channels = max(f.Channels, 1)
	s := &Session{
		transcribe: t,
		format:     f,
		audioCh:    make(chan []byte, 256),
		partials:   make(chan stt.Transcript),
		finals:     make(chan stt.Transcript, 16),
		done:       make(chan struct{}),
	}
	if cfg.MaxDuration > 0 {
		s.maxBytes = f.Bytes(cfg.MaxDuration)
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio buffers a chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials is never written and closes with the session.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits one transcript per submitted piece.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// CloseSend submits what is buffered; the channels close afterwards.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.audioCh)
	}
	return nil
}

// Err returns the first transcription error.
func (s *Session) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close aborts the session; buffered audio is discarded.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop owns the buffer.
func (s *Session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		buffer    []byte
		hadSpeech bool
		offset    time.Duration
	)
	submit := func() bool {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech = nil, false
		start := offset
		length := s.format.Duration(len(pcm))
		offset += length
		if len(pcm) == 0 || !speech {
			return true
		}
		text, err := s.transcribe(ctx, pcm, s.format)
		if err != nil {
			if ctx.Err() == nil {
				s.err.CompareAndSwap(nil, &err)
			}
			return false
		}
		if text == "" {
			return true
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true, Timestamp: start, Duration: length}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-s.audioCh:
			if !ok {
				submit()
				return
			}
			if audio.RMS(chunk) >= SpeechLevel {
				hadSpeech = true
			}
			buffer = append(buffer, chunk...)
			if s.maxBytes > 0 && len(buffer) >= s.maxBytes && !submit() {
				return
			}
		}
	}
}
