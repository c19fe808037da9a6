// Package mock provides test doubles for the stt package interfaces.
//
// Session emits Script when CloseSend is called: partials first, then finals,
// after which both channels close. Tests that need full control can write to
// PartialsCh and FinalsCh directly and leave Script empty.
//
//	sess := mock.NewSession()
//	sess.Script = []stt.Transcript{{Text: "hel"}, {Text: "hello", IsFinal: true}}
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, NewSession is used. When
	// NewSessionFunc is set it takes precedence so every call can get a
	// fresh session.
	Session        *Session
	NewSessionFunc func() *Session

	StartStreamErr error

	StartStreamCalls []StartStreamCall
	Sessions         []*Session
}

// StartStream records the call and returns a session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	var s *Session
	switch {
	case p.NewSessionFunc != nil:
		s = p.NewSessionFunc()
	case p.Session != nil:
		s = p.Session
	default:
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Calls returns the number of StartStream calls. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// Script is emitted on CloseSend, partials and finals routed by IsFinal.
	Script []stt.Transcript

	// FinalDelay delays the emission of Script after CloseSend.
	FinalDelay time.Duration

	// Hang makes CloseSend never emit or close, to exercise timeouts.
	Hang bool

	SendAudioErr error
	StreamErr    error

	// --- Call records ---

	Audio          [][]byte
	CloseSendCount int
	CloseCallCount int

	closeOnce sync.Once
	done      chan struct{}
	sent      bool
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		done:       make(chan struct{}),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.sent {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// CloseSend emits Script and closes the channels, unless Hang is set.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	s.CloseSendCount++
	if s.sent {
		s.mu.Unlock()
		return nil
	}
	s.sent = true
	script := s.Script
	delay, hang := s.FinalDelay, s.Hang
	s.mu.Unlock()

	if hang {
		return nil
	}
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
		}
		for _, tr := range script {
			ch := s.PartialsCh
			if tr.IsFinal {
				ch = s.FinalsCh
			}
			select {
			case ch <- tr:
			case <-s.done:
				return
			}
		}
		s.closeChannels()
	}()
	return nil
}

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call and releases any pending emitter.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
	return nil
}

func (s *Session) closeChannels() {
	close(s.PartialsCh)
	close(s.FinalsCh)
}

// AudioChunks returns the number of chunks received. Thread-safe.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

var _ stt.SessionHandle = (*Session)(nil)
