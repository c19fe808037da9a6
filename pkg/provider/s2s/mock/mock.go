// Package mock provides test doubles for the s2s package interfaces.
//
// Tests drive a Session by pushing provider events with Emit and inspect what
// the caller sent through the recorded fields.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess, Caps: s2s.Capabilities{SupportsInterrupt: true}}
//	// ... connect, then:
//	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbench/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, NewSession is used.
	Session *Session

	// Caps is returned by Capabilities.
	Caps s2s.Capabilities

	ConnectErr error

	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	p.Session.mu.Lock()
	p.Session.auto = cfg.TurnDetection.Auto
	p.Session.mu.Unlock()
	return p.Session, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	auto   bool

	SendAudioErr error
	InterruptErr error
	StreamErr    error

	// --- Call records ---

	Audio          [][]byte
	CommitCount    int
	InterruptCount int
	CloseCallCount int

	closed bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit delivers ev to the consumer. It reports false once the session is
// closed.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Terminate ends the event stream with err, simulating the provider dropping
// the session.
func (s *Session) Terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.StreamErr = err
	s.closed = true
	close(s.events)
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Audio = append(s.Audio, cp)
	return nil
}

// Commit records the call, refusing it in automatic mode.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto {
		return s2s.ErrAutoTurnDetection
	}
	s.CommitCount++
	return nil
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return s.InterruptErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Interrupts returns the number of Interrupt calls. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCount
}

// Commits returns the number of accepted Commit calls. Thread-safe.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCount
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

var _ s2s.SessionHandle = (*Session)(nil)
