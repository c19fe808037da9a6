// Package mock provides test doubles for the vad package interfaces.
//
// Session returns scripted events: each ProcessFrame call pops the next entry
// from Script, and once the script is exhausted EventResult is returned.
//
//	sess := &mock.Session{
//	    Script: []vad.Event{{Type: vad.EventSpeechStart}, {Type: vad.EventSpeechEnd}},
//	    EventResult: vad.Event{Type: vad.EventSilence},
//	}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/voxbench/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script is consumed one event per ProcessFrame call.
	Script []vad.Event

	// EventResult is returned once Script is empty.
	EventResult vad.Event

	// Decide, if set, takes precedence over Script and EventResult.
	Decide func(frame []byte) vad.Event

	// PreRollFrames is returned by PreRoll.
	PreRollFrames [][]byte

	ProcessFrameErr error
	CloseErr        error

	// --- Call records ---

	ProcessFrameCalls int
	ResetCallCount    int
	CloseCallCount    int
}

// ProcessFrame records the call and returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls++
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if s.Decide != nil {
		return s.Decide(frame), nil
	}
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, nil
	}
	return s.EventResult, nil
}

// PreRoll returns PreRollFrames.
func (s *Session) PreRoll() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PreRollFrames
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Calls returns the number of ProcessFrame calls. Thread-safe.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ProcessFrameCalls
}

var _ vad.SessionHandle = (*Session)(nil)
