// Package mock provides a test double for [store.Store].
//
// The mock records every call and returns the configured *Err values. It is
// safe for concurrent use, so it can sit behind an asynchronous persister.
//
//	s := &mock.Store{}
//	// ... run a session ...
//	if got := len(s.Turns("session-id")); got != 2 {
//	    t.Errorf("want 2 persisted turns, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/voice"
)

var _ store.Store = (*Store)(nil)

// Call records the name and non-context arguments of one invocation.
type Call struct {
	Method string
	Args   []any
}

// SessionWrite is one PersistSession call.
type SessionWrite struct {
	Session voice.Session
	Stats   latency.SessionStats
}

// Store is a recording [store.Store].
type Store struct {
	mu sync.Mutex

	calls    []Call
	turns    map[string][]voice.Turn
	sessions []SessionWrite

	PersistTurnErr    error
	PersistSessionErr error

	ListResult []store.Summary
	ListErr    error

	GetResult *store.Record
	GetErr    error

	DeleteErr error
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// PersistTurn records the turn and returns PersistTurnErr.
func (s *Store) PersistTurn(_ context.Context, sessionID string, turn voice.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("PersistTurn", sessionID, turn)
	if s.PersistTurnErr != nil {
		return s.PersistTurnErr
	}
	if s.turns == nil {
		s.turns = make(map[string][]voice.Turn)
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn.Clone())
	return nil
}

// PersistSession records the session and returns PersistSessionErr.
func (s *Store) PersistSession(_ context.Context, sess voice.Session, stats latency.SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("PersistSession", sess, stats)
	if s.PersistSessionErr != nil {
		return s.PersistSessionErr
	}
	s.sessions = append(s.sessions, SessionWrite{Session: sess, Stats: stats})
	return nil
}

// ListSessions returns ListResult, ListErr.
func (s *Store) ListSessions(_ context.Context, f store.Filter) ([]store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListSessions", f)
	return s.ListResult, s.ListErr
}

// GetSession returns GetResult, or store.ErrNotFound when both GetResult and
// GetErr are nil.
func (s *Store) GetSession(_ context.Context, id string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("GetSession", id)
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	if s.GetResult == nil {
		return nil, store.ErrNotFound
	}
	return s.GetResult, nil
}

// DeleteSession returns DeleteErr.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DeleteSession", id)
	return s.DeleteErr
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Turns returns the successfully persisted turns of sessionID in write order.
func (s *Store) Turns(sessionID string) []voice.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]voice.Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out
}

// Sessions returns the successfully persisted session writes in order.
func (s *Store) Sessions() []SessionWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionWrite, len(s.sessions))
	copy(out, s.sessions)
	return out
}
