// Package store defines the Session Store: durable history of sessions, their
// closed turns and their latency statistics.
//
// The orchestrator hands records to the store asynchronously after each turn
// closes and once more when the session ends. Store failures never affect a
// live session; they are logged and counted by the caller.
//
// Two implementations are provided: [MemStore] for tests and single-process
// deployments, and the PostgreSQL store in package
// [github.com/MrWong99/voxbench/pkg/store/postgres].
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: session not found")

// Filter narrows ListSessions. Zero fields do not filter.
type Filter struct {
	Mode   voice.Mode
	Status voice.Status

	// After and Before bound the session start time (exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means DefaultLimit.
	Limit int
}

// DefaultLimit is the ListSessions result cap when Filter.Limit is zero.
const DefaultLimit = 100

// Summary is one row of a session listing.
type Summary struct {
	voice.Session
	Turns int `json:"turns"`
}

// Record is the full history of one session.
type Record struct {
	Session voice.Session        `json:"session"`
	Turns   []voice.Turn         `json:"turns"`
	Stats   latency.SessionStats `json:"stats"`
}

// Store persists session history. Implementations must be safe for
// concurrent use. Persist operations are idempotent: writing the same turn or
// session twice overwrites the earlier copy.
type Store interface {
	// PersistTurn stores a closed turn of sessionID.
	PersistTurn(ctx context.Context, sessionID string, turn voice.Turn) error

	// PersistSession stores the session row and its aggregate latency.
	PersistSession(ctx context.Context, s voice.Session, stats latency.SessionStats) error

	// ListSessions returns sessions matching f, newest first.
	ListSessions(ctx context.Context, f Filter) ([]Summary, error)

	// GetSession returns the session with its turns in Seq order.
	GetSession(ctx context.Context, id string) (*Record, error)

	// DeleteSession removes a session and its turns.
	DeleteSession(ctx context.Context, id string) error
}

// Match reports whether s passes f.
func (f Filter) Match(s voice.Session) bool {
	if f.Mode != "" && s.Mode != f.Mode {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.After.IsZero() && !s.StartedAt.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !s.StartedAt.Before(f.Before) {
		return false
	}
	return true
}

// EffectiveLimit returns Limit, or DefaultLimit when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}
