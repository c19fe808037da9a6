package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
	"github.com/MrWong99/voxbench/pkg/voice"
)

var (
	_ Store = (*MemStore)(nil)
	_ Index = (*MemStore)(nil)
)

type memSession struct {
	session   voice.Session
	persisted bool
	stats     latency.SessionStats
	turns     map[int]voice.Turn
	vectors   map[int][]float32
}

// MemStore is an in-memory [Store]. Turns may arrive before their session;
// such sessions are listed only once PersistSession has been called.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*memSession)}
}

func (m *MemStore) entry(id string) *memSession {
	e, ok := m.sessions[id]
	if !ok {
		e = &memSession{
			session: voice.Session{ID: id},
			turns:   make(map[int]voice.Turn),
			vectors: make(map[int][]float32),
		}
		m.sessions[id] = e
	}
	return e
}

// PersistTurn implements [Store].
func (m *MemStore) PersistTurn(ctx context.Context, sessionID string, turn voice.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turn.SessionID = sessionID
	m.entry(sessionID).turns[turn.Seq] = turn.Clone()
	return nil
}

// PersistSession implements [Store].
func (m *MemStore) PersistSession(ctx context.Context, s voice.Session, stats latency.SessionStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(s.ID)
	e.session = s
	e.persisted = true
	e.stats = stats
	return nil
}

// ListSessions implements [Store].
func (m *MemStore) ListSessions(ctx context.Context, f Filter) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	for _, e := range m.sessions {
		if !e.persisted || !f.Match(e.session) {
			continue
		}
		out = append(out, Summary{Session: e.session, Turns: len(e.turns)})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSession implements [Store].
func (m *MemStore) GetSession(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok || !e.persisted {
		return nil, ErrNotFound
	}
	rec := &Record{Session: e.session, Stats: e.stats, Turns: make([]voice.Turn, 0, len(e.turns))}
	for _, t := range e.turns {
		rec.Turns = append(rec.Turns, t.Clone())
	}
	slices.SortFunc(rec.Turns, func(a, b voice.Turn) int { return cmp.Compare(a.Seq, b.Seq) })
	return rec, nil
}

// DeleteSession implements [Store].
func (m *MemStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || !e.persisted {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// IndexTurn implements [Index]. Searches compare by brute force.
func (m *MemStore) IndexTurn(ctx context.Context, sessionID string, seq int, embedding []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(sessionID).vectors[seq] = slices.Clone(embedding)
	return nil
}

// SearchTurns implements [Index].
func (m *MemStore) SearchTurns(ctx context.Context, embedding []float32, f Filter) ([]TurnHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var hits []TurnHit
	for _, e := range m.sessions {
		if !e.persisted || !f.Match(e.session) {
			continue
		}
		for seq, vec := range e.vectors {
			t, ok := e.turns[seq]
			if !ok {
				continue
			}
			hits = append(hits, TurnHit{Turn: t.Clone(), Score: embeddings.Cosine(embedding, vec)})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(hits, func(a, b TurnHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Turn.SessionID, b.Turn.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.Turn.Seq, b.Turn.Seq)
	})
	if limit := f.SearchLimit(); len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
