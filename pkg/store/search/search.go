// Package search adds semantic turn search to a session store.
//
// [Store] wraps a [store.Store] that also implements [store.Index]. Every
// turn written through it is embedded and indexed right after its row, on
// the caller's goroutine; the orchestrator already persists asynchronously,
// so embedding latency never reaches a live session. [Store.Search] embeds a
// free-text query with the same model and returns the closest turns.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("search: empty query")

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] that indexes turns as they are persisted.
type Store struct {
	store.Store
	idx store.Index
	emb embeddings.Provider
}

// New wraps s. It fails when s cannot index turns.
func New(s store.Store, emb embeddings.Provider) (*Store, error) {
	idx, ok := s.(store.Index)
	if !ok {
		return nil, fmt.Errorf("search: %T cannot index turns", s)
	}
	if emb == nil {
		return nil, errors.New("search: embeddings provider is nil")
	}
	return &Store{Store: s, idx: idx, emb: emb}, nil
}

// Unwrap returns the wrapped store.
func (s *Store) Unwrap() store.Store { return s.Store }

// Model returns the embedding model in use.
func (s *Store) Model() string { return s.emb.ModelID() }

// PersistTurn writes the turn, then embeds and indexes it. Turns with no
// text are stored but not indexed. An indexing failure is returned after
// the row has been written.
func (s *Store) PersistTurn(ctx context.Context, sessionID string, turn voice.Turn) error {
	if err := s.Store.PersistTurn(ctx, sessionID, turn); err != nil {
		return err
	}
	doc := Document(turn)
	if doc == "" {
		return nil
	}
	vec, err := s.embed(ctx, doc)
	if err != nil {
		return fmt.Errorf("search: index turn %d: %w", turn.Seq, err)
	}
	if err := s.idx.IndexTurn(ctx, sessionID, turn.Seq, vec); err != nil {
		return fmt.Errorf("search: index turn %d: %w", turn.Seq, err)
	}
	return nil
}

// Search returns the turns closest in meaning to query. Session filters and
// the result limit come from f.
func (s *Store) Search(ctx context.Context, query string, f store.Filter) ([]store.TurnHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	hits, err := s.idx.SearchTurns(ctx, vec, f)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if hits == nil {
		hits = []store.TurnHit{}
	}
	return hits, nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.emb.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, errors.New("provider returned no vector")
	}
	return vecs[0], nil
}

// Document is the text a turn is indexed under: the user's words followed
// by the agent's reply.
func Document(t voice.Turn) string {
	var parts []string
	if in := strings.TrimSpace(t.InputTranscript); in != "" {
		parts = append(parts, "user: "+in)
	}
	if out := strings.TrimSpace(t.ResponseText); out != "" {
		parts = append(parts, "agent: "+out)
	}
	return strings.Join(parts, "\n")
}
