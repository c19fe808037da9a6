package store

import (
	"context"

	"github.com/MrWong99/voxbench/pkg/voice"
)

// DefaultSearchLimit is the SearchTurns result cap when Filter.Limit is zero.
const DefaultSearchLimit = 10

// TurnHit is one semantic search result.
type TurnHit struct {
	Turn voice.Turn `json:"turn"`

	// Score is the cosine similarity between the query and the turn, in
	// [-1, 1]. Higher is closer.
	Score float64 `json:"score"`
}

// Index is implemented by stores that can keep one embedding per turn and
// search them. Session filters in Filter apply to the turn's session.
type Index interface {
	// IndexTurn stores the embedding of turn seq of sessionID, replacing any
	// earlier one.
	IndexTurn(ctx context.Context, sessionID string, seq int, embedding []float32) error

	// SearchTurns returns the indexed turns closest to embedding, best first.
	// Turns of sessions without a persisted session row are not returned.
	SearchTurns(ctx context.Context, embedding []float32, f Filter) ([]TurnHit, error)
}

// SearchLimit returns Limit, or DefaultSearchLimit when unset.
func (f Filter) SearchLimit() int {
	if f.Limit <= 0 {
		return DefaultSearchLimit
	}
	return f.Limit
}
