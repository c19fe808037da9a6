package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/voxbench/pkg/store"
)

// ErrSearchDisabled is returned by the index methods of a Store opened without
// [WithEmbeddingDimensions].
var ErrSearchDisabled = errors.New("postgres store: turn search not enabled")

// IndexTurn implements [store.Index].
func (s *Store) IndexTurn(ctx context.Context, sessionID string, seq int, embedding []float32) error {
	if s.dims == 0 {
		return ErrSearchDisabled
	}
	if len(embedding) != s.dims {
		return fmt.Errorf("postgres store: index turn: embedding has %d dimensions, table has %d", len(embedding), s.dims)
	}
	const q = `
		INSERT INTO voice_turn_embeddings (session_id, seq, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, seq) DO UPDATE SET embedding = EXCLUDED.embedding`

	if _, err := s.pool.Exec(ctx, q, sessionID, seq, pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("postgres store: index turn: %w", err)
	}
	return nil
}

// SearchTurns implements [store.Index] with a cosine-distance scan ordered by
// the HNSW index.
func (s *Store) SearchTurns(ctx context.Context, embedding []float32, f store.Filter) ([]store.TurnHit, error) {
	if s.dims == 0 {
		return nil, ErrSearchDisabled
	}
	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	var conditions []string
	if f.Mode != "" {
		conditions = append(conditions, "s.mode = "+next(string(f.Mode)))
	}
	if f.Status != "" {
		conditions = append(conditions, "s.status = "+next(string(f.Status)))
	}
	if !f.After.IsZero() {
		conditions = append(conditions, "s.started_at > "+next(f.After))
	}
	if !f.Before.IsZero() {
		conditions = append(conditions, "s.started_at < "+next(f.Before))
	}

	q := "SELECT t.session_id, t.seq, t.roles, t.input_transcript, t.response_text, t.audio_bytes,\n" +
		"       t.started_at, t.ended_at, t.interrupted, t.error,\n" +
		"       1 - (e.embedding <=> $1) AS score\n" +
		"FROM   voice_turn_embeddings e\n" +
		"JOIN   voice_turns t    ON t.session_id = e.session_id AND t.seq = e.seq\n" +
		"JOIN   voice_sessions s ON s.id = e.session_id\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY e.embedding <=> $1, t.session_id, t.seq\nLIMIT  " + next(f.SearchLimit())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search turns: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TurnHit, error) {
		var (
			h     store.TurnHit
			ended *time.Time
		)
		err := row.Scan(
			&h.Turn.SessionID,
			&h.Turn.Seq,
			&h.Turn.Roles,
			&h.Turn.InputTranscript,
			&h.Turn.ResponseText,
			&h.Turn.AudioBytes,
			&h.Turn.StartedAt,
			&ended,
			&h.Turn.Interrupted,
			&h.Turn.Error,
			&h.Score,
		)
		if ended != nil {
			h.Turn.EndedAt = *ended
		}
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: search turns: %w", err)
	}
	return hits, nil
}

