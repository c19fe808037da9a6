package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/voice"
)

var (
	_ store.Store = (*Store)(nil)
	_ store.Index = (*Store)(nil)
)

// Store is a PostgreSQL [store.Store]. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool

	// dims is the embedding length of voice_turn_embeddings; zero when turn
	// search is disabled.
	dims int
}

// Option configures NewStore.
type Option func(*Store)

// WithEmbeddingDimensions enables turn search with vectors of length n. It
// needs the pgvector extension. The column type is fixed when the table is
// first created; changing n later requires dropping voice_turn_embeddings.
func WithEmbeddingDimensions(n int) Option {
	return func(s *Store) { s.dims = n }
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if s.dims > 0 {
		// The vector type must exist before pooled connections register it.
		if err := createVectorExtension(ctx, cfg.ConnConfig); err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, s.dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// PersistTurn implements [store.Store].
func (s *Store) PersistTurn(ctx context.Context, sessionID string, turn voice.Turn) error {
	const q = `
		INSERT INTO voice_turns
		    (session_id, seq, roles, input_transcript, response_text, audio_bytes,
		     started_at, ended_at, interrupted, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, seq) DO UPDATE SET
		    roles            = EXCLUDED.roles,
		    input_transcript = EXCLUDED.input_transcript,
		    response_text    = EXCLUDED.response_text,
		    audio_bytes      = EXCLUDED.audio_bytes,
		    started_at       = EXCLUDED.started_at,
		    ended_at         = EXCLUDED.ended_at,
		    interrupted      = EXCLUDED.interrupted,
		    error            = EXCLUDED.error`

	roles := turn.Roles
	if roles == nil {
		roles = []voice.RoleChange{}
	}
	_, err := s.pool.Exec(ctx, q,
		sessionID,
		turn.Seq,
		roles,
		turn.InputTranscript,
		turn.ResponseText,
		turn.AudioBytes,
		turn.StartedAt,
		nullTime(turn.EndedAt),
		turn.Interrupted,
		turn.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres store: persist turn: %w", err)
	}
	return nil
}

// PersistSession implements [store.Store].
func (s *Store) PersistSession(ctx context.Context, sess voice.Session, stats latency.SessionStats) error {
	const q = `
		INSERT INTO voice_sessions
		    (id, mode, providers, started_at, ended_at, status, error, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    mode       = EXCLUDED.mode,
		    providers  = EXCLUDED.providers,
		    started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    status     = EXCLUDED.status,
		    error      = EXCLUDED.error,
		    stats      = EXCLUDED.stats`

	_, err := s.pool.Exec(ctx, q,
		sess.ID,
		string(sess.Mode),
		sess.Providers,
		sess.StartedAt,
		nullTime(sess.EndedAt),
		string(sess.Status),
		sess.Error,
		stats,
	)
	if err != nil {
		return fmt.Errorf("postgres store: persist session: %w", err)
	}
	return nil
}

// ListSessions implements [store.Store].
func (s *Store) ListSessions(ctx context.Context, f store.Filter) ([]store.Summary, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
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

	q := "SELECT s.id, s.mode, s.providers, s.started_at, s.ended_at, s.status, s.error,\n" +
		"       (SELECT count(*) FROM voice_turns t WHERE t.session_id = s.id)\n" +
		"FROM   voice_sessions s\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY s.started_at DESC, s.id\nLIMIT  " + next(f.EffectiveLimit())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Summary, error) {
		var sum store.Summary
		sess, err := scanSession(row, &sum.Turns)
		sum.Session = sess
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	return out, nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (*store.Record, error) {
	const qSession = `
		SELECT id, mode, providers, started_at, ended_at, status, error, stats
		FROM   voice_sessions
		WHERE  id = $1`

	var rec store.Record
	row := s.pool.QueryRow(ctx, qSession, id)
	sess, err := scanSession(row, &rec.Stats)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}
	rec.Session = sess

	const qTurns = `
		SELECT seq, roles, input_transcript, response_text, audio_bytes,
		       started_at, ended_at, interrupted, error
		FROM   voice_turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, qTurns, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turns: %w", err)
	}
	rec.Turns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (voice.Turn, error) {
		t := voice.Turn{SessionID: id}
		var ended *time.Time
		err := row.Scan(
			&t.Seq,
			&t.Roles,
			&t.InputTranscript,
			&t.ResponseText,
			&t.AudioBytes,
			&t.StartedAt,
			&ended,
			&t.Interrupted,
			&t.Error,
		)
		if ended != nil {
			t.EndedAt = *ended
		}
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: get turns: %w", err)
	}
	return &rec, nil
}

// DeleteSession implements [store.Store]. The session and its turns are
// removed in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM voice_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM voice_turns WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("postgres store: delete turns: %w", err)
	}
	if s.dims > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM voice_turn_embeddings WHERE session_id = $1`, id); err != nil {
			return fmt.Errorf("postgres store: delete embeddings: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return nil
}

// scanSession scans the common session columns followed by one extra column
// into extra.
func scanSession(row pgx.Row, extra any) (voice.Session, error) {
	var (
		sess         voice.Session
		mode, status string
		ended        *time.Time
	)
	err := row.Scan(
		&sess.ID,
		&mode,
		&sess.Providers,
		&sess.StartedAt,
		&ended,
		&status,
		&sess.Error,
		extra,
	)
	if err != nil {
		return voice.Session{}, err
	}
	sess.Mode = voice.Mode(mode)
	sess.Status = voice.Status(status)
	if ended != nil {
		sess.EndedAt = *ended
	}
	return sess, nil
}
