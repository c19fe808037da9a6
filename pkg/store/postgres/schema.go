// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Sessions and turns live in two tables; per-session latency statistics,
// provider selections and turn role changes are kept as JSONB. Turn search
// adds a pgvector table keyed like voice_turns. [Migrate] is idempotent and
// runs on every [NewStore].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//	_ = s.PersistTurn(ctx, sessionID, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id          TEXT         PRIMARY KEY,
    mode        TEXT         NOT NULL,
    providers   JSONB        NOT NULL DEFAULT '{}',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ,
    status      TEXT         NOT NULL,
    error       TEXT         NOT NULL DEFAULT '',
    stats       JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_started_at
    ON voice_sessions (started_at DESC);
`

// voice_turns has no foreign key: turns are written by an asynchronous
// persister and may arrive before their session row.
const ddlTurns = `
CREATE TABLE IF NOT EXISTS voice_turns (
    session_id        TEXT         NOT NULL,
    seq               INTEGER      NOT NULL,
    roles             JSONB        NOT NULL DEFAULT '[]',
    input_transcript  TEXT         NOT NULL DEFAULT '',
    response_text     TEXT         NOT NULL DEFAULT '',
    audio_bytes       BIGINT       NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ  NOT NULL,
    ended_at          TIMESTAMPTZ,
    interrupted       BOOLEAN      NOT NULL DEFAULT FALSE,
    error             TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);
`

// ddlEmbeddings holds one vector per turn for semantic search. The HNSW index
// serves cosine-distance queries.
const ddlEmbeddings = `
CREATE TABLE IF NOT EXISTS voice_turn_embeddings (
    session_id  TEXT        NOT NULL,
    seq         INTEGER     NOT NULL,
    embedding   vector(%d)  NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_voice_turn_embeddings_hnsw
    ON voice_turn_embeddings USING hnsw (embedding vector_cosine_ops);
`

// Migrate creates the store's tables and indexes if they do not exist. With
// embeddingDims > 0 the pgvector extension and the embeddings table are
// created too.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDims int) error {
	stmts := []string{ddlSessions, ddlTurns}
	if embeddingDims > 0 {
		stmts = append(stmts, ddlVectorExtension, fmt.Sprintf(ddlEmbeddings, embeddingDims))
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

const ddlVectorExtension = `CREATE EXTENSION IF NOT EXISTS vector`

// createVectorExtension installs pgvector over a single connection.
func createVectorExtension(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, ddlVectorExtension); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return nil
}
