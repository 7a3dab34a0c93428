// Package postgres stores terminologies, concepts and mappings in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS terminologies (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_terminologies_name ON terminologies(name);

CREATE TABLE IF NOT EXISTS concepts (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    terminology_id TEXT NOT NULL REFERENCES terminologies(id)
);
CREATE INDEX IF NOT EXISTS idx_concepts_terminology ON concepts(terminology_id);

CREATE TABLE IF NOT EXISTS sentence_embedders (
    name       TEXT PRIMARY KEY,
    dimension  INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mappings (
    id                UUID PRIMARY KEY,
    concept_id        TEXT NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    text              TEXT NOT NULL,
    sentence_embedder TEXT NOT NULL REFERENCES sentence_embedders(name),
    embedding         REAL[] NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_mappings_embedder ON mappings(sentence_embedder);
CREATE INDEX IF NOT EXISTS idx_mappings_concept ON mappings(concept_id);
`

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
