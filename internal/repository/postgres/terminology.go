package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/conceptindex/internal/repository"
)

// TerminologyRepo persists terminologies
type TerminologyRepo struct {
	db *DB
}

// NewTerminologyRepo creates a new terminology repository
func NewTerminologyRepo(db *DB) *TerminologyRepo {
	return &TerminologyRepo{db: db}
}

// Store inserts a terminology or renames an existing one
func (r *TerminologyRepo) Store(ctx context.Context, t *repository.Terminology) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("terminology id and name are required")
	}
	query := `
		INSERT INTO terminologies (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`
	if _, err := r.db.Pool.Exec(ctx, query, t.ID, t.Name); err != nil {
		return fmt.Errorf("failed to store terminology: %w", err)
	}
	return nil
}

// Get looks a terminology up by name, falling back to id
func (r *TerminologyRepo) Get(ctx context.Context, name string) (*repository.Terminology, error) {
	query := `
		SELECT id, name FROM terminologies
		WHERE name = $1 OR id = $1
		ORDER BY (name = $1) DESC
		LIMIT 1
	`
	var t repository.Terminology
	if err := r.db.Pool.QueryRow(ctx, query, name).Scan(&t.ID, &t.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("terminology %s: %w", name, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get terminology: %w", err)
	}
	return &t, nil
}

// List returns all terminologies ordered by name
func (r *TerminologyRepo) List(ctx context.Context) ([]*repository.Terminology, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name FROM terminologies ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminologies: %w", err)
	}
	defer rows.Close()

	terms := []*repository.Terminology{}
	for rows.Next() {
		var t repository.Terminology
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan terminology: %w", err)
		}
		terms = append(terms, &t)
	}
	return terms, rows.Err()
}
