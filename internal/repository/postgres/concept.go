package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/conceptindex/internal/repository"
)

// ConceptRepo persists concepts
type ConceptRepo struct {
	db *DB
}

// NewConceptRepo creates a new concept repository
func NewConceptRepo(db *DB) *ConceptRepo {
	return &ConceptRepo{db: db}
}

// Store inserts or updates a concept. The terminology must already exist.
func (r *ConceptRepo) Store(ctx context.Context, c *repository.Concept) error {
	if c.ID == "" {
		return fmt.Errorf("concept identifier is required")
	}
	query := `
		INSERT INTO concepts (id, name, terminology_id)
		SELECT $1, $2, t.id FROM terminologies t WHERE t.id = $3
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, terminology_id = EXCLUDED.terminology_id
	`
	tag, err := r.db.Pool.Exec(ctx, query, c.ID, c.Name, c.Terminology.ID)
	if err != nil {
		return fmt.Errorf("failed to store concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("terminology %s: %w", c.Terminology.ID, repository.ErrNotFound)
	}
	return nil
}

const conceptSelect = `
		SELECT c.id, c.name, t.id, t.name
		FROM concepts c
		JOIN terminologies t ON t.id = c.terminology_id
`

// Get retrieves a concept with its terminology
func (r *ConceptRepo) Get(ctx context.Context, id string) (*repository.Concept, error) {
	var c repository.Concept
	err := r.db.Pool.QueryRow(ctx, conceptSelect+` WHERE c.id = $1`, id).Scan(
		&c.ID, &c.Name, &c.Terminology.ID, &c.Terminology.Name,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("concept %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get concept: %w", err)
	}
	return &c, nil
}

// List retrieves concepts with pagination
func (r *ConceptRepo) List(ctx context.Context, limit, offset int) ([]*repository.Concept, error) {
	rows, err := r.db.Pool.Query(ctx, conceptSelect+` ORDER BY c.id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	concepts := []*repository.Concept{}
	for rows.Next() {
		var c repository.Concept
		if err := rows.Scan(&c.ID, &c.Name, &c.Terminology.ID, &c.Terminology.Name); err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		concepts = append(concepts, &c)
	}
	return concepts, rows.Err()
}

// Count returns the number of concepts
func (r *ConceptRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM concepts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count concepts: %w", err)
	}
	return n, nil
}

// Delete removes a concept; its mappings cascade. It returns the sentence
// embedders the deleted mappings belonged to.
func (r *ConceptRepo) Delete(ctx context.Context, id string) ([]string, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT DISTINCT sentence_embedder FROM mappings WHERE concept_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list concept embedders: %w", err)
	}
	embedders, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan concept embedders: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM concepts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete concept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("concept %s: %w", id, repository.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return embedders, nil
}
