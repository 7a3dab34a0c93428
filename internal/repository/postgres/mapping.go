package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/conceptindex/internal/repository"
)

// MappingRepo persists mappings and the sentence embedder registry
type MappingRepo struct {
	db *DB
}

// NewMappingRepo creates a new mapping repository
func NewMappingRepo(db *DB) *MappingRepo {
	return &MappingRepo{db: db}
}

// RegisterEmbedder records a sentence embedder and its dimension. Registering
// a known embedder with a different dimension is an error.
func (r *MappingRepo) RegisterEmbedder(ctx context.Context, name string, dimension int) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sentence_embedders (name, dimension) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, dimension)
	if err != nil {
		return fmt.Errorf("failed to register sentence embedder: %w", err)
	}

	var existing int
	if err := r.db.Pool.QueryRow(ctx, `SELECT dimension FROM sentence_embedders WHERE name = $1`, name).Scan(&existing); err != nil {
		return fmt.Errorf("failed to read sentence embedder: %w", err)
	}
	if existing != dimension {
		return fmt.Errorf("sentence embedder %s has dimension %d, got %d", name, existing, dimension)
	}
	return nil
}

// Create inserts mappings in one batch
func (r *MappingRepo) Create(ctx context.Context, ms []*repository.Mapping) error {
	if len(ms) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range ms {
		batch.Queue(`
			INSERT INTO mappings (id, concept_id, text, sentence_embedder, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, m.ID, m.Concept.ID, m.Text, m.SentenceEmbedder, m.Embedding, m.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range ms {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create mapping: %w", err)
		}
	}

	return nil
}

// DeleteByIDs removes mappings by id
func (r *MappingRepo) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM mappings WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete mappings: %w", err)
	}
	return nil
}

const mappingSelect = `
		SELECT m.id, m.text, m.sentence_embedder, m.created_at, c.id, c.name, t.id, t.name
		FROM mappings m
		JOIN concepts c ON c.id = m.concept_id
		JOIN terminologies t ON t.id = c.terminology_id
`

func scanMappings(rows pgx.Rows, withEmbedding bool) ([]*repository.Mapping, error) {
	defer rows.Close()

	mappings := []*repository.Mapping{}
	for rows.Next() {
		var m repository.Mapping
		dest := []any{&m.ID, &m.Text, &m.SentenceEmbedder, &m.CreatedAt,
			&m.Concept.ID, &m.Concept.Name, &m.Concept.Terminology.ID, &m.Concept.Terminology.Name}
		if withEmbedding {
			dest = append(dest, &m.Embedding)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// List pages through mappings, optionally for one sentence embedder
func (r *MappingRepo) List(ctx context.Context, sentenceEmbedder string, limit, offset int) ([]*repository.Mapping, error) {
	rows, err := r.db.Pool.Query(ctx, mappingSelect+`
		WHERE ($1 = '' OR m.sentence_embedder = $1)
		ORDER BY m.created_at, m.id
		LIMIT $2 OFFSET $3
	`, sentenceEmbedder, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return scanMappings(rows, false)
}

// GetByIDs returns the mappings with the given ids keyed by id
func (r *MappingRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*repository.Mapping, error) {
	rows, err := r.db.Pool.Query(ctx, mappingSelect+` WHERE m.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings: %w", err)
	}
	mappings, err := scanMappings(rows, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*repository.Mapping, len(mappings))
	for _, m := range mappings {
		byID[m.ID] = m
	}
	return byID, nil
}

// Sample returns up to limit random mappings with embeddings
func (r *MappingRepo) Sample(ctx context.Context, limit int) ([]*repository.Mapping, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT m.id, m.text, m.sentence_embedder, m.created_at, c.id, c.name, t.id, t.name, m.embedding
		FROM mappings m
		JOIN concepts c ON c.id = m.concept_id
		JOIN terminologies t ON t.id = c.terminology_id
		ORDER BY random()
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample mappings: %w", err)
	}
	return scanMappings(rows, true)
}

// Count returns the number of mappings
func (r *MappingRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// SentenceEmbedders returns the distinct embedders that have mappings
func (r *MappingRepo) SentenceEmbedders(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT sentence_embedder FROM mappings ORDER BY sentence_embedder`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentence embedders: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan sentence embedders: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
