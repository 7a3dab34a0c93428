// Package sqlite implements the embedded repository on SQLite with the
// sqlite-vec extension doing vector ranking.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/repository"
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

CREATE TABLE IF NOT EXISTS mappings (
    id                TEXT PRIMARY KEY,
    concept_id        TEXT NOT NULL REFERENCES concepts(id),
    text              TEXT NOT NULL,
    sentence_embedder TEXT NOT NULL,
    embedding         BLOB NOT NULL,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mappings_embedder ON mappings(sentence_embedder);
CREATE INDEX IF NOT EXISTS idx_mappings_concept ON mappings(concept_id);
`

// Config holds configuration for the embedded repository.
type Config struct {
	// Path is a database file, or ":memory:" for a throwaway store.
	Path string

	// Vectorizer, when set, embeds mappings stored without an embedding.
	Vectorizer embedder.Embedder

	Logger *slog.Logger
}

// Store implements repository.Repository on SQLite.
type Store struct {
	db         *sql.DB
	vectorizer embedder.Embedder
	logger     *slog.Logger
}

// Open opens the database, verifies sqlite-vec is loaded and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, vectorizer: cfg.Vectorizer, logger: logger}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

// Ping checks the connection and that the vector extension is available.
func (s *Store) Ping(ctx context.Context) error {
	var version string
	if err := s.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		return fmt.Errorf("sqlite-vec unavailable: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UsesVectorizer reports whether the store embeds text itself.
func (s *Store) UsesVectorizer() bool {
	return s.vectorizer != nil
}

// StoreTerminology inserts or renames a terminology.
func (s *Store) StoreTerminology(ctx context.Context, t *repository.Terminology) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("terminology id and name are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminologies (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, t.ID, t.Name)
	if err != nil {
		return fmt.Errorf("failed to store terminology: %w", err)
	}
	return nil
}

// GetTerminology looks a terminology up by name, falling back to id.
func (s *Store) GetTerminology(ctx context.Context, name string) (*repository.Terminology, error) {
	var t repository.Terminology
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name FROM terminologies
		WHERE name = ? OR id = ?
		ORDER BY (name = ?) DESC
		LIMIT 1
	`, name, name, name).Scan(&t.ID, &t.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("terminology %s: %w", name, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get terminology: %w", err)
	}
	return &t, nil
}

// ListTerminologies returns all terminologies ordered by name.
func (s *Store) ListTerminologies(ctx context.Context) ([]*repository.Terminology, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM terminologies ORDER BY name, id`)
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

// StoreConcept inserts or updates a concept. Its terminology must exist.
func (s *Store) StoreConcept(ctx context.Context, c *repository.Concept) error {
	if c.ID == "" {
		return fmt.Errorf("concept identifier is required")
	}
	if _, err := s.GetTerminology(ctx, c.Terminology.ID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concepts (id, name, terminology_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, terminology_id = excluded.terminology_id
	`, c.ID, c.Name, c.Terminology.ID)
	if err != nil {
		return fmt.Errorf("failed to store concept: %w", err)
	}
	return nil
}

const conceptColumns = `c.id, c.name, t.id, t.name`

func scanConcept(row interface{ Scan(...any) error }) (*repository.Concept, error) {
	var c repository.Concept
	if err := row.Scan(&c.ID, &c.Name, &c.Terminology.ID, &c.Terminology.Name); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConcept retrieves a concept with its terminology.
func (s *Store) GetConcept(ctx context.Context, id string) (*repository.Concept, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conceptColumns+`
		FROM concepts c JOIN terminologies t ON t.id = c.terminology_id
		WHERE c.id = ?
	`, id)
	c, err := scanConcept(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("concept %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get concept: %w", err)
	}
	return c, nil
}

// ListConcepts pages through concepts ordered by identifier.
func (s *Store) ListConcepts(ctx context.Context, limit, offset int) ([]*repository.Concept, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conceptColumns+`
		FROM concepts c JOIN terminologies t ON t.id = c.terminology_id
		ORDER BY c.id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list concepts: %w", err)
	}
	defer rows.Close()

	concepts := []*repository.Concept{}
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

// CountConcepts returns the number of stored concepts.
func (s *Store) CountConcepts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM concepts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count concepts: %w", err)
	}
	return n, nil
}

// DeleteConcept removes a concept and its mappings.
func (s *Store) DeleteConcept(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings WHERE concept_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete concept mappings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM concepts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete concept: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("concept %s: %w", id, repository.ErrNotFound)
	}
	return tx.Commit()
}

// StoreMapping persists a single mapping.
func (s *Store) StoreMapping(ctx context.Context, m *repository.Mapping) error {
	return s.StoreMappings(ctx, []*repository.Mapping{m})
}

// StoreMappings vectorizes what is missing and inserts all mappings in one
// transaction.
func (s *Store) StoreMappings(ctx context.Context, ms []*repository.Mapping) error {
	if len(ms) == 0 {
		return nil
	}
	if err := repository.Vectorize(ctx, s.vectorizer, ms); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mappings (id, concept_id, text, sentence_embedder, embedding, created_at)
		SELECT ?, c.id, ?, ?, vec_f32(?), ? FROM concepts c WHERE c.id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mapping insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range ms {
		if m.ID == uuid.Nil {
			m.ID = repository.NewMappingID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		blob, err := sqlite_vec.SerializeFloat32(m.Embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			m.ID.String(), m.Text, m.SentenceEmbedder, blob, m.CreatedAt.UnixMilli(), m.Concept.ID)
		if err != nil {
			return fmt.Errorf("failed to store mapping: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("concept %s: %w", m.Concept.ID, repository.ErrNotFound)
		}
	}

	return tx.Commit()
}

const mappingColumns = `m.id, m.text, m.sentence_embedder, m.created_at, ` + conceptColumns

const mappingJoins = `
		FROM mappings m
		JOIN concepts c ON c.id = m.concept_id
		JOIN terminologies t ON t.id = c.terminology_id`

func scanMapping(row interface{ Scan(...any) error }, extra ...any) (*repository.Mapping, error) {
	var m repository.Mapping
	var id string
	var created int64
	dest := []any{&id, &m.Text, &m.SentenceEmbedder, &created,
		&m.Concept.ID, &m.Concept.Name, &m.Concept.Terminology.ID, &m.Concept.Terminology.Name}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping id %q: %w", id, err)
	}
	m.ID = parsed
	m.CreatedAt = time.UnixMilli(created).UTC()
	return &m, nil
}

// GetMappings pages through mappings, optionally for one sentence embedder.
func (s *Store) GetMappings(ctx context.Context, sentenceEmbedder string, limit, offset int) ([]*repository.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+mappingJoins+`
		WHERE (? = '' OR m.sentence_embedder = ?)
		ORDER BY m.created_at, m.id
		LIMIT ? OFFSET ?
	`, sentenceEmbedder, sentenceEmbedder, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*repository.Mapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// CountMappings returns the number of stored mappings.
func (s *Store) CountMappings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// SampleMappings returns up to limit random mappings including embeddings.
func (s *Store) SampleMappings(ctx context.Context, limit int) ([]*repository.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`, vec_to_json(m.embedding)`+mappingJoins+`
		ORDER BY random()
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*repository.Mapping{}
	for rows.Next() {
		var vecJSON string
		m, err := scanMapping(rows, &vecJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if err := json.Unmarshal([]byte(vecJSON), &m.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ClosestMappings ranks the mappings of one sentence embedder and
// terminology by cosine distance to the query vector.
func (s *Store) ClosestMappings(ctx context.Context, q repository.ClosestQuery) ([]repository.MappingResult, error) {
	vector, model, err := repository.QueryVector(ctx, s.vectorizer, q)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return nil, fmt.Errorf("closest mapping query needs a sentence embedder")
	}

	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`, vec_distance_cosine(m.embedding, vec_f32(?)) AS distance`+mappingJoins+`
		WHERE m.sentence_embedder = ?
		  AND vec_length(m.embedding) = vec_length(vec_f32(?))
		  AND (? = '' OR t.name = ? OR t.id = ?)
		ORDER BY distance
		LIMIT ?
	`, blob, model, blob, q.Terminology, q.Terminology, q.Terminology, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closest mappings: %w", err)
	}
	defer rows.Close()

	results := []repository.MappingResult{}
	for rows.Next() {
		var distance float64
		m, err := scanMapping(rows, &distance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		results = append(results, repository.MappingResult{Mapping: *m, Similarity: 1 - distance})
	}
	return results, rows.Err()
}

// SentenceEmbedders returns the distinct models that have mappings.
func (s *Store) SentenceEmbedders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sentence_embedder FROM mappings ORDER BY sentence_embedder`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sentence embedders: %w", err)
	}
	defer rows.Close()

	models := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan sentence embedder: %w", err)
		}
		models = append(models, name)
	}
	return models, rows.Err()
}

// ImportJSONL loads one object type from a JSON-lines file.
func (s *Store) ImportJSONL(ctx context.Context, path string, objectType repository.ObjectType) error {
	return repository.ImportJSONLFile(ctx, s, path, objectType)
}

// Ensure Store implements repository.Repository
var _ repository.Repository = (*Store)(nil)
