// Package remote composes PostgreSQL metadata with a Qdrant vector index
// into a repository.Repository.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/repository/postgres"
	"github.com/knoguchi/conceptindex/internal/vectorstore"
)

// Config holds connection settings for the remote repository.
type Config struct {
	DatabaseURL      string
	QdrantURL        string
	QdrantAPIKey     string
	CollectionPrefix string
	Vectorizer       embedder.Embedder
	Logger           *slog.Logger
}

// Store implements repository.Repository over PostgreSQL and Qdrant.
type Store struct {
	db            *postgres.DB
	terminologies *postgres.TerminologyRepo
	concepts      *postgres.ConceptRepo
	mappings      *postgres.MappingRepo
	vectors       vectorstore.VectorStore
	vectorizer    embedder.Embedder
	logger        *slog.Logger
}

// Open connects to both backends and applies the PostgreSQL schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	vs, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
		URL:              cfg.QdrantURL,
		APIKey:           cfg.QdrantAPIKey,
		CollectionPrefix: cfg.CollectionPrefix,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := vs.Health(ctx); err != nil {
		vs.Close()
		db.Close()
		return nil, err
	}

	return New(db, vs, cfg.Vectorizer, cfg.Logger), nil
}

// New assembles a Store from already connected backends.
func New(db *postgres.DB, vs vectorstore.VectorStore, vectorizer embedder.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:            db,
		terminologies: postgres.NewTerminologyRepo(db),
		concepts:      postgres.NewConceptRepo(db),
		mappings:      postgres.NewMappingRepo(db),
		vectors:       vs,
		vectorizer:    vectorizer,
		logger:        logger,
	}
}

// Ping checks both backends.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unavailable: %w", err)
	}
	return s.vectors.Health(ctx)
}

// Close releases both connections.
func (s *Store) Close() error {
	err := s.vectors.Close()
	s.db.Close()
	return err
}

// UsesVectorizer reports whether the store embeds text itself.
func (s *Store) UsesVectorizer() bool {
	return s.vectorizer != nil
}

func (s *Store) StoreTerminology(ctx context.Context, t *repository.Terminology) error {
	return s.terminologies.Store(ctx, t)
}

func (s *Store) GetTerminology(ctx context.Context, name string) (*repository.Terminology, error) {
	return s.terminologies.Get(ctx, name)
}

func (s *Store) ListTerminologies(ctx context.Context) ([]*repository.Terminology, error) {
	return s.terminologies.List(ctx)
}

func (s *Store) StoreConcept(ctx context.Context, c *repository.Concept) error {
	return s.concepts.Store(ctx, c)
}

func (s *Store) GetConcept(ctx context.Context, id string) (*repository.Concept, error) {
	return s.concepts.Get(ctx, id)
}

func (s *Store) ListConcepts(ctx context.Context, limit, offset int) ([]*repository.Concept, error) {
	return s.concepts.List(ctx, limit, offset)
}

func (s *Store) CountConcepts(ctx context.Context) (int, error) {
	return s.concepts.Count(ctx)
}

// DeleteConcept removes a concept, its mappings and their vectors.
func (s *Store) DeleteConcept(ctx context.Context, id string) error {
	embedders, err := s.concepts.Delete(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, model := range embedders {
		if err := s.vectors.DeleteByConcept(ctx, model, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) StoreMapping(ctx context.Context, m *repository.Mapping) error {
	return s.StoreMappings(ctx, []*repository.Mapping{m})
}

// StoreMappings writes mapping rows to PostgreSQL and their vectors to the
// sentence embedder's collection. Rows are removed again if the vector
// write fails.
func (s *Store) StoreMappings(ctx context.Context, ms []*repository.Mapping) error {
	if len(ms) == 0 {
		return nil
	}
	if err := repository.Vectorize(ctx, s.vectorizer, ms); err != nil {
		return err
	}

	now := time.Now().UTC()
	groups := make(map[string][]*repository.Mapping)
	for _, m := range ms {
		if m.ID == uuid.Nil {
			m.ID = repository.NewMappingID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		groups[m.SentenceEmbedder] = append(groups[m.SentenceEmbedder], m)
	}

	return writeGroups(ctx, s.mappings, s.vectors, groups, s.logger)
}

// mappingRows is the PostgreSQL side of a mapping write.
type mappingRows interface {
	RegisterEmbedder(ctx context.Context, name string, dimension int) error
	Create(ctx context.Context, ms []*repository.Mapping) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// writeGroups stores each sentence embedder's mappings as rows, then as
// points. A failed point write deletes that group's rows again.
func writeGroups(ctx context.Context, rows mappingRows, vectors vectorstore.VectorStore, groups map[string][]*repository.Mapping, logger *slog.Logger) error {
	for model, group := range groups {
		dimension := len(group[0].Embedding)
		for _, m := range group {
			if len(m.Embedding) != dimension {
				return fmt.Errorf("sentence embedder %s: mixed dimensions %d and %d", model, dimension, len(m.Embedding))
			}
		}
		if err := rows.RegisterEmbedder(ctx, model, dimension); err != nil {
			return err
		}
		if err := vectors.EnsureCollection(ctx, model, dimension); err != nil {
			return err
		}
		if err := rows.Create(ctx, group); err != nil {
			return err
		}

		points := make([]vectorstore.Point, len(group))
		ids := make([]uuid.UUID, len(group))
		for i, m := range group {
			ids[i] = m.ID
			points[i] = vectorstore.Point{
				ID:              m.ID.String(),
				ConceptID:       m.Concept.ID,
				TerminologyID:   m.Concept.Terminology.ID,
				TerminologyName: m.Concept.Terminology.Name,
				Text:            m.Text,
				Vector:          m.Embedding,
			}
		}
		if err := vectors.Upsert(ctx, model, points); err != nil {
			if delErr := rows.DeleteByIDs(ctx, ids); delErr != nil {
				logger.Error("failed to remove mapping rows after vector write failure",
					"sentence_embedder", model,
					"count", len(ids),
					"error", delErr,
				)
				return fmt.Errorf("%w (%d mapping rows could not be removed: %v)", err, len(ids), delErr)
			}
			return err
		}
	}

	return nil
}

func (s *Store) GetMappings(ctx context.Context, sentenceEmbedder string, limit, offset int) ([]*repository.Mapping, error) {
	return s.mappings.List(ctx, sentenceEmbedder, limit, offset)
}

func (s *Store) CountMappings(ctx context.Context) (int, error) {
	return s.mappings.Count(ctx)
}

func (s *Store) SampleMappings(ctx context.Context, limit int) ([]*repository.Mapping, error) {
	return s.mappings.Sample(ctx, limit)
}

func (s *Store) SentenceEmbedders(ctx context.Context) ([]string, error) {
	return s.mappings.SentenceEmbedders(ctx)
}

// ClosestMappings searches the sentence embedder's collection and hydrates
// the hits from PostgreSQL in rank order.
func (s *Store) ClosestMappings(ctx context.Context, q repository.ClosestQuery) ([]repository.MappingResult, error) {
	vector, model, err := repository.QueryVector(ctx, s.vectorizer, q)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return nil, fmt.Errorf("closest mapping query needs a sentence embedder")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	hits, err := s.vectors.Search(ctx, model, vector, q.Terminology, limit)
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, s.mappings.GetByIDs, hits, s.logger)
}

type mappingLookup func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*repository.Mapping, error)

// hydrate turns vector hits into mapping results, preserving rank order.
// Hits without a metadata row are logged and dropped.
func hydrate(ctx context.Context, lookup mappingLookup, hits []vectorstore.SearchResult, logger *slog.Logger) ([]repository.MappingResult, error) {
	results := []repository.MappingResult{}
	if len(hits) == 0 {
		return results, nil
	}

	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid point id %q: %w", h.ID, err)
		}
		ids = append(ids, id)
	}

	byID, err := lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i, h := range hits {
		m, ok := byID[ids[i]]
		if !ok {
			logger.Warn("vector hit without mapping row", "mapping_id", h.ID)
			continue
		}
		results = append(results, repository.MappingResult{Mapping: *m, Similarity: float64(h.Score)})
	}
	return results, nil
}

// ImportJSONL loads one object type from a JSON-lines file.
func (s *Store) ImportJSONL(ctx context.Context, path string, objectType repository.ObjectType) error {
	return repository.ImportJSONLFile(ctx, s, path, objectType)
}

// Ensure Store implements repository.Repository
var _ repository.Repository = (*Store)(nil)
