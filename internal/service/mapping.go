// Package service composes embedders and the repository into the
// operations exposed over HTTP and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/conceptindex/internal/dictionary"
	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/repository"
)

// ErrValidation marks errors caused by bad caller input.
var ErrValidation = errors.New("validation failed")

// Embedders hands out an embedder per model name.
type Embedders interface {
	Get(model string) (embedder.Embedder, error)
	DefaultModel() string
}

// MatchResult is one ranked mapping as returned to clients.
type MatchResult struct {
	Concept    repository.Concept `json:"concept"`
	Text       string             `json:"text"`
	Similarity float64            `json:"similarity"`
}

// DictionaryResult holds the matches for one data dictionary row.
type DictionaryResult struct {
	Variable    string        `json:"variable"`
	Description string        `json:"description"`
	Mappings    []MatchResult `json:"mappings"`
}

// MappingService implements terminology, concept and mapping operations.
type MappingService struct {
	repo               repository.Repository
	embedders          Embedders
	logger             *slog.Logger
	defaultTerminology string
	defaultLimit       int
	concurrency        int
}

// Option configures a MappingService.
type Option func(*MappingService)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *MappingService) {
		s.logger = l
	}
}

// WithDefaults sets the terminology and result limit used when a request
// leaves them empty.
func WithDefaults(terminology string, limit int) Option {
	return func(s *MappingService) {
		s.defaultTerminology = terminology
		if limit > 0 {
			s.defaultLimit = limit
		}
	}
}

// WithConcurrency bounds the ranking queries run in parallel for a dictionary.
func WithConcurrency(n int) Option {
	return func(s *MappingService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewMappingService creates a new MappingService
func NewMappingService(repo repository.Repository, embedders Embedders, opts ...Option) *MappingService {
	s := &MappingService{
		repo:         repo,
		embedders:    embedders,
		logger:       slog.Default(),
		defaultLimit: 5,
		concurrency:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository exposes the underlying repository.
func (s *MappingService) Repository() repository.Repository {
	return s.repo
}

// CreateTerminology stores a terminology.
func (s *MappingService) CreateTerminology(ctx context.Context, id, name string) error {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: terminology id and name are required", ErrValidation)
	}
	return s.repo.StoreTerminology(ctx, &repository.Terminology{ID: id, Name: name})
}

// ListTerminologies returns all terminologies.
func (s *MappingService) ListTerminologies(ctx context.Context) ([]*repository.Terminology, error) {
	return s.repo.ListTerminologies(ctx)
}

// CreateConcept stores a concept under the named terminology.
func (s *MappingService) CreateConcept(ctx context.Context, id, name, terminologyName string) (*repository.Concept, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: concept id is required", ErrValidation)
	}
	term, err := s.repo.GetTerminology(ctx, terminologyName)
	if err != nil {
		return nil, err
	}
	c := &repository.Concept{ID: id, Name: name, Terminology: *term}
	if err := s.repo.StoreConcept(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListConcepts pages through concepts.
func (s *MappingService) ListConcepts(ctx context.Context, limit, offset int) ([]*repository.Concept, error) {
	return s.repo.ListConcepts(ctx, limit, offset)
}

// CountConcepts returns the number of concepts.
func (s *MappingService) CountConcepts(ctx context.Context) (int, error) {
	return s.repo.CountConcepts(ctx)
}

// CreateMapping embeds text with model and attaches it to an existing concept.
func (s *MappingService) CreateMapping(ctx context.Context, conceptID, text, model string) error {
	concept, err := s.repo.GetConcept(ctx, conceptID)
	if err != nil {
		return err
	}
	m, err := s.newMapping(ctx, concept, text, model)
	if err != nil {
		return err
	}
	return s.repo.StoreMapping(ctx, m)
}

// newMapping validates text and embeds it unless the repository vectorizes.
func (s *MappingService) newMapping(ctx context.Context, concept *repository.Concept, text, model string) (*repository.Mapping, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: mapping text is required", ErrValidation)
	}
	m := &repository.Mapping{Concept: *concept, Text: text}

	// With a DB vectorizer the repository embeds and stamps the model.
	if !s.repo.UsesVectorizer() {
		e, err := s.embedders.Get(model)
		if err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed mapping text: %w", err)
		}
		m.Embedding = vec
		m.SentenceEmbedder = e.ModelName()
	}
	return m, nil
}

// AttachMapping upserts a concept and adds a mapping to it. The text is
// embedded before anything is written. If storing the mapping fails, a newly
// created concept is deleted again and an existing one gets its previous
// name and terminology back.
func (s *MappingService) AttachMapping(ctx context.Context, id, name, terminologyName, text, model string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: concept id is required", ErrValidation)
	}
	term, err := s.repo.GetTerminology(ctx, terminologyName)
	if err != nil {
		return err
	}
	concept := &repository.Concept{ID: id, Name: name, Terminology: *term}

	m, err := s.newMapping(ctx, concept, text, model)
	if err != nil {
		return err
	}

	previous, err := s.repo.GetConcept(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		previous = nil
	case err != nil:
		return err
	}

	if err := s.repo.StoreConcept(ctx, concept); err != nil {
		return err
	}
	if err := s.repo.StoreMapping(ctx, m); err != nil {
		if rbErr := s.undoConcept(ctx, id, previous); rbErr != nil {
			s.logger.Error("failed to roll back concept after mapping failure",
				"concept_id", id,
				"error", rbErr,
			)
			return fmt.Errorf("%w (concept %s could not be rolled back: %v)", err, id, rbErr)
		}
		return err
	}
	return nil
}

func (s *MappingService) undoConcept(ctx context.Context, id string, previous *repository.Concept) error {
	if previous == nil {
		return s.repo.DeleteConcept(ctx, id)
	}
	return s.repo.StoreConcept(ctx, previous)
}

// ListMappings pages through mappings of one model, or all when model is empty.
func (s *MappingService) ListMappings(ctx context.Context, model string, limit, offset int) ([]*repository.Mapping, error) {
	return s.repo.GetMappings(ctx, model, limit, offset)
}

// CountMappings returns the number of mappings.
func (s *MappingService) CountMappings(ctx context.Context) (int, error) {
	return s.repo.CountMappings(ctx)
}

// Models returns the sentence embedders that have mappings.
func (s *MappingService) Models(ctx context.Context) ([]string, error) {
	return s.repo.SentenceEmbedders(ctx)
}

func (s *MappingService) resolve(terminology string, limit int) (string, int) {
	if terminology == "" {
		terminology = s.defaultTerminology
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	return terminology, limit
}

// ClosestForText ranks the mappings closest to text within a terminology.
func (s *MappingService) ClosestForText(ctx context.Context, text, terminology, model string, limit int) ([]MatchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}
	terminology, limit = s.resolve(terminology, limit)

	q := repository.ClosestQuery{Text: text, Terminology: terminology, Limit: limit}
	if s.repo.UsesVectorizer() {
		q.UseDBVectorizer = true
	} else {
		e, err := s.embedders.Get(model)
		if err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text: %w", err)
		}
		q.Embedding = vec
		q.Model = e.ModelName()
	}
	return s.query(ctx, q)
}

func (s *MappingService) query(ctx context.Context, q repository.ClosestQuery) ([]MatchResult, error) {
	results, err := s.repo.ClosestMappings(ctx, q)
	if err != nil {
		return nil, err
	}
	matches := make([]MatchResult, len(results))
	for i, r := range results {
		matches[i] = MatchResult{
			Concept:    r.Mapping.Concept,
			Text:       r.Mapping.Text,
			Similarity: r.Similarity,
		}
	}
	return matches, nil
}

// dictionaryQueries embeds all descriptions in one batch and returns one
// ranking query per entry.
func (s *MappingService) dictionaryQueries(ctx context.Context, entries []dictionary.Entry, terminology, model string, limit int) ([]repository.ClosestQuery, error) {
	terminology, limit = s.resolve(terminology, limit)

	queries := make([]repository.ClosestQuery, len(entries))
	for i, e := range entries {
		queries[i] = repository.ClosestQuery{Text: e.Description, Terminology: terminology, Limit: limit}
	}
	if s.repo.UsesVectorizer() {
		for i := range queries {
			queries[i].UseDBVectorizer = true
		}
		return queries, nil
	}

	e, err := s.embedders.Get(model)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(entries))
	for i, entry := range entries {
		texts[i] = entry.Description
	}
	vectors, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed descriptions: %w", err)
	}
	for i := range queries {
		queries[i].Embedding = vectors[i]
		queries[i].Model = e.ModelName()
	}
	return queries, nil
}

func (s *MappingService) matchEntry(ctx context.Context, entry dictionary.Entry, q repository.ClosestQuery) (DictionaryResult, error) {
	res := DictionaryResult{Variable: entry.Variable, Description: entry.Description, Mappings: []MatchResult{}}
	if len(q.Embedding) == 0 && !q.UseDBVectorizer {
		return res, nil
	}
	matches, err := s.query(ctx, q)
	if err != nil {
		return res, fmt.Errorf("variable %s: %w", entry.Variable, err)
	}
	res.Mappings = matches
	return res, nil
}

// ClosestForDictionary matches every entry and returns results in input order.
func (s *MappingService) ClosestForDictionary(ctx context.Context, entries []dictionary.Entry, terminology, model string, limit int) ([]DictionaryResult, error) {
	queries, err := s.dictionaryQueries(ctx, entries, terminology, model, limit)
	if err != nil {
		return nil, err
	}

	results := make([]DictionaryResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range entries {
		g.Go(func() error {
			res, err := s.matchEntry(gctx, entries[i], queries[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// StreamDictionary matches entries in order and hands each result to emit as
// soon as it is ready. An emit error stops the stream.
func (s *MappingService) StreamDictionary(ctx context.Context, entries []dictionary.Entry, terminology, model string, limit int, emit func(DictionaryResult) error) error {
	queries, err := s.dictionaryQueries(ctx, entries, terminology, model, limit)
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.matchEntry(ctx, entry, queries[i])
		if err != nil {
			return err
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}
