// Package repository defines domain models and data access interfaces for
// terminologies, concepts, and embedded mappings.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrMissingEmbedding is returned when a mapping without an embedding is
// stored and the repository has no vectorizer.
var ErrMissingEmbedding = errors.New("mapping has no embedding and no vectorizer is configured")

// Terminology is a named controlled vocabulary such as OHDSI or SNOMED CT.
type Terminology struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Concept is a standardized entry within a terminology.
type Concept struct {
	ID          string      `json:"id"`   // concept identifier, unique across terminologies
	Name        string      `json:"name"` // preferred label
	Terminology Terminology `json:"terminology"`
}

// Mapping is a text phrase attached to a concept, with its embedding under
// a specific sentence embedder.
type Mapping struct {
	ID               uuid.UUID `json:"id"`
	Concept          Concept   `json:"concept"`
	Text             string    `json:"text"`
	Embedding        []float32 `json:"-"`
	SentenceEmbedder string    `json:"sentence_embedder"`
	CreatedAt        time.Time `json:"created_at"`
}

// MappingResult is a mapping ranked against a query vector.
type MappingResult struct {
	Mapping    Mapping
	Similarity float64
}

// ClosestQuery describes a nearest-mapping lookup. Ranking is only ever
// performed among mappings whose sentence embedder equals Model.
type ClosestQuery struct {
	Embedding []float32
	// Text is vectorized by the repository when UseDBVectorizer is set and
	// Embedding is empty.
	Text            string
	UseDBVectorizer bool
	Terminology     string
	Model           string
	Limit           int
}

// ObjectType names an importable entity kind.
type ObjectType string

const (
	ObjectTerminology ObjectType = "terminology"
	ObjectConcept     ObjectType = "concept"
	ObjectMapping     ObjectType = "mapping"
)

// ParseObjectType validates an object type name.
func ParseObjectType(s string) (ObjectType, error) {
	switch ObjectType(strings.ToLower(strings.TrimSpace(s))) {
	case ObjectTerminology:
		return ObjectTerminology, nil
	case ObjectConcept:
		return ObjectConcept, nil
	case ObjectMapping:
		return ObjectMapping, nil
	}
	return "", fmt.Errorf("invalid object type %q: must be terminology, concept or mapping", s)
}

// NewMappingID returns a fresh mapping identifier.
func NewMappingID() uuid.UUID {
	return uuid.New()
}

// Repository is a scoped handle on the vector database.
type Repository interface {
	StoreTerminology(ctx context.Context, t *Terminology) error
	StoreConcept(ctx context.Context, c *Concept) error
	// StoreMapping persists m. A missing ID is assigned. A missing embedding
	// is computed by the repository's vectorizer, which also stamps
	// SentenceEmbedder.
	StoreMapping(ctx context.Context, m *Mapping) error
	// StoreMappings is the batch form of StoreMapping.
	StoreMappings(ctx context.Context, ms []*Mapping) error

	// GetTerminology looks a terminology up by name, falling back to id.
	GetTerminology(ctx context.Context, name string) (*Terminology, error)
	ListTerminologies(ctx context.Context) ([]*Terminology, error)

	GetConcept(ctx context.Context, id string) (*Concept, error)
	ListConcepts(ctx context.Context, limit, offset int) ([]*Concept, error)
	CountConcepts(ctx context.Context) (int, error)
	DeleteConcept(ctx context.Context, id string) error

	// GetMappings lists mappings, restricted to one sentence embedder unless
	// embedder is empty.
	GetMappings(ctx context.Context, embedder string, limit, offset int) ([]*Mapping, error)
	CountMappings(ctx context.Context) (int, error)
	// SampleMappings returns up to limit mappings with their embeddings.
	SampleMappings(ctx context.Context, limit int) ([]*Mapping, error)

	ClosestMappings(ctx context.Context, q ClosestQuery) ([]MappingResult, error)
	SentenceEmbedders(ctx context.Context) ([]string, error)

	ImportJSONL(ctx context.Context, path string, objectType ObjectType) error

	Ping(ctx context.Context) error
	// UsesVectorizer reports whether the repository embeds text itself.
	UsesVectorizer() bool
	io.Closer
}
