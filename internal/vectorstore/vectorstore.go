// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
)

// Point is one mapping embedding together with the payload needed to
// filter and hydrate search hits.
type Point struct {
	ID              string // mapping UUID
	ConceptID       string
	TerminologyID   string
	TerminologyName string
	Text            string
	Vector          []float32
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID        string
	ConceptID string
	Text      string
	Score     float32 // cosine similarity
}

// VectorStore defines the interface for vector storage operations.
// Every operation is scoped to one sentence embedder. Vectors of different
// embedders never share a collection, and every point also carries its
// embedder name so queries match it exactly.
type VectorStore interface {
	// EnsureCollection creates the embedder's collection if it does not exist
	EnsureCollection(ctx context.Context, embedder string, dimension int) error

	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, embedder string) (bool, error)

	// Upsert inserts or updates points in the embedder's collection
	Upsert(ctx context.Context, embedder string, points []Point) error

	// Search returns the closest points, optionally restricted to a terminology
	// matched by name or id
	Search(ctx context.Context, embedder string, vector []float32, terminology string, limit int) ([]SearchResult, error)

	// DeleteByConcept removes all points of a concept
	DeleteByConcept(ctx context.Context, embedder string, conceptID string) error

	// Health checks that the store is reachable
	Health(ctx context.Context) error

	Close() error
}
