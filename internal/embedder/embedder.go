// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"strings"
)

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	// Empty text yields a nil vector and a nil error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts,
	// with nil entries for empty inputs.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific embedding model.
type ModelConfig struct {
	Dimension int `yaml:"dimension"` // Embedding dimension
	MaxChars  int `yaml:"max_chars"` // Longest input sent to the model in one piece
}

// KnownModels maps embedding model names to their configurations.
// MaxChars is a conservative character budget under the model's token limit.
var KnownModels = map[string]ModelConfig{
	"nomic-embed-text": {
		Dimension: 768,
		MaxChars:  8000,
	},
	"mxbai-embed-large": {
		Dimension: 1024,
		MaxChars:  1500,
	},
	"all-minilm": {
		Dimension: 384,
		MaxChars:  800,
	},
	"sentence-transformers/all-mpnet-base-v2": {
		Dimension: 768,
		MaxChars:  1500,
	},
	"sentence-transformers/all-MiniLM-L6-v2": {
		Dimension: 384,
		MaxChars:  800,
	},
	"text-embedding-3-small": {
		Dimension: 1536,
		MaxChars:  30000,
	},
	"text-embedding-3-large": {
		Dimension: 3072,
		MaxChars:  30000,
	},
	"text-embedding-ada-002": {
		Dimension: 1536,
		MaxChars:  2048,
	},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	// Conservative defaults for unknown models
	return ModelConfig{
		Dimension: 768,
		MaxChars:  2048,
	}
}

// VectorName turns a model identifier into a name usable for collections and
// tables, e.g. "sentence-transformers/all-mpnet-base-v2" becomes
// "sentence_transformers_all_mpnet_base_v2".
func VectorName(model string) string {
	r := strings.NewReplacer("-", "_", "/", "_", ".", "_", ":", "_", " ", "_")
	return strings.ToLower(r.Replace(model))
}
