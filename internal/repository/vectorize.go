package repository

import (
	"context"
	"fmt"

	"github.com/knoguchi/conceptindex/internal/embedder"
)

// Vectorize fills in missing embeddings with v in a single batch call and
// stamps v's model on those mappings. Mappings that already carry an
// embedding are left alone. Without a vectorizer a missing embedding is an
// error.
func Vectorize(ctx context.Context, v embedder.Embedder, ms []*Mapping) error {
	var texts []string
	var targets []*Mapping
	for _, m := range ms {
		if len(m.Embedding) > 0 {
			if m.SentenceEmbedder == "" {
				return fmt.Errorf("mapping %q has an embedding but no sentence embedder", m.Text)
			}
			continue
		}
		if v == nil {
			return ErrMissingEmbedding
		}
		texts = append(texts, m.Text)
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		return nil
	}

	vectors, err := v.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to vectorize mappings: %w", err)
	}
	for i, m := range targets {
		if vectors[i] == nil {
			return fmt.Errorf("cannot vectorize empty mapping text for concept %s", m.Concept.ID)
		}
		m.Embedding = vectors[i]
		m.SentenceEmbedder = v.ModelName()
	}
	return nil
}

// QueryVector resolves the vector a closest-mapping query ranks against and
// the model partition to search.
func QueryVector(ctx context.Context, v embedder.Embedder, q ClosestQuery) ([]float32, string, error) {
	model := q.Model
	if len(q.Embedding) > 0 {
		return q.Embedding, model, nil
	}
	if !q.UseDBVectorizer || v == nil {
		return nil, "", fmt.Errorf("closest mapping query needs an embedding")
	}
	vec, err := v.Embed(ctx, q.Text)
	if err != nil {
		return nil, "", fmt.Errorf("failed to vectorize query: %w", err)
	}
	if vec == nil {
		return nil, "", fmt.Errorf("closest mapping query text is empty")
	}
	return vec, v.ModelName(), nil
}
