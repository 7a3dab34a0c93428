package embedder

import (
	"context"
	"log/slog"
	"strings"
)

// Chunked wraps a backend embedder with the input policy shared by all
// providers: newlines become spaces, blank inputs yield nil vectors without
// reaching the backend, and text longer than maxChars is split into pieces
// whose vectors are mean-pooled into one.
type Chunked struct {
	inner    Embedder
	maxChars int
	logger   *slog.Logger
}

// NewChunked wraps inner. A non-positive maxChars uses the model's
// configured limit.
func NewChunked(inner Embedder, maxChars int, logger *slog.Logger) *Chunked {
	if maxChars <= 0 {
		maxChars = GetModelConfig(inner.ModelName()).MaxChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunked{inner: inner, maxChars: maxChars, logger: logger}
}

// Embed generates an embedding for text, returning nil for blank input.
func (c *Chunked) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts with one backend call. The result is aligned with
// texts; blank entries are nil.
func (c *Chunked) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	// owners[k] is the index in texts that pieces[k] belongs to
	var pieces []string
	var owners []int
	for i, text := range texts {
		text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
		if text == "" {
			c.logger.Warn("skipping embedding for empty text",
				"model", c.inner.ModelName(),
				"index", i,
			)
			continue
		}
		for _, piece := range splitRunes(text, c.maxChars) {
			pieces = append(pieces, piece)
			owners = append(owners, i)
		}
	}

	if len(pieces) == 0 {
		return results, nil
	}

	vectors, err := c.inner.EmbedBatch(ctx, pieces)
	if err != nil {
		return nil, err
	}

	grouped := make(map[int][][]float32)
	for k, v := range vectors {
		grouped[owners[k]] = append(grouped[owners[k]], v)
	}
	for i, group := range grouped {
		if len(group) == 1 {
			results[i] = group[0]
			continue
		}
		results[i] = MeanPool(group)
	}

	return results, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (c *Chunked) Dimension() int {
	return c.inner.Dimension()
}

// ModelName returns the name of the wrapped model.
func (c *Chunked) ModelName() string {
	return c.inner.ModelName()
}

var _ Embedder = (*Chunked)(nil)
