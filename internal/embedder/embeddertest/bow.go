// Package embeddertest provides a deterministic embedder for tests.
package embeddertest

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/knoguchi/conceptindex/internal/embedder"
)

// Vocabulary is the fixed word list of BagOfWords. Words outside it share
// one "unknown" dimension.
var Vocabulary = []string{
	"age", "years", "year", "old", "enrollment", "birth", "date",
	"subject", "patient", "sex", "gender", "biological", "male", "female",
	"weight", "body", "mass", "index", "bmi", "height", "blood", "pressure",
	"systolic", "diastolic", "heart", "rate", "smoking", "status", "diabetes",
}

// BagOfWords counts vocabulary words. Every vector carries a small constant
// component so none is zero.
type BagOfWords struct {
	Model string
	index map[string]int
	calls atomic.Int64
}

// New returns a BagOfWords reporting model as its name.
func New(model string) *BagOfWords {
	idx := make(map[string]int, len(Vocabulary))
	for i, w := range Vocabulary {
		idx[w] = i
	}
	return &BagOfWords{Model: model, index: idx}
}

// Calls returns how many texts were embedded.
func (b *BagOfWords) Calls() int64 {
	return b.calls.Load()
}

func (b *BagOfWords) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	b.calls.Add(1)

	v := make([]float32, b.Dimension())
	unknown := len(Vocabulary)
	bias := len(Vocabulary) + 1
	v[bias] = 0.1

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if i, ok := b.index[w]; ok {
			v[i]++
		} else {
			v[unknown] += 0.05
		}
	}
	return v, nil
}

func (b *BagOfWords) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *BagOfWords) Dimension() int {
	return len(Vocabulary) + 2
}

func (b *BagOfWords) ModelName() string {
	return b.Model
}

var _ embedder.Embedder = (*BagOfWords)(nil)

// Registry returns an embedder registry whose default model is a BagOfWords
// named model, with extra BagOfWords registered under the other names.
func Registry(model string, others ...string) *embedder.Registry {
	r := embedder.NewRegistry(embedder.ProviderConfig{Model: model})
	r.Register(New(model))
	for _, name := range others {
		r.Register(New(name))
	}
	return r
}
