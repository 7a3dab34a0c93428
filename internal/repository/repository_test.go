package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubRepo struct {
	Repository
	closed bool
}

func (s *stubRepo) Close() error {
	s.closed = true
	return nil
}

func TestOpen_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	open := func(ctx context.Context) (Repository, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &stubRepo{}, nil
	}

	repo, err := Open(context.Background(), open, Options{Retries: 5, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo == nil {
		t.Fatal("expected repository")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestOpen_GivesUp(t *testing.T) {
	var calls atomic.Int32
	open := func(ctx context.Context) (Repository, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}

	_, err := Open(context.Background(), open, Options{Retries: 5, RetryDelay: time.Millisecond})
	if !errors.Is(err, ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("expected 5 attempts, got %d", calls.Load())
	}
}

func TestUse_AlwaysCloses(t *testing.T) {
	repo := &stubRepo{}
	open := func(ctx context.Context) (Repository, error) { return repo, nil }

	wantErr := errors.New("boom")
	err := Use(context.Background(), open, Options{Retries: 1}, func(Repository) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected fn error, got %v", err)
	}
	if !repo.closed {
		t.Error("expected repository to be closed")
	}
}

func TestParseObjectType(t *testing.T) {
	for _, s := range []string{"terminology", "Concept", " mapping "} {
		if _, err := ParseObjectType(s); err != nil {
			t.Errorf("expected %q to parse, got %v", s, err)
		}
	}
	if _, err := ParseObjectType("document"); err == nil {
		t.Error("expected error for unknown object type")
	}
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	return []float32{1, 2}, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func (fixedEmbedder) Dimension() int    { return 2 }
func (fixedEmbedder) ModelName() string { return "vectorizer" }

func TestVectorize(t *testing.T) {
	ms := []*Mapping{
		{Text: "given", Embedding: []float32{9}, SentenceEmbedder: "client"},
		{Text: "missing"},
	}
	if err := Vectorize(context.Background(), fixedEmbedder{}, ms); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms[0].SentenceEmbedder != "client" || ms[0].Embedding[0] != 9 {
		t.Errorf("expected provided embedding untouched, got %+v", ms[0])
	}
	if ms[1].SentenceEmbedder != "vectorizer" || len(ms[1].Embedding) != 2 {
		t.Errorf("expected vectorized mapping, got %+v", ms[1])
	}

	if err := Vectorize(context.Background(), nil, []*Mapping{{Text: "x"}}); !errors.Is(err, ErrMissingEmbedding) {
		t.Errorf("expected ErrMissingEmbedding, got %v", err)
	}
}

func TestQueryVector(t *testing.T) {
	vec, model, err := QueryVector(context.Background(), nil, ClosestQuery{Embedding: []float32{1}, Model: "m"})
	if err != nil || model != "m" || len(vec) != 1 {
		t.Errorf("expected embedding passthrough, got %v %s %v", vec, model, err)
	}

	vec, model, err = QueryVector(context.Background(), fixedEmbedder{}, ClosestQuery{Text: "age", UseDBVectorizer: true, Model: "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "vectorizer" || len(vec) != 2 {
		t.Errorf("expected vectorizer partition, got %s %v", model, vec)
	}

	if _, _, err := QueryVector(context.Background(), nil, ClosestQuery{Text: "age"}); err == nil {
		t.Error("expected error without embedding or vectorizer")
	}
}
