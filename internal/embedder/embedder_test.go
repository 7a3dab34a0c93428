package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// countingEmbedder records what reaches the backend and returns
// a vector of {len(text), 1}.
type countingEmbedder struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls = append(c.calls, texts)
	c.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), 1}
	}
	return out, nil
}

func (c *countingEmbedder) Dimension() int    { return 2 }
func (c *countingEmbedder) ModelName() string { return "counting" }

func TestChunked_EmptyTextReturnsNil(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewChunked(inner, 100, nil)

	for _, text := range []string{"", "   ", "\n\n"} {
		v, err := e.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", text, err)
		}
		if v != nil {
			t.Errorf("expected nil vector for %q, got %v", text, v)
		}
	}
	if len(inner.calls) != 0 {
		t.Errorf("expected no backend calls, got %d", len(inner.calls))
	}
}

func TestChunked_BatchAlignsWithInput(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewChunked(inner, 100, nil)

	vectors, err := e.EmbedBatch(context.Background(), []string{"abc", "", "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 3 {
		t.Errorf("expected first vector to encode len 3, got %v", vectors[0])
	}
	if vectors[1] != nil {
		t.Errorf("expected nil for empty input, got %v", vectors[1])
	}
	if vectors[2][0] != 5 {
		t.Errorf("expected third vector to encode len 5, got %v", vectors[2])
	}
	if len(inner.calls) != 1 || len(inner.calls[0]) != 2 {
		t.Errorf("expected one backend call with 2 texts, got %v", inner.calls)
	}
}

func TestChunked_ReplacesNewlines(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewChunked(inner, 100, nil)

	if _, err := e.Embed(context.Background(), "line one\nline two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := inner.calls[0][0]; got != "line one line two" {
		t.Errorf("expected newlines replaced, got %q", got)
	}
}

func TestChunked_OverLengthIsMeanPooled(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewChunked(inner, 4, nil)

	// 10 runes -> pieces of 4, 4, 2
	v, err := e.Embed(context.Background(), "abcdefghij")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inner.calls[0]) != 3 {
		t.Fatalf("expected 3 pieces, got %d", len(inner.calls[0]))
	}
	want := float32(10.0 / 3.0)
	if math.Abs(float64(v[0]-want)) > 1e-5 {
		t.Errorf("expected pooled value %f, got %f", want, v[0])
	}
	if len(v) != e.Dimension() {
		t.Errorf("expected dimension %d, got %d", e.Dimension(), len(v))
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("expected [0.6 0.8], got %v", v)
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("expected zero vector unchanged, got %v", zero)
	}
}

func TestVectorName(t *testing.T) {
	tests := map[string]string{
		"sentence-transformers/all-mpnet-base-v2": "sentence_transformers_all_mpnet_base_v2",
		"nomic-embed-text":                        "nomic_embed_text",
		"llama3.2:latest":                         "llama3_2_latest",
	}
	for in, want := range tests {
		if got := VectorName(in); got != want {
			t.Errorf("VectorName(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("expected model nomic-embed-text, got %s", req.Model)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	v, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("expected 3 dims, got %d", len(v))
	}
	if e.Dimension() != 768 {
		t.Errorf("expected known dimension 768, got %d", e.Dimension())
	}
}

func TestOllamaEmbedder_UnknownModel(t *testing.T) {
	var legacyCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/embeddings" {
			legacyCalls.Add(1)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"nomic-embed-text\" not found, try pulling it first"}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected model not found error, got %v", err)
	}
	if legacyCalls.Load() != 0 {
		t.Errorf("expected no single-prompt fallback, got %d calls", legacyCalls.Load())
	}
}

func TestOllamaEmbedder_BatchesInOrder(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		sizes = append(sizes, len(req.Input))
		mu.Unlock()
		out := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			out[i] = []float32{float32(len(text))}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: out})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, BatchSize: 2})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range vectors {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("index %d: expected %d, got %v", i, len(texts[i]), v)
		}
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
		t.Errorf("expected batches of [2 2 1], got %v", sizes)
	}
}

func TestOllamaEmbedder_SinglePromptFallback(t *testing.T) {
	var batchCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/embed" {
			batchCalls.Add(1)
			http.NotFound(w, r)
			return
		}
		var req promptRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(promptResponse{Embedding: []float32{float32(len(req.Prompt))}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, BatchConcurrency: 2})
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	for round := 0; round < 2; round++ {
		vectors, err := e.EmbedBatch(context.Background(), texts)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, v := range vectors {
			if int(v[0]) != len(texts[i]) {
				t.Errorf("index %d: expected %d, got %v", i, len(texts[i]), v)
			}
		}
	}
	if batchCalls.Load() != 1 {
		t.Errorf("expected the batch endpoint to be tried once, got %d", batchCalls.Load())
	}
}

func TestOpenAIEmbedder_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(OpenAIConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		// Reply out of order to exercise index sorting.
		w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][0] != 2 {
		t.Errorf("expected vectors ordered by index, got %v", vectors)
	}
}

func TestHuggingFaceEmbedder_TEIEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("expected /embed, got %s", r.URL.Path)
		}
		var req huggingFaceRequest
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Inputs))
		for i := range out {
			out[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	e := NewHuggingFaceEmbedder(HuggingFaceConfig{BaseURL: srv.URL})
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || vectors[1][0] != 1 {
		t.Errorf("unexpected vectors %v", vectors)
	}
	if e.ModelName() != DefaultHuggingFaceModel {
		t.Errorf("expected default model, got %s", e.ModelName())
	}
}

func TestOpenAIEmbedder_SplitsLargeBatches(t *testing.T) {
	const maxInputs = 3
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) > maxInputs {
			http.Error(w, `{"error":{"message":"too many inputs"}}`, http.StatusBadRequest)
			return
		}
		mu.Lock()
		requests++
		mu.Unlock()
		var resp openaiResponse
		resp.Data = make([]struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}, len(req.Input))
		for i, text := range req.Input {
			resp.Data[i].Index = i
			resp.Data[i].Embedding = []float32{float32(len(text)), 1}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, BatchSize: maxInputs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 3 {
		t.Errorf("expected 3 requests, got %d", requests)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, v := range vectors {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vector %d: expected %d, got %v", i, len(texts[i]), v)
		}
	}
}

func TestHuggingFaceEmbedder_DefaultBatchLimit(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req huggingFaceRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Inputs) > DefaultHuggingFaceBatchSize {
			http.Error(w, "batch size exceeds the limit", http.StatusRequestEntityTooLarge)
			return
		}
		mu.Lock()
		requests++
		mu.Unlock()
		out := make([][]float32, len(req.Inputs))
		for i, text := range req.Inputs {
			out[i] = []float32{float32(len(text)), 1}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	texts := make([]string, 100)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	e := NewHuggingFaceEmbedder(HuggingFaceConfig{BaseURL: srv.URL})
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 4 {
		t.Errorf("expected 4 requests, got %d", requests)
	}
	if len(vectors) != 100 || vectors[99][0] != 100 || vectors[32][0] != 33 {
		t.Errorf("expected vectors in input order, got %d vectors", len(vectors))
	}
}

func TestHuggingFaceEmbedder_HostedEndpoint(t *testing.T) {
	e := NewHuggingFaceEmbedder(HuggingFaceConfig{Model: "org/model"})
	if !strings.HasSuffix(e.endpoint, "/org/model/pipeline/feature-extraction") {
		t.Errorf("unexpected endpoint %s", e.endpoint)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(ProviderConfig{Provider: "word2vec"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRegistry_ReusesEmbedders(t *testing.T) {
	r := NewRegistry(ProviderConfig{Provider: ProviderOllama, Model: "nomic-embed-text"})

	a, err := r.Get("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := r.Get("nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Error("expected the same embedder for the default model")
	}

	c, err := r.Get("all-minilm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ModelName() != "all-minilm" || c.Dimension() != 384 {
		t.Errorf("unexpected embedder %s/%d", c.ModelName(), c.Dimension())
	}
}

func TestLoadModelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := "models:\n  custom-model:\n    dimension: 256\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { delete(KnownModels, "custom-model") })

	if err := LoadModelsFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := GetModelConfig("custom-model")
	if cfg.Dimension != 256 {
		t.Errorf("expected dimension 256, got %d", cfg.Dimension)
	}
	if cfg.MaxChars != 2048 {
		t.Errorf("expected default max chars 2048, got %d", cfg.MaxChars)
	}
}
