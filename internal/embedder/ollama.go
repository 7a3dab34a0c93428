package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultOllamaBatchSize caps the inputs sent to /api/embed per request.
	DefaultOllamaBatchSize = 64

	// DefaultBatchConcurrency bounds parallel single-prompt requests on
	// servers without /api/embed.
	DefaultBatchConcurrency = 4
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// Dimension is the embedding dimension (default: from KnownModels).
	Dimension int

	// BatchSize caps the inputs per /api/embed request.
	BatchSize int

	// BatchConcurrency bounds parallel requests on the single-prompt fallback.
	BatchConcurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// OllamaEmbedder talks to a local Ollama server. It uses the batch endpoint
// /api/embed and drops to one /api/embeddings call per text when the server
// predates it.
type OllamaEmbedder struct {
	baseURL          string
	model            string
	dimension        int
	batchSize        int
	batchConcurrency int
	client           *http.Client

	singlePrompt atomic.Bool
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type promptRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Embedding []float32 `json:"embedding"`
}

// errNoBatchEndpoint means the server has no /api/embed route.
var errNoBatchEndpoint = errors.New("ollama server has no /api/embed endpoint")

// NewOllamaEmbedder creates a new Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = GetModelConfig(model).Dimension
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultOllamaBatchSize
	}

	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &OllamaEmbedder{
		baseURL:          baseURL,
		model:            model,
		dimension:        dimension,
		batchSize:        batchSize,
		batchConcurrency: batchConcurrency,
		client:           client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if !e.singlePrompt.Load() {
		vectors, err := embedInBatches(ctx, texts, e.batchSize, e.embedBatchRequest)
		if !errors.Is(err, errNoBatchEndpoint) {
			return vectors, err
		}
		e.singlePrompt.Store(true)
	}
	return e.embedEachPrompt(ctx, texts)
}

func (e *OllamaEmbedder) embedBatchRequest(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	err := e.post(ctx, "/api/embed", embedRequest{Model: e.model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	for i, v := range resp.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding returned from Ollama at index %d", i)
		}
	}
	return resp.Embeddings, nil
}

func (e *OllamaEmbedder) embedEachPrompt(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			var resp promptResponse
			if err := e.post(gctx, "/api/embeddings", promptRequest{Model: e.model, Prompt: text}, &resp); err != nil {
				return fmt.Errorf("batch embedding failed at index %d: %w", i, err)
			}
			if len(resp.Embedding) == 0 {
				return fmt.Errorf("empty embedding returned from Ollama at index %d", i)
			}
			results[i] = resp.Embedding
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		// Unknown routes get a plain 404; unknown models get a JSON error.
		if resp.StatusCode == http.StatusNotFound && path == "/api/embed" && !bytes.Contains(msg, []byte(`"error"`)) {
			return errNoBatchEndpoint
		}
		return fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*OllamaEmbedder)(nil)
