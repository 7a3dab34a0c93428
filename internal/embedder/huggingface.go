package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultHuggingFaceURL is the hosted Inference API router.
	DefaultHuggingFaceURL = "https://router.huggingface.co/hf-inference/models"

	// DefaultHuggingFaceModel is the default sentence-transformers model.
	DefaultHuggingFaceModel = "sentence-transformers/all-mpnet-base-v2"

	// DefaultHuggingFaceBatchSize matches the default client batch limit of
	// Text Embeddings Inference.
	DefaultHuggingFaceBatchSize = 32
)

// HuggingFaceConfig holds configuration for the Hugging Face embedder.
//
// With the default BaseURL, requests go to the hosted feature-extraction
// pipeline for Model. Any other BaseURL is treated as a Text Embeddings
// Inference server and requests go to {BaseURL}/embed.
type HuggingFaceConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	// BatchSize caps the inputs sent per request (default: DefaultHuggingFaceBatchSize)
	BatchSize  int
	HTTPClient *http.Client
}

// HuggingFaceEmbedder runs a transformer encoder through Hugging Face serving.
type HuggingFaceEmbedder struct {
	endpoint  string
	apiKey    string
	model     string
	dimension int
	batchSize int
	client    *http.Client
}

type huggingFaceRequest struct {
	Inputs []string `json:"inputs"`
}

// NewHuggingFaceEmbedder creates a Hugging Face embedder.
func NewHuggingFaceEmbedder(cfg HuggingFaceConfig) *HuggingFaceEmbedder {
	model := cfg.Model
	if model == "" {
		model = DefaultHuggingFaceModel
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	var endpoint string
	if baseURL == "" || baseURL == DefaultHuggingFaceURL {
		endpoint = fmt.Sprintf("%s/%s/pipeline/feature-extraction", DefaultHuggingFaceURL, model)
	} else {
		endpoint = baseURL + "/embed"
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = GetModelConfig(model).Dimension
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultHuggingFaceBatchSize
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &HuggingFaceEmbedder{
		endpoint:  endpoint,
		apiKey:    cfg.APIKey,
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
		client:    client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *HuggingFaceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends texts in requests of at most BatchSize inputs.
func (e *HuggingFaceEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return embedInBatches(ctx, texts, e.batchSize, e.embedRequest)
}

func (e *HuggingFaceEmbedder) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(huggingFaceRequest{Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("huggingface API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("huggingface returned %d embeddings for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *HuggingFaceEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *HuggingFaceEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*HuggingFaceEmbedder)(nil)
