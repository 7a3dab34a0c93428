package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider names accepted by New.
const (
	ProviderOllama      = "ollama"
	ProviderOpenAI      = "openai"
	ProviderHuggingFace = "huggingface"
)

// ProviderConfig selects and configures an embedding backend.
type ProviderConfig struct {
	Provider string
	Model    string

	OllamaURL     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	HFKey         string
	HFURL         string
	// BatchSize caps inputs per request. Zero keeps each provider's default.
	BatchSize int

	Logger *slog.Logger
}

// New builds the embedder for cfg.Provider and wraps it in Chunked.
func New(cfg ProviderConfig) (Embedder, error) {
	var inner Embedder
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		inner = NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		})
	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:   cfg.OpenAIBaseURL,
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case ProviderHuggingFace:
		inner = NewHuggingFaceEmbedder(HuggingFaceConfig{
			BaseURL:   cfg.HFURL,
			APIKey:    cfg.HFKey,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return NewChunked(inner, 0, cfg.Logger), nil
}

// Registry hands out one embedder per model name, all from the same provider.
type Registry struct {
	cfg          ProviderConfig
	defaultModel string

	mu        sync.Mutex
	embedders map[string]Embedder
}

// NewRegistry creates a registry. cfg.Model is the default model.
func NewRegistry(cfg ProviderConfig) *Registry {
	return &Registry{
		cfg:          cfg,
		defaultModel: cfg.Model,
		embedders:    make(map[string]Embedder),
	}
}

// Register installs a ready-made embedder under its model name.
func (r *Registry) Register(e Embedder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[e.ModelName()] = e
}

// DefaultModel returns the model used when a request names none.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}

// Get returns the embedder for model, constructing it on first use.
// An empty model selects the default.
func (r *Registry) Get(model string) (Embedder, error) {
	if model == "" {
		model = r.defaultModel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.embedders[model]; ok {
		return e, nil
	}

	cfg := r.cfg
	cfg.Model = model
	e, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder for model %s: %w", model, err)
	}
	r.embedders[model] = e
	return e, nil
}

// LoadModelsFile merges model definitions from a YAML file into KnownModels.
//
//	models:
//	  my-model:
//	    dimension: 512
//	    max_chars: 1000
func LoadModelsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read models file: %w", err)
	}

	var file struct {
		Models map[string]ModelConfig `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse models file: %w", err)
	}

	for name, mc := range file.Models {
		if mc.Dimension <= 0 {
			return fmt.Errorf("model %s: dimension must be positive", name)
		}
		if mc.MaxChars <= 0 {
			mc.MaxChars = GetModelConfig(name).MaxChars
		}
		KnownModels[name] = mc
	}
	return nil
}
