// Package app wires configuration into the embedders and repository shared
// by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/knoguchi/conceptindex/internal/config"
	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/ols"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/repository/remote"
	"github.com/knoguchi/conceptindex/internal/repository/sqlite"
	"github.com/knoguchi/conceptindex/internal/service"
	"github.com/knoguchi/conceptindex/internal/tasks"
)

// NewLogger returns a JSON slog logger at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// NewEmbedders builds the embedder registry, merging the models file first.
func NewEmbedders(cfg *config.Config, logger *slog.Logger) (*embedder.Registry, error) {
	if cfg.ModelsFile != "" {
		if err := embedder.LoadModelsFile(cfg.ModelsFile); err != nil {
			return nil, err
		}
		logger.Info("loaded model definitions", "path", cfg.ModelsFile)
	}
	return embedder.NewRegistry(embedder.ProviderConfig{
		Provider:      cfg.EmbeddingProvider,
		Model:         cfg.ModelName,
		OllamaURL:     cfg.OllamaURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		HFKey:         cfg.HFKey,
		HFURL:         cfg.HFURL,
		BatchSize:     cfg.EmbedBatchSize,
		Logger:        logger,
	}), nil
}

// Opener returns the connection attempt for the configured DB_MODE.
func Opener(cfg *config.Config, embedders *embedder.Registry, logger *slog.Logger) (repository.Opener, error) {
	var vectorizer embedder.Embedder
	if cfg.UseDBVectorizer {
		e, err := embedders.Get(cfg.VectorizerModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create vectorizer: %w", err)
		}
		vectorizer = e
	}

	switch cfg.DBMode {
	case config.DBModeMemory:
		return func(ctx context.Context) (repository.Repository, error) {
			store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, Vectorizer: vectorizer, Logger: logger})
			if err != nil {
				return nil, err
			}
			return store, nil
		}, nil
	case config.DBModeRemote:
		return func(ctx context.Context) (repository.Repository, error) {
			store, err := remote.Open(ctx, remote.Config{
				DatabaseURL:      cfg.DatabaseURL,
				QdrantURL:        cfg.QdrantURL,
				QdrantAPIKey:     cfg.QdrantAPIKey,
				CollectionPrefix: cfg.QdrantCollectionPrefix,
				Vectorizer:       vectorizer,
				Logger:           logger,
			})
			if err != nil {
				return nil, err
			}
			return store, nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported DB_MODE %q", cfg.DBMode)
}

// RepositoryOptions returns the connection retry policy from cfg.
func RepositoryOptions(cfg *config.Config, logger *slog.Logger) repository.Options {
	return repository.Options{
		Retries:    cfg.DBConnectRetries,
		RetryDelay: cfg.DBConnectRetryDelay,
		Logger:     logger,
	}
}

// Components are the long-lived objects built from one repository.
type Components struct {
	Embedders *embedder.Registry
	Mappings  *service.MappingService
	Importer  *tasks.Importer
}

// NewComponents builds the service layer on top of repo.
func NewComponents(cfg *config.Config, repo repository.Repository, embedders *embedder.Registry, logger *slog.Logger) *Components {
	terms := ols.NewClient(ols.Config{BaseURL: cfg.OLSURL})
	return &Components{
		Embedders: embedders,
		Mappings: service.NewMappingService(repo, embedders,
			service.WithLogger(logger),
			service.WithDefaults(cfg.DefaultTerminology, cfg.DefaultLimit),
		),
		Importer: tasks.NewImporter(repo, embedders, terms, logger),
	}
}
