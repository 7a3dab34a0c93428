package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knoguchi/conceptindex/internal/app"
	"github.com/knoguchi/conceptindex/internal/auth"
	"github.com/knoguchi/conceptindex/internal/config"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/server"
	"github.com/knoguchi/conceptindex/internal/tasks"
	"github.com/knoguchi/conceptindex/internal/visualization"
)

func main() {
	// Set up structured logging
	logger := app.NewLogger(os.Stdout, os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// .env may carry LOG_LEVEL too
	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("starting concept index",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"db_mode", cfg.DBMode,
		"embedding_provider", cfg.EmbeddingProvider,
		"model", cfg.ModelName,
		"db_vectorizer", cfg.UseDBVectorizer,
	)

	embedders, err := app.NewEmbedders(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize embedders: %w", err)
	}

	open, err := app.Opener(cfg, embedders, logger)
	if err != nil {
		return err
	}
	repo, err := repository.Open(ctx, open, app.RepositoryOptions(cfg, logger))
	if err != nil {
		return err
	}
	defer repo.Close()
	slog.Info("connected to vector database", "db_mode", cfg.DBMode)

	components := app.NewComponents(cfg, repo, embedders, logger)

	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		jwtManager = auth.NewJWTManager(jwtCfg)
	}
	guard := auth.NewGuard(cfg.AdminAPIKey, jwtManager, logger)
	if !guard.Enabled() {
		slog.Warn("write routes are unauthenticated; set ADMIN_API_KEY or JWT_SECRET to protect them")
	}

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: splitOrigins(cfg.AllowedOrigins),
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, server.Services{
		Mappings: components.Mappings,
		Plot:     visualization.NewPlot(repo, visualization.DefaultSampleSize, logger),
		Importer: components.Importer,
		Runner:   tasks.NewRunner(tasks.WithLogger(logger)),
		Guard:    guard,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
