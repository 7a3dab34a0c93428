package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/knoguchi/conceptindex/internal/config"
	"github.com/knoguchi/conceptindex/internal/embedder/embeddertest"
	"github.com/knoguchi/conceptindex/internal/repository"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

func TestOpener_MemoryMode(t *testing.T) {
	cfg := &config.Config{DBMode: config.DBModeMemory, SQLitePath: ":memory:", DBConnectRetries: 1}
	open, err := Opener(cfg, embeddertest.Registry("bow"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = repository.Use(context.Background(), open, RepositoryOptions(cfg, nil), func(repo repository.Repository) error {
		if repo.UsesVectorizer() {
			t.Error("expected no vectorizer")
		}
		return repo.Ping(context.Background())
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOpener_DBVectorizer(t *testing.T) {
	cfg := &config.Config{DBMode: config.DBModeMemory, SQLitePath: ":memory:", UseDBVectorizer: true, VectorizerModel: "bow"}
	open, err := Opener(cfg, embeddertest.Registry("bow"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo, err := open(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer repo.Close()
	if !repo.UsesVectorizer() {
		t.Error("expected repository to vectorize")
	}
}

func TestOpener_UnknownMode(t *testing.T) {
	if _, err := Opener(&config.Config{DBMode: "cloud"}, embeddertest.Registry("bow"), nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}
