package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/ols"
	"github.com/knoguchi/conceptindex/internal/repository"
)

// SNOMED CT as published on OLS.
const (
	SNOMEDOntologyID      = "snomed"
	SNOMEDTerminologyName = "SNOMED CT"
)

// TermSource pages through the terms of an ontology.
type TermSource interface {
	Terms(ctx context.Context, ontologyID string, fn func([]ols.Term) error) error
}

// Embedders hands out an embedder per model name.
type Embedders interface {
	Get(model string) (embedder.Embedder, error)
}

// Importer loads terminologies and JSONL dumps into a repository.
type Importer struct {
	repo      repository.Repository
	embedders Embedders
	terms     TermSource
	logger    *slog.Logger
}

// NewImporter creates a new Importer.
func NewImporter(repo repository.Repository, embedders Embedders, terms TermSource, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{repo: repo, embedders: embedders, terms: terms, logger: logger}
}

// ImportTerminology stores every term of an OLS ontology as a concept with
// one mapping whose text is the term label. An empty terminologyName uses
// the ontology id.
func (i *Importer) ImportTerminology(ctx context.Context, ontologyID, terminologyName, model string) error {
	if terminologyName == "" {
		terminologyName = ontologyID
	}
	term := &repository.Terminology{ID: ontologyID, Name: terminologyName}
	if err := i.repo.StoreTerminology(ctx, term); err != nil {
		return fmt.Errorf("failed to store terminology %s: %w", terminologyName, err)
	}

	var e embedder.Embedder
	if !i.repo.UsesVectorizer() {
		var err error
		if e, err = i.embedders.Get(model); err != nil {
			return err
		}
	}

	var concepts, skipped int
	err := i.terms.Terms(ctx, ontologyID, func(page []ols.Term) error {
		stored, err := i.storePage(ctx, term, e, page)
		concepts += stored
		skipped += len(page) - stored
		if err != nil {
			return err
		}
		i.logger.Debug("imported terms page",
			"terminology", terminologyName,
			"concepts", concepts,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", ontologyID, err)
	}

	i.logger.Info("imported terminology",
		"ontology", ontologyID,
		"terminology", terminologyName,
		"concepts", concepts,
		"skipped", skipped,
	)
	return nil
}

func (i *Importer) storePage(ctx context.Context, term *repository.Terminology, e embedder.Embedder, page []ols.Term) (int, error) {
	var mappings []*repository.Mapping
	for _, t := range page {
		id, label := t.ConceptID(), strings.TrimSpace(t.Label)
		if id == "" || label == "" {
			continue
		}
		c := &repository.Concept{ID: id, Name: label, Terminology: *term}
		if err := i.repo.StoreConcept(ctx, c); err != nil {
			return len(mappings), fmt.Errorf("failed to store concept %s: %w", id, err)
		}
		mappings = append(mappings, &repository.Mapping{Concept: *c, Text: label})
	}
	if len(mappings) == 0 {
		return 0, nil
	}

	if e != nil {
		texts := make([]string, len(mappings))
		for j, m := range mappings {
			texts[j] = m.Text
		}
		vectors, err := e.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed labels: %w", err)
		}
		for j, m := range mappings {
			m.Embedding = vectors[j]
			m.SentenceEmbedder = e.ModelName()
		}
	}

	if err := i.repo.StoreMappings(ctx, mappings); err != nil {
		return 0, fmt.Errorf("failed to store mappings: %w", err)
	}
	return len(mappings), nil
}

// ImportSNOMED imports SNOMED CT from OLS.
func (i *Importer) ImportSNOMED(ctx context.Context, model string) error {
	return i.ImportTerminology(ctx, SNOMEDOntologyID, SNOMEDTerminologyName, model)
}

// ImportJSONL stages data in a temp file and imports it as objectType. The
// temp file is removed whatever the outcome.
func (i *Importer) ImportJSONL(ctx context.Context, data []byte, objectType repository.ObjectType) error {
	f, err := os.CreateTemp("", "conceptindex-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := i.repo.ImportJSONL(ctx, path, objectType); err != nil {
		return err
	}
	i.logger.Info("imported jsonl", "object_type", objectType, "bytes", len(data))
	return nil
}
