package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TerminologyRecord is one terminology line of a JSONL import.
type TerminologyRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConceptRecord is one concept line of a JSONL import.
type ConceptRecord struct {
	ConceptIdentifier string `json:"concept_identifier"`
	PrefLabel         string `json:"pref_label"`
	TerminologyID     string `json:"terminology_id"`
}

// MappingRecord is one mapping line of a JSONL import. Embedding may be
// omitted when the repository vectorizes text itself.
type MappingRecord struct {
	ConceptIdentifier string    `json:"concept_identifier"`
	Text              string    `json:"text"`
	SentenceEmbedder  string    `json:"sentence_embedder"`
	Embedding         []float32 `json:"embedding"`
}

const importBatchSize = 100

// ImportJSONLFile reads path line by line and stores each object through repo.
// Mappings are flushed in batches.
func ImportJSONLFile(ctx context.Context, repo Repository, path string, objectType ObjectType) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	concepts := make(map[string]*Concept)
	var batch []*Mapping
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.StoreMappings(ctx, batch); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch objectType {
		case ObjectTerminology:
			var rec TerminologyRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("line %d: invalid terminology: %w", lineNo, err)
			}
			if err := repo.StoreTerminology(ctx, &Terminology{ID: rec.ID, Name: rec.Name}); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}

		case ObjectConcept:
			var rec ConceptRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("line %d: invalid concept: %w", lineNo, err)
			}
			term, err := repo.GetTerminology(ctx, rec.TerminologyID)
			if err != nil {
				return fmt.Errorf("line %d: terminology %s: %w", lineNo, rec.TerminologyID, err)
			}
			c := &Concept{ID: rec.ConceptIdentifier, Name: rec.PrefLabel, Terminology: *term}
			if err := repo.StoreConcept(ctx, c); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}

		case ObjectMapping:
			var rec MappingRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return fmt.Errorf("line %d: invalid mapping: %w", lineNo, err)
			}
			concept, ok := concepts[rec.ConceptIdentifier]
			if !ok {
				concept, err = repo.GetConcept(ctx, rec.ConceptIdentifier)
				if err != nil {
					return fmt.Errorf("line %d: concept %s: %w", lineNo, rec.ConceptIdentifier, err)
				}
				concepts[rec.ConceptIdentifier] = concept
			}
			batch = append(batch, &Mapping{
				Concept:          *concept,
				Text:             rec.Text,
				Embedding:        rec.Embedding,
				SentenceEmbedder: rec.SentenceEmbedder,
			})
			if len(batch) >= importBatchSize {
				if err := flush(); err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
			}

		default:
			return fmt.Errorf("unsupported object type %q", objectType)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}
	return flush()
}
