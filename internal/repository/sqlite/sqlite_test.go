package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/knoguchi/conceptindex/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, term := range []*repository.Terminology{
		{ID: "OHDSI", Name: "OHDSI"},
		{ID: "SNOMEDCT", Name: "SNOMED CT"},
	} {
		if err := s.StoreTerminology(ctx, term); err != nil {
			t.Fatalf("failed to store terminology: %v", err)
		}
	}
	ohdsi := repository.Terminology{ID: "OHDSI", Name: "OHDSI"}
	snomed := repository.Terminology{ID: "SNOMEDCT", Name: "SNOMED CT"}
	for _, c := range []*repository.Concept{
		{ID: "C1", Name: "Age", Terminology: ohdsi},
		{ID: "C2", Name: "Sex", Terminology: ohdsi},
		{ID: "S1", Name: "Age (qualifier)", Terminology: snomed},
	} {
		if err := s.StoreConcept(ctx, c); err != nil {
			t.Fatalf("failed to store concept: %v", err)
		}
	}
}

func TestStore_TerminologyLookup(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	byName, err := s.GetTerminology(ctx, "SNOMED CT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byName.ID != "SNOMEDCT" {
		t.Errorf("expected id SNOMEDCT, got %s", byName.ID)
	}

	byID, err := s.GetTerminology(ctx, "SNOMEDCT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byID.Name != "SNOMED CT" {
		t.Errorf("expected name SNOMED CT, got %s", byID.Name)
	}

	if _, err := s.GetTerminology(ctx, "LOINC"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_TerminologyStoredOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.StoreTerminology(ctx, &repository.Terminology{ID: "OHDSI", Name: "OHDSI"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	terms, err := s.ListTerminologies(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(terms) != 1 {
		t.Errorf("expected 1 terminology, got %d", len(terms))
	}
}

func TestStore_ConceptRequiresTerminology(t *testing.T) {
	s := newTestStore(t)
	err := s.StoreConcept(context.Background(), &repository.Concept{
		ID: "X1", Name: "Orphan", Terminology: repository.Terminology{ID: "NOPE"},
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ConceptsPaging(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	n, err := s.CountConcepts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 concepts, got %d", n)
	}

	page, err := s.ListConcepts(ctx, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 2 || page[0].ID != "C2" {
		t.Errorf("expected page starting at C2, got %+v", page)
	}
	if page[0].Terminology.Name != "OHDSI" {
		t.Errorf("expected terminology to be joined, got %+v", page[0].Terminology)
	}
}

func TestStore_ClosestMappings(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	c1, _ := s.GetConcept(ctx, "C1")
	c2, _ := s.GetConcept(ctx, "C2")
	s1, _ := s.GetConcept(ctx, "S1")

	err := s.StoreMappings(ctx, []*repository.Mapping{
		{Concept: *c1, Text: "age", Embedding: []float32{1, 0, 0}, SentenceEmbedder: "m1"},
		{Concept: *c2, Text: "sex", Embedding: []float32{0, 1, 0}, SentenceEmbedder: "m1"},
		{Concept: *s1, Text: "age", Embedding: []float32{1, 0, 0}, SentenceEmbedder: "m1"},
		// Same direction under a different model must never be compared.
		{Concept: *c2, Text: "other model", Embedding: []float32{1, 0, 0, 0}, SentenceEmbedder: "m2"},
	})
	if err != nil {
		t.Fatalf("failed to store mappings: %v", err)
	}

	results, err := s.ClosestMappings(ctx, repository.ClosestQuery{
		Embedding:   []float32{0.9, 0.1, 0},
		Terminology: "OHDSI",
		Model:       "m1",
		Limit:       5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 OHDSI results for m1, got %d", len(results))
	}
	if results[0].Mapping.Concept.ID != "C1" {
		t.Errorf("expected C1 first, got %s", results[0].Mapping.Concept.ID)
	}
	if results[0].Similarity <= results[1].Similarity {
		t.Errorf("expected descending similarity, got %f then %f", results[0].Similarity, results[1].Similarity)
	}
	for _, r := range results {
		if r.Mapping.SentenceEmbedder != "m1" {
			t.Errorf("expected only m1 mappings, got %s", r.Mapping.SentenceEmbedder)
		}
	}
}

func TestStore_IdenticalVectorSimilarity(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	c1, _ := s.GetConcept(ctx, "C1")
	if err := s.StoreMapping(ctx, &repository.Mapping{
		Concept: *c1, Text: "age", Embedding: []float32{0.3, 0.4, 0.5}, SentenceEmbedder: "m1",
	}); err != nil {
		t.Fatalf("failed to store mapping: %v", err)
	}

	results, err := s.ClosestMappings(ctx, repository.ClosestQuery{
		Embedding: []float32{0.3, 0.4, 0.5}, Terminology: "OHDSI", Model: "m1", Limit: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Similarity < 0.99 {
		t.Errorf("expected one result with similarity > 0.99, got %+v", results)
	}
}

func TestStore_MissingEmbeddingWithoutVectorizer(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	c1, _ := s.GetConcept(ctx, "C1")
	err := s.StoreMapping(ctx, &repository.Mapping{Concept: *c1, Text: "age"})
	if !errors.Is(err, repository.ErrMissingEmbedding) {
		t.Errorf("expected ErrMissingEmbedding, got %v", err)
	}
}

func TestStore_DeleteConceptRemovesMappings(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	c1, _ := s.GetConcept(ctx, "C1")
	if err := s.StoreMapping(ctx, &repository.Mapping{
		Concept: *c1, Text: "age", Embedding: []float32{1, 0}, SentenceEmbedder: "m1",
	}); err != nil {
		t.Fatalf("failed to store mapping: %v", err)
	}
	if err := s.DeleteConcept(ctx, "C1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetConcept(ctx, "C1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected concept to be gone, got %v", err)
	}
	n, _ := s.CountMappings(ctx)
	if n != 0 {
		t.Errorf("expected 0 mappings, got %d", n)
	}
}

func TestStore_SentenceEmbeddersAndSample(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	c1, _ := s.GetConcept(ctx, "C1")
	err := s.StoreMappings(ctx, []*repository.Mapping{
		{Concept: *c1, Text: "a", Embedding: []float32{1, 2}, SentenceEmbedder: "m1"},
		{Concept: *c1, Text: "b", Embedding: []float32{2, 1}, SentenceEmbedder: "m1"},
		{Concept: *c1, Text: "c", Embedding: []float32{1, 1, 1}, SentenceEmbedder: "m2"},
	})
	if err != nil {
		t.Fatalf("failed to store mappings: %v", err)
	}

	models, err := s.SentenceEmbedders(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "m1" || models[1] != "m2" {
		t.Errorf("expected [m1 m2], got %v", models)
	}

	sample, err := s.SampleMappings(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sample) != 3 {
		t.Fatalf("expected 3 sampled mappings, got %d", len(sample))
	}
	for _, m := range sample {
		if len(m.Embedding) == 0 {
			t.Errorf("expected embedding for mapping %s", m.Text)
		}
	}

	m1, err := s.GetMappings(ctx, "m1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m1) != 2 {
		t.Errorf("expected 2 m1 mappings, got %d", len(m1))
	}
}

func TestStore_ImportJSONL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	terms := write("terms.jsonl", `{"id":"OHDSI","name":"OHDSI"}`+"\n\n")
	concepts := write("concepts.jsonl", `{"concept_identifier":"C1","pref_label":"Age","terminology_id":"OHDSI"}`+"\n")
	mappings := write("mappings.jsonl",
		`{"concept_identifier":"C1","text":"age","sentence_embedder":"m1","embedding":[1,0]}`+"\n"+
			`{"concept_identifier":"C1","text":"age in years","sentence_embedder":"m1","embedding":[0.9,0.1]}`+"\n")

	if err := s.ImportJSONL(ctx, terms, repository.ObjectTerminology); err != nil {
		t.Fatalf("terminology import failed: %v", err)
	}
	if err := s.ImportJSONL(ctx, concepts, repository.ObjectConcept); err != nil {
		t.Fatalf("concept import failed: %v", err)
	}
	if err := s.ImportJSONL(ctx, mappings, repository.ObjectMapping); err != nil {
		t.Fatalf("mapping import failed: %v", err)
	}

	n, _ := s.CountMappings(ctx)
	if n != 2 {
		t.Errorf("expected 2 mappings, got %d", n)
	}

	bad := write("bad.jsonl", `{"id":"X","name":"X"}`+"\n"+`{not json`+"\n")
	if err := s.ImportJSONL(ctx, bad, repository.ObjectTerminology); err == nil {
		t.Error("expected error for malformed line")
	}
}
