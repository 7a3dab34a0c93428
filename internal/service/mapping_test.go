package service

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/conceptindex/internal/dictionary"
	"github.com/knoguchi/conceptindex/internal/embedder"
	"github.com/knoguchi/conceptindex/internal/embedder/embeddertest"
	"github.com/knoguchi/conceptindex/internal/repository"
	"github.com/knoguchi/conceptindex/internal/repository/sqlite"
)

const testModel = "bow"

func newTestService(t *testing.T, vectorizer embedder.Embedder) *MappingService {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:", Vectorizer: vectorizer})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewMappingService(repo, embeddertest.Registry(testModel, "bow-2"), WithDefaults("OHDSI", 5))
}

func seedOHDSI(t *testing.T, s *MappingService) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTerminology(ctx, "OHDSI", "OHDSI"); err != nil {
		t.Fatalf("failed to create terminology: %v", err)
	}
	for _, c := range []struct{ id, name, text string }{
		{"C1", "Age", "subject age in years"},
		{"C2", "Sex", "biological sex"},
		{"C3", "Body mass index", "body mass index bmi"},
	} {
		if err := s.AttachMapping(ctx, c.id, c.name, "OHDSI", c.text, testModel); err != nil {
			t.Fatalf("failed to attach mapping: %v", err)
		}
	}
}

func TestClosestForText_FindsAgeConcept(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)

	matches, err := s.ClosestForText(context.Background(), "age at enrollment", "OHDSI", testModel, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Concept.ID != "C1" {
		t.Errorf("expected C1, got %s", matches[0].Concept.ID)
	}
	if matches[0].Concept.Terminology.Name != "OHDSI" {
		t.Errorf("expected terminology OHDSI, got %s", matches[0].Concept.Terminology.Name)
	}
}

func TestClosestForText_SameTextRanksFirst(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)

	matches, err := s.ClosestForText(context.Background(), "biological sex", "", testModel, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matches[0].Concept.ID != "C2" {
		t.Errorf("expected C2 first, got %s", matches[0].Concept.ID)
	}
	if matches[0].Similarity <= 0.99 {
		t.Errorf("expected similarity > 0.99, got %f", matches[0].Similarity)
	}
}

func TestClosestForText_OtherModelSeesNothing(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)

	matches, err := s.ClosestForText(context.Background(), "age", "OHDSI", "bow-2", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches under another model, got %d", len(matches))
	}
}

func TestClosestForText_EmptyText(t *testing.T) {
	s := newTestService(t, nil)
	if _, err := s.ClosestForText(context.Background(), "  ", "OHDSI", testModel, 1); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestAttachMapping_RollsBackConcept(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()
	if err := s.CreateTerminology(ctx, "OHDSI", "OHDSI"); err != nil {
		t.Fatal(err)
	}

	err := s.AttachMapping(ctx, "C9", "Broken", "OHDSI", "", testModel)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := s.Repository().GetConcept(ctx, "C9"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected concept to be rolled back, got %v", err)
	}
}

func TestAttachMapping_KeepsExistingConcept(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)
	ctx := context.Background()

	err := s.AttachMapping(ctx, "C1", "Renamed", "OHDSI", "   ", testModel)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	c, err := s.Repository().GetConcept(ctx, "C1")
	if err != nil {
		t.Fatalf("expected C1 to survive, got %v", err)
	}
	if c.Name != "Age" {
		t.Errorf("expected name Age, got %s", c.Name)
	}
	if n, _ := s.CountMappings(ctx); n != 3 {
		t.Errorf("expected 3 mappings, got %d", n)
	}
}

// failingStore rejects every mapping write.
type failingStore struct {
	repository.Repository
}

var errStore = errors.New("store unavailable")

func (f failingStore) StoreMapping(ctx context.Context, m *repository.Mapping) error {
	return errStore
}

func TestAttachMapping_StoreFailure(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)
	ctx := context.Background()
	failing := NewMappingService(failingStore{s.Repository()}, embeddertest.Registry(testModel))

	err := failing.AttachMapping(ctx, "C1", "Renamed", "OHDSI", "age at visit", testModel)
	if !errors.Is(err, errStore) {
		t.Fatalf("expected errStore, got %v", err)
	}
	c, err := s.Repository().GetConcept(ctx, "C1")
	if err != nil {
		t.Fatalf("expected C1 to survive, got %v", err)
	}
	if c.Name != "Age" {
		t.Errorf("expected name restored to Age, got %s", c.Name)
	}
	if n, _ := s.CountMappings(ctx); n != 3 {
		t.Errorf("expected 3 mappings, got %d", n)
	}

	err = failing.AttachMapping(ctx, "C9", "New", "OHDSI", "new concept", testModel)
	if !errors.Is(err, errStore) {
		t.Fatalf("expected errStore, got %v", err)
	}
	if _, err := s.Repository().GetConcept(ctx, "C9"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected new concept to be removed, got %v", err)
	}
}

func TestCreateConcept_UnknownTerminology(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.CreateConcept(context.Background(), "C1", "Age", "LOINC")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClosestForDictionary_PreservesOrder(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)

	entries := []dictionary.Entry{
		{Variable: "bmi", Description: "body mass index"},
		{Variable: "age", Description: "age in years"},
		{Variable: "sex", Description: "sex"},
	}
	results, err := s.ClosestForDictionary(context.Background(), entries, "OHDSI", testModel, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(entries) {
		t.Fatalf("expected %d results, got %d", len(entries), len(results))
	}
	wantConcepts := []string{"C3", "C1", "C2"}
	for i, r := range results {
		if r.Variable != entries[i].Variable {
			t.Errorf("result %d: expected variable %s, got %s", i, entries[i].Variable, r.Variable)
		}
		if len(r.Mappings) != 1 || r.Mappings[0].Concept.ID != wantConcepts[i] {
			t.Errorf("result %d: expected %s, got %+v", i, wantConcepts[i], r.Mappings)
		}
	}
}

func TestStreamDictionary_EmitsEachRow(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)

	entries := []dictionary.Entry{
		{Variable: "a", Description: "age"},
		{Variable: "b", Description: "sex"},
	}
	var got []string
	err := s.StreamDictionary(context.Background(), entries, "OHDSI", testModel, 1, func(r DictionaryResult) error {
		got = append(got, r.Variable)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}

	stop := errors.New("client gone")
	calls := 0
	err = s.StreamDictionary(context.Background(), entries, "OHDSI", testModel, 1, func(r DictionaryResult) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("expected stream to stop after first emit error, got %v after %d calls", err, calls)
	}
}

func TestModels_ListsDistinctEmbedders(t *testing.T) {
	s := newTestService(t, nil)
	seedOHDSI(t, s)
	ctx := context.Background()

	if err := s.CreateMapping(ctx, "C1", "age", "bow-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateMapping(ctx, "C2", "sex", "bow-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	models, err := s.Models(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "bow" || models[1] != "bow-2" {
		t.Errorf("expected [bow bow-2], got %v", models)
	}
}

func TestDBVectorizer_EmbedsInRepository(t *testing.T) {
	vectorizer := embeddertest.New("db-vectorizer")
	s := newTestService(t, vectorizer)
	seedOHDSI(t, s)

	models, _ := s.Models(context.Background())
	if len(models) != 1 || models[0] != "db-vectorizer" {
		t.Errorf("expected mappings under the vectorizer model, got %v", models)
	}

	matches, err := s.ClosestForText(context.Background(), "age at enrollment", "OHDSI", "", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].Concept.ID != "C1" {
		t.Errorf("expected C1 via DB vectorizer, got %+v", matches)
	}
	if vectorizer.Calls() == 0 {
		t.Error("expected the vectorizer to be used")
	}
}
