package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/conceptindex/internal/embedder"
)

// Payload keys stored with every point.
const (
	payloadMappingID       = "mapping_id"
	payloadConceptID       = "concept_id"
	payloadTerminologyID   = "terminology_id"
	payloadTerminologyName = "terminology_name"
	payloadText            = "text"
	payloadEmbedder        = "sentence_embedder"
)

// QdrantConfig holds connection settings for Qdrant.
type QdrantConfig struct {
	// URL should be in format "host:port" (e.g., "localhost:6334")
	URL    string
	APIKey string
	// CollectionPrefix is prepended to every collection name (default: mapping)
	CollectionPrefix string
}

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client *qdrant.Client
	prefix string
}

// NewQdrantStore creates a new Qdrant vector store client
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.URL)
	if err != nil {
		// If no port specified, assume default
		host = cfg.URL
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "mapping"
	}

	return &QdrantStore{client: client, prefix: prefix}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Health checks that Qdrant answers.
func (s *QdrantStore) Health(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// collectionName returns the collection name for a sentence embedder. The
// readable part folds case and punctuation, so a hash of the raw name keeps
// distinct embedders apart.
func (s *QdrantStore) collectionName(model string) string {
	sum := sha256.Sum256([]byte(model))
	return fmt.Sprintf("%s_%s_%s", s.prefix, embedder.VectorName(model), hex.EncodeToString(sum[:4]))
}

// EnsureCollection creates the embedder's collection with cosine distance and
// keyword indexes on the filtered payload fields. An existing collection is kept.
func (s *QdrantStore) EnsureCollection(ctx context.Context, model string, dimension int) error {
	exists, err := s.CollectionExists(ctx, model)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	name := s.collectionName(model)

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// Another writer may have created it between the check and here.
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{payloadEmbedder, payloadTerminologyName, payloadTerminologyID, payloadConceptID} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to index %s: %w", field, err)
		}
	}

	return nil
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, model string) (bool, error) {
	name := s.collectionName(model)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}

	return exists, nil
}

// Upsert inserts or updates points in the embedder's collection
func (s *QdrantStore) Upsert(ctx context.Context, model string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	name := s.collectionName(model)

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Payload: pointPayload(model, p),
			Vectors: qdrant.NewVectors(p.Vector...),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         structs,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs cosine similarity search within one embedder's collection.
// A missing collection yields no results.
func (s *QdrantStore) Search(ctx context.Context, model string, vector []float32, terminology string, limit int) ([]SearchResult, error) {
	name := s.collectionName(model)

	query := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         searchFilter(model, terminology),
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return []SearchResult{}, nil
		}
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		result := SearchResult{
			ID:    point.Id.GetUuid(),
			Score: point.Score,
		}

		if payload := point.Payload; payload != nil {
			if conceptID, ok := payload[payloadConceptID]; ok {
				result.ConceptID = conceptID.GetStringValue()
			}
			if text, ok := payload[payloadText]; ok {
				result.Text = text.GetStringValue()
			}
		}

		results = append(results, result)
	}

	return results, nil
}

// DeleteByConcept removes all points of a concept
func (s *QdrantStore) DeleteByConcept(ctx context.Context, model string, conceptID string) error {
	name := s.collectionName(model)

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch(payloadEmbedder, model),
						qdrant.NewMatch(payloadConceptID, conceptID),
					},
				},
			},
		},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("failed to delete by concept ID: %w", err)
	}

	return nil
}

func pointPayload(model string, p Point) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		payloadMappingID:       qdrant.NewValueString(p.ID),
		payloadConceptID:       qdrant.NewValueString(p.ConceptID),
		payloadTerminologyID:   qdrant.NewValueString(p.TerminologyID),
		payloadTerminologyName: qdrant.NewValueString(p.TerminologyName),
		payloadText:            qdrant.NewValueString(p.Text),
		payloadEmbedder:        qdrant.NewValueString(model),
	}
}

// searchFilter always pins the sentence embedder. A terminology matches by
// name or id.
func searchFilter(model, terminology string) *qdrant.Filter {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadEmbedder, model)},
	}
	if terminology != "" {
		filter.Should = []*qdrant.Condition{
			qdrant.NewMatch(payloadTerminologyName, terminology),
			qdrant.NewMatch(payloadTerminologyID, terminology),
		}
	}
	return filter
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
