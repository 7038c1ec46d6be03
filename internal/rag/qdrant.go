package rag

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// knownCollectionsSize bounds the cache of collections confirmed to exist.
const knownCollectionsSize = 4096

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// VectorSize is the dimensionality of the embeddings stored in every
	// collection this store creates.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance. Each
// collection name maps to one Qdrant collection using cosine distance.
type QdrantStore struct {
	client *qdrant.Client
	cfg    *QdrantConfig

	// known caches collection names confirmed to exist so hot paths skip
	// the CollectionExists round-trip.
	known *lru.Cache[string, struct{}]
}

// NewQdrantStore connects to Qdrant and returns a ready-to-use store.
func NewQdrantStore(cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	known, err := lru.New[string, struct{}](knownCollectionsSize)
	if err != nil {
		return nil, fmt.Errorf("qdrant: collection cache: %w", err)
	}

	return &QdrantStore{client: client, cfg: cfg, known: known}, nil
}

// Client exposes the underlying gRPC client for health checks.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// CreateCollection implements VectorStore.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string) error {
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", name, err)
	}

	// turn_id is filtered on by DeleteByTurn.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      keyTurnID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %s on %q: %w", keyTurnID, name, err)
	}

	s.known.Add(name, struct{}{})
	return nil
}

// DeleteCollection implements VectorStore.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	s.known.Remove(name)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection %q: %w", name, err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("qdrant: failed to delete collection %q: %w", name, err)
	}
	return nil
}

// CollectionExists implements VectorStore.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if s.known.Contains(name) {
		return true, nil
	}
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("qdrant: failed to check collection %q: %w", name, err)
	}
	if exists {
		s.known.Add(name, struct{}{})
	}
	return exists, nil
}

// ListCollections implements VectorStore.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("qdrant: list collections failed: %w", err)
	}
	return names, nil
}

// Add implements VectorStore.
func (s *QdrantStore) Add(ctx context.Context, collection string, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.CreateCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		payload, err := toPayload(r)
		if err != nil {
			return fmt.Errorf("qdrant: payload for %s: %w", r.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: payload,
		})
	}

	upsert := &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}
	_, err := s.client.Upsert(ctx, upsert)
	if isNotFound(err) {
		// Dropped elsewhere since it was cached; recreate and retry once.
		s.known.Remove(collection)
		if err := s.CreateCollection(ctx, collection); err != nil {
			return err
		}
		_, err = s.client.Upsert(ctx, upsert)
	}
	if err != nil {
		return fmt.Errorf("qdrant: upsert into %q failed: %w", collection, err)
	}
	return nil
}

// Query implements VectorStore. Qdrant reports cosine similarity; it is
// converted to distance as 1 - score.
func (s *QdrantStore) Query(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists || topK <= 0 {
		return nil, nil
	}

	limit := uint64(topK)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if isNotFound(err) {
		s.known.Remove(collection)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %q failed: %w", collection, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		doc, meta := fromPayload(p.GetPayload())
		results = append(results, Result{
			ID:       p.GetId().GetUuid(),
			Document: doc,
			Metadata: meta,
			Distance: 1 - p.GetScore(),
		})
	}
	return results, nil
}

// Delete implements VectorStore.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete from %q failed: %w", collection, err)
	}
	return nil
}

// DeleteByTurn implements VectorStore with a payload filter on turn_id.
func (s *QdrantStore) DeleteByTurn(ctx context.Context, collection, turnID string) error {
	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(keyTurnID, turnID)},
		}),
	})
	if isNotFound(err) {
		s.known.Remove(collection)
		return nil
	}
	if err != nil {
		return fmt.Errorf("qdrant: delete turn %s from %q failed: %w", turnID, collection, err)
	}
	return nil
}

// Peek implements VectorStore.
func (s *QdrantStore) Peek(ctx context.Context, collection string, limit int) ([]Result, error) {
	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCollectionNotFound
	}

	n := uint32(limit)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: scroll %q failed: %w", collection, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		doc, meta := fromPayload(p.GetPayload())
		results = append(results, Result{ID: p.GetId().GetUuid(), Document: doc, Metadata: meta})
	}
	return results, nil
}

// isNotFound reports whether err carries a gRPC NotFound status, which
// Qdrant returns for operations on a missing collection.
func isNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
