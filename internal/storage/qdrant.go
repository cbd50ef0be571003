// Package storage mirrors published index snapshots into Qdrant so vectors
// survive restarts and can be inspected or searched out of process.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// QdrantConfig locates the Qdrant gRPC endpoint.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  int
}

// QdrantMirror implements index.Mirror on top of a Qdrant collection.
type QdrantMirror struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantMirror connects to Qdrant and fails fast if it stays unreachable
// after the startup retry window.
func NewQdrantMirror(ctx context.Context, cfg QdrantConfig) (*QdrantMirror, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.Host,
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	m := &QdrantMirror{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}

	if err := m.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return m, nil
}

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}

func (m *QdrantMirror) healthCheckWithRetry(ctx context.Context) error {
	return backoff.Retry(func() error { return m.Health(ctx) }, newRetryBackoff(ctx))
}

// Health performs a single health check against Qdrant.
func (m *QdrantMirror) Health(ctx context.Context) error {
	result, err := m.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the chunk collection and its payload indexes.
// Idempotent.
func (m *QdrantMirror) EnsureCollection(ctx context.Context) error {
	collections, err := m.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, name := range collections {
		if name == m.collection {
			return nil
		}
	}

	err = m.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: m.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(m.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Without keyword indexes every document_id delete is a full scan.
	for _, field := range []string{"document_id", "kind", "external_id"} {
		_, err := m.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: m.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

// Replace drops the stored points of doc and writes the new chunk set.
func (m *QdrantMirror) Replace(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	for i, ch := range chunks {
		if len(ch.Embedding) != m.dimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(ch.Embedding), m.dimension)
		}
	}

	if err := m.Delete(ctx, doc.ID); err != nil {
		return err
	}

	const batchSize = 100
	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		points := make([]*qdrant.PointStruct, 0, end-i)
		for _, ch := range chunks[i:end] {
			points = append(points, chunkPoint(doc, ch))
		}
		if err := m.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d of %s: %w", i, end, doc.ID, err)
		}
	}
	return nil
}

// Delete removes every point of a document.
func (m *QdrantMirror) Delete(ctx context.Context, documentID string) error {
	_, err := m.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: m.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points of %s: %w", documentID, err)
	}
	return nil
}

func (m *QdrantMirror) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	operation := func() error {
		_, err := m.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: m.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}
	return backoff.Retry(operation, newRetryBackoff(ctx))
}

// Search runs a vector query against the mirror, optionally restricted to
// one kind.
func (m *QdrantMirror) Search(ctx context.Context, vector []float32, limit int, kind domain.Kind) ([]ScoredChunk, error) {
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), m.dimension)
	}

	var filter *qdrant.Filter
	if kind != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("kind", string(kind))}}
	}

	using := vectorName
	results, err := m.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: m.collection,
		Query:          qdrant.NewQuery(vector...),
		Using:          &using,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		out = append(out, scoredFromPayload(r.Payload, r.Score))
	}
	return out, nil
}

// Count returns the number of stored chunk points.
func (m *QdrantMirror) Count(ctx context.Context) (uint64, error) {
	n, err := m.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: m.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return n, nil
}

// Close closes the Qdrant client connection.
func (m *QdrantMirror) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
