// Package embedding adapts the OpenAI embeddings endpoint to the fixed
// "texts in, vectors out" contract used by the hybrid index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

const (
	DefaultModel = "text-embedding-3-small"

	// DefaultBatchSize keeps a single changed document from waiting behind a
	// full-corpus request.
	DefaultBatchSize = 64

	DefaultTimeout = 30 * time.Second
)

// Config configures an Embedder.
type Config struct {
	Model     string
	BatchSize int
	Timeout   time.Duration // per batch attempt
}

// Embedder generates embeddings in bounded batches and backs off on rate
// limit responses.
type Embedder struct {
	client    *Client
	model     string
	batchSize int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	initialInterval time.Duration
	maxElapsed      time.Duration
}

// NewEmbedder creates an Embedder. Zero config values use the defaults.
func NewEmbedder(client *Client, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		client:          client,
		model:           cfg.Model,
		batchSize:       cfg.BatchSize,
		timeout:         cfg.Timeout,
		metrics:         m,
		logger:          logger.With("component", "embedder"),
		initialInterval: 500 * time.Millisecond,
		maxElapsed:      30 * time.Second,
	}
}

// Embed returns one vector per text in input order. Any batch failure fails
// the whole call with ErrEmbeddingUnavailable.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vectors, err := e.embedBatchWithRetry(ctx, texts[i:end])
		e.metrics.EmbeddingBatch(err == nil)
		if err != nil {
			return nil, domain.Wrap(domain.ErrEmbeddingUnavailable, "embedding.embed", fmt.Sprintf("batch %d-%d", i, end), err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

// embedBatchWithRetry retries rate-limited batches with exponential backoff.
// Every other error is permanent.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.client.client.Embeddings.New(attemptCtx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if isRateLimitError(err) {
				e.logger.Warn("embedding rate limited, backing off", "batch", len(texts))
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
		}

		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
		vectors = make([][]float32, len(data))
		for i, d := range data {
			if len(d.Embedding) == 0 {
				return backoff.Permanent(fmt.Errorf("empty embedding at index %d", d.Index))
			}
			vectors[i] = toFloat32(d.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = e.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// isRateLimitError checks if the error is an HTTP 429.
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// toFloat32 converts []float64 to []float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
