// Package ingest runs the background indexing flow: scan the document
// store, chunk changed documents, publish them to the hybrid index and
// commit the catalog once the index holds the new version.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bull/clinical-rag-agent/internal/chunker"
	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/events"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// DefaultWorkers bounds concurrent document upserts within one sync.
const DefaultWorkers = 4

// Publisher receives the outcome of every applied change event.
type Publisher interface {
	Publish(ctx context.Context, events []events.IndexEvent) error
}

// SyncResult contains statistics about one sync pass.
type SyncResult struct {
	Scanned    int                    `json:"scanned"`
	Added      int                    `json:"added"`
	Modified   int                    `json:"modified"`
	Removed    int                    `json:"removed"`
	Failed     []docstore.FileFailure `json:"failed,omitempty"`
	Resynced   []string               `json:"resynced,omitempty"`
	Generation uint64                 `json:"generation"`
	Finished   time.Time              `json:"finished"`
	Duration   time.Duration          `json:"duration"`
}

// Pipeline orchestrates scan -> chunk -> embed -> upsert/remove.
type Pipeline struct {
	store     *docstore.Store
	chunker   *chunker.Chunker
	index     *index.Index
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	workers   int

	mu      sync.Mutex // one sync at a time
	trigger chan struct{}
	last    atomic.Pointer[SyncResult]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithWorkers sets the number of documents applied concurrently.
func WithWorkers(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.workers = n
		}
	}
}

// NewPipeline creates an indexing pipeline with the given components.
func NewPipeline(store *docstore.Store, ch *chunker.Chunker, idx *index.Index, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:   store,
		chunker: ch,
		index:   idx,
		logger:  logger.With("component", "ingest"),
		workers: DefaultWorkers,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type outcome struct {
	event   domain.ChangeEvent
	receipt index.Receipt
	err     error
}

// Sync applies every pending change once. Per-document failures are
// collected in the result and are retried by the next sync because their
// catalog entry is not committed.
func (p *Pipeline) Sync(ctx context.Context) (*SyncResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	result := &SyncResult{}

	// Quarantined documents are dropped from the index and forgotten by the
	// catalog, so this scan reports them as added again.
	for _, id := range p.index.Quarantined() {
		p.index.Resync(ctx, id)
		if err := p.store.Forget(ctx, id); err != nil {
			p.logger.Warn("forgetting quarantined document failed", "document_id", id, "error", err)
			continue
		}
		result.Resynced = append(result.Resynced, id)
	}

	scan, err := p.store.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	result.Scanned = scan.Scanned
	result.Failed = append(result.Failed, scan.Failures...)

	outcomes := make([]outcome, len(scan.Events))
	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i, ev := range scan.Events {
		g.Go(func() error {
			outcomes[i] = p.apply(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	published := make([]events.IndexEvent, 0, len(outcomes))
	for _, o := range outcomes {
		doc := o.event.Document
		status := events.StatusApplied
		if o.err != nil {
			status = events.StatusFailed
			result.Failed = append(result.Failed, docstore.FileFailure{
				Path:       doc.SourcePath,
				DocumentID: doc.ID,
				Reason:     o.err.Error(),
				Err:        o.err,
			})
		} else {
			switch o.event.Op {
			case domain.ChangeAdded:
				result.Added++
			case domain.ChangeModified:
				result.Modified++
			case domain.ChangeRemoved:
				result.Removed++
			}
		}
		p.metrics.DocumentApplied(string(o.event.Op), status)

		ev := events.IndexEvent{
			Op:          o.event.Op,
			DocumentID:  doc.ID,
			Kind:        doc.Kind,
			ExternalID:  doc.ExternalID,
			ContentHash: doc.ContentHash,
			Version:     o.receipt.Version,
			Chunks:      o.receipt.Chunks,
			Status:      status,
			At:          time.Now(),
		}
		if o.err != nil {
			ev.Error = o.err.Error()
		}
		published = append(published, ev)
	}

	if err := ctx.Err(); err != nil {
		return nil, domain.Wrap(domain.ErrCancelled, "ingest.sync", "", err)
	}

	result.Generation = p.index.Generation()
	for i := range published {
		published[i].Generation = result.Generation
	}
	if p.publisher != nil && len(published) > 0 {
		if err := p.publisher.Publish(ctx, published); err != nil {
			p.logger.Warn("publishing index events failed", "error", err)
		}
	}

	result.Finished = time.Now()
	result.Duration = result.Finished.Sub(start)
	p.last.Store(result)

	p.logger.Info("sync complete",
		"added", result.Added,
		"modified", result.Modified,
		"removed", result.Removed,
		"failed", len(result.Failed),
		"resynced", len(result.Resynced),
		"generation", result.Generation,
		"duration", result.Duration,
	)
	return result, nil
}

// apply publishes one change to the index and commits it to the catalog.
func (p *Pipeline) apply(ctx context.Context, ev domain.ChangeEvent) outcome {
	o := outcome{event: ev}
	doc := ev.Document

	if ev.Op == domain.ChangeRemoved {
		if err := p.index.Remove(ctx, doc.ID); err != nil {
			o.err = err
			return o
		}
	} else {
		chunks, err := p.chunker.Chunk(doc)
		if err != nil {
			o.err = err
			return o
		}
		receipt, err := p.index.Upsert(ctx, doc, chunks)
		if err != nil {
			p.logger.Warn("failed to index document", "document_id", doc.ID, "error", err)
			o.err = err
			return o
		}
		o.receipt = receipt
	}

	if err := p.store.Commit(ctx, ev); err != nil {
		o.err = fmt.Errorf("commit: %w", err)
		return o
	}
	p.logger.Debug("applied change", "op", ev.Op, "document_id", doc.ID, "chunks", o.receipt.Chunks)
	return o
}

// Trigger requests a sync without blocking. Triggers arriving while a sync
// is pending collapse into one.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run syncs once, then on every tick and trigger until ctx is done.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	p.syncLogged(ctx)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			p.syncLogged(ctx)
		case <-p.trigger:
			p.syncLogged(ctx)
		}
	}
}

func (p *Pipeline) syncLogged(ctx context.Context) {
	if _, err := p.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) && !domain.IsCancelled(err) {
		p.logger.Error("sync failed", "error", err)
	}
}

// Last returns the result of the most recent completed sync, or nil.
func (p *Pipeline) Last() *SyncResult {
	return p.last.Load()
}

// Ready reports whether at least one sync completed.
func (p *Pipeline) Ready() bool {
	return p.last.Load() != nil
}
