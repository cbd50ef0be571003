// Package index is the hybrid lexical and vector index over chunks.
//
// Every document owns a slot holding an immutable snapshot of its chunks,
// their embeddings and a per-document posting table. Writers build a new
// snapshot aside under the slot's mutex and publish it with one atomic
// pointer store, so readers see either the old or the new chunk set of a
// document, never a mix. There is no index-wide lock.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/embedding"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// Embedder produces one vector per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Mirror receives every published change, after the fact. Mirror errors never
// affect the in-memory index.
type Mirror interface {
	Replace(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error
	Delete(ctx context.Context, documentID string) error
}

// Config tunes fusion.
type Config struct {
	LexicalWeight float64
	VectorWeight  float64
	CandidatePool int // top-M kept per retrieval mode
	RRFK          int
	RRFWeight     float64
}

// DefaultConfig weighs both modes equally.
func DefaultConfig() Config {
	return Config{
		LexicalWeight: 0.5,
		VectorWeight:  0.5,
		CandidatePool: 50,
		RRFK:          60,
		RRFWeight:     1.0,
	}
}

// Receipt is the completion signal of a published upsert.
type Receipt struct {
	DocumentID  string `json:"document_id"`
	Version     uint64 `json:"version"`
	ContentHash string `json:"content_hash"`
	Chunks      int    `json:"chunks"`
	Embedded    int    `json:"embedded"`
	Reused      int    `json:"reused"`
}

type attempt struct {
	hash    string
	receipt Receipt
	err     error
}

type slot struct {
	mu   sync.Mutex // one writer per document
	snap atomic.Pointer[docSnapshot]

	// guarded by stateMu
	stateMu     sync.Mutex
	quarantined error
	last        attempt
	inflight    map[string]int // content hash -> upserts started but not finished
	changed     chan struct{}  // closed and replaced on every completed write
}

// Index is safe for concurrent use.
type Index struct {
	cfg      Config
	embedder Embedder
	cache    *embedding.Cache
	mirror   Mirror
	metrics  *metrics.Metrics
	logger   *slog.Logger

	slots       sync.Map // document id -> *slot
	generation  atomic.Uint64
	chunkCount  atomic.Int64
	quarantined atomic.Int64
	dim         atomic.Int64

	addedMu sync.Mutex
	added   chan struct{} // closed and replaced when a slot is created
}

// Option configures an Index.
type Option func(*Index)

// WithCache reuses embeddings across upserts by chunk fingerprint.
func WithCache(c *embedding.Cache) Option {
	return func(i *Index) { i.cache = c }
}

// WithMirror mirrors published changes to an external vector store.
func WithMirror(m Mirror) Option {
	return func(i *Index) { i.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Index) { i.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// New creates an empty index.
func New(cfg Config, embedder Embedder, opts ...Option) *Index {
	def := DefaultConfig()
	if cfg.CandidatePool <= 0 {
		cfg.CandidatePool = def.CandidatePool
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.LexicalWeight == 0 && cfg.VectorWeight == 0 {
		cfg.LexicalWeight, cfg.VectorWeight = def.LexicalWeight, def.VectorWeight
	}
	idx := &Index{
		cfg:      cfg,
		embedder: embedder,
		logger:   slog.Default(),
		added:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.With("component", "index")
	return idx
}

func (idx *Index) slot(id string) *slot {
	if s, ok := idx.slots.Load(id); ok {
		return s.(*slot)
	}
	s, loaded := idx.slots.LoadOrStore(id, &slot{changed: make(chan struct{}), inflight: map[string]int{}})
	if !loaded {
		idx.addedMu.Lock()
		close(idx.added)
		idx.added = make(chan struct{})
		idx.addedMu.Unlock()
	}
	return s.(*slot)
}

// Upsert atomically replaces every chunk of doc. On any failure the
// previously published snapshot of the document stays in place.
func (idx *Index) Upsert(ctx context.Context, doc domain.Document, chunks []domain.Chunk) (Receipt, error) {
	s := idx.slot(doc.ID)
	s.stateMu.Lock()
	s.inflight[doc.ContentHash]++
	s.stateMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, err := idx.upsertLocked(ctx, s, doc, chunks)
	idx.finish(s, attempt{hash: doc.ContentHash, receipt: receipt, err: err})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (idx *Index) upsertLocked(ctx context.Context, s *slot, doc domain.Document, chunks []domain.Chunk) (Receipt, error) {
	if reason := s.quarantineReason(); reason != nil {
		return Receipt{}, domain.Wrap(domain.ErrIndexCorruption, "index.upsert", doc.ID, reason)
	}
	if err := validate(doc, chunks); err != nil {
		idx.quarantine(s, doc.ID, err)
		return Receipt{}, domain.Wrap(domain.ErrIndexCorruption, "index.upsert", doc.ID, err)
	}

	prev := s.snap.Load()
	vectors, embedded, reused, err := idx.embedChunks(ctx, prev, chunks)
	if err != nil {
		return Receipt{}, err
	}
	if err := idx.checkDimension(vectors); err != nil {
		idx.quarantine(s, doc.ID, err)
		return Receipt{}, domain.Wrap(domain.ErrIndexCorruption, "index.upsert", doc.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, domain.Wrap(domain.ErrCancelled, "index.upsert", doc.ID, err)
	}

	var version uint64 = 1
	prevChunks := 0
	if prev != nil {
		version = prev.version + 1
		prevChunks = len(prev.chunks)
	}
	next := buildSnapshot(doc, chunks, vectors, version)

	s.snap.Store(next)
	gen := idx.generation.Add(1)
	total := idx.chunkCount.Add(int64(len(next.chunks) - prevChunks))
	idx.metrics.IndexState(gen, int(total), int(idx.quarantined.Load()))
	idx.metrics.EmbeddingsReused(reused)

	if idx.mirror != nil {
		if err := idx.mirror.Replace(ctx, next.doc, next.chunks); err != nil {
			idx.logger.Warn("mirror replace failed", "doc_id", doc.ID, "error", err)
		}
	}

	idx.logger.Debug("document published",
		"doc_id", doc.ID, "version", version, "chunks", len(chunks),
		"embedded", embedded, "reused", reused, "generation", gen)

	return Receipt{
		DocumentID:  doc.ID,
		Version:     version,
		ContentHash: doc.ContentHash,
		Chunks:      len(chunks),
		Embedded:    embedded,
		Reused:      reused,
	}, nil
}

// embedChunks resolves a vector per chunk, reusing the fingerprint cache and
// the previous snapshot before calling the embedder for the rest.
func (idx *Index) embedChunks(ctx context.Context, prev *docSnapshot, chunks []domain.Chunk) ([][]float32, int, int, error) {
	vectors := make([][]float32, len(chunks))
	known := map[string][]float32{}
	if prev != nil {
		for _, ch := range prev.chunks {
			known[ch.Fingerprint] = ch.Embedding
		}
	}

	var missing []int
	var texts []string
	for i, ch := range chunks {
		if ch.Fingerprint == "" {
			missing = append(missing, i)
			texts = append(texts, ch.IndexText())
			continue
		}
		if v, ok := known[ch.Fingerprint]; ok {
			vectors[i] = v
			continue
		}
		if v, ok := idx.cache.Get(ch.Fingerprint); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, i)
		texts = append(texts, ch.IndexText())
	}
	if len(missing) == 0 {
		return vectors, 0, len(chunks), nil
	}

	got, err := idx.embedder.Embed(ctx, texts)
	if err != nil {
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
			err = domain.Wrap(domain.ErrEmbeddingUnavailable, "index.embed", fmt.Sprintf("%d chunks", len(texts)), err)
		}
		return nil, 0, 0, err
	}
	if len(got) != len(texts) {
		return nil, 0, 0, domain.Errorf(domain.ErrEmbeddingUnavailable, "index.embed", "",
			"embedder returned %d vectors for %d texts", len(got), len(texts))
	}
	for j, i := range missing {
		vectors[i] = got[j]
		idx.cache.Put(chunks[i].Fingerprint, got[j])
	}
	return vectors, len(missing), len(chunks) - len(missing), nil
}

func (idx *Index) checkDimension(vectors [][]float32) error {
	for _, v := range vectors {
		if len(v) == 0 {
			return errors.New("empty embedding")
		}
		want := idx.dim.Load()
		if want == 0 {
			idx.dim.CompareAndSwap(0, int64(len(v)))
			want = idx.dim.Load()
		}
		if int64(len(v)) != want {
			return fmt.Errorf("embedding dimension %d, index holds %d", len(v), want)
		}
	}
	return nil
}

// validate checks that chunks belong to doc and have unique ids.
func validate(doc domain.Document, chunks []domain.Chunk) error {
	if doc.ID == "" {
		return errors.New("document has no id")
	}
	seen := make(map[string]struct{}, len(chunks))
	for _, ch := range chunks {
		if ch.DocumentID != doc.ID {
			return fmt.Errorf("chunk %s belongs to %s", ch.ID, ch.DocumentID)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("duplicate chunk id %s", ch.ID)
		}
		seen[ch.ID] = struct{}{}
	}
	return nil
}

// Remove deletes every chunk of a document. Removing an unknown document is
// a no-op.
func (idx *Index) Remove(ctx context.Context, id string) error {
	v, ok := idx.slots.Load(id)
	if !ok {
		return nil
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx.clearQuarantine(s)
	idx.dropLocked(ctx, s, id)
	return nil
}

// Resync clears a quarantined document. Its entries are dropped; the caller
// re-indexes it from source.
func (idx *Index) Resync(ctx context.Context, id string) {
	v, ok := idx.slots.Load(id)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx.clearQuarantine(s)
	idx.dropLocked(ctx, s, id)
	idx.logger.Info("document resynced", "doc_id", id)
}

func (idx *Index) dropLocked(ctx context.Context, s *slot, id string) {
	prev := s.snap.Swap(nil)
	if prev == nil {
		return
	}
	gen := idx.generation.Add(1)
	total := idx.chunkCount.Add(-int64(len(prev.chunks)))
	idx.metrics.IndexState(gen, int(total), int(idx.quarantined.Load()))
	if idx.mirror != nil {
		if err := idx.mirror.Delete(ctx, id); err != nil {
			idx.logger.Warn("mirror delete failed", "doc_id", id, "error", err)
		}
	}
	s.notify()
}

// Await blocks until the version of id with contentHash is published and
// returns its receipt. It returns at once when that version is already live,
// and returns the upsert error when the latest attempt for that hash failed
// and no other attempt for it is in progress. Waiting on an id the index has
// never seen does not register it.
func (idx *Index) Await(ctx context.Context, id, contentHash string) (Receipt, error) {
	for {
		idx.addedMu.Lock()
		added := idx.added
		idx.addedMu.Unlock()

		if v, ok := idx.slots.Load(id); ok {
			return v.(*slot).await(ctx, id, contentHash)
		}
		select {
		case <-added:
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("awaiting %s: %w", id, ctx.Err())
		}
	}
}

func (s *slot) await(ctx context.Context, id, contentHash string) (Receipt, error) {
	for {
		s.stateMu.Lock()
		if snap := s.snap.Load(); snap != nil && snap.doc.ContentHash == contentHash {
			s.stateMu.Unlock()
			return snap.receipt(), nil
		}
		if s.last.hash == contentHash && s.last.err != nil && s.inflight[contentHash] == 0 {
			err := s.last.err
			s.stateMu.Unlock()
			return Receipt{}, err
		}
		ch := s.changed
		s.stateMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("awaiting %s: %w", id, ctx.Err())
		}
	}
}

func (idx *Index) finish(s *slot, a attempt) {
	s.stateMu.Lock()
	s.last = a
	s.inflight[a.hash]--
	if s.inflight[a.hash] <= 0 {
		delete(s.inflight, a.hash)
	}
	s.stateMu.Unlock()
	s.notify()
}

func (s *slot) notify() {
	s.stateMu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.stateMu.Unlock()
}

func (s *slot) quarantineReason() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.quarantined
}

func (idx *Index) quarantine(s *slot, id string, reason error) {
	s.stateMu.Lock()
	already := s.quarantined != nil
	s.quarantined = reason
	s.stateMu.Unlock()
	if !already {
		n := idx.quarantined.Add(1)
		idx.metrics.IndexState(idx.generation.Load(), int(idx.chunkCount.Load()), int(n))
	}
	idx.logger.Error("document quarantined", "doc_id", id, "error", reason)
}

func (idx *Index) clearQuarantine(s *slot) {
	s.stateMu.Lock()
	was := s.quarantined != nil
	s.quarantined = nil
	s.stateMu.Unlock()
	if was {
		idx.quarantined.Add(-1)
	}
}

// Quarantined lists documents whose indexing is halted, sorted by id.
func (idx *Index) Quarantined() []string {
	var ids []string
	idx.slots.Range(func(k, v any) bool {
		if v.(*slot).quarantineReason() != nil {
			ids = append(ids, k.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Generation increases on every published change.
func (idx *Index) Generation() uint64 {
	return idx.generation.Load()
}

// norm returns the Euclidean norm of v.
func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
