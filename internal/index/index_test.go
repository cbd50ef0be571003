package index

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/embedding"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seedCorpus(t *testing.T, idx *Index) {
	t.Helper()
	ctx := context.Background()
	papers := map[string]string{
		"201": "Paper ID: 201\nTitle: Hypertension management in adults\n\nAbstract: ACE inhibitors and thiazide diuretics lower blood pressure.",
		"202": "Paper ID: 202\nTitle: Type 2 diabetes and metformin\n\nAbstract: Metformin remains first-line therapy for glycemic control.",
		"203": "Paper ID: 203\nTitle: Bacterial tonsillitis\n\nAbstract: Penicillin treatment for streptococcal throat infection.",
		"204": "Paper ID: 204\nTitle: Asthma inhaler adherence\n\nAbstract: Inhaled corticosteroids reduce exacerbations.",
	}
	for id, content := range papers {
		doc, chunks := makeDoc(domain.KindResearch, id, content, t0)
		_, err := idx.Upsert(ctx, doc, chunks)
		require.NoError(t, err)
	}
}

func TestSearch_PharyngitisScenario(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)
	seedCorpus(t, idx)

	doc, chunks := makeDoc(domain.KindResearch, "112345",
		"Paper ID: 112345\nTitle: Acute Viral Pharyngitis\n\nAbstract: Acute viral pharyngitis is managed with rest, fluids and analgesics; antibiotics are not indicated.", t0)
	_, err := idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)

	resp, err := idx.Search(ctx, domain.Query{Text: "treatment for acute viral pharyngitis", TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.LexicalOnly)

	var found bool
	for _, r := range resp.Results {
		if r.Provenance.PaperID == "112345" {
			found = true
			assert.Equal(t, "research/112345", r.Provenance.DocumentID)
			assert.Equal(t, domain.KindResearch, r.Provenance.Kind)
		}
	}
	assert.True(t, found, "pharyngitis paper must be in the top 3")
	assert.Equal(t, "112345", resp.Results[0].Provenance.PaperID)
}

func TestSearch_RareTermWinsOverVectorSimilarity(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)

	query := "zolmitriptan"
	emb.query(query)
	emb.overrides[query] = []float32{1, 0}

	for i := 0; i < 10; i++ {
		content := fmt.Sprintf("Migraine overview number %d covering triggers and lifestyle.", i)
		doc, chunks := makeDoc(domain.KindResearch, fmt.Sprintf("m%d", i), content, t0)
		for _, ch := range chunks {
			emb.overrides[ch.IndexText()] = []float32{1, 0.05 * float32(i)}
		}
		_, err := idx.Upsert(ctx, doc, chunks)
		require.NoError(t, err)
	}

	rare, rareChunks := makeDoc(domain.KindResearch, "rare", "Zolmitriptan nasal spray for cluster headache.", t0)
	for _, ch := range rareChunks {
		emb.overrides[ch.IndexText()] = []float32{0.2, 1}
	}
	_, err := idx.Upsert(ctx, rare, rareChunks)
	require.NoError(t, err)

	resp, err := idx.Search(ctx, domain.Query{Text: query, TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, "research/rare", top.Provenance.DocumentID)
	assert.InDelta(t, 1.0, top.LexicalScore, 1e-9)
	assert.InDelta(t, 0.0, top.VectorScore, 1e-9, "vector similarity of the rare chunk is the worst in the pool")
}

func TestUpsert_EmbeddingFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)

	doc, chunks := makeDoc(domain.KindPatient, "p1", "Patient ID: p1\nConditions: hypertension (disorder)", t0)
	_, err := idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)

	before, ok := idx.Snapshot(doc.ID)
	require.True(t, ok)
	genBefore := idx.Generation()

	emb.set(func(f *fakeEmbedder) { f.failDocs = errEmbedDown })
	doc2, chunks2 := makeDoc(domain.KindPatient, "p1", "Patient ID: p1\nConditions: asthma (disorder)\nMedications: salbutamol", t0.Add(time.Hour))
	_, err = idx.Upsert(ctx, doc2, chunks2)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)

	after, ok := idx.Snapshot(doc.ID)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, genBefore, idx.Generation())
	assert.Empty(t, idx.Postings("salbutamol"))
	assert.Empty(t, idx.Quarantined(), "embedding failures do not quarantine")
}

func TestRemove_DeletionCompleteness(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	idx := New(DefaultConfig(), newFakeEmbedder(), WithMirror(mirror))
	seedCorpus(t, idx)

	require.NotEmpty(t, idx.Postings("metformin"))
	require.NoError(t, idx.Remove(ctx, "research/202"))

	assert.Empty(t, idx.Postings("metformin"))
	resp, err := idx.Search(ctx, domain.Query{Text: "metformin glycemic control", TopK: 10})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "research/202", r.Provenance.DocumentID)
	}

	// idempotent
	gen := idx.Generation()
	require.NoError(t, idx.Remove(ctx, "research/202"))
	require.NoError(t, idx.Remove(ctx, "research/never-indexed"))
	assert.Equal(t, gen, idx.Generation())

	assert.Contains(t, mirror.deleted, "research/202")
	assert.Len(t, mirror.deleted, 1)
}

func TestUpsert_ConcurrentDifferentDocuments(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)

	var inFlight atomic.Int32
	both := make(chan struct{})
	var once sync.Once
	emb.hook = func() {
		if inFlight.Add(1) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
	}

	docA, chunksA := makeDoc(domain.KindResearch, "a", "Warfarin anticoagulation bridging.", t0)
	docB, chunksB := makeDoc(domain.KindResearch, "b", "Apixaban dosing in renal impairment.", t0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range []struct {
		doc    domain.Document
		chunks []domain.Chunk
	}{{docA, chunksA}, {docB, chunksB}} {
		wg.Add(1)
		go func(i int, doc domain.Document, chunks []domain.Chunk) {
			defer wg.Done()
			_, errs[i] = idx.Upsert(ctx, doc, chunks)
		}(i, pair.doc, pair.chunks)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	select {
	case <-both:
	default:
		t.Fatal("upserts to different documents did not run concurrently")
	}

	emb.hook = nil
	resp, err := idx.Search(ctx, domain.Query{Text: "warfarin apixaban", TopK: 5})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range resp.Results {
		ids[r.Provenance.DocumentID] = true
	}
	assert.True(t, ids["research/a"])
	assert.True(t, ids["research/b"])
}

func TestUpsert_SameDocumentIsSerialised(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)

	var inFlight, maxInFlight atomic.Int32
	emb.hook = func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, chunks := makeDoc(domain.KindResearch, "same", fmt.Sprintf("version %d of lisinopril guidance", i), t0)
			_, err := idx.Upsert(ctx, doc, chunks)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	snap, ok := idx.Snapshot("research/same")
	require.True(t, ok)
	assert.Equal(t, uint64(4), snap.Version)
}

func TestSearch_SnapshotIsolationPerDocument(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{CandidatePool: 100}, newFakeEmbedder())

	version := func(tag string, n int) (domain.Document, []domain.Chunk) {
		var b strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "marker %s paragraph %d about ibuprofen dosing and renal risk. ", tag, i)
		}
		return makeDoc(domain.KindResearch, "flip", b.String(), t0)
	}
	docA, chunksA := version("alpha", 20)
	docB, chunksB := version("bravo", 35)
	require.Greater(t, len(chunksA), 1)

	_, err := idx.Upsert(ctx, docA, chunksA)
	require.NoError(t, err)

	stop := make(chan struct{})
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				_, _ = idx.Upsert(ctx, docB, chunksB)
			} else {
				_, _ = idx.Upsert(ctx, docA, chunksA)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		resp, err := idx.Search(ctx, domain.Query{Text: "marker ibuprofen", TopK: 100})
		require.NoError(t, err)
		var sawAlpha, sawBravo bool
		for _, r := range resp.Results {
			sawAlpha = sawAlpha || strings.Contains(r.Chunk.Text, "alpha")
			sawBravo = sawBravo || strings.Contains(r.Chunk.Text, "bravo")
		}
		require.False(t, sawAlpha && sawBravo, "search observed a mix of two versions")
	}
	close(stop)
	writer.Wait()
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)
	doc, chunks := makeDoc(domain.KindResearch, "w", "Paper ID: w\nTitle: Statin intolerance", t0)

	got := make(chan Receipt, 1)
	go func() {
		r, err := idx.Await(ctx, doc.ID, doc.ContentHash)
		assert.NoError(t, err)
		got <- r
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, doc.ID, r.DocumentID)
		assert.Equal(t, doc.ContentHash, r.ContentHash)
		assert.Equal(t, uint64(1), r.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not observe the upsert")
	}

	// already published: immediate
	r, err := idx.Await(ctx, doc.ID, doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), r.Chunks)
}

func TestAwait_ReportsFailedUpsert(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	emb.failDocs = errEmbedDown
	idx := New(DefaultConfig(), emb)
	doc, chunks := makeDoc(domain.KindResearch, "x", "Paper ID: x\nTitle: Gout flares", t0)

	_, err := idx.Upsert(ctx, doc, chunks)
	require.Error(t, err)

	_, err = idx.Await(ctx, doc.ID, doc.ContentHash)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}

func TestAwait_Timeout(t *testing.T) {
	idx := New(DefaultConfig(), newFakeEmbedder())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := idx.Await(ctx, "research/never", "hash")
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))

	_, registered := idx.slots.Load("research/never")
	assert.False(t, registered)
	assert.Equal(t, 0, idx.Stats().Documents)
}

func TestAwait_WaitsForRetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	emb.failDocs = errEmbedDown
	idx := New(DefaultConfig(), emb)
	doc, chunks := makeDoc(domain.KindResearch, "y", "Paper ID: y\nTitle: Psoriasis biologics", t0)

	_, err := idx.Upsert(ctx, doc, chunks)
	require.Error(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	emb.set(func(f *fakeEmbedder) {
		f.failDocs = nil
		f.hook = func() {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	retried := make(chan error, 1)
	go func() {
		_, err := idx.Upsert(ctx, doc, chunks)
		retried <- err
	}()
	<-entered

	got := make(chan error, 1)
	go func() {
		_, err := idx.Await(ctx, doc.ID, doc.ContentHash)
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("Await returned %v while a retry was in progress", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-retried)
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not observe the retry")
	}
}

func TestUpsert_CorruptionQuarantinesUntilResync(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig(), newFakeEmbedder())
	doc, chunks := makeDoc(domain.KindResearch, "q", "Paper ID: q\nTitle: Anemia workup", t0)

	bad := append([]domain.Chunk(nil), chunks...)
	bad[0].DocumentID = "research/other"
	_, err := idx.Upsert(ctx, doc, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)
	assert.Equal(t, []string{"research/q"}, idx.Quarantined())

	// halted even for valid input
	_, err = idx.Upsert(ctx, doc, chunks)
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)

	idx.Resync(ctx, doc.ID)
	assert.Empty(t, idx.Quarantined())
	_, err = idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
}

func TestUpsert_DuplicateChunkIDIsCorruption(t *testing.T) {
	idx := New(DefaultConfig(), newFakeEmbedder())
	doc, chunks := makeDoc(domain.KindResearch, "d", "Paper ID: d\nTitle: Lupus", t0)
	chunks = append(chunks, chunks[0])

	_, err := idx.Upsert(context.Background(), doc, chunks)
	assert.ErrorIs(t, err, domain.ErrIndexCorruption)
}

func TestUpsert_ReusesUnchangedEmbeddings(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	cache := embedding.NewCache(100)
	idx := New(DefaultConfig(), emb, WithCache(cache))

	doc, chunks := makeDoc(domain.KindResearch, "r", "Paper ID: r\nTitle: Celiac disease diet", t0)
	first, err := idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, len(chunks), first.Embedded)

	_, textsBefore := emb.stats()
	second, err := idx.Upsert(ctx, doc, chunks)
	require.NoError(t, err)
	_, textsAfter := emb.stats()

	assert.Equal(t, len(chunks), second.Reused)
	assert.Equal(t, textsBefore, textsAfter)
	assert.Equal(t, uint64(2), second.Version)

	// a different document with identical text hits the cache
	other, otherChunks := makeDoc(domain.KindResearch, "r-copy", "Paper ID: r\nTitle: Celiac disease diet", t0)
	for i := range otherChunks {
		require.Equal(t, chunks[i].Fingerprint, otherChunks[i].Fingerprint)
	}
	third, err := idx.Upsert(ctx, other, otherChunks)
	require.NoError(t, err)
	assert.Equal(t, len(otherChunks), third.Reused)
}

func TestSearch_LexicalOnlyWhenQueryEmbeddingFails(t *testing.T) {
	ctx := context.Background()
	emb := newFakeEmbedder()
	idx := New(DefaultConfig(), emb)
	seedCorpus(t, idx)

	emb.query("penicillin")
	emb.set(func(f *fakeEmbedder) { f.failQuery = errEmbedDown })

	resp, err := idx.Search(ctx, domain.Query{Text: "penicillin", TopK: 3})
	require.NoError(t, err)
	assert.True(t, resp.LexicalOnly)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "203", resp.Results[0].Provenance.PaperID)
}

func TestSearch_Filters(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig(), newFakeEmbedder())
	seedCorpus(t, idx)
	p, pc := makeDoc(domain.KindPatient, "jane", "Patient ID: jane\nConditions: hypertension (disorder)\nMedications: lisinopril", t0)
	_, err := idx.Upsert(ctx, p, pc)
	require.NoError(t, err)

	resp, err := idx.Search(ctx, domain.Query{Text: "hypertension", Filters: domain.Filters{Kind: domain.KindPatient}, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, domain.KindPatient, r.Provenance.Kind)
		assert.Equal(t, "jane", r.Provenance.PatientID)
	}

	resp, err = idx.Search(ctx, domain.Query{Text: "hypertension", Filters: domain.Filters{ExternalIDs: []string{"201"}}, TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "201", r.Provenance.PaperID)
	}
}

func TestSearch_TiesBreakByRecency(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RRFWeight = 0
	idx := New(cfg, newFakeEmbedder())
	text := "Paper ID: same\nTitle: Vitamin D supplementation"
	older, oc := makeDoc(domain.KindResearch, "aa", text, t0)
	newer, nc := makeDoc(domain.KindResearch, "zz", text, t0.Add(24*time.Hour))
	_, err := idx.Upsert(ctx, older, oc)
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, newer, nc)
	require.NoError(t, err)

	resp, err := idx.Search(ctx, domain.Query{Text: "vitamin d supplementation", TopK: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.Equal(t, "research/zz", resp.Results[0].Provenance.DocumentID)
}

func TestSearch_EmptyIndexAndBlankQuery(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig(), newFakeEmbedder())

	resp, err := idx.Search(ctx, domain.Query{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	seedCorpus(t, idx)
	resp, err = idx.Search(ctx, domain.Query{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestMirrorErrorsDoNotFailUpsert(t *testing.T) {
	mirror := &recordingMirror{err: fmt.Errorf("qdrant down")}
	idx := New(DefaultConfig(), newFakeEmbedder(), WithMirror(mirror))
	doc, chunks := makeDoc(domain.KindResearch, "m", "Paper ID: m\nTitle: Psoriasis biologics", t0)

	_, err := idx.Upsert(context.Background(), doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"research/m"}, mirror.replaced)
}

func TestStats(t *testing.T) {
	idx := New(DefaultConfig(), newFakeEmbedder())
	seedCorpus(t, idx)

	st := idx.Stats()
	assert.Equal(t, 4, st.Documents)
	assert.Equal(t, 4, st.ByKind["research"])
	assert.Equal(t, testDim, st.Dimension)
	assert.Equal(t, uint64(4), st.Generation)
}
