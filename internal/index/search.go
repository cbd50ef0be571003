package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tokenizer"
)

const (
	k1 = 1.2
	b  = 0.75

	DefaultTopK = 5
)

// SearchResponse carries the fused results and how they were produced.
type SearchResponse struct {
	Results     []domain.RankedResult `json:"results"`
	LexicalOnly bool                  `json:"lexical_only"`
	Generation  uint64                `json:"generation"`
	Candidates  int                   `json:"candidates"`
}

type chunkRef struct {
	snap  *docSnapshot
	chunk int
}

func (r chunkRef) id() string {
	return r.snap.chunks[r.chunk].ID
}

type scored struct {
	ref   chunkRef
	score float64
}

// Search runs BM25 and cosine retrieval independently over one observation
// of the live snapshots and fuses the two candidate lists. A failing query
// embedding degrades to lexical-only results.
func (idx *Index) Search(ctx context.Context, q domain.Query) (*SearchResponse, error) {
	start := time.Now()
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	gen := idx.generation.Load()
	snaps := idx.live(q.Filters)
	resp := &SearchResponse{Generation: gen}
	for _, s := range snaps {
		resp.Candidates += len(s.chunks)
	}
	if len(snaps) == 0 || strings.TrimSpace(q.Text) == "" {
		resp.Results = []domain.RankedResult{}
		return resp, nil
	}

	var lexical, vector []scored
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexical = idx.lexicalSearch(snaps, q.Text)
		return gctx.Err()
	})
	g.Go(func() error {
		v, err := idx.vectorSearch(gctx, snaps, q.Text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			idx.logger.Warn("query embedding failed, using lexical results only", "error", err)
			resp.LexicalOnly = true
			return nil
		}
		vector = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, domain.Wrap(domain.ErrCancelled, "index.search", "", err)
	}

	resp.Results = idx.fuse(lexical, vector, topK)

	mode := "hybrid"
	if resp.LexicalOnly {
		mode = "lexical_only"
	}
	idx.metrics.Search(mode, time.Since(start))
	return resp, nil
}

// lexicalSearch scores chunks with BM25. Corpus statistics come from the
// same filtered observation that is being ranked.
func (idx *Index) lexicalSearch(snaps []*docSnapshot, text string) []scored {
	terms := tokenizer.Unique(text)
	if len(terms) == 0 {
		return nil
	}

	var totalChunks, totalLength int
	for _, s := range snaps {
		totalChunks += len(s.chunks)
		for _, ch := range s.chunks {
			totalLength += ch.Length
		}
	}
	if totalChunks == 0 {
		return nil
	}
	avgLen := float64(totalLength) / float64(totalChunks)

	scores := make(map[chunkRef]float64)
	for _, term := range terms {
		df := 0
		for _, s := range snaps {
			df += len(s.postings[term])
		}
		if df == 0 {
			continue
		}
		idf := computeIDF(totalChunks, df)
		for _, s := range snaps {
			for _, p := range s.postings[term] {
				ref := chunkRef{snap: s, chunk: p.chunk}
				scores[ref] += idf * computeTFNorm(float64(p.tf), float64(s.chunks[p.chunk].Length), avgLen)
			}
		}
	}

	out := make([]scored, 0, len(scores))
	for ref, sc := range scores {
		if sc > 0 {
			out = append(out, scored{ref: ref, score: sc})
		}
	}
	return topM(out, idx.cfg.CandidatePool)
}

func (idx *Index) vectorSearch(ctx context.Context, snaps []*docSnapshot, text string) ([]scored, error) {
	if idx.embedder == nil {
		return nil, domain.Errorf(domain.ErrEmbeddingUnavailable, "index.search", "", "no embedder configured")
	}
	vecs, err := idx.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, domain.Errorf(domain.ErrEmbeddingUnavailable, "index.search", "", "no query embedding returned")
	}
	qv := vecs[0]
	qn := norm(qv)
	if qn == 0 {
		return nil, domain.Errorf(domain.ErrEmbeddingUnavailable, "index.search", "", "zero query embedding")
	}

	var out []scored
	for _, s := range snaps {
		for i, ch := range s.chunks {
			if s.norms[i] == 0 || len(ch.Embedding) != len(qv) {
				continue
			}
			var dot float64
			for j, x := range ch.Embedding {
				dot += float64(x) * float64(qv[j])
			}
			out = append(out, scored{ref: chunkRef{snap: s, chunk: i}, score: dot / (s.norms[i] * qn)})
		}
	}
	return topM(out, idx.cfg.CandidatePool), nil
}

type fused struct {
	ref      chunkRef
	lexical  float64 // normalised
	vector   float64 // normalised
	lexRank  int     // 1-based, 0 when absent
	vecRank  int
	combined float64
}

// fuse min-max normalises each list, combines them with the configured
// weights and adds a reciprocal-rank bonus to chunks found by both modes.
func (idx *Index) fuse(lexical, vector []scored, topK int) []domain.RankedResult {
	byID := make(map[string]*fused)
	get := func(ref chunkRef) *fused {
		id := ref.id()
		f, ok := byID[id]
		if !ok {
			f = &fused{ref: ref}
			byID[id] = f
		}
		return f
	}

	for i, n := range normalize(lexical) {
		f := get(lexical[i].ref)
		f.lexical, f.lexRank = n, i+1
	}
	for i, n := range normalize(vector) {
		f := get(vector[i].ref)
		f.vector, f.vecRank = n, i+1
	}

	k := float64(idx.cfg.RRFK)
	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		f.combined = idx.cfg.LexicalWeight*f.lexical + idx.cfg.VectorWeight*f.vector
		if f.lexRank > 0 && f.vecRank > 0 {
			f.combined += idx.cfg.RRFWeight * (1/(k+float64(f.lexRank)) + 1/(k+float64(f.vecRank)))
		}
		all = append(all, f)
	}

	sort.Slice(all, func(i, j int) bool {
		x, y := all[i], all[j]
		if x.combined != y.combined {
			return x.combined > y.combined
		}
		tx, ty := x.ref.snap.doc.LastSeenAt, y.ref.snap.doc.LastSeenAt
		if !tx.Equal(ty) {
			return tx.After(ty)
		}
		return x.ref.id() < y.ref.id()
	})
	if len(all) > topK {
		all = all[:topK]
	}

	results := make([]domain.RankedResult, 0, len(all))
	for _, f := range all {
		results = append(results, toResult(f))
	}
	return results
}

func toResult(f *fused) domain.RankedResult {
	doc := f.ref.snap.doc
	ch := f.ref.snap.chunks[f.ref.chunk]
	prov := domain.Provenance{
		DocumentID: doc.ID,
		ChunkID:    ch.ID,
		Kind:       doc.Kind,
		SourcePath: doc.SourcePath,
		Offset:     ch.Offset,
	}
	switch doc.Kind {
	case domain.KindResearch:
		prov.PaperID = doc.ExternalID
	case domain.KindPatient:
		prov.PatientID = doc.ExternalID
	}
	return domain.RankedResult{
		Chunk:        ch,
		Score:        f.combined,
		LexicalScore: f.lexical,
		VectorScore:  f.vector,
		LexicalMatch: f.lexRank > 0,
		LastSeenAt:   doc.LastSeenAt,
		Provenance:   prov,
	}
}

// topM sorts by score and keeps the best m. Equal scores order by chunk id.
func topM(items []scored, m int) []scored {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].ref.id() < items[j].ref.id()
	})
	if m > 0 && len(items) > m {
		items = items[:m]
	}
	return items
}

// normalize maps a sorted list onto [0,1]. A list whose scores are all equal
// maps to 1.
func normalize(items []scored) []float64 {
	out := make([]float64, len(items))
	if len(items) == 0 {
		return out
	}
	hi, lo := items[0].score, items[0].score
	for _, it := range items {
		hi = math.Max(hi, it.score)
		lo = math.Min(lo, it.score)
	}
	for i, it := range items {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (it.score - lo) / (hi - lo)
	}
	return out
}

// computeIDF keeps +0.5 in the numerator so a term present in every chunk
// still scores above zero.
func computeIDF(totalDocs, docFreq int) float64 {
	numerator := float64(totalDocs) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}

func computeTFNorm(termFreq, docLength, avgDocLength float64) float64 {
	if avgDocLength == 0 {
		return 0
	}
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + k1*(1-b+b*lengthRatio)
	return (termFreq * (k1 + 1)) / denominator
}
