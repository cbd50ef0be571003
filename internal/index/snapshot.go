package index

import (
	"sort"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tokenizer"
)

type posting struct {
	chunk int // index into docSnapshot.chunks
	tf    int
}

// docSnapshot is never mutated after publication.
type docSnapshot struct {
	doc      domain.Document
	version  uint64
	chunks   []domain.Chunk
	norms    []float64
	postings map[string][]posting
}

func buildSnapshot(doc domain.Document, chunks []domain.Chunk, vectors [][]float32, version uint64) *docSnapshot {
	doc.Content = ""
	snap := &docSnapshot{
		doc:      doc,
		version:  version,
		chunks:   make([]domain.Chunk, len(chunks)),
		norms:    make([]float64, len(chunks)),
		postings: make(map[string][]posting),
	}
	for i, ch := range chunks {
		if ch.Terms == nil {
			ch.Terms, ch.Length = tokenizer.Terms(ch.IndexText())
		}
		ch.Embedding = vectors[i]
		snap.chunks[i] = ch
		snap.norms[i] = norm(vectors[i])
		for term, tf := range ch.Terms {
			snap.postings[term] = append(snap.postings[term], posting{chunk: i, tf: tf})
		}
	}
	return snap
}

func (s *docSnapshot) receipt() Receipt {
	return Receipt{
		DocumentID:  s.doc.ID,
		Version:     s.version,
		ContentHash: s.doc.ContentHash,
		Chunks:      len(s.chunks),
	}
}

// DocumentSnapshot is a read-only view of one published document.
type DocumentSnapshot struct {
	Document domain.Document
	Version  uint64
	Chunks   []domain.Chunk
}

// Snapshot returns the live view of a document, if any.
func (idx *Index) Snapshot(id string) (DocumentSnapshot, bool) {
	v, ok := idx.slots.Load(id)
	if !ok {
		return DocumentSnapshot{}, false
	}
	snap := v.(*slot).snap.Load()
	if snap == nil {
		return DocumentSnapshot{}, false
	}
	return DocumentSnapshot{Document: snap.doc, Version: snap.version, Chunks: snap.chunks}, true
}

// Postings returns the ids of live chunks whose lexical entry holds word
// after normalisation, sorted.
func (idx *Index) Postings(word string) []string {
	terms := tokenizer.Unique(word)
	if len(terms) == 0 {
		return nil
	}
	term := terms[0]
	var ids []string
	for _, snap := range idx.live(domain.Filters{}) {
		for _, p := range snap.postings[term] {
			ids = append(ids, snap.chunks[p.chunk].ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats summarises the index for status endpoints.
type Stats struct {
	Documents   int            `json:"documents"`
	Chunks      int            `json:"chunks"`
	ByKind      map[string]int `json:"by_kind"`
	Generation  uint64         `json:"generation"`
	Dimension   int            `json:"dimension"`
	Quarantined []string       `json:"quarantined,omitempty"`
}

func (idx *Index) Stats() Stats {
	st := Stats{
		ByKind:      map[string]int{},
		Generation:  idx.generation.Load(),
		Dimension:   int(idx.dim.Load()),
		Quarantined: idx.Quarantined(),
	}
	for _, snap := range idx.live(domain.Filters{}) {
		st.Documents++
		st.Chunks += len(snap.chunks)
		st.ByKind[string(snap.doc.Kind)]++
	}
	return st
}

// live loads every published snapshot that passes f exactly once.
func (idx *Index) live(f domain.Filters) []*docSnapshot {
	docIDs := toSet(f.DocumentIDs)
	extIDs := toSet(f.ExternalIDs)

	var out []*docSnapshot
	idx.slots.Range(func(_, v any) bool {
		snap := v.(*slot).snap.Load()
		if snap == nil {
			return true
		}
		if f.Kind != "" && snap.doc.Kind != f.Kind {
			return true
		}
		if docIDs != nil {
			if _, ok := docIDs[snap.doc.ID]; !ok {
				return true
			}
		}
		if extIDs != nil {
			if _, ok := extIDs[snap.doc.ExternalID]; !ok {
				return true
			}
		}
		out = append(out, snap)
		return true
	})
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
