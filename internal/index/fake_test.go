package index

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/bull/clinical-rag-agent/internal/chunker"
	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tokenizer"
)

const testDim = 32

// fakeEmbedder hashes terms into a small bag-of-words vector. Overrides pin
// the vector of exact texts.
type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	texts     int
	failDocs  error
	failQuery error
	overrides map[string][]float32
	queries   map[string]bool
	hook      func()
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{overrides: map[string][]float32{}, queries: map[string]bool{}}
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	hook := f.hook
	f.calls++
	f.texts += len(texts)
	failDocs, failQuery := f.failDocs, f.failQuery
	isQuery := len(texts) == 1 && f.queries[texts[0]]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if isQuery && failQuery != nil {
		return nil, failQuery
	}
	if !isQuery && failDocs != nil {
		return nil, failDocs
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.mu.Lock()
		v, ok := f.overrides[t]
		f.mu.Unlock()
		if ok {
			out[i] = v
			continue
		}
		out[i] = bagOfWords(t)
	}
	return out, nil
}

func (f *fakeEmbedder) query(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries[text] = true
}

func (f *fakeEmbedder) set(fn func(f *fakeEmbedder)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeEmbedder) stats() (calls, texts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.texts
}

func bagOfWords(text string) []float32 {
	v := make([]float32, testDim)
	for _, tok := range tokenizer.Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok.Term))
		v[h.Sum32()%testDim]++
	}
	v[testDim-1] += 0.01
	return v
}

var errEmbedDown = errors.New("embedding service down")

var testChunker = chunker.New(chunker.Config{Size: 400, Overlap: 80})

func makeDoc(kind domain.Kind, name, content string, seen time.Time) (domain.Document, []domain.Chunk) {
	doc := domain.Document{
		ID:          docstore.DocumentID(kind, name+".txt"),
		SourcePath:  "/data/" + string(kind) + "/" + name + ".txt",
		Kind:        kind,
		ExternalID:  docstore.ExternalID(kind, "/data/"+name+".txt", content),
		ContentHash: docstore.ContentHash([]byte(content)),
		LastSeenAt:  seen,
		Content:     content,
	}
	chunks, err := testChunker.Chunk(doc)
	if err != nil {
		panic(err)
	}
	return doc, chunks
}

type recordingMirror struct {
	mu       sync.Mutex
	replaced []string
	deleted  []string
	err      error
}

func (m *recordingMirror) Replace(_ context.Context, doc domain.Document, _ []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, doc.ID)
	return m.err
}

func (m *recordingMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return m.err
}
