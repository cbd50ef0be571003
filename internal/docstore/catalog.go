package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Catalog persists the committed fingerprint of every indexed document.
type Catalog interface {
	Get(ctx context.Context, id string) (domain.Document, bool, error)
	List(ctx context.Context) ([]domain.Document, error)
	Put(ctx context.Context, doc domain.Document) error
	Delete(ctx context.Context, id string) error
}

var (
	_ Catalog = (*MemoryCatalog)(nil)
	_ Catalog = (*SQLiteCatalog)(nil)
)

// MemoryCatalog keeps the catalog in process memory. A restart re-detects
// every file as added, which rebuilds the in-memory index.
type MemoryCatalog struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{docs: make(map[string]domain.Document)}
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (domain.Document, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	return doc, ok, nil
}

// List returns documents sorted by id.
func (c *MemoryCatalog) List(_ context.Context) ([]domain.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Document, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryCatalog) Put(_ context.Context, doc domain.Document) error {
	doc.Content = ""
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.ID] = doc
	return nil
}

func (c *MemoryCatalog) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, id)
	return nil
}
