package embedding

import lru "github.com/hashicorp/golang-lru/v2"

// Cache maps chunk fingerprints to vectors so unchanged chunks are never
// re-embedded. It holds at most capacity entries and evicts the least
// recently used one first.
type Cache struct {
	entries *lru.Cache[string, []float32]
}

// NewCache creates a cache. A capacity <= 0 disables caching.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		return &Cache{}
	}
	entries, err := lru.New[string, []float32](capacity)
	if err != nil {
		return &Cache{}
	}
	return &Cache{entries: entries}
}

// Get returns the vector for a fingerprint. Callers must not modify it.
func (c *Cache) Get(fingerprint string) ([]float32, bool) {
	if c == nil || c.entries == nil {
		return nil, false
	}
	return c.entries.Get(fingerprint)
}

// Put stores a vector.
func (c *Cache) Put(fingerprint string, vector []float32) {
	if c == nil || c.entries == nil {
		return
	}
	c.entries.Add(fingerprint, vector)
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	if c == nil || c.entries == nil {
		return 0
	}
	return c.entries.Len()
}
