package embedding

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is an LRU cache for embeddings keyed by model and text.
type EmbeddingCache struct {
	lru *lru.Cache[string, []float32]
}

// NewEmbeddingCache creates a new cache with the given capacity.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = 1
	}
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &EmbeddingCache{lru: c}
}

func cacheKey(model, text string) string {
	return model + "\x00" + text
}

// Get returns the cached embedding for text under model if present.
func (c *EmbeddingCache) Get(model, text string) ([]float32, bool) {
	return c.lru.Get(cacheKey(model, text))
}

// Set stores the embedding, evicting the least recently used entry if at capacity.
func (c *EmbeddingCache) Set(model, text string, value []float32) {
	c.lru.Add(cacheKey(model, text), value)
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
