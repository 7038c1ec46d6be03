package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedEmbedder memoises embeddings per input text. Route phrases and
// repeated prompts hit the cache instead of the backend.
type CachedEmbedder struct {
	next  Embedder
	cache *expirable.LRU[string, []float32]
}

// NewCached wraps e in an LRU of the given size. A ttl of zero keeps entries
// until evicted by size. A non-positive size returns e unchanged.
func NewCached(e Embedder, size int, ttl time.Duration) Embedder {
	if e == nil || size <= 0 {
		return e
	}
	return &CachedEmbedder{
		next:  e,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// Embed implements Embedder. Only cache misses are sent to the backend, in
// a single batch.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missText []string
		missIdx  []int
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = cloneVector(v)
			continue
		}
		missText = append(missText, t)
		missIdx = append(missIdx, i)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missText)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missText) {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", len(missText), len(vecs))
	}
	for j, v := range vecs {
		c.cache.Add(missText[j], cloneVector(v))
		out[missIdx[j]] = v
	}
	return out, nil
}

func cloneVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	c := make([]float32, len(v))
	copy(c, v)
	return c
}
