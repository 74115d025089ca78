package llm

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/goerr/v2"
)

// EmbeddingCache memoizes Embed results. Generation and classification pass
// through untouched.
type EmbeddingCache struct {
	interfaces.LLMGateway
	cache *ristretto.Cache
}

// NewEmbeddingCache wraps next with a cache bounded by maxBytes of vector data.
func NewEmbeddingCache(next interfaces.LLMGateway, maxBytes int64) (*EmbeddingCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	return &EmbeddingCache{LLMGateway: next, cache: cache}, nil
}

func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return append([]float32(nil), vec...), nil
		}
	}

	vec, err := c.LLMGateway.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(text, append([]float32(nil), vec...), int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *EmbeddingCache) Wait() {
	c.cache.Wait()
}

func (c *EmbeddingCache) Close() {
	c.cache.Close()
}
