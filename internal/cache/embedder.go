package cache

import (
	"context"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/personal-context-engine/internal/embedding"
)

// CachedEmbedder wraps an Embedder so identical texts embed once per TTL.
// Query texts repeat heavily inside a session (follow-ups, retries), which
// makes this the highest-value cache in the pipeline.
type CachedEmbedder struct {
	inner embedding.Embedder
	cache *TieredCache
}

// NewCachedEmbedder decorates inner with the tiered cache.
func NewCachedEmbedder(inner embedding.Embedder, cache *TieredCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func embedKey(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:16])
}

// Embed returns the cached vector for text or delegates to the wrapped
// embedder. Failures are never cached.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedKey(text)

	var vec []float32
	if e.cache.GetJSON(ctx, key, &vec) && len(vec) > 0 {
		return vec, nil
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.SetJSON(ctx, key, vec)
	return vec, nil
}

// Dimension reports the wrapped embedder's vector length.
func (e *CachedEmbedder) Dimension() int {
	return e.inner.Dimension()
}

// Close closes the wrapped embedder. The cache is shared and stays open.
func (e *CachedEmbedder) Close() error {
	return e.inner.Close()
}
