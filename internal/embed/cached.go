package embed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/docuvec/docuvec/internal/vector"
)

// CachedEmbedder memoizes query embeddings in an LRU cache. Only queries are
// cached: they repeat across sessions, while document inputs are seen once
// per ingest. Cached multi-vectors are shared; callers must not mutate them.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, *vector.MultiVector]
}

// NewCachedEmbedder wraps an embedder with a query cache of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := lru.New[string, *vector.MultiVector](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// EmbedQuery returns a cached embedding when available.
func (e *CachedEmbedder) EmbedQuery(ctx context.Context, text string) (*vector.MultiVector, error) {
	if mv, ok := e.cache.Get(text); ok {
		return mv, nil
	}
	mv, err := e.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(text, mv)
	return mv, nil
}

// EmbedImage passes through uncached.
func (e *CachedEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	return e.inner.EmbedImage(ctx, image)
}

// EmbedText passes through uncached.
func (e *CachedEmbedder) EmbedText(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.inner.EmbedText(ctx, text)
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) ModelName() string { return e.inner.ModelName() }

func (e *CachedEmbedder) Available(ctx context.Context) bool { return e.inner.Available(ctx) }

// Close purges the cache and closes the inner embedder.
func (e *CachedEmbedder) Close() error {
	e.cache.Purge()
	return e.inner.Close()
}

var _ Embedder = (*CachedEmbedder)(nil)
