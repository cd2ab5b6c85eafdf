// Package embed defines the multi-vector Embedder capability and its
// decorators. The embedding model itself is an external collaborator; this
// package provides the client, a deterministic fallback, and caching/retry
// wrappers.
package embed

import (
	"context"
	"errors"
	"time"

	"github.com/docuvec/docuvec/internal/vector"
)

// Default client behavior.
const (
	// DefaultWarmTimeout bounds requests once the model is resident.
	DefaultWarmTimeout = 60 * time.Second
	// DefaultColdTimeout bounds the first request, when the model may still
	// be loading.
	DefaultColdTimeout = 180 * time.Second
	// DefaultMaxRetries is the retry budget for transient failures.
	DefaultMaxRetries = 3
	// DefaultQueryCacheSize is the LRU capacity for query embeddings.
	DefaultQueryCacheSize = 512
)

// ErrEmbeddingFailed indicates the embedder could not produce a usable
// multi-vector. Transient: callers may retry.
var ErrEmbeddingFailed = errors.New("embedding failed")

// Embedder produces multi-vector embeddings in a single shared space.
// Query mode is distinct from document mode: late-interaction models prefix
// queries differently, so the three methods must not be conflated.
type Embedder interface {
	// EmbedImage embeds one page image.
	EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error)

	// EmbedText embeds one document text chunk.
	EmbedText(ctx context.Context, text string) (*vector.MultiVector, error)

	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) (*vector.MultiVector, error)

	// Dimensions returns the per-token embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// validateOutput enforces the deployment contract on an embedder response.
func validateOutput(mv *vector.MultiVector, dim int) error {
	if mv == nil || mv.SeqLen < 1 {
		return errors.Join(ErrEmbeddingFailed, vector.ErrCorruptEmbedding, errors.New("empty multi-vector"))
	}
	if mv.Dim != dim {
		return errors.Join(ErrEmbeddingFailed, vector.ErrCorruptEmbedding)
	}
	if err := mv.Validate(); err != nil {
		return errors.Join(ErrEmbeddingFailed, err)
	}
	return nil
}
