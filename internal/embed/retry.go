package embed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/docuvec/docuvec/internal/vector"
)

// RetryingEmbedder retries transient failures with exponential backoff.
// Structural failures (bad output shape) are not retried: the model will
// produce the same shape again.
type RetryingEmbedder struct {
	inner      Embedder
	maxRetries uint64
}

// NewRetryingEmbedder wraps an embedder with a retry budget.
func NewRetryingEmbedder(inner Embedder, maxRetries int) *RetryingEmbedder {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RetryingEmbedder{inner: inner, maxRetries: uint64(maxRetries)}
}

func (e *RetryingEmbedder) retry(ctx context.Context, op func() (*vector.MultiVector, error)) (*vector.MultiVector, error) {
	var result *vector.MultiVector

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.maxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		mv, err := op()
		if err == nil {
			result = mv
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("embedding attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retryable reports whether an error is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Shape violations are deterministic.
	if errors.Is(err, vector.ErrCorruptEmbedding) {
		return false
	}
	return true
}

func (e *RetryingEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	return e.retry(ctx, func() (*vector.MultiVector, error) { return e.inner.EmbedImage(ctx, image) })
}

func (e *RetryingEmbedder) EmbedText(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.retry(ctx, func() (*vector.MultiVector, error) { return e.inner.EmbedText(ctx, text) })
}

func (e *RetryingEmbedder) EmbedQuery(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.retry(ctx, func() (*vector.MultiVector, error) { return e.inner.EmbedQuery(ctx, text) })
}

func (e *RetryingEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *RetryingEmbedder) ModelName() string { return e.inner.ModelName() }

func (e *RetryingEmbedder) Available(ctx context.Context) bool { return e.inner.Available(ctx) }

func (e *RetryingEmbedder) Close() error { return e.inner.Close() }

var _ Embedder = (*RetryingEmbedder)(nil)
