package embed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvec/docuvec/internal/vector"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(32)
	ctx := context.Background()

	a, err := e.EmbedText(ctx, "quarterly revenue report")
	require.NoError(t, err)
	b, err := e.EmbedText(ctx, "quarterly revenue report")
	require.NoError(t, err)

	assert.Equal(t, a.Data, b.Data)
	assert.Equal(t, 32, a.Dim)
	// One summary token plus one per word
	assert.Equal(t, 4, a.SeqLen)
}

func TestStaticEmbedder_SharedVocabularyOverlaps(t *testing.T) {
	e := NewStaticEmbedder(32)
	ctx := context.Background()

	doc, err := e.EmbedText(ctx, "revenue grew in the third quarter")
	require.NoError(t, err)
	query, err := e.EmbedQuery(ctx, "revenue quarter")
	require.NoError(t, err)
	unrelated, err := e.EmbedQuery(ctx, "penguin habitats")
	require.NoError(t, err)

	related, err := maxSimApprox(query, doc)
	require.NoError(t, err)
	distant, err := maxSimApprox(unrelated, doc)
	require.NoError(t, err)

	// Shared words produce near-exact token matches
	assert.Greater(t, related, distant)
}

// maxSimApprox is a local MaxSim used to sanity-check embedding geometry
// without importing the scoring package (avoids a test-only import cycle
// if scoring ever grows an embed dependency).
func maxSimApprox(q, d *vector.MultiVector) (float32, error) {
	if q.Dim != d.Dim {
		return 0, errors.New("dim mismatch")
	}
	var total float32
	for i := 0; i < q.SeqLen; i++ {
		qt := q.Token(i)
		best := float32(-1)
		for j := 0; j < d.SeqLen; j++ {
			dt := d.Token(j)
			var dot float32
			for k := range qt {
				dot += qt[k] * dt[k]
			}
			if dot > best {
				best = dot
			}
		}
		total += best
	}
	return total, nil
}

func TestStaticEmbedder_Normalized(t *testing.T) {
	e := NewStaticEmbedder(64)
	mv, err := e.EmbedText(context.Background(), "alpha beta")
	require.NoError(t, err)

	for i := 0; i < mv.SeqLen; i++ {
		var sum float64
		for _, v := range mv.Token(i) {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "token %d", i)
	}
}

func TestStaticEmbedder_EmptyInput(t *testing.T) {
	e := NewStaticEmbedder(32)

	_, err := e.EmbedText(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = e.EmbedImage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestRemoteEmbedder_RoundTrip(t *testing.T) {
	// Given: a fake embedding service
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			_, _ = w.Write([]byte(`{"dim":4,"seq_len":2,"data":[1,0,0,0,0,1,0,0]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Model: "colpali-v1", Dim: 4})
	defer func() { _ = e.Close() }()

	assert.True(t, e.Available(context.Background()))

	mv, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 4, mv.Dim)
	assert.Equal(t, 2, mv.SeqLen)
}

func TestRemoteEmbedder_DimensionContractEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dim":8,"seq_len":1,"data":[1,0,0,0,0,0,0,0]}`))
	}))
	defer srv.Close()

	e := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Model: "m", Dim: 4})
	_, err := e.EmbedText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestRetryingEmbedder_RecoverFromTransient(t *testing.T) {
	// Given: a service that fails twice before succeeding
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"dim":4,"seq_len":1,"data":[1,0,0,0]}`))
	}))
	defer srv.Close()

	inner := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Model: "m", Dim: 4})
	e := NewRetryingEmbedder(inner, 3)

	mv, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 4, mv.Dim)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryingEmbedder_BudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inner := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Model: "m", Dim: 4})
	e := NewRetryingEmbedder(inner, 2)

	_, err := e.EmbedQuery(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestCachedEmbedder_QueryHits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"dim":4,"seq_len":1,"data":[1,0,0,0]}`))
	}))
	defer srv.Close()

	inner := NewRemoteEmbedder(RemoteConfig{Endpoint: srv.URL, Model: "m", Dim: 4})
	e, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = e.EmbedQuery(ctx, "same query")
	require.NoError(t, err)
	_, err = e.EmbedQuery(ctx, "same query")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second query should hit the cache")

	// Document embedding is never cached
	_, err = e.EmbedText(ctx, "same query")
	require.NoError(t, err)
	_, err = e.EmbedText(ctx, "same query")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
