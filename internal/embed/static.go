package embed

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/docuvec/docuvec/internal/vector"
)

// StaticEmbedder is a deterministic, dependency-free embedder. Token vectors
// are derived from content hashes, so equal inputs always embed identically
// and overlapping vocabulary yields overlapping token vectors. Quality is far
// below a real model; it exists for tests and for running without a model
// endpoint.
type StaticEmbedder struct {
	dim int
}

// NewStaticEmbedder creates a static embedder at the deployment dimension.
func NewStaticEmbedder(dim int) *StaticEmbedder {
	return &StaticEmbedder{dim: dim}
}

// imageWindow is the byte stride hashed into one pseudo-token.
const imageWindow = 256

// maxImageTokens caps pseudo-token count for large images.
const maxImageTokens = 64

// EmbedImage derives pseudo-tokens from fixed-size byte windows.
func (e *StaticEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, ErrEmbeddingFailed
	}

	var seeds []uint64
	for off := 0; off < len(image) && len(seeds) < maxImageTokens; off += imageWindow {
		end := off + imageWindow
		if end > len(image) {
			end = len(image)
		}
		seeds = append(seeds, hashBytes(image[off:end]))
	}
	return e.assemble(seeds), nil
}

// EmbedText derives one token vector per whitespace-delimited word.
func (e *StaticEmbedder) EmbedText(ctx context.Context, text string) (*vector.MultiVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil, ErrEmbeddingFailed
	}
	seeds := make([]uint64, len(words))
	for i, w := range words {
		seeds[i] = hashBytes([]byte(w))
	}
	return e.assemble(seeds), nil
}

// EmbedQuery embeds queries the same way as text; the shared vocabulary
// hashing is what makes query tokens match document tokens.
func (e *StaticEmbedder) EmbedQuery(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.EmbedText(ctx, text)
}

// assemble builds the multi-vector: a leading summary token (normalized sum
// of all content tokens, so the first_token repr rule is meaningful) followed
// by one vector per seed.
func (e *StaticEmbedder) assemble(seeds []uint64) *vector.MultiVector {
	seqLen := len(seeds) + 1
	data := make([]float32, e.dim*seqLen)

	summary := data[:e.dim]
	for i, seed := range seeds {
		tok := data[(i+1)*e.dim : (i+2)*e.dim]
		fillFromSeed(tok, seed)
		for j, v := range tok {
			summary[j] += v
		}
	}

	mv := &vector.MultiVector{Dim: e.dim, SeqLen: seqLen, Data: data}
	mv.Normalize()
	return mv
}

// fillFromSeed writes a deterministic pseudo-random direction for a seed.
func fillFromSeed(out []float32, seed uint64) {
	rng := rand.New(rand.NewSource(int64(seed)))
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Dimensions returns the configured dimension.
func (e *StaticEmbedder) Dimensions() int { return e.dim }

// ModelName identifies the static backend.
func (e *StaticEmbedder) ModelName() string { return "static-hash" }

// Available is always true: no external dependency.
func (e *StaticEmbedder) Available(ctx context.Context) bool { return true }

// Close is a no-op.
func (e *StaticEmbedder) Close() error { return nil }

var _ Embedder = (*StaticEmbedder)(nil)
