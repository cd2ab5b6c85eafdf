package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docuvec/docuvec/internal/embed"
	"github.com/docuvec/docuvec/internal/vector"
)

// maxQueryBytes is a hard cap on raw query length; anything beyond it is
// rejected outright rather than truncated.
const maxQueryBytes = 16 * 1024

// Processor validates and normalizes query text and drives the embedder in
// query mode. The representative derivation rule is the same one used at
// ingest; the two paths must never diverge.
type Processor struct {
	embedder  embed.Embedder
	dim       int
	rule      vector.ReprRule
	maxTokens int
}

// NewProcessor builds a query processor bound to the deployment constants.
func NewProcessor(embedder embed.Embedder, dim int, rule vector.ReprRule, maxTokens int) *Processor {
	if maxTokens <= 0 {
		maxTokens = DefaultConfig().MaxQueryTokens
	}
	return &Processor{embedder: embedder, dim: dim, rule: rule, maxTokens: maxTokens}
}

// Process returns the query's full multi-vector and its representative.
// Over-budget queries are truncated by whitespace tokens with a warning;
// only grossly oversized input is rejected.
func (p *Processor) Process(ctx context.Context, query string) (*vector.MultiVector, []float32, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, ErrEmptyQuery
	}
	if len(query) > maxQueryBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrQueryTooLong, len(query))
	}

	tokens := strings.Fields(query)
	if len(tokens) > p.maxTokens {
		slog.Warn("query truncated to token budget",
			slog.Int("tokens", len(tokens)),
			slog.Int("budget", p.maxTokens))
		query = strings.Join(tokens[:p.maxTokens], " ")
	}

	mv, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("embed query: %w", err)
	}
	if mv == nil || mv.SeqLen < 1 || mv.Dim != p.dim {
		return nil, nil, fmt.Errorf("%w: bad query embedding shape", embed.ErrEmbeddingFailed)
	}

	repr, err := vector.Representative(mv, p.rule)
	if err != nil {
		return nil, nil, fmt.Errorf("derive query representative: %w", err)
	}
	return mv, repr, nil
}
