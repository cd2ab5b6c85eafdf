package ingest

import (
	"context"
	"strings"
)

// PlainTextParser is the built-in parser for plain text and markdown files.
// It emits one chunk per paragraph and no page images. Richer formats (PDF
// rendering, office conversion, audio transcription) come from an external
// Parser implementation.
type PlainTextParser struct {
	// MaxChunkRunes splits oversized paragraphs (default 2000).
	MaxChunkRunes int
}

// Parse splits content into paragraph chunks.
func (p *PlainTextParser) Parse(ctx context.Context, file FileRef, content []byte) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := p.MaxChunkRunes
	if limit <= 0 {
		limit = 2000
	}

	out := &ParseResult{Meta: map[string]any{"parser": "plaintext"}}
	idx := 0
	for _, para := range strings.Split(string(content), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitRunes(para, limit) {
			out.Chunks = append(out.Chunks, Chunk{Index: idx, Text: piece})
			idx++
		}
	}
	return out, nil
}

// splitRunes cuts a string into rune-bounded pieces of at most limit runes.
func splitRunes(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

var _ Parser = (*PlainTextParser)(nil)
