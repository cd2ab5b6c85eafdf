package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainTextParser_SplitsParagraphs(t *testing.T) {
	p := &PlainTextParser{}

	content := "First paragraph.\n\nSecond paragraph\nspans two lines.\n\n\n\nThird."
	result, err := p.Parse(context.Background(), FileRef{Path: "notes.txt"}, []byte(content))
	require.NoError(t, err)

	require.Len(t, result.Chunks, 3)
	assert.Equal(t, 0, result.Chunks[0].Index)
	assert.Equal(t, "First paragraph.", result.Chunks[0].Text)
	assert.Equal(t, "Second paragraph\nspans two lines.", result.Chunks[1].Text)
	assert.Equal(t, 2, result.Chunks[2].Index)
	assert.Empty(t, result.Pages)
}

func TestPlainTextParser_SplitsOversizedParagraph(t *testing.T) {
	p := &PlainTextParser{MaxChunkRunes: 10}

	result, err := p.Parse(context.Background(), FileRef{Path: "big.txt"}, []byte(strings.Repeat("a", 25)))
	require.NoError(t, err)

	require.Len(t, result.Chunks, 3)
	assert.Len(t, result.Chunks[0].Text, 10)
	assert.Len(t, result.Chunks[2].Text, 5)
	// Indexes stay sequential across splits
	assert.Equal(t, []int{0, 1, 2}, []int{result.Chunks[0].Index, result.Chunks[1].Index, result.Chunks[2].Index})
}

func TestPlainTextParser_EmptyContent(t *testing.T) {
	p := &PlainTextParser{}

	result, err := p.Parse(context.Background(), FileRef{Path: "empty.txt"}, []byte("  \n\n  "))
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
}
