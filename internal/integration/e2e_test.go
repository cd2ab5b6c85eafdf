// Package integration exercises the full pipeline: parse, embed, compress,
// store, then two-stage search, against a persistent on-disk store.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvec/docuvec/internal/embed"
	"github.com/docuvec/docuvec/internal/ingest"
	"github.com/docuvec/docuvec/internal/search"
	"github.com/docuvec/docuvec/internal/status"
	"github.com/docuvec/docuvec/internal/store"
	"github.com/docuvec/docuvec/internal/vector"
)

const dim = 64

// textualEmbedder treats page images as text so the static embedder's
// shared-vocabulary hashing links queries to page content.
type textualEmbedder struct {
	*embed.StaticEmbedder
}

func (e *textualEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	return e.EmbedText(ctx, string(image))
}

// pageParser renders each input line as one page image and emits trailing
// paragraphs as text chunks (lines prefixed with "text:").
type pageParser struct{}

func (pageParser) Parse(ctx context.Context, file ingest.FileRef, content []byte) (*ingest.ParseResult, error) {
	out := &ingest.ParseResult{Meta: map[string]any{"parser": "pages"}}
	page, chunk := 1, 0
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		if text, ok := strings.CutPrefix(line, "text:"); ok {
			out.Chunks = append(out.Chunks, ingest.Chunk{Index: chunk, Text: text})
			chunk++
			continue
		}
		out.Pages = append(out.Pages, ingest.Page{Number: page, Image: []byte(line)})
		page++
	}
	return out, nil
}

type harness struct {
	dir     string
	store   *store.Store
	tracker *status.Tracker
	orch    *ingest.Orchestrator
	engine  *search.Engine
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()

	st, err := store.Open(dir, store.DefaultConfig(dim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	embedder := &textualEmbedder{StaticEmbedder: embed.NewStaticEmbedder(dim)}
	tracker := status.NewTracker()
	require.NoError(t, tracker.RebuildFromStore(context.Background(), st))

	orch, err := ingest.NewOrchestrator(st, embedder, pageParser{}, tracker, ingest.Policy{})
	require.NoError(t, err)

	engine, err := search.NewEngine(st, embedder, search.DefaultConfig())
	require.NoError(t, err)

	return &harness{dir: dir, store: st, tracker: tracker, orch: orch, engine: engine}
}

func writeDoc(t *testing.T, name, content string) ingest.FileRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return ingest.FileRef{Path: path}
}

const q3Report = `Q3 revenue grew twelve percent quarter over quarter
operating costs were flat against the prior period
headcount increased in the research division
text:appendix with citations and references`

func TestEndToEnd_VisualHitRanksFirst(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	// Given: the Q3 report plus an unrelated page-only document
	report, err := h.orch.Ingest(ctx, writeDoc(t, "Q3.pdf", q3Report), nil, ingest.Options{})
	require.NoError(t, err)
	require.Equal(t, 3, report.VisualCount)
	require.Equal(t, 1, report.TextCount)

	_, err = h.orch.Ingest(ctx, writeDoc(t, "menu.pdf",
		"weekly cafeteria menu with soup and sandwiches\nallergen information for the kitchen"), nil, ingest.Options{})
	require.NoError(t, err)

	// When: querying for the report's subject
	resp, err := h.engine.Search(ctx, search.Request{
		Query:        "Q3 revenue grew",
		NResults:     5,
		Mode:         search.ModeHybrid,
		EnableRerank: true, RerankCandidates: 100,
	})
	require.NoError(t, err)

	// Then: the report's page ranks first as a visual hit
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, report.DocID, top.DocID)
	assert.Equal(t, store.KindVisual, top.Kind)
	assert.Equal(t, "Q3.pdf", top.Metadata[store.MetaFilename])
	assert.Less(t, resp.TotalTime, 500*time.Millisecond)
	assert.False(t, resp.Degraded)
}

func TestEndToEnd_DeleteReflectsAcrossCollections(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	report, err := h.orch.Ingest(ctx, writeDoc(t, "Q3.pdf", q3Report), nil, ingest.Options{})
	require.NoError(t, err)

	del, err := h.orch.Delete(ctx, report.DocID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, del.RecordsRemoved, 4)

	resp, err := h.engine.Search(ctx, search.Request{
		Query: "Q3 revenue", NResults: 5, EnableRerank: true, RerankCandidates: 100,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	docs, err := h.store.ListDocs(ctx, 10, 0, store.DocSortAddedDesc)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestEndToEnd_IdempotentIngest(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	file := writeDoc(t, "Q3.pdf", q3Report)

	_, err := h.orch.Ingest(ctx, file, nil, ingest.Options{})
	require.NoError(t, err)
	second, err := h.orch.Ingest(ctx, file, nil, ingest.Options{})
	require.NoError(t, err)
	assert.True(t, second.AlreadyIngested)

	n, err := h.store.Count(ctx, store.KindVisual, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEndToEnd_IngestDeleteIngestEquivalence(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ctx := context.Background()

	file := writeDoc(t, "Q3.pdf", q3Report)

	first, err := h.orch.Ingest(ctx, file, nil, ingest.Options{})
	require.NoError(t, err)

	_, err = h.orch.Delete(ctx, first.DocID)
	require.NoError(t, err)

	again, err := h.orch.Ingest(ctx, file, nil, ingest.Options{})
	require.NoError(t, err)
	assert.False(t, again.AlreadyIngested)
	assert.Equal(t, first.DocID, again.DocID)

	// Observationally equivalent to a single ingest
	summary, err := h.store.GetDoc(ctx, first.DocID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.VisualCount)
	assert.Equal(t, 1, summary.TextCount)

	for page := 1; page <= 3; page++ {
		_, err := h.store.GetFull(ctx, fmt.Sprintf("%s:v:%d", first.DocID, page))
		assert.NoError(t, err)
	}
}

func TestEndToEnd_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	h := newHarness(t, dir)
	report, err := h.orch.Ingest(ctx, writeDoc(t, "Q3.pdf", q3Report), nil, ingest.Options{})
	require.NoError(t, err)
	require.NoError(t, h.store.Close())

	// Reopen the same data directory: index, records and rebuilt status
	h2 := newHarness(t, dir)

	doc, ok := h2.tracker.Get(report.DocID)
	require.True(t, ok, "status should rebuild from store contents")
	assert.Equal(t, status.StateCompleted, doc.State)
	assert.Equal(t, 3, doc.VisualCount)

	resp, err := h2.engine.Search(ctx, search.Request{
		Query: "Q3 revenue grew", NResults: 5, EnableRerank: true, RerankCandidates: 100,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, report.DocID, resp.Results[0].DocID)
}
