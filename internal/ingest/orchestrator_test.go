package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvec/docuvec/internal/embed"
	errs "github.com/docuvec/docuvec/internal/errors"
	"github.com/docuvec/docuvec/internal/status"
	"github.com/docuvec/docuvec/internal/store"
	"github.com/docuvec/docuvec/internal/vector"
)

const testDim = 16

// fakeParser emits a configurable number of pages and chunks.
type fakeParser struct {
	pages    int
	chunks   []string
	warnings []string
	err      error
}

func (p *fakeParser) Parse(ctx context.Context, file FileRef, content []byte) (*ParseResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := &ParseResult{Warnings: p.warnings, Meta: map[string]any{"source": "test"}}
	for i := 1; i <= p.pages; i++ {
		out.Pages = append(out.Pages, Page{
			Number: i,
			Image:  []byte(fmt.Sprintf("page %d of %s", i, content)),
		})
	}
	for i, text := range p.chunks {
		out.Chunks = append(out.Chunks, Chunk{Index: i, Text: text})
	}
	return out, nil
}

// failingEmbedder delegates to a static embedder but fails images whose
// payload contains a marker.
type failingEmbedder struct {
	*embed.StaticEmbedder
	failMarker string
	failAll    bool
}

func (f *failingEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	if f.failAll || (f.failMarker != "" && strings.Contains(string(image), f.failMarker)) {
		return nil, embed.ErrEmbeddingFailed
	}
	return f.StaticEmbedder.EmbedImage(ctx, image)
}

func (f *failingEmbedder) EmbedText(ctx context.Context, text string) (*vector.MultiVector, error) {
	if f.failAll {
		return nil, embed.ErrEmbeddingFailed
	}
	return f.StaticEmbedder.EmbedText(ctx, text)
}

type fixture struct {
	store   *store.Store
	tracker *status.Tracker
	orch    *Orchestrator
}

func newFixture(t *testing.T, parser Parser, embedder embed.Embedder, policy Policy) *fixture {
	t.Helper()

	st, err := store.Open("", store.DefaultConfig(testDim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if embedder == nil {
		embedder = embed.NewStaticEmbedder(testDim)
	}
	tracker := status.NewTracker()
	orch, err := NewOrchestrator(st, embedder, parser, tracker, policy)
	require.NoError(t, err)

	return &fixture{store: st, tracker: tracker, orch: orch}
}

func writeFile(t *testing.T, name, content string) FileRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return FileRef{Path: path}
}

func TestIngest_FullPipeline(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 3, chunks: []string{"revenue grew", "costs fell"}}
	fx := newFixture(t, parser, nil, Policy{})

	file := writeFile(t, "Q3.pdf", "quarterly report content")

	report, err := fx.orch.Ingest(ctx, file, map[string]any{"department": "finance"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.VisualCount)
	assert.Equal(t, 2, report.TextCount)
	assert.False(t, report.AlreadyIngested)
	assert.NotEmpty(t, report.ReportID)
	assert.Len(t, report.DocID, 32, "doc_id is a 128-bit hex hash")

	// Records landed in both collections with reserved + domain metadata
	n, err := fx.store.Count(ctx, store.KindVisual, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, err := fx.store.GetFull(ctx, report.DocID+":v:1")
	require.NoError(t, err)
	assert.Equal(t, "Q3.pdf", rec.Meta[store.MetaFilename])
	assert.Equal(t, "finance", rec.Meta["department"])
	assert.Equal(t, "test", rec.Meta["source"])

	// Stored payload decompresses and its repr matches the repr rule
	mv, err := vector.Decompress(rec.Compressed)
	require.NoError(t, err)
	wantRepr, err := vector.Representative(mv, fx.store.ReprRule())
	require.NoError(t, err)
	assert.InDeltaSlice(t, wantRepr, rec.Representative, 1e-3)

	// Text records carry a snippet for highlighting
	chunkRec, err := fx.store.GetFull(ctx, report.DocID+":t:0")
	require.NoError(t, err)
	assert.Equal(t, "revenue grew", chunkRec.Meta[store.MetaSnippet])

	// Lifecycle completed
	doc, ok := fx.tracker.Get(report.DocID)
	require.True(t, ok)
	assert.Equal(t, status.StateCompleted, doc.State)
}

func TestIngest_Idempotent(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 2, chunks: []string{"alpha"}}
	fx := newFixture(t, parser, nil, Policy{})

	file := writeFile(t, "doc.pdf", "same bytes")

	first, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)
	require.False(t, first.AlreadyIngested)

	second, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)
	assert.True(t, second.AlreadyIngested)
	assert.Equal(t, first.DocID, second.DocID)

	// Record count unchanged
	n, err := fx.store.Count(ctx, store.KindVisual, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngest_ReplaceSweepsStaleRecords(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 3, chunks: []string{"alpha"}}
	fx := newFixture(t, parser, nil, Policy{})

	file := writeFile(t, "doc.pdf", "same bytes")

	first, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, first.VisualCount)

	// Same content, but the parser now yields fewer pages: replace must
	// sweep the page-3 record after the new puts succeed.
	parser.pages = 2
	second, err := fx.orch.Ingest(ctx, file, nil, Options{Replace: true})
	require.NoError(t, err)
	assert.Equal(t, 2, second.VisualCount)

	n, err := fx.store.Count(ctx, store.KindVisual, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = fx.store.GetFull(ctx, first.DocID+":v:3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_ReplaceKeepsOldRecordsOnFailure(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 2}
	embedder := &failingEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDim)}
	fx := newFixture(t, parser, embedder, Policy{})

	file := writeFile(t, "doc.pdf", "same bytes")

	first, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, first.VisualCount)

	// Re-ingest fails entirely: no deletion may occur
	embedder.failAll = true
	_, err = fx.orch.Ingest(ctx, file, nil, Options{Replace: true})
	require.Error(t, err)

	n, err := fx.store.Count(ctx, store.KindVisual, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "old records must survive a failed replace")
}

func TestIngest_ParseEmptyIsPermanent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeParser{}, nil, Policy{})

	file := writeFile(t, "empty.pdf", "no extractable content")

	_, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeParseEmpty, errs.GetCode(err))

	doc, ok := fx.tracker.Get(DocID([]byte("no extractable content")))
	require.True(t, ok)
	assert.Equal(t, status.StateFailed, doc.State)
	assert.False(t, doc.Retriable)
}

func TestIngest_PolicyEnforcement(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 1}
	policy := Policy{AllowedExtensions: []string{".pdf", ".docx"}, MaxFileBytes: 64}
	fx := newFixture(t, parser, nil, policy)

	// Disallowed extension
	_, err := fx.orch.Ingest(ctx, writeFile(t, "malware.exe", "x"), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeUnsupportedFormat, errs.GetCode(err))

	// Oversized file
	_, err = fx.orch.Ingest(ctx, writeFile(t, "big.pdf", strings.Repeat("x", 100)), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeFileTooLarge, errs.GetCode(err))

	// Allowed file passes
	_, err = fx.orch.Ingest(ctx, writeFile(t, "ok.pdf", "small"), nil, Options{})
	require.NoError(t, err)
}

func TestIngest_PartialPageFailureCompletesWithWarnings(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 3, chunks: []string{"alpha"}}
	embedder := &failingEmbedder{
		StaticEmbedder: embed.NewStaticEmbedder(testDim),
		failMarker:     "page 2",
	}
	fx := newFixture(t, parser, embedder, Policy{})

	file := writeFile(t, "doc.pdf", "content")

	report, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)

	// The failing page is skipped, the document still completes
	assert.Equal(t, 2, report.VisualCount)
	assert.Equal(t, 1, report.TextCount)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "page 2")

	doc, _ := fx.tracker.Get(report.DocID)
	assert.Equal(t, status.StateCompleted, doc.State)
	assert.NotEmpty(t, doc.Warnings)

	_, err = fx.store.GetFull(ctx, report.DocID+":v:2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_AllEmbeddingsFailedIsRetriable(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 2, chunks: []string{"alpha"}}
	embedder := &failingEmbedder{StaticEmbedder: embed.NewStaticEmbedder(testDim), failAll: true}
	fx := newFixture(t, parser, embedder, Policy{})

	file := writeFile(t, "doc.pdf", "content")

	_, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeEmbeddingFailed, errs.GetCode(err))

	doc, _ := fx.tracker.Get(DocID([]byte("content")))
	assert.Equal(t, status.StateFailed, doc.State)
	assert.True(t, doc.Retriable)
}

func TestIngest_CancellationMarksFailedRetriable(t *testing.T) {
	parser := &fakeParser{pages: 2}
	fx := newFixture(t, parser, nil, Policy{})

	file := writeFile(t, "doc.pdf", "content")

	// Cancel right after parsing; the next cooperative check observes it
	ctx, cancel := context.WithCancel(context.Background())
	cancelledAfterFirst := &cancellingParser{inner: parser, cancel: cancel}
	orch, err := NewOrchestrator(fx.store, embed.NewStaticEmbedder(testDim), cancelledAfterFirst, fx.tracker, Policy{})
	require.NoError(t, err)

	_, err = orch.Ingest(ctx, file, nil, Options{})
	require.ErrorIs(t, err, context.Canceled)

	doc, ok := fx.tracker.Get(DocID([]byte("content")))
	require.True(t, ok)
	assert.Equal(t, status.StateFailed, doc.State)
	assert.True(t, doc.Retriable)
}

// cancellingParser cancels the context right after parsing, so the first
// cooperative cancellation check trips.
type cancellingParser struct {
	inner  Parser
	cancel context.CancelFunc
}

func (p *cancellingParser) Parse(ctx context.Context, file FileRef, content []byte) (*ParseResult, error) {
	out, err := p.inner.Parse(ctx, file, content)
	p.cancel()
	return out, err
}

func TestDelete_RemovesAcrossCollections(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 3, chunks: []string{"alpha", "beta"}}
	fx := newFixture(t, parser, nil, Policy{})

	file := writeFile(t, "Q3.pdf", "report body")
	report, err := fx.orch.Ingest(ctx, file, nil, Options{})
	require.NoError(t, err)

	del, err := fx.orch.Delete(ctx, report.DocID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, del.RecordsRemoved, 4)

	docs, err := fx.orch.ListDocuments(ctx, 10, 0, store.DocSortAddedDesc)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, ok := fx.tracker.Get(report.DocID)
	assert.False(t, ok)
}

func TestGetDocument_JoinsLifecycle(t *testing.T) {
	ctx := context.Background()
	parser := &fakeParser{pages: 1, chunks: []string{"alpha"}}
	fx := newFixture(t, parser, nil, Policy{})

	report, err := fx.orch.Ingest(ctx, writeFile(t, "doc.pdf", "content"), nil, Options{})
	require.NoError(t, err)

	detail, err := fx.orch.GetDocument(ctx, report.DocID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.Summary.VisualCount)
	require.NotNil(t, detail.Lifecycle)
	assert.Equal(t, status.StateCompleted, detail.Lifecycle.State)
	assert.NotEmpty(t, detail.Events)
}

func TestDocID_Deterministic(t *testing.T) {
	a := DocID([]byte("same content"))
	b := DocID([]byte("same content"))
	c := DocID([]byte("different content"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
