package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuvec/docuvec/internal/embed"
	errs "github.com/docuvec/docuvec/internal/errors"
	"github.com/docuvec/docuvec/internal/status"
	"github.com/docuvec/docuvec/internal/store"
	"github.com/docuvec/docuvec/internal/vector"
)

// snippetLimit caps the stored excerpt per text chunk.
const snippetLimit = 240

// Policy is the file admission policy, enforced here so the core does not
// depend on the upload surface.
type Policy struct {
	// AllowedExtensions lists acceptable extensions including the dot
	// (e.g. ".pdf"). Empty allows everything.
	AllowedExtensions []string
	// MaxFileBytes caps file size; 0 means unlimited.
	MaxFileBytes int64
}

// allows checks a filename and size against the policy.
func (p Policy) allows(filename string, size int64) error {
	if p.MaxFileBytes > 0 && size > p.MaxFileBytes {
		return errs.New(errs.ErrCodeFileTooLarge,
			fmt.Sprintf("%s is %d bytes, cap is %d", filename, size, p.MaxFileBytes), nil)
	}
	if len(p.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range p.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return errs.New(errs.ErrCodeUnsupportedFormat,
		fmt.Sprintf("extension %q is not allowed", ext), nil)
}

// Options control one ingest call.
type Options struct {
	// Replace re-ingests an existing document, sweeping stale records after
	// all new ones are stored.
	Replace bool
}

// Report is the outcome of one ingest.
type Report struct {
	ReportID    string
	DocID       string
	Filename    string
	VisualCount int
	TextCount   int
	Warnings    []string
	// AlreadyIngested is set when idempotent ingest short-circuited.
	AlreadyIngested bool
	Duration        time.Duration
}

// DeleteReport is the outcome of a document deletion.
type DeleteReport struct {
	DocID          string
	RecordsRemoved int
}

// DocumentDetail joins the stored summary with lifecycle state.
type DocumentDetail struct {
	Summary   *store.DocSummary
	Lifecycle *status.Document
	Events    []status.Event
}

// Orchestrator drives Parser -> Embedder -> Codec -> Store for one document
// at a time, keeping the store's schema invariants.
type Orchestrator struct {
	store    *store.Store
	embedder embed.Embedder
	parser   Parser
	status   *status.Tracker
	policy   Policy
	clock    func() time.Time
}

// NewOrchestrator wires the ingest pipeline.
func NewOrchestrator(st *store.Store, embedder embed.Embedder, parser Parser, tracker *status.Tracker, policy Policy) (*Orchestrator, error) {
	if st == nil || embedder == nil || parser == nil || tracker == nil {
		return nil, fmt.Errorf("ingest: all dependencies are required")
	}
	return &Orchestrator{
		store:    st,
		embedder: embedder,
		parser:   parser,
		status:   tracker,
		policy:   policy,
		clock:    time.Now,
	}, nil
}

// DocID computes the stable 128-bit content identifier.
func DocID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:16])
}

// Ingest runs the full pipeline for one file. Rerunning on identical bytes
// is a no-op unless opts.Replace is set.
func (o *Orchestrator) Ingest(ctx context.Context, file FileRef, docMeta map[string]any, opts Options) (*Report, error) {
	start := o.clock()
	filename := file.Filename()

	content, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCodeStorageUnavailable, fmt.Errorf("read %s: %w", file.Path, err))
	}

	docID := DocID(content)

	exists, err := o.store.HasDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	if exists && !opts.Replace {
		return &Report{
			ReportID:        uuid.NewString(),
			DocID:           docID,
			Filename:        filename,
			AlreadyIngested: true,
			Duration:        o.clock().Sub(start),
		}, nil
	}

	o.trackStart(docID, filename)

	if err := o.policy.allows(filename, int64(len(content))); err != nil {
		o.fail(docID, err)
		return nil, err
	}

	parsed, err := o.parser.Parse(ctx, file, content)
	if err != nil {
		wrapped := errs.Wrap(errs.ErrCodeParseEmpty, err)
		o.fail(docID, wrapped)
		return nil, wrapped
	}
	if len(parsed.Pages)+len(parsed.Chunks) == 0 {
		err := errs.New(errs.ErrCodeParseEmpty, "parser produced no pages or chunks", nil)
		o.fail(docID, err)
		return nil, err
	}

	warnings := append([]string(nil), parsed.Warnings...)
	domainMeta := mergeDomainMeta(docMeta, parsed.Meta, &warnings)
	addedAt := start.UTC().Unix()

	newIDs := make(map[string]struct{}, len(parsed.Pages)+len(parsed.Chunks))
	var visualCount, textCount int

	// Pages before chunks is a preference, not a contract.
	for _, page := range parsed.Pages {
		if err := o.checkCancelled(ctx, docID); err != nil {
			return nil, err
		}

		mv, embErr := o.embedder.EmbedImage(ctx, page.Image)
		if embErr != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: embedding failed: %v", page.Number, embErr))
			slog.Warn("page embedding failed, skipping",
				slog.String("doc_id", docID), slog.Int("page", page.Number),
				slog.String("error", embErr.Error()))
			continue
		}

		id := fmt.Sprintf("%s:v:%d", docID, page.Number)
		meta := o.baseMeta(docID, store.KindVisual, filename, addedAt, mv, domainMeta)
		meta[store.MetaPage] = page.Number

		if err := o.putRecord(ctx, docID, id, store.KindVisual, mv, meta); err != nil {
			return nil, err
		}
		newIDs[id] = struct{}{}
		visualCount++
	}

	for _, chunk := range parsed.Chunks {
		if err := o.checkCancelled(ctx, docID); err != nil {
			return nil, err
		}

		mv, embErr := o.embedder.EmbedText(ctx, chunk.Text)
		if embErr != nil {
			warnings = append(warnings, fmt.Sprintf("chunk %d: embedding failed: %v", chunk.Index, embErr))
			slog.Warn("chunk embedding failed, skipping",
				slog.String("doc_id", docID), slog.Int("chunk", chunk.Index),
				slog.String("error", embErr.Error()))
			continue
		}

		id := fmt.Sprintf("%s:t:%d", docID, chunk.Index)
		meta := o.baseMeta(docID, store.KindText, filename, addedAt, mv, domainMeta)
		meta[store.MetaChunkIndex] = chunk.Index
		meta[store.MetaSnippet] = snippet(chunk.Text)

		if err := o.putRecord(ctx, docID, id, store.KindText, mv, meta); err != nil {
			return nil, err
		}
		newIDs[id] = struct{}{}
		textCount++
	}

	if len(newIDs) == 0 {
		err := errs.New(errs.ErrCodeEmbeddingFailed, "no records could be embedded", nil)
		o.fail(docID, err)
		return nil, err
	}

	// Replace semantics: stale records are swept only after every new put
	// succeeded. A failure above leaves the old records intact.
	if exists && opts.Replace {
		if _, err := o.store.DeleteByDocExcept(ctx, docID, newIDs); err != nil {
			wrapped := errs.Wrap(errs.ErrCodeStorageUnavailable, err)
			o.fail(docID, wrapped)
			return nil, wrapped
		}
	}

	if err := o.status.MarkCompleted(docID, visualCount, textCount, warnings); err != nil {
		slog.Warn("status completion failed", slog.String("doc_id", docID), slog.String("error", err.Error()))
	}

	return &Report{
		ReportID:    uuid.NewString(),
		DocID:       docID,
		Filename:    filename,
		VisualCount: visualCount,
		TextCount:   textCount,
		Warnings:    warnings,
		Duration:    o.clock().Sub(start),
	}, nil
}

// putRecord compresses and stores one embedding; a storage failure aborts
// the document as transient.
func (o *Orchestrator) putRecord(ctx context.Context, docID, id string, kind store.Kind, mv *vector.MultiVector, meta store.Metadata) error {
	blob, err := vector.Compress(mv)
	if err != nil {
		// Oversized or malformed model output: permanent for this input.
		wrapped := errs.Wrap(errs.ErrCodeCorruptEmbedding, err)
		o.fail(docID, wrapped)
		return wrapped
	}
	repr, err := vector.Representative(mv, o.store.ReprRule())
	if err != nil {
		wrapped := errs.Wrap(errs.ErrCodeCorruptEmbedding, err)
		o.fail(docID, wrapped)
		return wrapped
	}

	rec := &store.Record{
		ID:             id,
		DocID:          docID,
		Kind:           kind,
		Representative: repr,
		Compressed:     blob,
		Meta:           meta,
	}
	if err := o.store.Put(ctx, rec); err != nil {
		wrapped := errs.Wrap(errs.ErrCodeStorageUnavailable, err)
		o.fail(docID, wrapped)
		return wrapped
	}
	return nil
}

// baseMeta assembles the reserved keys shared by both record kinds.
func (o *Orchestrator) baseMeta(docID string, kind store.Kind, filename string, addedAt int64, mv *vector.MultiVector, domainMeta map[string]any) store.Metadata {
	meta := store.Metadata{
		store.MetaDocID:      docID,
		store.MetaKind:       string(kind),
		store.MetaFilename:   filename,
		store.MetaAddedAt:    addedAt,
		store.MetaFullDim:    mv.Dim,
		store.MetaFullSeqLen: mv.SeqLen,
		store.MetaReprRule:   string(o.store.ReprRule()),
	}
	for k, v := range domainMeta {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}
	return meta
}

// mergeDomainMeta folds caller and parser metadata together, dropping
// non-scalar values with a warning (nested structures must be
// pre-serialized).
func mergeDomainMeta(caller, parsed map[string]any, warnings *[]string) map[string]any {
	out := make(map[string]any, len(caller)+len(parsed))
	for _, src := range []map[string]any{parsed, caller} {
		for k, v := range src {
			switch v.(type) {
			case string, bool, int, int32, int64, float32, float64:
				out[k] = v
			default:
				*warnings = append(*warnings, fmt.Sprintf("metadata key %q dropped: non-scalar value", k))
			}
		}
	}
	return out
}

// checkCancelled observes cooperative cancellation: prior puts stay in place
// (they are idempotent) and the document fails retriable.
func (o *Orchestrator) checkCancelled(ctx context.Context, docID string) error {
	if err := ctx.Err(); err != nil {
		if markErr := o.status.MarkFailed(docID, "cancelled", true); markErr != nil {
			slog.Warn("status cancellation failed", slog.String("doc_id", docID), slog.String("error", markErr.Error()))
		}
		return err
	}
	return nil
}

// trackStart moves a document into processing, queueing it first if needed.
func (o *Orchestrator) trackStart(docID, filename string) {
	if doc, ok := o.status.Get(docID); !ok || doc.State != status.StateQueued {
		if err := o.status.MarkQueued(docID, filename); err != nil {
			slog.Warn("status queue failed", slog.String("doc_id", docID), slog.String("error", err.Error()))
		}
	}
	if err := o.status.MarkProcessing(docID); err != nil {
		slog.Warn("status processing failed", slog.String("doc_id", docID), slog.String("error", err.Error()))
	}
}

// fail records a classified failure.
func (o *Orchestrator) fail(docID string, err error) {
	if markErr := o.status.MarkFailed(docID, err.Error(), errs.IsRetryable(err)); markErr != nil {
		slog.Warn("status failure tracking failed", slog.String("doc_id", docID), slog.String("error", markErr.Error()))
	}
}

// Delete removes a document and every record it owns from both collections.
func (o *Orchestrator) Delete(ctx context.Context, docID string) (*DeleteReport, error) {
	removed, err := o.store.DeleteByDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	o.status.Remove(docID)
	return &DeleteReport{DocID: docID, RecordsRemoved: removed}, nil
}

// ListDocuments pages through stored document summaries.
func (o *Orchestrator) ListDocuments(ctx context.Context, limit, offset int, sort store.DocSort) ([]*store.DocSummary, error) {
	return o.store.ListDocs(ctx, limit, offset, sort)
}

// GetDocument joins the stored summary with lifecycle state and events.
func (o *Orchestrator) GetDocument(ctx context.Context, docID string) (*DocumentDetail, error) {
	summary, err := o.store.GetDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	detail := &DocumentDetail{Summary: summary}
	if doc, ok := o.status.Get(docID); ok {
		detail.Lifecycle = doc
		detail.Events = o.status.Events(docID)
	}
	return detail, nil
}

// snippet truncates chunk text for result highlighting.
func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetLimit {
		return text
	}
	return text[:snippetLimit]
}
