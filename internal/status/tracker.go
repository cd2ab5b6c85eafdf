// Package status tracks per-document ingest lifecycle: queued, processing,
// completed, failed. State lives in process; on restart it can be rebuilt
// from store contents.
package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuvec/docuvec/internal/store"
)

// State is a document's lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// allowedTransitions is the lifecycle DAG. The only cycle is the explicit
// reprocess path back to queued.
var allowedTransitions = map[State][]State{
	"":              {StateQueued, StateCompleted},
	StateQueued:     {StateProcessing, StateFailed},
	StateProcessing: {StateCompleted, StateFailed, StateQueued},
	StateCompleted:  {StateQueued},
	StateFailed:     {StateQueued},
}

// Event is one logged transition.
type Event struct {
	ID    string
	DocID string
	From  State
	To    State
	At    time.Time
	Note  string
}

// Document is the tracked lifecycle view of one ingested file.
type Document struct {
	DocID    string
	Filename string
	State    State

	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	VisualCount int
	TextCount   int

	Warnings      []string
	FailureReason string
	Retriable     bool
}

// clone returns a defensive copy for external readers.
func (d *Document) clone() *Document {
	c := *d
	c.Warnings = append([]string(nil), d.Warnings...)
	return &c
}

// ListOptions filters and pages a document listing.
type ListOptions struct {
	// States restricts to the given states; empty means all.
	States []State
	// Sort orders the listing (default added_desc by queue time).
	Sort store.DocSort
	// Limit caps the page size (default 50).
	Limit int
	// Offset skips rows for pagination.
	Offset int
}

// Tracker is the in-process lifecycle registry. All methods are safe for
// concurrent use. Timestamps within a document's event log are monotonic.
type Tracker struct {
	mu     sync.RWMutex
	docs   map[string]*Document
	events []Event
	lastAt time.Time
	clock  func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		docs:  make(map[string]*Document),
		clock: time.Now,
	}
}

// now returns a timestamp clamped to be monotonic across events.
func (t *Tracker) now() time.Time {
	ts := t.clock().UTC()
	if !ts.After(t.lastAt) {
		ts = t.lastAt.Add(time.Nanosecond)
	}
	t.lastAt = ts
	return ts
}

func (t *Tracker) transition(docID string, to State, note string, mutate func(*Document, time.Time)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, ok := t.docs[docID]
	from := State("")
	if ok {
		from = doc.State
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("invalid status transition %q -> %q for document %s", from, to, docID)
	}

	ts := t.now()
	if !ok {
		doc = &Document{DocID: docID}
		t.docs[docID] = doc
	}
	doc.State = to
	if mutate != nil {
		mutate(doc, ts)
	}

	t.events = append(t.events, Event{
		ID:    uuid.NewString(),
		DocID: docID,
		From:  from,
		To:    to,
		At:    ts,
		Note:  note,
	})
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarkQueued registers a document as queued for ingest.
func (t *Tracker) MarkQueued(docID, filename string) error {
	return t.transition(docID, StateQueued, "queued", func(d *Document, ts time.Time) {
		d.Filename = filename
		d.QueuedAt = ts
		d.FinishedAt = time.Time{}
		d.Warnings = nil
		d.FailureReason = ""
		d.Retriable = false
	})
}

// MarkProcessing records a worker claiming the document.
func (t *Tracker) MarkProcessing(docID string) error {
	return t.transition(docID, StateProcessing, "worker claimed", func(d *Document, ts time.Time) {
		d.StartedAt = ts
	})
}

// MarkCompleted finalizes a successful ingest with record counts and any
// partial-failure warnings.
func (t *Tracker) MarkCompleted(docID string, visualCount, textCount int, warnings []string) error {
	note := "completed"
	if len(warnings) > 0 {
		note = fmt.Sprintf("completed with %d warnings", len(warnings))
	}
	return t.transition(docID, StateCompleted, note, func(d *Document, ts time.Time) {
		d.FinishedAt = ts
		d.VisualCount = visualCount
		d.TextCount = textCount
		d.Warnings = append([]string(nil), warnings...)
	})
}

// MarkFailed finalizes a failed ingest with its classification.
func (t *Tracker) MarkFailed(docID, reason string, retriable bool) error {
	return t.transition(docID, StateFailed, reason, func(d *Document, ts time.Time) {
		d.FinishedAt = ts
		d.FailureReason = reason
		d.Retriable = retriable
	})
}

// Get returns a copy of one document's lifecycle state.
func (t *Tracker) Get(docID string) (*Document, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	doc, ok := t.docs[docID]
	if !ok {
		return nil, false
	}
	return doc.clone(), true
}

// List returns a filtered, sorted, paginated view of tracked documents.
func (t *Tracker) List(opts ListOptions) []*Document {
	t.mu.RLock()
	out := make([]*Document, 0, len(t.docs))
	for _, doc := range t.docs {
		if len(opts.States) > 0 && !stateIn(doc.State, opts.States) {
			continue
		}
		out = append(out, doc.clone())
	}
	t.mu.RUnlock()

	switch opts.Sort {
	case store.DocSortNameAsc:
		sort.Slice(out, func(i, j int) bool {
			if out[i].Filename != out[j].Filename {
				return out[i].Filename < out[j].Filename
			}
			return out[i].DocID < out[j].DocID
		})
	case store.DocSortPagesDesc:
		sort.Slice(out, func(i, j int) bool {
			if out[i].VisualCount != out[j].VisualCount {
				return out[i].VisualCount > out[j].VisualCount
			}
			return out[i].DocID < out[j].DocID
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
				return out[i].QueuedAt.After(out[j].QueuedAt)
			}
			return out[i].DocID < out[j].DocID
		})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if opts.Offset >= len(out) {
		return []*Document{}
	}
	out = out[opts.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func stateIn(s State, states []State) bool {
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// Events returns the transition log for one document, oldest first.
func (t *Tracker) Events(docID string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Event
	for _, ev := range t.events {
		if ev.DocID == docID {
			out = append(out, ev)
		}
	}
	return out
}

// Remove drops a document from tracking (after deletion from the store).
func (t *Tracker) Remove(docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.docs, docID)
}

// RebuildFromStore reconstructs tracked state from store contents: any
// document with at least one record is completed. Event history is not
// recoverable and starts fresh.
func (t *Tracker) RebuildFromStore(ctx context.Context, s *store.Store) error {
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		docs, err := s.ListDocs(ctx, pageSize, offset, store.DocSortAddedDesc)
		if err != nil {
			return fmt.Errorf("rebuild status: %w", err)
		}
		if len(docs) == 0 {
			return nil
		}
		for _, d := range docs {
			if d.VisualCount+d.TextCount == 0 {
				continue
			}
			if err := t.transition(d.DocID, StateCompleted, "rebuilt from store", func(doc *Document, ts time.Time) {
				doc.Filename = d.Filename
				doc.QueuedAt = d.AddedAt
				doc.FinishedAt = ts
				doc.VisualCount = d.VisualCount
				doc.TextCount = d.TextCount
			}); err != nil {
				return err
			}
		}
		if len(docs) < pageSize {
			return nil
		}
	}
}
