package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/docuvec/docuvec/internal/status"
)

// ErrQueueFull is returned when the pending-document queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// DefaultQueueSize bounds pending documents awaiting a worker.
const DefaultQueueSize = 64

// job is one queued ingest.
type job struct {
	file FileRef
	meta map[string]any
	opts Options
}

// Service runs ingests on a bounded queue with a fixed worker pool.
// The default pool size is 1: the external embedder is usually GPU-bound and
// a single in-flight document matches its memory budget.
type Service struct {
	orch    *Orchestrator
	tracker *status.Tracker
	queue   chan job
	workers int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewService builds the background ingest service.
func NewService(orch *Orchestrator, tracker *status.Tracker, workers, queueSize int) *Service {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Service{
		orch:    orch,
		tracker: tracker,
		queue:   make(chan job, queueSize),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when the queue is closed or
// the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.run(ctx, i)
		}
	})
}

func (s *Service) run(ctx context.Context, worker int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			report, err := s.orch.Ingest(ctx, j.file, j.meta, j.opts)
			if err != nil {
				slog.Error("ingest failed",
					slog.Int("worker", worker),
					slog.String("file", j.file.Filename()),
					slog.String("error", err.Error()))
				continue
			}
			if report.AlreadyIngested {
				slog.Info("document already ingested",
					slog.String("doc_id", report.DocID))
				continue
			}
			slog.Info("document ingested",
				slog.Int("worker", worker),
				slog.String("doc_id", report.DocID),
				slog.Int("pages", report.VisualCount),
				slog.Int("chunks", report.TextCount),
				slog.Duration("took", report.Duration))
		}
	}
}

// Submit enqueues one file for ingest and marks it queued. Returns
// ErrQueueFull rather than blocking when the queue is at capacity.
func (s *Service) Submit(file FileRef, meta map[string]any, opts Options) (string, error) {
	content, err := os.ReadFile(file.Path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file.Path, err)
	}
	docID := DocID(content)

	if err := s.tracker.MarkQueued(docID, file.Filename()); err != nil {
		return "", err
	}

	select {
	case s.queue <- job{file: file, meta: meta, opts: opts}:
		return docID, nil
	default:
		if err := s.tracker.MarkFailed(docID, ErrQueueFull.Error(), true); err != nil {
			slog.Warn("status queue-full tracking failed",
				slog.String("doc_id", docID), slog.String("error", err.Error()))
		}
		return "", ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight ingests to drain.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}
