package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/docuvec/docuvec/internal/embed"
	"github.com/docuvec/docuvec/internal/scoring"
	"github.com/docuvec/docuvec/internal/store"
	"github.com/docuvec/docuvec/internal/vector"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Storage is the slice of the vector store the engine needs for Stage-1.
// *store.Store satisfies it; tests inject failing fakes.
type Storage interface {
	Search(ctx context.Context, kind store.Kind, query []float32, k int, filters []store.Filter) ([]*store.SearchHit, error)
	Dim() int
	ReprRule() vector.ReprRule
}

// Engine runs the two-stage search pipeline over the vector store.
// Concurrent Search calls are independent; the only shared mutable state is
// the rolling statistics window.
type Engine struct {
	store  Storage
	proc   *Processor
	config Config
	stats  *statsRing
	sem    *semaphore.Weighted
}

// NewEngine creates a search engine bound to a store and an embedder.
func NewEngine(st Storage, embedder embed.Embedder, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}

	defaults := DefaultConfig()
	if cfg.Stage1Candidates <= 0 {
		cfg.Stage1Candidates = defaults.Stage1Candidates
	}
	if cfg.Stage1Timeout <= 0 {
		cfg.Stage1Timeout = defaults.Stage1Timeout
	}
	if cfg.Stage2Timeout <= 0 {
		cfg.Stage2Timeout = defaults.Stage2Timeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = defaults.TotalTimeout
	}
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = defaults.DefaultResults
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.MaxQueryTokens <= 0 {
		cfg.MaxQueryTokens = defaults.MaxQueryTokens
	}
	if cfg.QueryWorkers <= 0 {
		cfg.QueryWorkers = defaults.QueryWorkers
	}

	return &Engine{
		store:  st,
		proc:   NewProcessor(embedder, st.Dim(), st.ReprRule(), cfg.MaxQueryTokens),
		config: cfg,
		stats:  newStatsRing(),
		sem:    semaphore.NewWeighted(int64(cfg.QueryWorkers)),
	}, nil
}

// Search runs the pipeline: query processing, Stage-1 representative
// retrieval per collection, optional Stage-2 MaxSim re-rank, then merge.
// Stages run in declared order within a call; a cancellation aborts at the
// next stage boundary with no state change.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	// Fixed-size admission pool for the query path.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	n := req.NResults
	if n <= 0 {
		n = e.config.DefaultResults
	}
	if n > e.config.MaxResults {
		n = e.config.MaxResults
	}

	// RerankCandidates == 0 on an explicit re-rank request means no
	// re-ranking at all; the Stage-1 depth falls back to the default.
	rerank := req.EnableRerank && req.RerankCandidates != 0
	depth := req.RerankCandidates
	if depth <= 0 {
		depth = e.config.Stage1Candidates
	}
	if depth < n {
		depth = n
	}

	ctx, cancel := context.WithTimeout(ctx, pickTimeout(req.Timeout, e.config.TotalTimeout))
	defer cancel()

	fullQ, reprQ, err := e.proc.Process(ctx, req.Query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	// Stage 1: representative retrieval, collections in parallel.
	stage1Start := time.Now()
	kinds := mode.kinds()
	hitsByKind := make([][]*store.SearchHit, len(kinds))
	errByKind := make([]error, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			cctx, ccancel := context.WithTimeout(gctx, pickTimeout(req.Stage1Timeout, e.config.Stage1Timeout))
			defer ccancel()

			hits, searchErr := e.store.Search(cctx, kind, reprQ, depth, req.Filters)
			if searchErr != nil {
				// A failed collection degrades the response; it must not
				// cancel its sibling.
				errByKind[i] = searchErr
				return nil
			}
			hitsByKind[i] = hits
			return nil
		})
	}
	_ = g.Wait()
	stage1Time := time.Since(stage1Start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var degraded bool
	var failed int
	var stage1Errs []error
	for i, kindErr := range errByKind {
		if kindErr == nil {
			continue
		}
		failed++
		stage1Errs = append(stage1Errs, fmt.Errorf("%s: %w", kinds[i], kindErr))
		slog.Warn("stage-1 retrieval failed for collection",
			slog.String("kind", string(kinds[i])),
			slog.String("error", kindErr.Error()))
	}
	if failed == len(kinds) && failed > 0 {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, errors.Join(stage1Errs...))
	}
	degraded = failed > 0

	var candidates int
	for _, hits := range hitsByKind {
		candidates += len(hits)
	}

	// Stage 2: exact MaxSim re-rank over the candidate set.
	stage2Start := time.Now()
	scoredByKind := make(map[store.Kind][]scoredCandidate, len(kinds))
	var reranked int

	if rerank && candidates > 0 {
		stage2Ctx, s2cancel := context.WithTimeout(ctx, pickTimeout(req.Stage2Timeout, e.config.Stage2Timeout))

		var scoringDrops int
	rerankLoop:
		for i, kind := range kinds {
			for _, hit := range hitsByKind[i] {
				if stage2Ctx.Err() != nil {
					// Timeout mid-rerank: keep what is scored, flag the
					// response as degraded.
					degraded = true
					break rerankLoop
				}

				mv, decErr := vector.Decompress(hit.Compressed)
				if decErr != nil {
					slog.Warn("dropping corrupt candidate",
						slog.String("id", hit.ID),
						slog.String("error", decErr.Error()))
					continue
				}

				score, scoreErr := scoring.MaxSim(fullQ, mv)
				if scoreErr != nil {
					scoringDrops++
					slog.Warn("dropping candidate with scoring error",
						slog.String("id", hit.ID),
						slog.String("error", scoreErr.Error()))
					continue
				}
				if math.IsInf(float64(score), -1) {
					continue
				}

				scoredByKind[kind] = append(scoredByKind[kind], scoredCandidate{hit: hit, raw: float64(score)})
				reranked++
			}
		}
		s2cancel()

		if reranked == 0 && scoringDrops > 0 {
			return nil, fmt.Errorf("%w: %d candidates dropped", ErrRerank, scoringDrops)
		}
	} else {
		// Fallback: rank by Stage-1 cosine distance converted to a score.
		for i, kind := range kinds {
			for _, hit := range hitsByKind[i] {
				scoredByKind[kind] = append(scoredByKind[kind], scoredCandidate{
					hit: hit,
					raw: 1.0 - float64(hit.Distance),
				})
			}
		}
	}
	stage2Time := time.Since(stage2Start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	results := merge(scoredByKind[store.KindVisual], scoredByKind[store.KindText], n)

	totalTime := time.Since(start)
	e.stats.record(queryLatency{stage1: stage1Time, stage2: stage2Time, total: totalTime})

	return &Response{
		Results:             results,
		TotalResults:        len(results),
		Query:               req.Query,
		Mode:                mode,
		Stage1Time:          stage1Time,
		Stage2Time:          stage2Time,
		TotalTime:           totalTime,
		CandidatesRetrieved: candidates,
		RerankedCount:       reranked,
		Degraded:            degraded,
	}, nil
}

// Stats returns the rolling latency snapshot.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

func pickTimeout(override, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return fallback
}
