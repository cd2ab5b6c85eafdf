// Package search implements the two-stage retrieval pipeline: approximate
// Stage-1 over representative vectors, exact MaxSim re-rank over the
// candidate set, and cross-collection merge.
package search

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/docuvec/docuvec/internal/store"
)

// Mode selects which collections a search covers.
type Mode string

const (
	ModeHybrid     Mode = "hybrid"
	ModeVisualOnly Mode = "visual_only"
	ModeTextOnly   Mode = "text_only"
)

// ParseMode validates a mode string; empty defaults to hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeHybrid, "":
		return ModeHybrid, nil
	case ModeVisualOnly, ModeTextOnly:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// kinds maps a mode to the collections it queries.
func (m Mode) kinds() []store.Kind {
	switch m {
	case ModeVisualOnly:
		return []store.Kind{store.KindVisual}
	case ModeTextOnly:
		return []store.Kind{store.KindText}
	default:
		return store.Kinds
	}
}

// Request is one search call.
type Request struct {
	// Query is the natural-language query text.
	Query string
	// NResults caps returned results (default 10).
	NResults int
	// Mode selects collections (default hybrid).
	Mode Mode
	// Filters restrict Stage-1 retrieval (conjunction of predicates).
	Filters []store.Filter
	// EnableRerank turns Stage-2 MaxSim re-ranking on (default in callers).
	EnableRerank bool
	// RerankCandidates is the Stage-1 depth when re-ranking; it is clamped
	// up to NResults. Zero with EnableRerank is equivalent to no re-rank.
	RerankCandidates int
	// Stage1Timeout, Stage2Timeout, Timeout override config defaults when
	// non-zero.
	Stage1Timeout time.Duration
	Stage2Timeout time.Duration
	Timeout       time.Duration
}

// SupportingHit is a further hit on an already-returned document.
type SupportingHit struct {
	Kind Kind
	// Position is the 1-indexed page for visual hits, the 0-indexed chunk
	// for text hits.
	Position int
	Score    float64
}

// Kind aliases the store collection kind for response shaping.
type Kind = store.Kind

// Result is one ranked document.
type Result struct {
	DocID string
	// ID is the best-scoring record's ID (ties prefer the visual hit, then the
	// lexicographically smaller ID).
	ID   string
	Kind Kind
	// Score is normalized to [0,1] within the result's collection.
	Score float64
	// RawScore is the unnormalized MaxSim sum (or Stage-1 similarity when
	// re-ranking is off).
	RawScore float64
	// Metadata carries non-reserved keys plus filename and page/chunk_index.
	Metadata store.Metadata
	// SupportingHits lists further hits on the same document, best first.
	SupportingHits []SupportingHit
	// Highlight is an optional excerpt for text hits.
	Highlight string
}

// Response is the assembled answer to one search call.
type Response struct {
	Results      []*Result
	TotalResults int
	Query        string
	Mode         Mode

	Stage1Time time.Duration
	Stage2Time time.Duration
	TotalTime  time.Duration

	CandidatesRetrieved int
	RerankedCount       int

	// Degraded is set when a collection failed or a stage timed out and the
	// response covers only part of the corpus.
	Degraded bool
}

// Config tunes the search engine.
type Config struct {
	// Stage1Candidates is the default Stage-1 depth (default 100).
	Stage1Candidates int
	// Stage1Timeout bounds each collection's Stage-1 call (default 200ms).
	Stage1Timeout time.Duration
	// Stage2Timeout bounds the re-rank pass (default 150ms).
	Stage2Timeout time.Duration
	// TotalTimeout bounds the whole call (default 500ms).
	TotalTimeout time.Duration
	// DefaultResults is used when a request has no NResults (default 10).
	DefaultResults int
	// MaxResults caps NResults (default 100).
	MaxResults int
	// MaxQueryTokens is the whitespace-token budget before truncation
	// (default 512).
	MaxQueryTokens int
	// QueryWorkers bounds concurrent Search calls
	// (default min(GOMAXPROCS, 8)).
	QueryWorkers int
}

// DefaultConfig returns the standard deployment defaults.
func DefaultConfig() Config {
	workers := runtime.GOMAXPROCS(0)
	if workers > 8 {
		workers = 8
	}
	return Config{
		Stage1Candidates: 100,
		Stage1Timeout:    200 * time.Millisecond,
		Stage2Timeout:    150 * time.Millisecond,
		TotalTimeout:     500 * time.Millisecond,
		DefaultResults:   10,
		MaxResults:       100,
		MaxQueryTokens:   512,
		QueryWorkers:     workers,
	}
}

// Search errors.
var (
	// ErrEmptyQuery rejects blank queries.
	ErrEmptyQuery = errors.New("empty query")
	// ErrQueryTooLong rejects queries beyond any reasonable budget.
	ErrQueryTooLong = errors.New("query too long")
	// ErrRetrieval is surfaced when every requested collection failed.
	ErrRetrieval = errors.New("retrieval failed in all collections")
	// ErrRerank is surfaced when scoring dropped every candidate.
	ErrRerank = errors.New("re-ranking dropped all candidates")
)
