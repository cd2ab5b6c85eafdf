// Package store provides the persistent vector store: a SQLite record store
// for embeddings and documents, and one HNSW index per collection over the
// representative vectors.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies which logical collection a record belongs to.
type Kind string

const (
	// KindVisual holds page-image embeddings.
	KindVisual Kind = "visual"
	// KindText holds text-chunk embeddings.
	KindText Kind = "text"
)

// Kinds lists the two collections in a fixed order.
var Kinds = []Kind{KindVisual, KindText}

// ParseKind validates a collection name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVisual, KindText:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown collection kind %q", s)
	}
}

// Record is one stored embedding: a page or a chunk.
// Compressed holds the codec output, version byte included. It is kept as a
// first-class blob, never inside the metadata map.
type Record struct {
	ID             string
	DocID          string
	Kind           Kind
	Representative []float32
	Compressed     []byte
	Meta           Metadata
}

// SearchHit is one Stage-1 retrieval result. Compressed is returned alongside
// metadata so Stage-2 does not need a second round-trip.
type SearchHit struct {
	ID         string
	DocID      string
	Kind       Kind
	Distance   float32
	Meta       Metadata
	Compressed []byte
}

// FilterOp enumerates the supported metadata predicates.
type FilterOp string

const (
	FilterEq      FilterOp = "eq"
	FilterIn      FilterOp = "in"
	FilterBetween FilterOp = "between"
)

// Filter is a single predicate over a top-level metadata key. A search's
// filter list is a conjunction. Predicates over keys absent on a record
// exclude that record.
type Filter struct {
	Key    string
	Op     FilterOp
	Values []any
}

// Eq builds an equality predicate.
func Eq(key string, value any) Filter {
	return Filter{Key: key, Op: FilterEq, Values: []any{value}}
}

// In builds a set-membership predicate.
func In(key string, values ...any) Filter {
	return Filter{Key: key, Op: FilterIn, Values: values}
}

// Between builds an inclusive range predicate over numeric values.
func Between(key string, lo, hi any) Filter {
	return Filter{Key: key, Op: FilterBetween, Values: []any{lo, hi}}
}

// Matches evaluates the predicate against a record's metadata.
func (f Filter) Matches(meta Metadata) bool {
	v, ok := meta[f.Key]
	if !ok {
		return false
	}

	switch f.Op {
	case FilterEq:
		return len(f.Values) == 1 && scalarEqual(v, f.Values[0])
	case FilterIn:
		for _, want := range f.Values {
			if scalarEqual(v, want) {
				return true
			}
		}
		return false
	case FilterBetween:
		if len(f.Values) != 2 {
			return false
		}
		x, ok := asFloat(v)
		if !ok {
			return false
		}
		lo, okLo := asFloat(f.Values[0])
		hi, okHi := asFloat(f.Values[1])
		return okLo && okHi && x >= lo && x <= hi
	default:
		return false
	}
}

// MatchesAll evaluates a conjunction of predicates.
func MatchesAll(filters []Filter, meta Metadata) bool {
	for _, f := range filters {
		if !f.Matches(meta) {
			return false
		}
	}
	return true
}

// scalarEqual compares two metadata scalars, treating all numeric types as
// equal when their values are.
func scalarEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	return a == b
}

// asFloat widens any numeric scalar to float64.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// DocSort enumerates document listing orders.
type DocSort string

const (
	DocSortAddedDesc DocSort = "added_desc"
	DocSortNameAsc   DocSort = "name_asc"
	DocSortPagesDesc DocSort = "pages_desc"
)

// DocSummary is one row of a document listing.
type DocSummary struct {
	DocID       string
	Filename    string
	VisualCount int
	TextCount   int
	AddedAt     time.Time
}

// Storage errors. The engine degrades per-collection on ErrStorageTimeout
// and surfaces ErrStorageUnavailable after local fallback is exhausted.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageTimeout     = errors.New("storage timeout")
	ErrNotFound           = errors.New("record not found")
)

// ErrDimensionMismatch indicates a representative vector does not match the
// deployment dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
