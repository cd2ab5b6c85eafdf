// Package scoring implements late-interaction MaxSim scoring between a query
// multi-vector and document multi-vectors.
package scoring

import (
	"fmt"
	"math"

	"github.com/docuvec/docuvec/internal/vector"
)

// ErrDimMismatch indicates query and document token dimensions differ.
// Scoring must never silently degrade on mismatched spaces.
type ErrDimMismatch struct {
	Query    int
	Document int
}

func (e ErrDimMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: query dim %d, document dim %d", e.Query, e.Document)
}

// ErrNonFinite indicates a NaN or Inf was produced while scoring.
type ErrNonFinite struct {
	QueryToken int
}

func (e ErrNonFinite) Error() string {
	return fmt.Sprintf("non-finite similarity at query token %d", e.QueryToken)
}

// NegInf is returned when either side of a MaxSim computation is empty.
// Callers must filter it before ranking.
var NegInf = float32(math.Inf(-1))

// MaxSim computes the late-interaction score between a query and a document:
// for each query token, the maximum dot product against all document tokens,
// summed over query tokens. All vectors are L2-normalized by the embedder, so
// dot product equals cosine. The sum is NOT normalized by query length; the
// ranker handles cross-collection normalization.
//
// Accumulation is in f32 regardless of storage precision.
func MaxSim(q, d *vector.MultiVector) (float32, error) {
	if q == nil || d == nil || q.SeqLen == 0 || d.SeqLen == 0 {
		return NegInf, nil
	}
	if q.Dim != d.Dim {
		return 0, ErrDimMismatch{Query: q.Dim, Document: d.Dim}
	}

	dim := q.Dim
	var total float32
	for i := 0; i < q.SeqLen; i++ {
		qt := q.Data[i*dim : (i+1)*dim]

		best := NegInf
		for j := 0; j < d.SeqLen; j++ {
			dt := d.Data[j*dim : (j+1)*dim]

			var dot float32
			for k := 0; k < dim; k++ {
				dot += qt[k] * dt[k]
			}
			if dot != dot { // NaN
				return 0, ErrNonFinite{QueryToken: i}
			}
			if dot > best {
				best = dot
			}
		}
		total += best
	}

	if math.IsNaN(float64(total)) || math.IsInf(float64(total), 0) {
		return 0, ErrNonFinite{}
	}
	return total, nil
}

// MaxSimBatch scores a query against a list of documents, returning one score
// per document in input order. Equivalent to calling MaxSim per pair; the
// first per-pair error aborts the batch.
func MaxSimBatch(q *vector.MultiVector, docs []*vector.MultiVector) ([]float32, error) {
	scores := make([]float32, len(docs))
	for i, d := range docs {
		s, err := MaxSim(q, d)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		scores[i] = s
	}
	return scores, nil
}
