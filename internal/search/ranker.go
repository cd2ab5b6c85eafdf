package search

import (
	"sort"

	"github.com/docuvec/docuvec/internal/store"
)

// scoredCandidate is one Stage-1 or Stage-2 scored hit awaiting merge.
type scoredCandidate struct {
	hit *store.SearchHit
	raw float64
}

// merge normalizes scores within each collection, merges across collections,
// dedupes by document, and returns the top n results.
//
// Raw MaxSim magnitude depends on query length and collection statistics, so
// cross-collection comparison needs min-max normalization within each
// candidate set. A collection with a single candidate normalizes to 1.0.
func merge(visual, text []scoredCandidate, n int) []*Result {
	candidates := make([]*Result, 0, len(visual)+len(text))
	candidates = append(candidates, normalizeCollection(visual)...)
	candidates = append(candidates, normalizeCollection(text)...)
	if len(candidates) == 0 {
		return []*Result{}
	}

	// Dedupe by document: the best hit wins, the rest become supporting
	// hits on the winner.
	byDoc := make(map[string]*Result)
	var order []string
	for _, c := range candidates {
		best, seen := byDoc[c.DocID]
		if !seen {
			byDoc[c.DocID] = c
			order = append(order, c.DocID)
			continue
		}
		if dedupeRanksBefore(c, best) {
			c.SupportingHits = append(c.SupportingHits, best.SupportingHits...)
			c.SupportingHits = append(c.SupportingHits, asSupporting(best))
			byDoc[c.DocID] = c
		} else {
			best.SupportingHits = append(best.SupportingHits, asSupporting(c))
		}
	}

	results := make([]*Result, 0, len(byDoc))
	for _, docID := range order {
		r := byDoc[docID]
		sort.Slice(r.SupportingHits, func(i, j int) bool {
			return r.SupportingHits[i].Score > r.SupportingHits[j].Score
		})
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return ranksBefore(results[i], results[j])
	})

	if len(results) > n {
		results = results[:n]
	}
	return results
}

// ranksBefore orders results by normalized score descending, then record ID
// ascending so ties are stable across runs.
func ranksBefore(a, b *Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// dedupeRanksBefore picks a document's face among equal-scored hits: a page
// carries more evidence than a chunk excerpt, so visual wins the tie before
// falling back to ID order.
func dedupeRanksBefore(a, b *Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Kind != b.Kind {
		return a.Kind == store.KindVisual
	}
	return a.ID < b.ID
}

// normalizeCollection maps one collection's raw scores to [0,1] via min-max
// over the candidate set itself.
func normalizeCollection(cands []scoredCandidate) []*Result {
	if len(cands) == 0 {
		return nil
	}

	lo, hi := cands[0].raw, cands[0].raw
	for _, c := range cands[1:] {
		if c.raw < lo {
			lo = c.raw
		}
		if c.raw > hi {
			hi = c.raw
		}
	}

	out := make([]*Result, len(cands))
	for i, c := range cands {
		score := 1.0
		if hi > lo {
			score = (c.raw - lo) / (hi - lo)
		}
		out[i] = &Result{
			DocID:     c.hit.DocID,
			ID:        c.hit.ID,
			Kind:      c.hit.Kind,
			Score:     score,
			RawScore:  c.raw,
			Metadata:  presentableMeta(c.hit.Meta),
			Highlight: highlightFor(c.hit),
		}
	}
	return out
}

// asSupporting folds a losing duplicate into a supporting hit.
func asSupporting(r *Result) SupportingHit {
	return SupportingHit{
		Kind:     r.Kind,
		Position: positionOf(r.Kind, r.Metadata),
		Score:    r.Score,
	}
}

// presentableMeta strips storage-internal reserved keys, keeping the
// user-facing ones (filename, page, chunk_index) and all domain keys.
func presentableMeta(meta store.Metadata) store.Metadata {
	hidden := map[string]struct{}{
		store.MetaDocID:      {},
		store.MetaKind:       {},
		store.MetaAddedAt:    {},
		store.MetaFullDim:    {},
		store.MetaFullSeqLen: {},
		store.MetaReprRule:   {},
		store.MetaSnippet:    {},
	}

	out := make(store.Metadata, len(meta))
	for k, v := range meta {
		if _, drop := hidden[k]; drop {
			continue
		}
		out[k] = v
	}
	return out
}

// highlightFor returns the stored excerpt for text hits.
func highlightFor(hit *store.SearchHit) string {
	if hit.Kind != store.KindText {
		return ""
	}
	s, _ := hit.Meta[store.MetaSnippet].(string)
	return s
}

// positionOf extracts the page or chunk index from presentable metadata.
func positionOf(kind Kind, meta store.Metadata) int {
	key := store.MetaPage
	if kind == store.KindText {
		key = store.MetaChunkIndex
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
