package store

import (
	"context"
	"sort"
)

// ConsistencyReport describes drift between the record store and one
// collection's ANN index.
type ConsistencyReport struct {
	Kind Kind
	// MissingFromIndex are record IDs with no live index entry.
	MissingFromIndex []string
	// OrphanedInIndex are index IDs with no backing record.
	OrphanedInIndex []string
	// LazyDeletedNodes counts graph nodes pending compaction.
	LazyDeletedNodes int
}

// Clean reports whether records and index agree.
func (r *ConsistencyReport) Clean() bool {
	return len(r.MissingFromIndex) == 0 && len(r.OrphanedInIndex) == 0
}

// CheckConsistency compares stored records against the live index membership
// for one collection. SQLite is the source of truth: missing entries mean the
// index needs a rebuild, orphans are harmless until compaction.
func (s *Store) CheckConsistency(ctx context.Context, kind Kind) (*ConsistencyReport, error) {
	recordIDs, err := s.db.AllIDs(ctx, kind)
	if err != nil {
		return nil, err
	}

	ix := s.index(kind)
	indexIDs := ix.AllIDs()

	inRecords := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		inRecords[id] = struct{}{}
	}
	inIndex := make(map[string]struct{}, len(indexIDs))
	for _, id := range indexIDs {
		inIndex[id] = struct{}{}
	}

	report := &ConsistencyReport{Kind: kind, LazyDeletedNodes: ix.Orphans()}
	for _, id := range recordIDs {
		if _, ok := inIndex[id]; !ok {
			report.MissingFromIndex = append(report.MissingFromIndex, id)
		}
	}
	for _, id := range indexIDs {
		if _, ok := inRecords[id]; !ok {
			report.OrphanedInIndex = append(report.OrphanedInIndex, id)
		}
	}
	sort.Strings(report.MissingFromIndex)
	sort.Strings(report.OrphanedInIndex)

	return report, nil
}
