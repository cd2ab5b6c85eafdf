package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/docuvec/docuvec/internal/vector"
)

// Config configures the vector store.
type Config struct {
	// Dim is the deployment dimension for representative vectors.
	Dim int
	// ReprRule is the deployment-time representative derivation rule.
	// Stored on open; a mismatch with existing data is fatal.
	ReprRule vector.ReprRule
	// MaxMetadataBytes caps serialized metadata size (default 50 KiB).
	MaxMetadataBytes int
	// HNSW tunes the per-collection ANN indexes.
	HNSW HNSWConfig
}

// DefaultConfig returns store defaults for a deployment dimension.
func DefaultConfig(dim int) Config {
	return Config{
		Dim:              dim,
		ReprRule:         vector.ReprFirstToken,
		MaxMetadataBytes: DefaultMaxMetadataBytes,
		HNSW:             DefaultHNSWConfig(dim),
	}
}

// Store is the persistent vector store: two logical collections (visual and
// text), each a primary SQLite mapping plus an HNSW index over representative
// vectors. SQLite is the source of truth; indexes are derived and rebuildable.
type Store struct {
	mu     sync.RWMutex // guards index pointers (snapshot-replace on rebuild)
	db     *RecordStore
	visual *HNSWIndex
	text   *HNSWIndex

	schema *Schema
	config Config
	dir    string
	flk    *flock.Flock
}

const (
	recordsFile     = "records.db"
	visualIndexFile = "visual.hnsw"
	textIndexFile   = "text.hnsw"
	lockFile        = "store.lock"
)

// Open opens the store rooted at dir, creating it if needed. An empty dir
// opens an ephemeral in-memory store for testing. Only one process may hold
// a store open; the data directory is flock-guarded.
func Open(dir string, cfg Config) (*Store, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("store: non-positive dimension %d", cfg.Dim)
	}
	if cfg.ReprRule == "" {
		cfg.ReprRule = vector.ReprFirstToken
	}
	if cfg.HNSW.Dim == 0 {
		cfg.HNSW = DefaultHNSWConfig(cfg.Dim)
	}

	s := &Store{
		schema: NewSchema(cfg.MaxMetadataBytes),
		config: cfg,
		dir:    dir,
	}

	dbPath := ""
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create store directory: %v", ErrStorageUnavailable, err)
		}
		s.flk = flock.New(filepath.Join(dir, lockFile))
		locked, err := s.flk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire store lock: %v", ErrStorageUnavailable, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: store directory %s is locked by another process", ErrStorageUnavailable, dir)
		}
		dbPath = filepath.Join(dir, recordsFile)
	}

	db, err := OpenRecordStore(dbPath)
	if err != nil {
		s.unlock()
		return nil, err
	}
	s.db = db

	if err := s.checkDeployment(context.Background()); err != nil {
		db.Close()
		s.unlock()
		return nil, err
	}

	if err := s.openIndexes(context.Background()); err != nil {
		db.Close()
		s.unlock()
		return nil, err
	}

	return s, nil
}

// checkDeployment pins dimension and repr rule on first open and rejects a
// store created under different deployment constants.
func (s *Store) checkDeployment(ctx context.Context) error {
	storedDim, err := s.db.GetState(ctx, StateKeyDimension)
	if err != nil {
		return err
	}
	if storedDim == "" {
		if err := s.db.SetState(ctx, StateKeyDimension, strconv.Itoa(s.config.Dim)); err != nil {
			return err
		}
		return s.db.SetState(ctx, StateKeyReprRule, string(s.config.ReprRule))
	}

	dim, err := strconv.Atoi(storedDim)
	if err != nil {
		return fmt.Errorf("invalid stored dimension %q", storedDim)
	}
	if dim != s.config.Dim {
		return ErrDimensionMismatch{Expected: dim, Got: s.config.Dim}
	}

	storedRule, err := s.db.GetState(ctx, StateKeyReprRule)
	if err != nil {
		return err
	}
	if storedRule != "" && storedRule != string(s.config.ReprRule) {
		return fmt.Errorf("store was built with repr rule %q, configured %q: rebuild required", storedRule, s.config.ReprRule)
	}
	return nil
}

// openIndexes loads the persisted HNSW graphs, falling back to a rebuild
// from records when files are missing or corrupt.
func (s *Store) openIndexes(ctx context.Context) error {
	for _, kind := range Kinds {
		ix, err := NewHNSWIndex(s.config.HNSW)
		if err != nil {
			return err
		}

		if s.dir != "" {
			path := s.indexPath(kind)
			if _, statErr := os.Stat(path); statErr == nil {
				if loadErr := ix.Load(path); loadErr != nil {
					slog.Warn("index load failed, rebuilding from records",
						slog.String("kind", string(kind)),
						slog.String("error", loadErr.Error()))
					ix, err = NewHNSWIndex(s.config.HNSW)
					if err != nil {
						return err
					}
					if err := s.populateIndex(ctx, ix, kind); err != nil {
						return err
					}
				}
			} else {
				if err := s.populateIndex(ctx, ix, kind); err != nil {
					return err
				}
			}
		}

		s.setIndex(kind, ix)
	}
	return nil
}

func (s *Store) indexPath(kind Kind) string {
	if kind == KindVisual {
		return filepath.Join(s.dir, visualIndexFile)
	}
	return filepath.Join(s.dir, textIndexFile)
}

func (s *Store) populateIndex(ctx context.Context, ix *HNSWIndex, kind Kind) error {
	return s.db.IterRecords(ctx, kind, func(rec *Record) error {
		return ix.Add(rec.ID, rec.Representative)
	})
}

func (s *Store) setIndex(kind Kind, ix *HNSWIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindVisual {
		s.visual = ix
	} else {
		s.text = ix
	}
}

func (s *Store) index(kind Kind) *HNSWIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == KindVisual {
		return s.visual
	}
	return s.text
}

// Put validates and stores one record, then inserts its representative into
// the collection index. Overwrites an existing ID.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	if len(rec.Representative) != s.config.Dim {
		return ErrDimensionMismatch{Expected: s.config.Dim, Got: len(rec.Representative)}
	}
	if _, err := ParseKind(string(rec.Kind)); err != nil {
		return err
	}
	if err := s.schema.Validate(rec.Kind, rec.Meta); err != nil {
		return err
	}
	if docID, _ := rec.Meta[MetaDocID].(string); docID != rec.DocID {
		return ValidationError{Key: MetaDocID, Reason: "does not match record doc_id"}
	}
	if len(rec.Compressed) == 0 {
		return fmt.Errorf("%w: record %s has no compressed payload", vector.ErrCorruptEmbedding, rec.ID)
	}

	if err := s.db.Put(ctx, rec); err != nil {
		return err
	}
	return s.index(rec.Kind).Add(rec.ID, rec.Representative)
}

// Search runs Stage-1 retrieval on one collection: ANN over representatives
// with predicate filtering, ordered by distance then ID ascending. Results
// carry metadata and the compressed full multi-vector.
func (s *Store) Search(ctx context.Context, kind Kind, query []float32, k int, filters []Filter) ([]*SearchHit, error) {
	if k < 1 {
		return nil, fmt.Errorf("search: k must be >= 1, got %d", k)
	}
	if len(query) != s.config.Dim {
		return nil, ErrDimensionMismatch{Expected: s.config.Dim, Got: len(query)}
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}

	ix := s.index(kind)

	// Over-fetch when filtering: predicates are applied to the ANN candidate
	// stream, so pull extra neighbors to keep recall up.
	fetch := k
	if len(filters) > 0 {
		fetch = k*4 + 16
	}

	hits, err := ix.Search(query, fetch)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []*SearchHit{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	records, err := s.db.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*SearchHit, 0, k)
	for _, h := range hits {
		rec, ok := records[h.ID]
		if !ok {
			// Deleted between index lookup and enrichment; skip.
			continue
		}
		if !MatchesAll(filters, rec.Meta) {
			continue
		}
		out = append(out, &SearchHit{
			ID:         rec.ID,
			DocID:      rec.DocID,
			Kind:       rec.Kind,
			Distance:   h.Distance,
			Meta:       rec.Meta,
			Compressed: rec.Compressed,
		})
		if len(out) == k {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})

	if err := ctx.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// GetFull returns the stored record, compressed payload included, exactly as
// written.
func (s *Store) GetFull(ctx context.Context, id string) (*Record, error) {
	return s.db.Get(ctx, id)
}

// DeleteByDoc removes every record owned by a document from both collections.
// Once it returns, no subsequent query observes any of the records.
func (s *Store) DeleteByDoc(ctx context.Context, docID string) (int, error) {
	ids, err := s.db.DeleteByDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	for _, kind := range Kinds {
		s.index(kind).Delete(ids)
	}
	return len(ids), nil
}

// DeleteByDocExcept sweeps a document's stale records after a replace
// ingest: records whose ID is not in keep are removed.
func (s *Store) DeleteByDocExcept(ctx context.Context, docID string, keep map[string]struct{}) (int, error) {
	ids, err := s.db.DeleteByDocExcept(ctx, docID, keep)
	if err != nil {
		return 0, err
	}
	for _, kind := range Kinds {
		s.index(kind).Delete(ids)
	}
	return len(ids), nil
}

// Count returns the exact number of records matching kind and filters.
func (s *Store) Count(ctx context.Context, kind Kind, filters []Filter) (int, error) {
	return s.db.Count(ctx, kind, filters)
}

// ListDocs returns a page of document summaries.
func (s *Store) ListDocs(ctx context.Context, limit, offset int, sort DocSort) ([]*DocSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListDocs(ctx, limit, offset, sort)
}

// GetDoc returns one document summary.
func (s *Store) GetDoc(ctx context.Context, docID string) (*DocSummary, error) {
	return s.db.GetDoc(ctx, docID)
}

// HasDoc reports whether a document exists.
func (s *Store) HasDoc(ctx context.Context, docID string) (bool, error) {
	return s.db.HasDoc(ctx, docID)
}

// Records exposes the underlying record store for status rebuild and
// consistency checking.
func (s *Store) Records() *RecordStore {
	return s.db
}

// Dim returns the deployment dimension.
func (s *Store) Dim() int {
	return s.config.Dim
}

// ReprRule returns the deployment representative rule.
func (s *Store) ReprRule() vector.ReprRule {
	return s.config.ReprRule
}

// RebuildIndex reconstructs one collection's ANN index from stored records
// and atomically swaps it in. This is the recovery path for corrupt index
// files and the compaction path for orphaned nodes.
func (s *Store) RebuildIndex(ctx context.Context, kind Kind) error {
	ix, err := NewHNSWIndex(s.config.HNSW)
	if err != nil {
		return err
	}
	if err := s.populateIndex(ctx, ix, kind); err != nil {
		return err
	}
	s.setIndex(kind, ix)
	return nil
}

// Save persists both HNSW indexes. The SQLite store is durable on write.
func (s *Store) Save() error {
	if s.dir == "" {
		return nil
	}
	var errs []error
	for _, kind := range Kinds {
		if err := s.index(kind).Save(s.indexPath(kind)); err != nil {
			errs = append(errs, fmt.Errorf("save %s index: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close saves indexes, closes the database, and releases the lock.
func (s *Store) Close() error {
	var errs []error
	if err := s.Save(); err != nil {
		errs = append(errs, err)
	}
	for _, kind := range Kinds {
		if err := s.index(kind).Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	s.unlock()
	return errors.Join(errs...)
}

func (s *Store) unlock() {
	if s.flk != nil {
		if err := s.flk.Unlock(); err != nil {
			slog.Warn("release store lock", slog.String("error", err.Error()))
		}
	}
}
