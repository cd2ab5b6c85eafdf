package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// State keys persisted in the record store. Used to detect deployment
// mismatches (dimension or repr-rule change) on open.
const (
	StateKeyDimension = "deployment_dim"
	StateKeyReprRule  = "repr_rule"
)

// RecordStore persists embedding records and document rows in SQLite.
// It is the source of truth; the HNSW indexes are derived and rebuildable.
type RecordStore struct {
	db   *sql.DB
	path string
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	doc_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	repr       BLOB NOT NULL,
	compressed BLOB NOT NULL,
	meta       TEXT NOT NULL,
	added_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_doc  ON records(doc_id);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

CREATE TABLE IF NOT EXISTS documents (
	doc_id   TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	added_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenRecordStore opens (or creates) the SQLite store at path.
// An empty path opens an in-memory store for testing.
func OpenRecordStore(path string) (*RecordStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data directory: %v", ErrStorageUnavailable, err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStorageUnavailable, err)
	}
	// The in-memory database lives per connection.
	if path == "" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(recordSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrStorageUnavailable, err)
	}

	return &RecordStore{db: db, path: path}, nil
}

// Put upserts a record and its owning document row in one transaction.
// Readers observe old or new, never partial state.
func (rs *RecordStore) Put(ctx context.Context, rec *Record) error {
	metaJSON, err := json.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	addedAt, _ := asFloat(rec.Meta[MetaAddedAt])

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (id, doc_id, kind, repr, compressed, meta, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doc_id = excluded.doc_id,
			kind = excluded.kind,
			repr = excluded.repr,
			compressed = excluded.compressed,
			meta = excluded.meta,
			added_at = excluded.added_at`,
		rec.ID, rec.DocID, string(rec.Kind),
		encodeRepr(rec.Representative), rec.Compressed, string(metaJSON), int64(addedAt),
	); err != nil {
		return storageErr(err)
	}

	filename, _ := rec.Meta[MetaFilename].(string)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, filename, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET filename = excluded.filename`,
		rec.DocID, filename, int64(addedAt),
	); err != nil {
		return storageErr(err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

// Get returns one record by ID, ErrNotFound if absent.
func (rs *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	row := rs.db.QueryRowContext(ctx, `
		SELECT id, doc_id, kind, repr, compressed, meta FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// GetBatch returns the subset of requested records that exist, keyed by ID.
func (rs *RecordStore) GetBatch(ctx context.Context, ids []string) (map[string]*Record, error) {
	if len(ids) == 0 {
		return map[string]*Record{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := rs.db.QueryContext(ctx, `
		SELECT id, doc_id, kind, repr, compressed, meta FROM records
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	out := make(map[string]*Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// DeleteByDoc removes every record of a document plus its document row,
// returning the deleted record IDs. Atomic: one transaction.
func (rs *RecordStore) DeleteByDoc(ctx context.Context, docID string) ([]string, error) {
	return rs.deleteByDoc(ctx, docID, nil, true)
}

// DeleteByDocExcept removes a document's records whose ID is not in keep.
// Used for idempotent replace: new records are put first, stale ones swept
// after. The document row survives.
func (rs *RecordStore) DeleteByDocExcept(ctx context.Context, docID string, keep map[string]struct{}) ([]string, error) {
	return rs.deleteByDoc(ctx, docID, keep, false)
}

func (rs *RecordStore) deleteByDoc(ctx context.Context, docID string, keep map[string]struct{}, dropDoc bool) ([]string, error) {
	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM records WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, storageErr(err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr(err)
		}
		if _, kept := keep[id]; !kept {
			doomed = append(doomed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return nil, storageErr(err)
		}
	}
	if dropDoc {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
			return nil, storageErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return doomed, nil
}

// Count returns the exact number of records of a kind matching the filters.
func (rs *RecordStore) Count(ctx context.Context, kind Kind, filters []Filter) (int, error) {
	if len(filters) == 0 {
		var n int
		err := rs.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE kind = ?`, string(kind)).Scan(&n)
		if err != nil {
			return 0, storageErr(err)
		}
		return n, nil
	}

	rows, err := rs.db.QueryContext(ctx, `SELECT meta FROM records WHERE kind = ?`, string(kind))
	if err != nil {
		return 0, storageErr(err)
	}
	defer rows.Close()

	var n int
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return 0, storageErr(err)
		}
		meta, err := decodeMeta(metaJSON)
		if err != nil {
			return 0, err
		}
		if MatchesAll(filters, meta) {
			n++
		}
	}
	return n, rows.Err()
}

// ListDocs returns a page of document summaries in a deterministic order.
func (rs *RecordStore) ListDocs(ctx context.Context, limit, offset int, sort DocSort) ([]*DocSummary, error) {
	var order string
	switch sort {
	case DocSortNameAsc:
		order = "d.filename ASC, d.doc_id ASC"
	case DocSortPagesDesc:
		order = "visual_count DESC, d.doc_id ASC"
	case DocSortAddedDesc, "":
		order = "d.added_at DESC, d.doc_id ASC"
	default:
		return nil, fmt.Errorf("unknown document sort %q", sort)
	}

	rows, err := rs.db.QueryContext(ctx, `
		SELECT d.doc_id, d.filename, d.added_at,
			COALESCE(SUM(CASE WHEN r.kind = 'visual' THEN 1 ELSE 0 END), 0) AS visual_count,
			COALESCE(SUM(CASE WHEN r.kind = 'text' THEN 1 ELSE 0 END), 0) AS text_count
		FROM documents d
		LEFT JOIN records r ON r.doc_id = d.doc_id
		GROUP BY d.doc_id
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []*DocSummary
	for rows.Next() {
		var s DocSummary
		var addedAt int64
		if err := rows.Scan(&s.DocID, &s.Filename, &addedAt, &s.VisualCount, &s.TextCount); err != nil {
			return nil, storageErr(err)
		}
		s.AddedAt = time.Unix(addedAt, 0).UTC()
		out = append(out, &s)
	}
	return out, rows.Err()
}

// GetDoc returns one document summary, ErrNotFound if absent.
func (rs *RecordStore) GetDoc(ctx context.Context, docID string) (*DocSummary, error) {
	row := rs.db.QueryRowContext(ctx, `
		SELECT d.doc_id, d.filename, d.added_at,
			COALESCE(SUM(CASE WHEN r.kind = 'visual' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN r.kind = 'text' THEN 1 ELSE 0 END), 0)
		FROM documents d
		LEFT JOIN records r ON r.doc_id = d.doc_id
		WHERE d.doc_id = ?
		GROUP BY d.doc_id`, docID)

	var s DocSummary
	var addedAt int64
	err := row.Scan(&s.DocID, &s.Filename, &addedAt, &s.VisualCount, &s.TextCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	s.AddedAt = time.Unix(addedAt, 0).UTC()
	return &s, nil
}

// HasDoc reports whether a document row exists.
func (rs *RecordStore) HasDoc(ctx context.Context, docID string) (bool, error) {
	var n int
	err := rs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE doc_id = ?`, docID).Scan(&n)
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

// IterRecords streams every record of a kind, for index rebuild and
// consistency checks.
func (rs *RecordStore) IterRecords(ctx context.Context, kind Kind, fn func(*Record) error) error {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT id, doc_id, kind, repr, compressed, meta FROM records WHERE kind = ? ORDER BY id`,
		string(kind))
	if err != nil {
		return storageErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// AllIDs returns every record ID of a kind.
func (rs *RecordStore) AllIDs(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := rs.db.QueryContext(ctx,
		`SELECT id FROM records WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetState reads a state value; empty string if unset.
func (rs *RecordStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := rs.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr(err)
	}
	return value, nil
}

// SetState writes a state value.
func (rs *RecordStore) SetState(ctx context.Context, key, value string) error {
	_, err := rs.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// Close closes the underlying database.
func (rs *RecordStore) Close() error {
	return rs.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind, metaJSON string
	var reprBlob []byte
	if err := row.Scan(&rec.ID, &rec.DocID, &kind, &reprBlob, &rec.Compressed, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr(err)
	}
	rec.Kind = Kind(kind)
	rec.Representative = decodeRepr(reprBlob)

	meta, err := decodeMeta(metaJSON)
	if err != nil {
		return nil, err
	}
	rec.Meta = meta
	return &rec, nil
}

// encodeRepr packs a float32 vector to little-endian bytes.
func encodeRepr(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// decodeRepr unpacks a little-endian float32 vector.
func decodeRepr(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// decodeMeta parses stored metadata, keeping integer values as int64 rather
// than float64 so reserved keys round-trip with their scalar type.
func decodeMeta(metaJSON string) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(metaJSON)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	meta := make(Metadata, len(raw))
	for k, v := range raw {
		if num, ok := v.(json.Number); ok {
			if i, err := num.Int64(); err == nil {
				meta[k] = i
				continue
			}
			f, err := num.Float64()
			if err != nil {
				return nil, fmt.Errorf("decode metadata key %q: %w", k, err)
			}
			meta[k] = f
			continue
		}
		meta[k] = v
	}
	return meta, nil
}

// storageErr classifies a driver error into the storage taxonomy.
func storageErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
