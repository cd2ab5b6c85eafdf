package store

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWConfig tunes one collection's ANN index.
type HNSWConfig struct {
	// Dim is the representative vector dimension (deployment constant).
	Dim int
	// M is the max connections per layer (default: 16).
	M int
	// EfSearch is the query-time search width (default: 64).
	EfSearch int
}

// DefaultHNSWConfig returns sensible index parameters for a dimension.
func DefaultHNSWConfig(dim int) HNSWConfig {
	return HNSWConfig{Dim: dim, M: 16, EfSearch: 64}
}

// HNSWIndex is a concurrent-reader, single-writer ANN index over
// representative vectors, backed by coder/hnsw. Deletes are lazy: the node
// stays in the graph but is dropped from the ID mappings, so it can never
// appear in results. Compaction is a rebuild from stored records.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

// IndexHit is one ANN neighbor: cosine distance, lower is closer.
type IndexHit struct {
	ID       string
	Distance float32
}

// hnswSidecar persists the ID mappings next to the exported graph.
type hnswSidecar struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex creates an empty index with cosine distance.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("hnsw index: non-positive dimension %d", cfg.Dim)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts or replaces one vector. Replacement orphans the previous graph
// node rather than deleting it; readers see old or new, never both.
func (ix *HNSWIndex) Add(id string, vec []float32) error {
	if len(vec) != ix.config.Dim {
		return ErrDimensionMismatch{Expected: ix.config.Dim, Got: len(vec)}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("hnsw index is closed")
	}

	if existingKey, exists := ix.idMap[id]; exists {
		delete(ix.keyMap, existingKey)
		delete(ix.idMap, id)
	}

	key := ix.nextKey
	ix.nextKey++

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeIndexVector(normalized)

	ix.graph.Add(hnsw.MakeNode(key, normalized))
	ix.idMap[id] = key
	ix.keyMap[key] = id

	return nil
}

// Search returns up to k nearest neighbors by cosine distance.
// An empty index yields an empty slice, not an error.
func (ix *HNSWIndex) Search(query []float32, k int) ([]IndexHit, error) {
	if len(query) != ix.config.Dim {
		return nil, ErrDimensionMismatch{Expected: ix.config.Dim, Got: len(query)}
	}
	if k < 1 {
		return nil, fmt.Errorf("hnsw search: k must be >= 1, got %d", k)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return nil, fmt.Errorf("hnsw index is closed")
	}
	if ix.graph.Len() == 0 {
		return []IndexHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeIndexVector(normalized)

	// Over-fetch to compensate for lazily deleted nodes still in the graph.
	fetch := k + (ix.graph.Len() - len(ix.idMap))
	nodes := ix.graph.Search(normalized, fetch)

	hits := make([]IndexHit, 0, k)
	for _, node := range nodes {
		id, live := ix.keyMap[node.Key]
		if !live {
			continue
		}
		hits = append(hits, IndexHit{
			ID:       id,
			Distance: ix.graph.Distance(normalized, node.Value),
		})
		if len(hits) == k {
			break
		}
	}

	return hits, nil
}

// Delete removes vectors by ID (lazy: graph nodes are orphaned).
func (ix *HNSWIndex) Delete(ids []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return
	}
	for _, id := range ids {
		if key, exists := ix.idMap[id]; exists {
			delete(ix.keyMap, key)
			delete(ix.idMap, id)
		}
	}
}

// Contains reports whether an ID is live in the index.
func (ix *HNSWIndex) Contains(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, exists := ix.idMap[id]
	return exists
}

// Count returns the number of live vectors.
func (ix *HNSWIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idMap)
}

// AllIDs returns every live vector ID, for consistency checks.
func (ix *HNSWIndex) AllIDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.idMap))
	for id := range ix.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Orphans returns the count of lazily deleted nodes still in the graph.
// A rebuild from records is the compaction path.
func (ix *HNSWIndex) Orphans() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.graph.Len() - len(ix.idMap)
}

// Save persists the graph and its ID sidecar atomically (temp file + rename).
func (ix *HNSWIndex) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return fmt.Errorf("hnsw index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}

	if err := ix.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return ix.saveSidecar(path + ".meta")
}

func (ix *HNSWIndex) saveSidecar(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create sidecar file: %w", err)
	}

	sidecar := hnswSidecar{
		IDMap:   ix.idMap,
		NextKey: ix.nextKey,
		Config:  ix.config,
	}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("close temp sidecar during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close sidecar file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the graph and sidecar from disk.
func (ix *HNSWIndex) Load(path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return fmt.Errorf("hnsw index is closed")
	}

	if err := ix.loadSidecar(path + ".meta"); err != nil {
		return fmt.Errorf("load sidecar: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := ix.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (ix *HNSWIndex) loadSidecar(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("close sidecar file", slog.String("error", err.Error()))
		}
	}()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}

	ix.idMap = sidecar.IDMap
	ix.nextKey = sidecar.NextKey
	ix.config = sidecar.Config
	ix.keyMap = make(map[uint64]string, len(ix.idMap))
	for id, key := range ix.idMap {
		ix.keyMap[key] = id
	}
	return nil
}

// Close releases the graph.
func (ix *HNSWIndex) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.graph = nil
	return nil
}

// normalizeIndexVector normalizes to unit length in place.
func normalizeIndexVector(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
