// Package vector implements the process-owned similarity index: an
// append-only arena of L2-normalized float32 vectors plus a liveness map from
// vector id to document id. Inner product over normalized vectors equals
// cosine similarity. The Index is the sole owner of its files on disk.
package vector

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/plexara/fusegraph/engine/domain"
)

// NoMatch is the sentinel vector id for "no neighbor". It must never be
// passed to DocumentID or Vector.
const NoMatch int64 = -1

// Hit is a single nearest-neighbor result.
type Hit struct {
	Score    float64
	VectorID int64
	DocID    string
}

// Index is process-wide shared mutable state. A single exclusive lock
// serializes every mutation's normalize -> append -> map-update -> persist
// sequence; reads take the shared side so they never observe a torn state.
type Index struct {
	mu     sync.RWMutex
	dim    int
	arena  []float32        // raw entries, tombstoned included
	idMap  map[int64]string // live vector id -> document id
	nextID int64
	pers   *persister
	logger *slog.Logger
}

// Open loads or creates an index of the given dimension rooted at dir.
// Absence of both data files means an empty index; presence of exactly one
// is an inconsistent-state error.
func Open(dir string, dim int, logger *slog.Logger) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector: open: dimension %d: %w", dim, domain.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		dim:    dim,
		idMap:  make(map[int64]string),
		pers:   newPersister(dir),
		logger: logger,
	}
	if err := ix.pers.load(ix); err != nil {
		return nil, err
	}
	return ix, nil
}

// Close releases the underlying file handles.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.pers.close()
}

// Dim returns the configured embedding dimension.
func (ix *Index) Dim() int { return ix.dim }

// Count returns the number of raw entries, tombstoned included. Callers
// needing the live count must use Live.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.arena) / ix.dim
}

// Live returns the number of live (resolvable) entries.
func (ix *Index) Live() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idMap)
}

// Add normalizes the embedding, appends it, assigns the next unused id, and
// persists both the arena and the id map before returning.
func (ix *Index) Add(embedding []float32, docID string) (int64, error) {
	if len(embedding) != ix.dim {
		return NoMatch, fmt.Errorf("vector: add: got dim %d, want %d: %w", len(embedding), ix.dim, domain.ErrInvalidInput)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(embedding, docID)
}

// addLocked persists before it publishes: memory is only mutated once both
// files have the record, so a failed add is never searchable.
func (ix *Index) addLocked(embedding []float32, docID string) (int64, error) {
	vec := normalize(embedding)
	id := ix.nextID

	if err := ix.pers.appendVector(vec); err != nil {
		ix.truncateArena(id)
		return NoMatch, fmt.Errorf("vector: persist arena: %w", err)
	}
	ix.idMap[id] = docID
	if err := ix.pers.saveMap(ix.idMap, id+1); err != nil {
		delete(ix.idMap, id)
		ix.truncateArena(id)
		return NoMatch, fmt.Errorf("vector: persist id map: %w", err)
	}
	ix.arena = append(ix.arena, vec...)
	ix.nextID = id + 1
	return id, nil
}

// truncateArena drops file records past the given count so a partial or
// orphaned append cannot shift the offsets of later records.
func (ix *Index) truncateArena(records int64) {
	if err := ix.pers.truncateTo(int(records), ix.dim); err != nil {
		ix.logger.Error("arena truncate after failed append", "error", err)
	}
}

// Remove tombstones every vector currently mapping to docID by dropping it
// from the liveness map. The arena entries remain but become unreachable.
// Removing an absent document is a no-op.
func (ix *Index) Remove(docID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.removeLocked(docID) {
		return nil
	}
	if err := ix.pers.saveMap(ix.idMap, ix.nextID); err != nil {
		return fmt.Errorf("vector: persist id map: %w", err)
	}
	return nil
}

func (ix *Index) removeLocked(docID string) bool {
	removed := false
	for id, doc := range ix.idMap {
		if doc == docID {
			delete(ix.idMap, id)
			removed = true
		}
	}
	return removed
}

// Update replaces the document's embedding: tombstone the old vectors, then
// append the new one, all under the exclusive lock so concurrent searches
// see either the old or the new state, never neither.
func (ix *Index) Update(docID string, embedding []float32) (int64, error) {
	if len(embedding) != ix.dim {
		return NoMatch, fmt.Errorf("vector: update: got dim %d, want %d: %w", len(embedding), ix.dim, domain.ErrInvalidInput)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
	return ix.addLocked(embedding, docID)
}

// Search normalizes the query and returns up to k live neighbors by inner
// product, descending. Exact score ties break on ascending vector id so the
// ranking is deterministic. An empty index yields an empty result.
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vector: search: got dim %d, want %d: %w", len(query), ix.dim, domain.ErrInvalidInput)
	}
	if k <= 0 {
		return nil, nil
	}
	q := normalize(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(ix.idMap))
	for id, docID := range ix.idMap {
		off := int(id) * ix.dim
		hits = append(hits, Hit{
			Score:    dot(q, ix.arena[off:off+ix.dim]),
			VectorID: id,
			DocID:    docID,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].VectorID < hits[j].VectorID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Vector returns a copy of the stored embedding for a vector id. Tombstoned
// ids still resolve here; only the document mapping is gone.
func (ix *Index) Vector(id int64) ([]float32, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if id < 0 || id >= ix.nextID {
		return nil, fmt.Errorf("vector: id %d: %w", id, domain.ErrNotFound)
	}
	off := int(id) * ix.dim
	out := make([]float32, ix.dim)
	copy(out, ix.arena[off:off+ix.dim])
	return out, nil
}

// DocumentID resolves a live vector id to its document id.
func (ix *Index) DocumentID(id int64) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	doc, ok := ix.idMap[id]
	return doc, ok
}

// Mappings returns a copy of the live id map, for debug and drift checks.
func (ix *Index) Mappings() map[int64]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[int64]string, len(ix.idMap))
	for k, v := range ix.idMap {
		out[k] = v
	}
	return out
}

// normalize returns an L2-normalized copy. A zero vector is returned as-is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
