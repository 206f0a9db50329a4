package vector

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/pkg/utils"
)

// MemoryIndex is an exact in-memory index using a brute-force inner product scan.
// Vectors are expected to be unit norm already; the query is normalized on every search.
type MemoryIndex struct {
	mu         sync.RWMutex
	dimensions int
	ids        []string
	vectors    [][]float32
	slots      map[string]int
}

// NewMemoryIndex creates an exact index. A dimension of 0 is taken from the first Add.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions < 0 {
		return nil, fmt.Errorf("%w: dimensions must not be negative", models.ErrInvalidArgument)
	}
	return &MemoryIndex{
		dimensions: dimensions,
		slots:      make(map[string]int),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Add inserts or replaces vectors. The slices are copied.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("%w: %d ids for %d vectors", models.ErrInvalidArgument, len(ids), len(vectors))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dimensions
	for i := range vectors {
		if dim == 0 {
			dim = len(vectors[i])
		}
		if len(vectors[i]) == 0 || len(vectors[i]) != dim {
			return fmt.Errorf("%w: %s: got %d, index has %d",
				models.ErrDimensionMismatch, ids[i], len(vectors[i]), dim)
		}
	}
	m.dimensions = dim

	for i, id := range ids {
		vec := make([]float32, dim)
		copy(vec, vectors[i])
		if slot, ok := m.slots[id]; ok {
			m.vectors[slot] = vec
			continue
		}
		m.slots[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Remove deletes vectors by id. Unknown ids are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		slot, ok := m.slots[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if slot != last {
			m.ids[slot] = m.ids[last]
			m.vectors[slot] = m.vectors[last]
			m.slots[m.ids[slot]] = slot
		}
		m.ids = m.ids[:last]
		m.vectors[last] = nil
		m.vectors = m.vectors[:last]
		delete(m.slots, id)
	}
	return nil
}

// Search returns the min(k, Size()) most similar vectors.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if err := checkK(k); err != nil {
		return nil, err
	}
	q, err := normalizedQuery(query)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ids) == 0 {
		return []*VectorResult{}, nil
	}
	if len(q) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			models.ErrDimensionMismatch, len(q), m.dimensions)
	}

	top := make(worstFirst, 0, min(k, len(m.ids)))
	for i, vec := range m.vectors {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r := &VectorResult{ID: m.ids[i], Score: clampSimilarity(utils.Dot(q, vec))}
		if len(top) < k {
			heap.Push(&top, r)
			continue
		}
		if ranksBefore(r, top[0]) {
			top[0] = r
			heap.Fix(&top, 0)
		}
	}

	results := []*VectorResult(top)
	SortResults(results)
	return results, nil
}

// Reset drops every entry. The dimension is kept.
func (m *MemoryIndex) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = nil
	m.vectors = nil
	m.slots = make(map[string]int)
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

// worstFirst is a heap whose root is the hit that would be evicted first.
type worstFirst []*VectorResult

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(*VectorResult)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
