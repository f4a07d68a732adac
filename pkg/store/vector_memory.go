package store

import (
	"context"
	"sort"
	"sync"

	"github.com/wangchai/kbrag/pkg/embedding"
	"github.com/wangchai/kbrag/pkg/retrieval"
)

// MemoryVectorIndex is a brute-force cosine index. It serves tests and
// corpora small enough that exact search beats the operational cost of an
// external vector database.
type MemoryVectorIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewMemoryVectorIndex creates an empty index.
func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{vectors: make(map[string][]float32)}
}

// Upsert stores one vector under id, replacing any previous value.
func (m *MemoryVectorIndex) Upsert(id string, vector []float32) {
	stored := make([]float32, len(vector))
	copy(stored, vector)
	m.mu.Lock()
	m.vectors[id] = stored
	m.mu.Unlock()
}

// ReplaceAll swaps the full vector set in one step, so a rebuild publishes
// atomically with respect to concurrent searches.
func (m *MemoryVectorIndex) ReplaceAll(vectors map[string][]float32) {
	next := make(map[string][]float32, len(vectors))
	for id, v := range vectors {
		stored := make([]float32, len(v))
		copy(stored, v)
		next[id] = stored
	}
	m.mu.Lock()
	m.vectors = next
	m.mu.Unlock()
}

// Rebuild replaces the full contents with the given chunk vectors.
func (m *MemoryVectorIndex) Rebuild(_ context.Context, items []ChunkVector) error {
	vectors := make(map[string][]float32, len(items))
	for _, item := range items {
		vectors[item.ChunkID] = item.Vector
	}
	m.ReplaceAll(vectors)
	return nil
}

// Search returns the k nearest vectors by cosine similarity.
func (m *MemoryVectorIndex) Search(ctx context.Context, vector []float32, k int) ([]retrieval.VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]retrieval.VectorHit, 0, len(m.vectors))
	for id, v := range m.vectors {
		score := embedding.Cosine(vector, v)
		if score <= 0 {
			continue
		}
		hits = append(hits, retrieval.VectorHit{ID: id, Score: score, Vector: v})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Vector returns the stored vector for id.
func (m *MemoryVectorIndex) Vector(id string) ([]float32, bool) {
	m.mu.RLock()
	v, ok := m.vectors[id]
	m.mu.RUnlock()
	return v, ok
}

// Len reports the number of stored vectors.
func (m *MemoryVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
