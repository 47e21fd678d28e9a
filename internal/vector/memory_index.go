package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an exact cosine-similarity index held in process. It backs
// the "memory" ledger backend and tests.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[string]Record)}
}

func (m *MemoryIndex) Upsert(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string]Record)
		m.collections[collection] = c
	}
	for _, r := range records {
		if r.ID == "" || r.OwnerID == "" {
			return fmt.Errorf("MemoryIndex.Upsert: record needs id and owner")
		}
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		r.Vector = vec
		c[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, collection string, query []float32, filter Filter, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, r := range m.collections[collection] {
		if !filter.Matches(r) {
			continue
		}
		score, err := Cosine(query, r.Vector)
		if err != nil {
			return nil, fmt.Errorf("MemoryIndex.Search: record %s: %w", r.ID, err)
		}
		hits = append(hits, Hit{Record: r, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len returns the number of records in a collection.
func (m *MemoryIndex) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// Cosine returns the cosine similarity of a and b; zero vectors score 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
