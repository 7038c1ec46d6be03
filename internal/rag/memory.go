package rag

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore using brute-force cosine
// distance. It backs local development (VECTOR_STORE=memory) and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Record)}
}

// CreateCollection implements VectorStore.
func (m *MemoryStore) CreateCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = nil
	}
	return nil
}

// DeleteCollection implements VectorStore.
func (m *MemoryStore) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

// CollectionExists implements VectorStore.
func (m *MemoryStore) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

// ListCollections implements VectorStore. Names are sorted.
func (m *MemoryStore) ListCollections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for n := range m.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Add implements VectorStore. A record with an existing id replaces it.
func (m *MemoryStore) Add(_ context.Context, collection string, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.collections[collection]
next:
	for _, r := range records {
		for i := range recs {
			if recs[i].ID == r.ID {
				recs[i] = r
				continue next
			}
		}
		recs = append(recs, r)
	}
	m.collections[collection] = recs
	return nil
}

// Query implements VectorStore.
func (m *MemoryStore) Query(_ context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.collections[collection]
	results := make([]Result, 0, len(recs))
	for _, r := range recs {
		results = append(results, Result{
			ID:       r.ID,
			Document: r.Document,
			Metadata: r.Metadata,
			Distance: cosineDistance(vector, r.Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete implements VectorStore.
func (m *MemoryStore) Delete(_ context.Context, collection string, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.filter(collection, func(r Record) bool { return !drop[r.ID] })
	return nil
}

// DeleteByTurn implements VectorStore.
func (m *MemoryStore) DeleteByTurn(_ context.Context, collection, turnID string) error {
	m.filter(collection, func(r Record) bool { return r.Metadata.TurnID != turnID })
	return nil
}

// Peek implements VectorStore.
func (m *MemoryStore) Peek(_ context.Context, collection string, limit int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.collections[collection]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	var results []Result
	for _, r := range recs {
		if limit > 0 && len(results) == limit {
			break
		}
		results = append(results, Result{ID: r.ID, Document: r.Document, Metadata: r.Metadata})
	}
	return results, nil
}

// Close implements VectorStore.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) filter(collection string, keep func(Record) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.collections[collection]
	if !ok {
		return
	}
	kept := recs[:0]
	for _, r := range recs {
		if keep(r) {
			kept = append(kept, r)
		}
	}
	m.collections[collection] = kept
}

// cosineDistance returns 1 - cos(a, b). Mismatched or zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}
