// Package memory provides an in-process vector store for recall.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thebtf/recall/internal/vector"
)

// Store keeps all vectors in process memory with brute-force cosine search.
// It is the embedded/test backend; persistence lives in the sqlite and
// pgvector adapters.
type Store struct {
	lastUpdated time.Time
	docs        map[string]vector.Document
	dimension   int
	mu          sync.RWMutex
}

// Compile-time check that Store implements vector.Store.
var _ vector.Store = (*Store)(nil)

// NewStore creates an empty in-process store.
func NewStore() *Store {
	return &Store{docs: make(map[string]vector.Document)}
}

// Upsert inserts or replaces documents by id.
func (s *Store) Upsert(_ context.Context, docs []vector.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("vector upsert: empty document id")
		}
		if s.dimension == 0 {
			s.dimension = len(doc.Vector)
		} else if len(doc.Vector) != s.dimension {
			return fmt.Errorf("vector upsert %s: dimension %d, store has %d", doc.ID, len(doc.Vector), s.dimension)
		}
		s.docs[doc.ID] = doc
	}
	s.lastUpdated = time.Now()
	return nil
}

// Search scans all vectors and returns the topK most similar.
func (s *Store) Search(_ context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vector.Result, 0, len(s.docs))
	for _, doc := range s.docs {
		if !vector.MatchesFilter(doc.Metadata, opts.Filter) {
			continue
		}
		score := vector.Cosine(vec, doc.Vector)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		r := vector.Result{ID: doc.ID, Score: score}
		if opts.IncludeMetadata {
			r.Metadata = doc.Metadata
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// Delete removes documents by id; missing ids are ignored.
func (s *Store) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.docs, id)
	}
	s.lastUpdated = time.Now()
	return nil
}

// Stats reports the store shape.
func (s *Store) Stats(_ context.Context) (*vector.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &vector.Stats{
		TotalVectors: int64(len(s.docs)),
		Dimension:    s.dimension,
		IndexType:    "memory-flat",
		LastUpdated:  s.lastUpdated,
	}, nil
}

// Health always succeeds for the in-process store.
func (s *Store) Health(_ context.Context) error { return nil }

// Close drops all vectors.
func (s *Store) Close() error {
	s.mu.Lock()
	s.docs = make(map[string]vector.Document)
	s.mu.Unlock()
	return nil
}
