// Package vector defines the vector-store contract for recall.
package vector

import (
	"context"
	"math"
	"time"
)

// Document is one vector with its payload, keyed by id.
type Document struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
}

// SearchOptions tunes a k-NN search.
type SearchOptions struct {
	Filter          map[string]any `json:"filter,omitempty"`
	TopK            int            `json:"top_k"`
	Threshold       float64        `json:"threshold,omitempty"`
	IncludeMetadata bool           `json:"include_metadata"`
}

// Result is one k-NN hit. Score semantics: higher is more similar.
type Result struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
}

// Stats describes the store's current shape.
type Stats struct {
	LastUpdated  time.Time `json:"last_updated"`
	IndexType    string    `json:"index_type"`
	TotalVectors int64     `json:"total_vectors"`
	Dimension    int       `json:"dimension"`
}

// Store is the backend contract. Each backend is its own adapter.
type Store interface {
	Upsert(ctx context.Context, docs []Document) error
	Search(ctx context.Context, vec []float32, opts SearchOptions) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
	Stats(ctx context.Context) (*Stats, error)
	Health(ctx context.Context) error
	Close() error
}

// ScoreFromDistance maps a distance metric onto the similarity scale:
// backends returning distance must report score = 1/(1+distance).
func ScoreFromDistance(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

// Cosine computes cosine similarity between two vectors of equal length,
// clamped to [0,1] (negative similarity collapses to 0 for scoring).
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// MatchesFilter reports whether a metadata payload satisfies every
// equality constraint in filter. A nil filter matches everything.
func MatchesFilter(metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if metadata == nil {
		return false
	}
	for key, want := range filter {
		have, ok := metadata[key]
		if !ok || have != want {
			return false
		}
	}
	return true
}
