package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/vector"
)

func TestSearchMapsDistancesToScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vectors/search", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 2, req["top_k"])

		resp := map[string]any{
			"results": []map[string]any{
				{"id": "a", "distance": 0.0, "metadata": map[string]any{"sourceId": "docs"}},
				{"id": "b", "distance": 1.0},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	s, err := NewStore(server.URL)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), []float32{1, 0}, vector.SearchOptions{
		TopK:            2,
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, results[1].Score, 1e-9)
	assert.Equal(t, "docs", results[0].Metadata["sourceId"])
}

func TestSearchAppliesThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "near", "distance": 0.1},
				{"id": "far", "distance": 5.0},
			},
		})
	}))
	defer server.Close()

	s, _ := NewStore(server.URL)
	results, err := s.Search(context.Background(), []float32{1}, vector.SearchOptions{TopK: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}

func TestUpsertAndDelete(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, _ := NewStore(server.URL)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []vector.Document{{ID: "a", Vector: []float32{1}}}))
	require.NoError(t, s.Delete(ctx, []string{"a"}))

	// Empty batches never hit the network.
	require.NoError(t, s.Upsert(ctx, nil))
	require.NoError(t, s.Delete(ctx, nil))

	assert.Equal(t, []string{"/vectors/upsert", "/vectors/delete"}, paths)
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s, _ := NewStore(server.URL)
	_, err := s.Search(context.Background(), []float32{1}, vector.SearchOptions{TopK: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Error(t, s.Health(context.Background()))
}
