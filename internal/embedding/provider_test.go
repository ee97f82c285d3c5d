package embedding

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/pkg/models"
)

func TestRegistryResolvesDefault(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{})
	require.NoError(t, err)
	assert.Equal(t, LocalProviderName, p.Name())
}

func TestRegistryUnknownProvider(t *testing.T) {
	_, err := NewProvider(config.EmbeddingConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestAvailableProviders(t *testing.T) {
	names := AvailableProviders()
	assert.Contains(t, names, LocalProviderName)
	assert.Contains(t, names, OpenAIProviderName)
}

func TestLocalProviderDeterministic(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{Provider: LocalProviderName, Dimensions: 64})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := p.Embed(ctx, "machine learning systems")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "machine learning systems")
	require.NoError(t, err)

	assert.Equal(t, a.Vector, b.Vector)
	assert.Len(t, a.Vector, 64)
}

func TestLocalProviderNormalized(t *testing.T) {
	p, _ := NewProvider(config.EmbeddingConfig{Provider: LocalProviderName, Dimensions: 32})
	res, err := p.Embed(context.Background(), "normalization check for vectors")
	require.NoError(t, err)

	var norm float64
	for _, v := range res.Vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestLocalProviderSimilarTextsCloser(t *testing.T) {
	p, _ := NewProvider(config.EmbeddingConfig{Provider: LocalProviderName, Dimensions: 128})
	ctx := context.Background()

	base, _ := p.Embed(ctx, "database connection pooling")
	near, _ := p.Embed(ctx, "database connection pools")
	far, _ := p.Embed(ctx, "weekend hiking trails")

	assert.Greater(t, cosine(base.Vector, near.Vector), cosine(base.Vector, far.Vector))
}

func TestLocalProviderEmptyText(t *testing.T) {
	p, _ := NewProvider(config.EmbeddingConfig{Provider: LocalProviderName, Dimensions: 16})
	res, err := p.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, res.Vector, 16)
	for _, v := range res.Vector {
		assert.Zero(t, v)
	}
}

func TestLocalProviderBatch(t *testing.T) {
	p, _ := NewProvider(config.EmbeddingConfig{Provider: LocalProviderName, Dimensions: 16})
	results, err := p.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	single, _ := p.Embed(context.Background(), "two")
	assert.Equal(t, single.Vector, results[1].Vector)
}

func TestOpenAIProviderRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Return results out of order; the client must sort by index.
		resp := map[string]any{
			"model": "test-model",
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, err := NewProvider(config.EmbeddingConfig{
		Provider: OpenAIProviderName,
		APIKey:   "test-key",
		BaseURL:  server.URL,
	})
	require.NoError(t, err)

	results, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []float32{1, 0}, results[0].Vector)
	assert.Equal(t, []float32{0, 1}, results[1].Vector)
}

func TestOpenAIProviderRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p, err := NewProvider(config.EmbeddingConfig{
		Provider: OpenAIProviderName,
		APIKey:   "k",
		BaseURL:  server.URL,
	})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrRateLimit, models.CodeOf(err))
}

func TestOpenAIProviderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	p, err := NewProvider(config.EmbeddingConfig{
		Provider: OpenAIProviderName,
		APIKey:   "k",
		BaseURL:  server.URL,
	})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, models.ErrProvider, models.CodeOf(err))
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(config.EmbeddingConfig{Provider: OpenAIProviderName})
	assert.Error(t, err)
}

func TestTruncateByChars(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncateByChars(string(long), 10), 40)
	assert.Equal(t, "short", truncateByChars("short", 10))
}

func TestTextHashStable(t *testing.T) {
	assert.Equal(t, TextHash("abc"), TextHash("abc"))
	assert.NotEqual(t, TextHash("abc"), TextHash("abd"))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
