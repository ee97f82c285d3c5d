package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/health"
	"github.com/thebtf/recall/internal/index"
	"github.com/thebtf/recall/internal/query"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/sources"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/internal/vector/memory"
	"github.com/thebtf/recall/internal/warming"
	"github.com/thebtf/recall/pkg/models"
)

type stubProvider struct{}

func (stubProvider) Name() string                 { return "stub" }
func (stubProvider) Dimensions() int              { return 3 }
func (stubProvider) Close() error                 { return nil }
func (stubProvider) Health(context.Context) error { return nil }

func (stubProvider) Embed(context.Context, string) (*embedding.Result, error) {
	return &embedding.Result{Vector: []float32{1, 0, 0}}, nil
}

func (s stubProvider) EmbedBatch(ctx context.Context, texts []string) ([]*embedding.Result, error) {
	results := make([]*embedding.Result, len(texts))
	for i := range texts {
		results[i], _ = s.Embed(ctx, texts[i])
	}
	return results, nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	log := zerolog.Nop()

	cacheStore := cache.NewStore(cache.NewMemoryBackend(0), cache.TTLs{}, log)
	vstore := memory.NewStore()
	engine := search.NewEngine(stubProvider{}, vstore, cacheStore, log)

	registry := sources.NewStaticRegistry(log)
	require.NoError(t, registry.Register(models.DataSource{ID: "docs", Name: "docs", Active: true}, nil))

	var docs []vector.Document
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("doc-%d", i)
		docs = append(docs, vector.Document{
			ID:     id,
			Vector: []float32{1, float32(i) * 0.01, 0},
			Metadata: map[string]any{
				"contentId": id,
				"sourceId":  "docs",
				"title":     "Doc " + id,
				"text":      "body of " + id,
			},
		})
	}
	require.NoError(t, vstore.Upsert(context.Background(), docs))

	cfg := config.Default()
	manager := config.NewManager(cfg)

	monitor := health.NewMonitor(cfg.Monitor, nil, log)
	processor := query.NewProcessor(query.Deps{
		Cache:      cacheStore,
		Engine:     engine,
		Registry:   registry,
		OnComplete: monitor.Record,
	}, cfg.Query, log)

	healthSvc := health.NewService(health.Deps{
		Cache:    cacheStore,
		Registry: registry,
		Provider: stubProvider{},
		Engine:   engine,
		Monitor:  monitor,
	}, cfg.Monitor, log)

	indexer := index.NewIndexer(stubProvider{}, vstore, cacheStore, cfg.Index, log)
	warmer := warming.NewWarmer(cacheStore, processor, cfg.Warming, log)

	return New(Deps{
		Processor: processor,
		Health:    healthSvc,
		Monitor:   monitor,
		Cache:     cacheStore,
		Config:    manager,
		Indexer:   indexer,
		Warmer:    warmer,
	}, log)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/query", queryRequest{Text: "machine learning"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Response)
	assert.NotEmpty(t, result.Sources)
	assert.Equal(t, "docs", result.Sources[0].SourceID)
}

func TestQueryEndpointValidation(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/query", queryRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrValidation, resp.Code)
}

func TestQueryEndpointMalformedBody(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelUnknownQuery(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodDelete, "/api/query/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot models.SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, models.StatusHealthy, snapshot.Status)
	assert.Len(t, snapshot.Components, 6)

	rec = doJSON(t, srv, http.MethodGet, "/api/health/components", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var components []models.ComponentHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &components))
	assert.Len(t, components, 6)
}

func TestStatsEndpoints(t *testing.T) {
	srv := testServer(t)

	// One processed query gives the monitor something to summarize.
	rec := doJSON(t, srv, http.MethodPost, "/api/query", queryRequest{Text: "warmup query"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/stats/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics models.PerformanceMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, int64(1), metrics.TotalQueries)
	assert.Equal(t, int64(1), metrics.SuccessfulQueries)

	rec = doJSON(t, srv, http.MethodGet, "/api/stats/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.GreaterOrEqual(t, stats.Hits+stats.Misses, int64(1))

	rec = doJSON(t, srv, http.MethodGet, "/api/trends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trends models.TrendsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trends))
	assert.False(t, trends.DegradingResponseTime)
}

func TestConfigPatch(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPatch, "/api/config", map[string]any{
		"warming": map[string]any{"enabled": false},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.False(t, cfg.Warming.Enabled)
	// Untouched knobs survive the merge.
	assert.Equal(t, config.DefaultMaxConcurrentQueries, cfg.Query.MaxConcurrentQueries)

	rec = doJSON(t, srv, http.MethodPatch, "/api/config", map[string]any{
		"query": map[string]any{"max_concurrent_queries": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexEndpoint(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/index", indexRequest{
		Contents: []*models.Content{{
			ID:       "guide-1",
			SourceID: "docs",
			Title:    "Guide",
			Text:     "A short guide body with enough text to index.",
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var batch models.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, 1, batch.Succeeded)
}

func TestIndexUpdateEndpointValidation(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/index/update", indexUpdateRequest{SourceID: "docs"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/index", indexRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexRoutesWithoutIndexer(t *testing.T) {
	srv := testServer(t)
	srv.indexer = nil

	rec := doJSON(t, srv, http.MethodPost, "/api/index", indexRequest{Contents: []*models.Content{{}}})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/index/update", indexUpdateRequest{SourceID: "docs"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestConfigPatchNotifiesListeners(t *testing.T) {
	srv := testServer(t)

	var notified bool
	srv.config.OnChange(func(*config.Config) { notified = true })

	rec := doJSON(t, srv, http.MethodPatch, "/api/config", map[string]any{
		"monitor": map[string]any{"error_rate": 0.2},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, notified)
}
