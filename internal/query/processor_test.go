package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/sources"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/internal/vector/memory"
	"github.com/thebtf/recall/pkg/models"
)

// stubProvider embeds every text onto the first axis so any seeded doc
// with a similar vector is retrievable.
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

// failingStore errors for one poisoned sourceId filter and delegates the
// rest to the in-process store.
type failingStore struct {
	*memory.Store
	failSource string
}

func (f *failingStore) Search(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	if sid, _ := opts.Filter["sourceId"].(string); sid == f.failSource {
		return nil, fmt.Errorf("source %s unreachable", sid)
	}
	return f.Store.Search(ctx, vec, opts)
}

// slowStore delays every search so identical concurrent queries overlap
// in flight.
type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s *slowStore) Search(ctx context.Context, vec []float32, opts vector.SearchOptions) ([]vector.Result, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Search(ctx, vec, opts)
}

type capture struct {
	mu          sync.Mutex
	usage       []string
	completions []Completion
}

func (c *capture) onUsage(fp string, _ int64, _ []string) {
	c.mu.Lock()
	c.usage = append(c.usage, fp)
	c.mu.Unlock()
}

func (c *capture) onComplete(comp Completion) {
	c.mu.Lock()
	c.completions = append(c.completions, comp)
	c.mu.Unlock()
}

func (c *capture) last(t *testing.T) Completion {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.completions)
	return c.completions[len(c.completions)-1]
}

type fixture struct {
	processor *Processor
	store     *cache.Store
	registry  *sources.StaticRegistry
	capture   *capture
}

func defaultQueryConfig() config.QueryConfig {
	return config.QueryConfig{
		MaxConcurrentQueries:   10,
		DefaultTimeoutMs:       5000,
		MaxResultsPerSource:    10,
		MinConfidenceThreshold: 0.1,
		EnableParallelSearch:   true,
		CacheEnabled:           true,
	}
}

func newFixture(t *testing.T, vstore vector.Store, cfg config.QueryConfig) *fixture {
	t.Helper()
	backend := cache.NewMemoryBackend(0)
	store := cache.NewStore(backend, cache.TTLs{}, zerolog.Nop())
	engine := search.NewEngine(stubProvider{}, vstore, store, zerolog.Nop())
	registry := sources.NewStaticRegistry(zerolog.Nop())
	rec := &capture{}

	p := NewProcessor(Deps{
		Cache:      store,
		Engine:     engine,
		Registry:   registry,
		OnUsage:    rec.onUsage,
		OnComplete: rec.onComplete,
	}, cfg, zerolog.Nop())

	return &fixture{processor: p, store: store, registry: registry, capture: rec}
}

func seedSource(t *testing.T, fx *fixture, vstore *memory.Store, sourceID string, docs int) {
	t.Helper()
	require.NoError(t, fx.registry.Register(models.DataSource{ID: sourceID, Name: sourceID, Active: true}, nil))

	var batch []vector.Document
	for i := 0; i < docs; i++ {
		id := fmt.Sprintf("%s-doc-%d", sourceID, i)
		batch = append(batch, vector.Document{
			ID:     id,
			Vector: []float32{1, float32(i) * 0.01, 0},
			Metadata: map[string]any{
				"contentId": id,
				"sourceId":  sourceID,
				"title":     "Doc " + id,
				"text":      "body of " + id,
			},
		})
	}
	require.NoError(t, vstore.Upsert(context.Background(), batch))
}

func TestProcessEndToEnd(t *testing.T) {
	vstore := memory.NewStore()
	fx := newFixture(t, vstore, defaultQueryConfig())
	seedSource(t, fx, vstore, "docs", 3)

	result, err := fx.processor.ProcessText(context.Background(), "machine learning", nil)
	require.NoError(t, err)

	assert.False(t, result.Cached)
	assert.NotEmpty(t, result.Sources)
	assert.Greater(t, result.Confidence, 0.0)
	assert.NotEmpty(t, result.Response)
	assert.LessOrEqual(t, len(result.Sources), models.MaxSourceRefs)
	assert.Equal(t, "docs", result.Sources[0].SourceID)

	comp := fx.capture.last(t)
	assert.True(t, comp.Success)
	assert.False(t, comp.Cached)
	assert.Len(t, fx.capture.usage, 1)
}

func TestProcessCacheHit(t *testing.T) {
	vstore := memory.NewStore()
	fx := newFixture(t, vstore, defaultQueryConfig())
	seedSource(t, fx, vstore, "docs", 1)
	ctx := context.Background()

	fp := Fingerprint("machine learning", nil, nil)
	preloaded := &models.QueryResult{ID: uuid.NewString(), Response: "cached answer", Confidence: 0.9}
	require.NoError(t, fx.store.SetQueryResult(ctx, fp, preloaded, 0))

	result, err := fx.processor.ProcessText(ctx, "machine learning", nil)
	require.NoError(t, err)
	assert.True(t, result.Cached)
	assert.Equal(t, "cached answer", result.Response)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Less(t, result.ProcessingTimeMs, int64(50))

	comp := fx.capture.last(t)
	assert.True(t, comp.Cached)
}

func TestProcessIdempotentViaCache(t *testing.T) {
	vstore := memory.NewStore()
	fx := newFixture(t, vstore, defaultQueryConfig())
	seedSource(t, fx, vstore, "docs", 3)
	ctx := context.Background()

	first, err := fx.processor.ProcessText(ctx, "stable query", nil)
	require.NoError(t, err)
	second, err := fx.processor.ProcessText(ctx, "stable query", nil)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, len(first.Sources), len(second.Sources))
}

func TestProcessCoalescedCallersGetIndependentResults(t *testing.T) {
	inner := memory.NewStore()
	vstore := &slowStore{Store: inner, delay: 150 * time.Millisecond}
	fx := newFixture(t, vstore, defaultQueryConfig())
	seedSource(t, fx, inner, "docs", 3)

	// Two identical queries in flight at once coalesce onto one pipeline
	// run, but each caller must get a result it alone owns.
	results := make([]*models.QueryResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := fx.processor.ProcessText(context.Background(), "machine learning basics", nil)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotSame(t, results[0], results[1])
	assert.Equal(t, results[0].Response, results[1].Response)
	assert.Equal(t, results[0].Confidence, results[1].Confidence)
}

func TestProcessCacheDisabled(t *testing.T) {
	vstore := memory.NewStore()
	cfg := defaultQueryConfig()
	cfg.CacheEnabled = false
	fx := newFixture(t, vstore, cfg)
	seedSource(t, fx, vstore, "docs", 1)
	ctx := context.Background()

	_, err := fx.processor.ProcessText(ctx, "query", nil)
	require.NoError(t, err)
	second, err := fx.processor.ProcessText(ctx, "query", nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
}

func TestProcessValidationError(t *testing.T) {
	fx := newFixture(t, memory.NewStore(), defaultQueryConfig())

	_, err := fx.processor.ProcessText(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrValidation, models.CodeOf(err))
}

func TestProcessNoSourcesYieldsApologeticResult(t *testing.T) {
	fx := newFixture(t, memory.NewStore(), defaultQueryConfig())

	result, err := fx.processor.ProcessText(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, noResultsResponse, result.Response)
	assert.Empty(t, result.Sources)
	assert.Zero(t, result.Confidence)
}

func TestProcessPartialSourceFailure(t *testing.T) {
	inner := memory.NewStore()
	vstore := &failingStore{Store: inner, failSource: "broken"}
	fx := newFixture(t, vstore, defaultQueryConfig())
	seedSource(t, fx, inner, "healthy", 2)
	require.NoError(t, fx.registry.Register(models.DataSource{ID: "broken", Name: "broken", Active: true}, nil))

	result, err := fx.processor.ProcessText(context.Background(), "query", nil)
	require.NoError(t, err)

	// Hits only from the healthy source; answer still synthesized.
	require.NotEmpty(t, result.Sources)
	for _, ref := range result.Sources {
		assert.Equal(t, "healthy", ref.SourceID)
	}
	assert.NotEqual(t, internalErrorResponse, result.Response)
}

func TestProcessAllSourcesFailing(t *testing.T) {
	inner := memory.NewStore()
	vstore := &failingStore{Store: inner, failSource: "broken"}
	fx := newFixture(t, vstore, defaultQueryConfig())
	require.NoError(t, fx.registry.Register(models.DataSource{ID: "broken", Name: "broken", Active: true}, nil))

	result, err := fx.processor.ProcessText(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, internalErrorResponse, result.Response)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Sources)

	comp := fx.capture.last(t)
	assert.False(t, comp.Success)
}

// blockingRegistry parks ListActive until released, to hold queries
// in flight.
type blockingRegistry struct {
	release chan struct{}
	entered chan struct{}
}

func (b *blockingRegistry) ListActive(ctx context.Context) ([]models.DataSource, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingRegistry) Probe(context.Context, string) (*models.SourceHealth, error) {
	return &models.SourceHealth{IsHealthy: true}, nil
}

func TestProcessCapacityGate(t *testing.T) {
	fx := newFixture(t, memory.NewStore(), defaultQueryConfig())
	cfg := defaultQueryConfig()
	cfg.MaxConcurrentQueries = 1
	fx.processor.UpdateConfig(cfg)

	blocker := &blockingRegistry{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	fx.processor.registry = blocker

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fx.processor.ProcessText(context.Background(), "long running", nil)
	}()
	<-blocker.entered
	assert.Equal(t, 1, fx.processor.ActiveCount())

	_, err := fx.processor.ProcessText(context.Background(), "rejected", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCapacityExceeded, models.CodeOf(err))
	// The rejected query never occupied a slot.
	assert.Equal(t, 1, fx.processor.ActiveCount())

	close(blocker.release)
	<-done
	assert.Zero(t, fx.processor.ActiveCount())
}

func TestProcessTimeout(t *testing.T) {
	fx := newFixture(t, memory.NewStore(), defaultQueryConfig())
	cfg := defaultQueryConfig()
	cfg.DefaultTimeoutMs = 20
	fx.processor.UpdateConfig(cfg)

	blocker := &blockingRegistry{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	fx.processor.registry = blocker

	q, err := models.NewQuery("slow query", nil)
	require.NoError(t, err)

	result, err := fx.processor.Process(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, q.ID, result.ID)
	assert.Equal(t, internalErrorResponse, result.Response)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Sources)
}

func TestCancelAndQueryStatus(t *testing.T) {
	fx := newFixture(t, memory.NewStore(), defaultQueryConfig())
	blocker := &blockingRegistry{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	fx.processor.registry = blocker
	defer close(blocker.release)

	q := &models.Query{ID: uuid.NewString(), Text: "inflight", Context: map[string]string{"domain": "ops"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = fx.processor.Process(context.Background(), q)
	}()
	<-blocker.entered

	assert.Equal(t, map[string]string{"domain": "ops"}, fx.processor.QueryStatus(q.ID))
	assert.True(t, fx.processor.Cancel(q.ID))
	<-done

	assert.False(t, fx.processor.Cancel(q.ID))
	assert.Nil(t, fx.processor.QueryStatus(q.ID))
}

func TestMergeHitsDedupAndThreshold(t *testing.T) {
	hits := []models.SearchHit{
		{ID: "a", FinalScore: 0.9, Metadata: map[string]any{"contentId": "c1"}},
		{ID: "b", FinalScore: 0.7, Metadata: map[string]any{"contentId": "c1"}}, // dup, lower
		{ID: "c", FinalScore: 0.5, Metadata: map[string]any{"contentId": "c2"}},
		{ID: "d", FinalScore: 0.05, Metadata: map[string]any{"contentId": "c3"}}, // below floor
	}
	merged := mergeHits(hits, 0.1)
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].ID)
	assert.Equal(t, "c", merged[1].ID)
}

func TestConfidenceWeighting(t *testing.T) {
	hits := []models.SearchHit{
		{FinalScore: 1.0}, {FinalScore: 0.5}, {FinalScore: 0.5},
	}
	// (1*1 + 0.5*0.5 + 0.5*0.3333) / (1 + 0.5 + 0.3333)
	assert.InDelta(t, 0.7727, confidenceOf(hits), 0.001)
	assert.Zero(t, confidenceOf(nil))
	assert.InDelta(t, 0.8, confidenceOf([]models.SearchHit{{FinalScore: 0.8}}), 1e-9)
}
