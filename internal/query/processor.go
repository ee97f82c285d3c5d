package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/sources"
	"github.com/thebtf/recall/pkg/models"
)

const (
	// mergedHitCap bounds the merged candidate list after dedup.
	mergedHitCap = 100

	// recentQueryLimit bounds the fingerprint-to-query table used to
	// materialize warmed results.
	recentQueryLimit = 1024

	// confidenceWindow is how many top hits weigh into overall confidence.
	confidenceWindow = 5

	// slowQueryFactor of the timeout marks a query as slow in the log.
	slowQueryFactor = 0.5
)

// Completion describes one finished query for the metrics pipeline.
type Completion struct {
	ErrorCode   models.ErrorCode
	QueryID     string
	UserID      string
	ResponseMs  int64
	SourceCount int
	Confidence  float64
	Success     bool
	Cached      bool
}

// UsageFunc receives usage-tracking events consumed by the cache warmer.
type UsageFunc func(fingerprint string, processingMs int64, contributingSources []string)

// CompletionFunc receives query-complete events consumed by the monitor.
type CompletionFunc func(Completion)

// activeQuery is one in-flight query's lifecycle record.
type activeQuery struct {
	startedAt time.Time
	context   map[string]string
	cancel    context.CancelFunc
}

// Processor orchestrates the query pipeline end to end.
type Processor struct {
	cache       *cache.Store
	engine      *search.Engine
	registry    sources.Registry
	synthesizer Synthesizer
	onUsage     UsageFunc
	onComplete  CompletionFunc
	active      map[string]*activeQuery
	recent      map[string]models.Query
	log         zerolog.Logger
	flight      singleflight.Group
	cfg         config.QueryConfig
	mu          sync.Mutex
	recentMu    sync.Mutex
	cfgMu       sync.RWMutex
}

// Deps is the dependency bag for a Processor. Synthesizer, OnUsage, and
// OnComplete are optional.
type Deps struct {
	Cache       *cache.Store
	Engine      *search.Engine
	Registry    sources.Registry
	Synthesizer Synthesizer
	OnUsage     UsageFunc
	OnComplete  CompletionFunc
}

// NewProcessor wires the query pipeline.
func NewProcessor(deps Deps, cfg config.QueryConfig, log zerolog.Logger) *Processor {
	if deps.Synthesizer == nil {
		deps.Synthesizer = TemplateSynthesizer{}
	}
	return &Processor{
		cache:       deps.Cache,
		engine:      deps.Engine,
		registry:    deps.Registry,
		synthesizer: deps.Synthesizer,
		onUsage:     deps.OnUsage,
		onComplete:  deps.OnComplete,
		active:      make(map[string]*activeQuery),
		recent:      make(map[string]models.Query),
		cfg:         cfg,
		log:         log.With().Str("component", "query").Logger(),
	}
}

// UpdateConfig swaps in new pipeline knobs.
func (p *Processor) UpdateConfig(cfg config.QueryConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

func (p *Processor) config() config.QueryConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// ProcessText runs the pipeline for raw query text.
func (p *Processor) ProcessText(ctx context.Context, text string, reqContext map[string]string) (*models.QueryResult, error) {
	q, err := models.NewQuery(text, reqContext)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, q)
}

// Process runs the full pipeline for a query. Validation and capacity
// failures surface as errors; everything downstream degrades into a
// well-formed apology result.
func (p *Processor) Process(ctx context.Context, q *models.Query) (*models.QueryResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	cfg := p.config()
	if err := p.acquireSlot(q, cfg.MaxConcurrentQueries); err != nil {
		return nil, err
	}

	start := time.Now()
	timeout := time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultQueryTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	p.register(q, cancel)
	defer p.release(q.ID, cancel)

	fp := Fingerprint(q.Text, q.Context, q.Filters)
	p.rememberQuery(fp, q)

	// Cache lookup before any pipeline work.
	if cfg.CacheEnabled {
		if cached := p.cache.GetQueryResult(ctx, fp); cached != nil {
			cached.ProcessingTimeMs = time.Since(start).Milliseconds()
			p.emit(q, cached, nil, start)
			return cached, nil
		}
	}

	// Identical concurrent misses share one pipeline run.
	value, err, _ := p.flight.Do(fp, func() (any, error) {
		return p.runPipeline(ctx, q, fp, cfg)
	})
	if err != nil {
		result := p.failureResult(q, err)
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		p.emit(q, result, err, start)
		return result, nil
	}

	// Coalesced callers share one pipelineOutput; each gets its own copy
	// so per-caller timing never mutates a result another caller holds.
	shared := value.(*pipelineOutput)
	contributing := shared.sources
	out := *shared.result
	result := &out
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	if slow := time.Duration(float64(timeout) * slowQueryFactor); time.Since(start) > slow {
		p.log.Warn().
			Str("query_id", q.ID).
			Int64("ms", result.ProcessingTimeMs).
			Msg("Slow query")
	}

	p.emitUsage(fp, result.ProcessingTimeMs, contributing)
	p.emit(q, result, nil, start)
	return result, nil
}

// pipelineOutput pairs a result with the sources that contributed hits.
type pipelineOutput struct {
	result  *models.QueryResult
	sources []string
}

// runPipeline is the post-cache part of the pipeline: parse, optimize,
// fan-out, merge, synthesize, cache store.
func (p *Processor) runPipeline(ctx context.Context, q *models.Query, fp string, cfg config.QueryConfig) (*pipelineOutput, error) {
	parsed := Parse(q.Text)
	opt := Optimize(parsed, q.Context)
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	active, err := p.registry.ListActive(ctx)
	if err != nil {
		return nil, models.WrapError(models.ErrSearch, fmt.Errorf("list sources: %w", err))
	}

	hits, searchErrs := p.fanOut(ctx, parsed, opt, active, cfg)
	if ctx.Err() != nil {
		return nil, models.WrapError(models.ErrTimeout, ctx.Err())
	}
	// A query that could not be searched anywhere is an error, not an
	// empty success.
	if len(active) > 0 && len(searchErrs) == len(active) {
		return nil, searchErrs[0]
	}

	merged := mergeHits(hits, cfg.MinConfidenceThreshold)
	result := p.synthesize(q, parsed, merged, active)

	if cfg.CacheEnabled {
		if err := p.cache.SetQueryResult(ctx, fp, result, 0); err != nil {
			p.log.Warn().Err(err).Str("query_id", q.ID).Msg("Result cache write failed")
		}
	}
	return &pipelineOutput{result: result, sources: contributingSources(merged)}, nil
}

// fanOut searches every active source, concurrently when configured.
// Per-source failures are collected, never fatal.
func (p *Processor) fanOut(ctx context.Context, parsed models.ParsedQuery, opt models.QueryOptimization, active []models.DataSource, cfg config.QueryConfig) ([]models.SearchHit, []error) {
	if len(active) == 0 {
		return nil, nil
	}

	topK := cfg.MaxResultsPerSource
	if topK <= 0 {
		topK = config.DefaultMaxResultsPerSource
	}

	searchOne := func(ctx context.Context, src models.DataSource) ([]models.SearchHit, error) {
		hits, err := p.engine.HybridSearch(ctx, parsed.ProcessedText, search.Options{
			TopK:         topK,
			Filter:       map[string]any{"sourceId": src.ID},
			KeywordBoost: keywordBoosts(opt),
		})
		if err != nil {
			p.log.Warn().Err(err).Str("source_id", src.ID).Msg("Source search failed")
			return nil, err
		}
		return applyQueryFilters(hits, parsed.Filters), nil
	}

	var (
		mu      sync.Mutex
		allHits []models.SearchHit
		errs    []error
	)

	if cfg.EnableParallelSearch {
		var wg sync.WaitGroup
		for _, src := range active {
			src := src
			wg.Add(1)
			go func() {
				defer wg.Done()
				hits, err := searchOne(ctx, src)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				allHits = append(allHits, hits...)
			}()
		}
		wg.Wait()
		return allHits, errs
	}

	for _, src := range active {
		if ctx.Err() != nil {
			break
		}
		hits, err := searchOne(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		allHits = append(allHits, hits...)
	}
	return allHits, errs
}

// keywordBoosts translates optimization boosts onto keyword multipliers.
func keywordBoosts(opt models.QueryOptimization) map[string]float64 {
	if len(opt.Boosts) == 0 {
		return nil
	}
	boosts := make(map[string]float64, len(opt.Boosts))
	for term, b := range opt.Boosts {
		boosts[term] = b
	}
	return boosts
}

// applyQueryFilters enforces parsed date and type filters on hit payloads.
func applyQueryFilters(hits []models.SearchHit, filters []models.QueryFilter) []models.SearchHit {
	if len(filters) == 0 {
		return hits
	}

	kept := hits[:0]
	for _, hit := range hits {
		if hitMatchesFilters(hit, filters) {
			kept = append(kept, hit)
		}
	}
	return kept
}

func hitMatchesFilters(hit models.SearchHit, filters []models.QueryFilter) bool {
	for _, f := range filters {
		switch f.Field {
		case "date":
			raw := metaString(hit.Metadata, "modifiedAt")
			if raw == "" {
				raw = metaString(hit.Metadata, "createdAt")
			}
			if raw == "" {
				return false
			}
			// RFC3339 and plain dates compare lexicographically.
			date := raw
			if len(date) > 10 {
				date = date[:10]
			}
			switch f.Operator {
			case models.OpGte:
				if date < f.Value {
					return false
				}
			case models.OpLte:
				if date > f.Value {
					return false
				}
			}
		case "type":
			if !strings.EqualFold(metaString(hit.Metadata, "type"), f.Value) {
				return false
			}
		}
	}
	return true
}

func metaString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	s, _ := metadata[key].(string)
	return s
}

// mergeHits unions per-source hits: sort desc, dedup by content identity
// keeping the higher score, drop below the confidence floor, cap at 100.
func mergeHits(hits []models.SearchHit, minConfidence float64) []models.SearchHit {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].FinalScore > hits[j].FinalScore
	})

	seen := make(map[string]struct{}, len(hits))
	merged := make([]models.SearchHit, 0, len(hits))
	for _, hit := range hits {
		if hit.FinalScore < minConfidence {
			continue
		}
		id := hit.ContentID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, hit)
		if len(merged) >= mergedHitCap {
			break
		}
	}
	return merged
}

// synthesize builds the final result: top-10 source refs, position-weighted
// confidence over the top 5, and response text from the synthesizer.
func (p *Processor) synthesize(q *models.Query, parsed models.ParsedQuery, hits []models.SearchHit, active []models.DataSource) *models.QueryResult {
	names := make(map[string]string, len(active))
	for _, src := range active {
		names[src.ID] = src.Name
	}

	refs := make([]models.SourceRef, 0, models.MaxSourceRefs)
	for _, hit := range hits {
		if len(refs) >= models.MaxSourceRefs {
			break
		}
		sourceID := metaString(hit.Metadata, "sourceId")
		refs = append(refs, models.SourceRef{
			SourceID:       sourceID,
			SourceName:     names[sourceID],
			ContentID:      hit.ContentID(),
			Title:          metaString(hit.Metadata, "title"),
			Excerpt:        excerptOf(hit),
			URL:            metaString(hit.Metadata, "url"),
			RelevanceScore: hit.FinalScore,
		})
	}

	return &models.QueryResult{
		ID:         q.ID,
		Response:   p.synthesizer.Synthesize(parsed.OriginalText, hits),
		Sources:    refs,
		Confidence: confidenceOf(hits),
	}
}

// confidenceOf is the position-weighted mean of the top scores with
// weights 1/(1+i).
func confidenceOf(hits []models.SearchHit) float64 {
	if len(hits) == 0 {
		return 0
	}
	n := len(hits)
	if n > confidenceWindow {
		n = confidenceWindow
	}

	var weighted, weights float64
	for i := 0; i < n; i++ {
		w := 1 / float64(1+i)
		weighted += hits[i].FinalScore * w
		weights += w
	}
	confidence := weighted / weights
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func contributingSources(hits []models.SearchHit) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, hit := range hits {
		id := metaString(hit.Metadata, "sourceId")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// failureResult is the user-visible apology for an unrecoverable failure.
func (p *Processor) failureResult(q *models.Query, err error) *models.QueryResult {
	response := internalErrorResponse
	if errors.Is(err, context.DeadlineExceeded) || models.CodeOf(err) == models.ErrTimeout {
		p.log.Warn().Str("query_id", q.ID).Msg("Query timed out")
	} else {
		p.log.Error().Err(err).Str("query_id", q.ID).Msg("Query pipeline failed")
	}
	return &models.QueryResult{
		ID:         q.ID,
		Response:   response,
		Sources:    []models.SourceRef{},
		Confidence: 0,
	}
}

// acquireSlot reserves an in-flight slot or rejects with CAPACITY_EXCEEDED
// without occupying one.
func (p *Processor) acquireSlot(q *models.Query, maxConcurrent int) error {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) >= maxConcurrent {
		return &models.Error{
			Code:    models.ErrCapacityExceeded,
			Message: fmt.Sprintf("query capacity %d reached", maxConcurrent),
		}
	}
	// Reserve the slot immediately; register fills in the cancel handle.
	p.active[q.ID] = &activeQuery{startedAt: time.Now(), context: q.Context}
	return nil
}

func (p *Processor) register(q *models.Query, cancel context.CancelFunc) {
	p.mu.Lock()
	if aq, ok := p.active[q.ID]; ok {
		aq.cancel = cancel
	}
	p.mu.Unlock()
}

// release frees the slot on every exit path.
func (p *Processor) release(queryID string, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	delete(p.active, queryID)
	p.mu.Unlock()
}

// ActiveCount reports the number of in-flight queries.
func (p *Processor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Cancel aborts an in-flight query. Returns false for unknown ids.
func (p *Processor) Cancel(queryID string) bool {
	p.mu.Lock()
	aq, ok := p.active[queryID]
	if ok {
		delete(p.active, queryID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if aq.cancel != nil {
		aq.cancel()
	}
	p.log.Info().Str("query_id", queryID).Msg("Query cancelled")
	return true
}

// QueryStatus returns the request context of an in-flight query, or nil.
func (p *Processor) QueryStatus(queryID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if aq, ok := p.active[queryID]; ok {
		return aq.context
	}
	return nil
}

// rememberQuery records the fingerprint-to-query mapping so warmed
// fingerprints can be re-run. The table is bounded; overflow drops an
// arbitrary entry.
func (p *Processor) rememberQuery(fp string, q *models.Query) {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()

	if _, ok := p.recent[fp]; !ok && len(p.recent) >= recentQueryLimit {
		for k := range p.recent {
			delete(p.recent, k)
			break
		}
	}
	p.recent[fp] = *q
}

// Materialize re-runs the pipeline for a known fingerprint so its result
// lands in the cache. Unknown fingerprints are an error.
func (p *Processor) Materialize(ctx context.Context, fingerprint string) error {
	p.recentMu.Lock()
	q, ok := p.recent[fingerprint]
	p.recentMu.Unlock()

	if !ok {
		return fmt.Errorf("unknown fingerprint %s", fingerprint)
	}
	q.ID = "" // fresh id per run; Validate assigns one
	_, err := p.Process(ctx, &q)
	return err
}

// Health reports whether the processor can serve queries.
func (p *Processor) Health(ctx context.Context) error {
	if err := p.cache.Health(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// emit publishes the completion metric.
func (p *Processor) emit(q *models.Query, result *models.QueryResult, err error, start time.Time) {
	if p.onComplete == nil {
		return
	}
	completion := Completion{
		QueryID:     q.ID,
		UserID:      q.UserID,
		ResponseMs:  time.Since(start).Milliseconds(),
		SourceCount: len(result.Sources),
		Confidence:  result.Confidence,
		Success:     err == nil,
		Cached:      result.Cached,
	}
	if err != nil {
		completion.ErrorCode = models.CodeOf(err)
	}
	p.onComplete(completion)
}

// emitUsage publishes the usage-tracking event for the warmer.
func (p *Processor) emitUsage(fp string, processingMs int64, contributing []string) {
	if p.onUsage == nil {
		return
	}
	p.onUsage(fp, processingMs, contributing)
}
