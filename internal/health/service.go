package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/sources"
	"github.com/thebtf/recall/pkg/models"
)

const (
	// embeddingProbeText is the canned input for the embedding probe.
	embeddingProbeText = "health probe"

	// defaultHeapThreshold degrades the api component when heap usage
	// crosses it and no threshold is configured.
	defaultHeapThreshold = 0.9

	// defaultCacheHitRateFloor degrades the cache component below it.
	defaultCacheHitRateFloor = 0.3

	// probeTimeout bounds each component probe.
	probeTimeout = 5 * time.Second
)

// Service probes components on a schedule and publishes SystemHealth
// snapshots through the monitor.
type Service struct {
	cache    *cache.Store
	registry sources.Registry
	provider embedding.Provider
	engine   *search.Engine
	monitor  *Monitor

	latest *models.SystemHealth

	log   zerolog.Logger
	cfg   config.MonitorConfig
	mu    sync.Mutex
	cfgMu sync.RWMutex

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Deps carries the service's collaborators. Any may be nil; the matching
// probe then reports unhealthy (or is skipped for the monitor).
type Deps struct {
	Cache    *cache.Store
	Registry sources.Registry
	Provider embedding.Provider
	Engine   *search.Engine
	Monitor  *Monitor
}

// NewService wires a health service.
func NewService(deps Deps, cfg config.MonitorConfig, log zerolog.Logger) *Service {
	return &Service{
		cache:    deps.Cache,
		registry: deps.Registry,
		provider: deps.Provider,
		engine:   deps.Engine,
		monitor:  deps.Monitor,
		cfg:      cfg,
		log:      log.With().Str("component", "health").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// UpdateConfig swaps in new thresholds.
func (s *Service) UpdateConfig(cfg config.MonitorConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Service) config() config.MonitorConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Check probes every component and rolls the results up into a
// SystemHealth snapshot.
func (s *Service) Check(ctx context.Context) models.SystemHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	components := []models.ComponentHealth{
		s.probeAPI(),
		s.probeCache(ctx),
		s.probeDataSources(ctx),
		s.probeEmbedding(ctx),
		s.probeVectorSearch(ctx),
		s.probeMonitoring(),
	}

	health := models.SystemHealth{
		Timestamp:  time.Now(),
		Status:     rollup(components),
		Components: components,
	}

	s.mu.Lock()
	s.latest = &health
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.RecordSnapshot(health)
	}
	return health
}

// Health returns the latest snapshot, probing if none exists yet.
func (s *Service) Health(ctx context.Context) models.SystemHealth {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()
	if latest != nil {
		return *latest
	}
	return s.Check(ctx)
}

// Components returns the per-component breakdown of the latest snapshot.
func (s *Service) Components(ctx context.Context) []models.ComponentHealth {
	return s.Health(ctx).Components
}

// rollup folds component statuses into the system status. An unhealthy
// api or cache makes the whole system unhealthy regardless of the rest.
func rollup(components []models.ComponentHealth) models.HealthStatus {
	anyUnhealthy := false
	anyDegraded := false
	for _, c := range components {
		switch c.Status {
		case models.StatusUnhealthy:
			if c.Name == "api" || c.Name == "cache" {
				return models.StatusUnhealthy
			}
			anyUnhealthy = true
		case models.StatusDegraded:
			anyDegraded = true
		}
	}
	if anyUnhealthy || anyDegraded {
		return models.StatusDegraded
	}
	return models.StatusHealthy
}

// probeAPI inspects the process's own heap pressure.
func (s *Service) probeAPI() models.ComponentHealth {
	start := time.Now()

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	threshold := s.config().MemoryUsage
	if threshold <= 0 {
		threshold = defaultHeapThreshold
	}

	usage := 0.0
	if stats.HeapSys > 0 {
		usage = float64(stats.HeapAlloc) / float64(stats.HeapSys)
	}

	status := models.StatusHealthy
	if usage > threshold {
		status = models.StatusDegraded
	}

	return models.ComponentHealth{
		Name:           "api",
		Status:         status,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Details: map[string]any{
			"heapAllocBytes": stats.HeapAlloc,
			"heapSysBytes":   stats.HeapSys,
			"heapUsage":      usage,
			"goroutines":     runtime.NumGoroutine(),
		},
	}
}

// probeCache pings the backend and inspects the hit rate.
func (s *Service) probeCache(ctx context.Context) models.ComponentHealth {
	start := time.Now()
	out := models.ComponentHealth{Name: "cache"}

	if s.cache == nil {
		out.Status = models.StatusUnhealthy
		out.Error = "cache not configured"
		return out
	}
	if err := s.cache.Health(ctx); err != nil {
		out.Status = models.StatusUnhealthy
		out.Error = err.Error()
		out.ResponseTimeMs = time.Since(start).Milliseconds()
		return out
	}

	stats := s.cache.Stats(ctx)
	floor := s.config().CacheHitRate
	if floor <= 0 {
		floor = defaultCacheHitRateFloor
	}

	out.Status = models.StatusHealthy
	if stats.Hits+stats.Misses > 0 && stats.HitRate < floor {
		out.Status = models.StatusDegraded
	}
	out.ResponseTimeMs = time.Since(start).Milliseconds()
	out.Details = map[string]any{
		"hitRate":   stats.HitRate,
		"totalKeys": stats.TotalKeys,
	}
	return out
}

// probeDataSources probes every active source concurrently and rolls the
// outcomes up by failure percentage.
func (s *Service) probeDataSources(ctx context.Context) models.ComponentHealth {
	start := time.Now()
	out := models.ComponentHealth{Name: "data_sources"}

	if s.registry == nil {
		out.Status = models.StatusUnhealthy
		out.Error = "registry not configured"
		return out
	}

	srcs, err := s.registry.ListActive(ctx)
	if err != nil {
		out.Status = models.StatusUnhealthy
		out.Error = err.Error()
		out.ResponseTimeMs = time.Since(start).Milliseconds()
		return out
	}
	if len(srcs) == 0 {
		out.Status = models.StatusUnhealthy
		out.Error = "no active data sources"
		out.ResponseTimeMs = time.Since(start).Milliseconds()
		return out
	}

	type outcome struct {
		id      string
		healthy bool
	}
	outcomes := make([]outcome, len(srcs))

	var wg sync.WaitGroup
	for i, src := range srcs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			healthy := false
			if probe, perr := s.registry.Probe(ctx, id); perr == nil && probe.IsHealthy {
				healthy = true
			}
			outcomes[i] = outcome{id: id, healthy: healthy}
		}(i, src.ID)
	}
	wg.Wait()

	unhealthy := 0
	details := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		if !o.healthy {
			unhealthy++
		}
		details[o.id] = o.healthy
		if s.monitor != nil {
			s.monitor.RecordProbe(o.id, o.healthy)
		}
	}

	failurePct := s.config().DataSourceFailurePercentage
	if failurePct <= 0 {
		failurePct = 0.5
	}

	switch {
	case unhealthy == 0:
		out.Status = models.StatusHealthy
	case unhealthy == len(outcomes):
		out.Status = models.StatusUnhealthy
		out.Error = "all data sources unhealthy"
	case float64(unhealthy)/float64(len(outcomes)) >= failurePct:
		out.Status = models.StatusUnhealthy
		out.Error = fmt.Sprintf("%d of %d data sources unhealthy", unhealthy, len(outcomes))
	default:
		out.Status = models.StatusDegraded
		out.Error = fmt.Sprintf("%d of %d data sources unhealthy", unhealthy, len(outcomes))
	}
	out.ResponseTimeMs = time.Since(start).Milliseconds()
	out.Details = details
	return out
}

// probeEmbedding embeds a canned text and requires a non-empty vector.
func (s *Service) probeEmbedding(ctx context.Context) models.ComponentHealth {
	start := time.Now()
	out := models.ComponentHealth{Name: "embedding_service"}

	if s.provider == nil {
		out.Status = models.StatusUnhealthy
		out.Error = "embedding provider not configured"
		return out
	}

	result, err := s.provider.Embed(ctx, embeddingProbeText)
	out.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		out.Status = models.StatusUnhealthy
		out.Error = err.Error()
		return out
	}
	if result == nil || len(result.Vector) == 0 {
		out.Status = models.StatusUnhealthy
		out.Error = "empty embedding vector"
		return out
	}
	out.Status = models.StatusHealthy
	out.Details = map[string]any{
		"provider":   s.provider.Name(),
		"dimensions": len(result.Vector),
	}
	return out
}

// probeVectorSearch runs a 1-hit search through the engine.
func (s *Service) probeVectorSearch(ctx context.Context) models.ComponentHealth {
	start := time.Now()
	out := models.ComponentHealth{Name: "vector_search"}

	if s.engine == nil {
		out.Status = models.StatusUnhealthy
		out.Error = "search engine not configured"
		return out
	}
	if err := s.engine.Health(ctx); err != nil {
		out.Status = models.StatusUnhealthy
		out.Error = err.Error()
	} else {
		out.Status = models.StatusHealthy
	}
	out.ResponseTimeMs = time.Since(start).Milliseconds()
	return out
}

// probeMonitoring requires a metrics snapshot to be available.
func (s *Service) probeMonitoring() models.ComponentHealth {
	out := models.ComponentHealth{Name: "monitoring"}
	if s.monitor == nil {
		out.Status = models.StatusUnhealthy
		out.Error = "monitor not configured"
		return out
	}
	metrics := s.monitor.Metrics()
	out.Status = models.StatusHealthy
	out.Details = map[string]any{
		"totalQueries": metrics.TotalQueries,
		"errorRate":    metrics.ErrorRate,
	}
	return out
}

// Run probes on a schedule until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.doneCh)

	for {
		interval := time.Duration(s.config().HealthIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(interval):
			health := s.Check(ctx)
			if health.Status != models.StatusHealthy {
				s.log.Warn().Str("status", string(health.Status)).Msg("System health check")
			}
		}
	}
}

// Stop terminates the run loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}
