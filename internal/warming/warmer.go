// Package warming maintains a popularity model over query fingerprints and
// proactively materializes hot results into the cache.
package warming

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/pkg/models"
)

const (
	// patternPrefixLen is how many fingerprint characters form a pattern.
	patternPrefixLen = 8

	// batchPause separates preload batches.
	batchPause = 100 * time.Millisecond

	// topPatternCount is how many patterns each tick warms.
	topPatternCount = 5

	// patternPriorityFloor gates pattern warming.
	patternPriorityFloor = 0.5

	// statsPerPattern caps fingerprints warmed per pattern per tick.
	statsPerPattern = 3

	// priorityRecencyWeight and priorityFrequencyWeight split priority
	// between how recent and how frequent a pattern is.
	priorityRecencyWeight   = 0.6
	priorityFrequencyWeight = 0.4

	// frequencySaturation is the count at which frequency maxes out.
	frequencySaturation = 100
)

// Materializer re-runs the query pipeline for a fingerprint so its result
// lands in the cache.
type Materializer interface {
	Materialize(ctx context.Context, fingerprint string) error
}

// pattern aggregates fingerprints sharing a prefix.
type pattern struct {
	lastUsed  time.Time
	frequency int64
	priority  float64
}

// Warmer tracks usage and periodically preloads popular fingerprints.
type Warmer struct {
	cache        *cache.Store
	materializer Materializer
	stats        map[string]*models.UsageStat
	patterns     map[string]*pattern
	stopCh       chan struct{}
	doneCh       chan struct{}
	log          zerolog.Logger
	cfg          config.WarmingConfig
	mu           sync.Mutex
	cfgMu        sync.RWMutex
	isWarming    atomic.Bool
	started      atomic.Bool
}

// NewWarmer wires a cache warmer.
func NewWarmer(cacheStore *cache.Store, materializer Materializer, cfg config.WarmingConfig, log zerolog.Logger) *Warmer {
	return &Warmer{
		cache:        cacheStore,
		materializer: materializer,
		stats:        make(map[string]*models.UsageStat),
		patterns:     make(map[string]*pattern),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		cfg:          cfg,
		log:          log.With().Str("component", "warmer").Logger(),
	}
}

// UpdateConfig swaps in new warming knobs; the run loop picks up interval
// and enablement changes on its next tick.
func (w *Warmer) UpdateConfig(cfg config.WarmingConfig) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

func (w *Warmer) config() config.WarmingConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

func (w *Warmer) maxAge() time.Duration {
	sec := w.config().MaxAgeSec
	if sec <= 0 {
		sec = 3600
	}
	return time.Duration(sec) * time.Second
}

// Track records one processed query: create-or-update the stat with an
// exponential-recency average, union the contributing sources, and update
// the pattern table.
func (w *Warmer) Track(fingerprint string, processingMs int64, contributingSources []string) {
	if fingerprint == "" {
		return
	}
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	stat, ok := w.stats[fingerprint]
	if !ok {
		stat = &models.UsageStat{
			Fingerprint:     fingerprint,
			Count:           1,
			AvgProcessingMs: float64(processingMs),
			LastAccessed:    now,
			Sources:         append([]string(nil), contributingSources...),
		}
		w.stats[fingerprint] = stat
	} else {
		stat.Count++
		stat.AvgProcessingMs = (stat.AvgProcessingMs + float64(processingMs)) / 2
		stat.LastAccessed = now
		stat.Sources = unionSources(stat.Sources, contributingSources)
	}

	prefix := patternPrefix(fingerprint)
	pat, ok := w.patterns[prefix]
	if !ok {
		pat = &pattern{}
		w.patterns[prefix] = pat
	}
	pat.frequency++
	pat.lastUsed = now
	pat.priority = w.priorityOf(pat, now)
}

// priorityOf scores a pattern: 0.6 recency + 0.4 saturated frequency.
func (w *Warmer) priorityOf(pat *pattern, now time.Time) float64 {
	maxAge := w.maxAge()
	recency := 1 - now.Sub(pat.lastUsed).Seconds()/maxAge.Seconds()
	if recency < 0 {
		recency = 0
	}
	freq := float64(pat.frequency) / frequencySaturation
	if freq > 1 {
		freq = 1
	}
	return priorityRecencyWeight*recency + priorityFrequencyWeight*freq
}

// Popular returns the hottest fingerprints: fresh enough, above the
// popularity threshold, ranked by count scaled down with age.
func (w *Warmer) Popular(limit int) []string {
	if limit <= 0 {
		return nil
	}
	cfg := w.config()
	maxAge := w.maxAge()
	now := time.Now()

	type ranked struct {
		fp    string
		score float64
	}

	w.mu.Lock()
	candidates := make([]ranked, 0, len(w.stats))
	for fp, stat := range w.stats {
		age := now.Sub(stat.LastAccessed)
		if age >= maxAge || stat.Count < cfg.PopularityThreshold {
			continue
		}
		candidates = append(candidates, ranked{
			fp:    fp,
			score: float64(stat.Count) / (age.Seconds() + 1),
		})
	}
	w.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	fps := make([]string, len(candidates))
	for i, c := range candidates {
		fps[i] = c.fp
	}
	return fps
}

// PreloadHot materializes popular fingerprints that are not already
// cached, in batches with a pause between them. At most one preload runs
// at a time.
func (w *Warmer) PreloadHot(ctx context.Context) int {
	if !w.isWarming.CompareAndSwap(false, true) {
		return 0
	}
	defer w.isWarming.Store(false)

	cfg := w.config()
	batchSize := cfg.PreloadBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	hot := w.Popular(batchSize * 4)
	return w.preload(ctx, hot, batchSize)
}

// preload walks fingerprints in batches. Returns how many were
// materialized.
func (w *Warmer) preload(ctx context.Context, fingerprints []string, batchSize int) int {
	warmed := 0
	for start := 0; start < len(fingerprints); start += batchSize {
		if start > 0 {
			select {
			case <-time.After(batchPause):
			case <-ctx.Done():
				return warmed
			}
		}

		end := start + batchSize
		if end > len(fingerprints) {
			end = len(fingerprints)
		}
		for _, fp := range fingerprints[start:end] {
			if ctx.Err() != nil {
				return warmed
			}
			if w.cache.GetQueryResult(ctx, fp) != nil {
				continue
			}
			if w.materializer == nil {
				continue
			}
			if err := w.materializer.Materialize(ctx, fp); err != nil {
				w.log.Debug().Err(err).Str("fingerprint", fp).Msg("Warm failed")
				continue
			}
			warmed++
		}
	}
	if warmed > 0 {
		w.log.Info().Int("warmed", warmed).Msg("Preloaded hot fingerprints")
	}
	return warmed
}

// InvalidateForSource drops cached results and stats touching a source.
func (w *Warmer) InvalidateForSource(ctx context.Context, sourceID string) {
	w.mu.Lock()
	var affected []string
	for fp, stat := range w.stats {
		for _, s := range stat.Sources {
			if s == sourceID {
				affected = append(affected, fp)
				break
			}
		}
	}
	for _, fp := range affected {
		delete(w.stats, fp)
	}
	w.mu.Unlock()

	for _, fp := range affected {
		if _, err := w.cache.Invalidate(ctx, cache.NamespaceQuery, cache.QueryKey(fp)+"*"); err != nil {
			w.log.Warn().Err(err).Str("fingerprint", fp).Msg("Query invalidation failed")
		}
	}
	// Content keys are not segmented by source, so the whole content
	// namespace goes.
	if len(affected) > 0 {
		if _, err := w.cache.Invalidate(ctx, cache.NamespaceContent, ""); err != nil {
			w.log.Warn().Err(err).Str("source_id", sourceID).Msg("Content invalidation failed")
		}
	}
	w.log.Info().Str("source_id", sourceID).Int("stats_dropped", len(affected)).Msg("Source invalidated")
}

// tick is one warming cycle: prune stale stats, preload hot fingerprints,
// then warm the top patterns.
func (w *Warmer) tick(ctx context.Context) {
	w.cleanup()
	w.PreloadHot(ctx)
	w.warmTopPatterns(ctx)
}

// cleanup prunes stats and patterns idle beyond maxAge.
func (w *Warmer) cleanup() {
	maxAge := w.maxAge()
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for fp, stat := range w.stats {
		if now.Sub(stat.LastAccessed) >= maxAge {
			delete(w.stats, fp)
		}
	}
	for prefix, pat := range w.patterns {
		if now.Sub(pat.lastUsed) >= maxAge {
			delete(w.patterns, prefix)
		}
	}
}

// warmTopPatterns preloads up to statsPerPattern fingerprints for each of
// the top patterns above the priority floor.
func (w *Warmer) warmTopPatterns(ctx context.Context) {
	now := time.Now()

	type scored struct {
		prefix   string
		priority float64
	}

	w.mu.Lock()
	patterns := make([]scored, 0, len(w.patterns))
	for prefix, pat := range w.patterns {
		if priority := w.priorityOf(pat, now); priority > patternPriorityFloor {
			patterns = append(patterns, scored{prefix: prefix, priority: priority})
		}
	}
	w.mu.Unlock()

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].priority > patterns[j].priority })
	if len(patterns) > topPatternCount {
		patterns = patterns[:topPatternCount]
	}

	cfg := w.config()
	batchSize := cfg.PreloadBatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	for _, pat := range patterns {
		w.mu.Lock()
		var fps []string
		for fp := range w.stats {
			if strings.HasPrefix(fp, pat.prefix) {
				fps = append(fps, fp)
				if len(fps) >= statsPerPattern {
					break
				}
			}
		}
		w.mu.Unlock()
		w.preload(ctx, fps, batchSize)
	}
}

// Run drives the warming loop until ctx is cancelled or Stop is called.
func (w *Warmer) Run(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.doneCh)

	for {
		cfg := w.config()
		interval := time.Duration(cfg.IntervalSec) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-time.After(interval):
			if w.config().Enabled {
				w.tick(ctx)
			}
		}
	}
}

// Stop terminates the run loop and waits for it to exit.
func (w *Warmer) Stop() {
	if !w.started.Load() {
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// StatsSnapshot copies the current usage stats, for inspection.
func (w *Warmer) StatsSnapshot() []models.UsageStat {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]models.UsageStat, 0, len(w.stats))
	for _, stat := range w.stats {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func patternPrefix(fingerprint string) string {
	if len(fingerprint) <= patternPrefixLen {
		return fingerprint
	}
	return fingerprint[:patternPrefixLen]
}

func unionSources(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	for _, s := range incoming {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			existing = append(existing, s)
		}
	}
	return existing
}
