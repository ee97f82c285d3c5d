// Package sources manages the fleet of searchable data sources.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/recall/pkg/models"
)

// ProbeFunc checks whether a source is reachable. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Registry enumerates active data sources and probes their health.
type Registry interface {
	ListActive(ctx context.Context) ([]models.DataSource, error)
	Probe(ctx context.Context, sourceID string) (*models.SourceHealth, error)
}

type entry struct {
	source     models.DataSource
	probe      ProbeFunc
	errorCount int
	lastError  string
}

// StaticRegistry holds an in-process source table with per-source probes.
type StaticRegistry struct {
	entries map[string]*entry
	log     zerolog.Logger
	mu      sync.RWMutex
}

// Compile-time check that StaticRegistry implements Registry.
var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry(log zerolog.Logger) *StaticRegistry {
	return &StaticRegistry{
		entries: make(map[string]*entry),
		log:     log.With().Str("component", "sources").Logger(),
	}
}

// Register adds or replaces a source. The probe may be nil, in which case
// the source always reports healthy.
func (r *StaticRegistry) Register(source models.DataSource, probe ProbeFunc) error {
	if source.ID == "" {
		return fmt.Errorf("register source: id is required")
	}
	if source.Name == "" {
		source.Name = source.ID
	}

	r.mu.Lock()
	r.entries[source.ID] = &entry{source: source, probe: probe}
	r.mu.Unlock()

	r.log.Info().Str("source_id", source.ID).Bool("active", source.Active).Msg("Source registered")
	return nil
}

// Deregister removes a source; unknown ids are ignored.
func (r *StaticRegistry) Deregister(sourceID string) {
	r.mu.Lock()
	delete(r.entries, sourceID)
	r.mu.Unlock()
}

// SetActive flips a source's active flag.
func (r *StaticRegistry) SetActive(sourceID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sourceID]
	if !ok {
		return fmt.Errorf("unknown source %q", sourceID)
	}
	e.source.Active = active
	return nil
}

// ListActive returns the active sources sorted by id.
func (r *StaticRegistry) ListActive(_ context.Context) ([]models.DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]models.DataSource, 0, len(r.entries))
	for _, e := range r.entries {
		if e.source.Active {
			active = append(active, e.source)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// Probe runs the source's health check and updates its error counters.
func (r *StaticRegistry) Probe(ctx context.Context, sourceID string) (*models.SourceHealth, error) {
	r.mu.RLock()
	e, ok := r.entries[sourceID]
	var probe ProbeFunc
	if ok {
		probe = e.probe
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source %q", sourceID)
	}

	health := &models.SourceHealth{IsHealthy: true}
	start := time.Now()
	if probe != nil {
		if err := probe(ctx); err != nil {
			r.mu.Lock()
			e.errorCount++
			e.lastError = err.Error()
			health.IsHealthy = false
			health.LastError = e.lastError
			health.ErrorCount = e.errorCount
			r.mu.Unlock()

			health.ResponseTimeMs = time.Since(start).Milliseconds()
			return health, nil
		}
	}

	r.mu.Lock()
	health.ErrorCount = e.errorCount
	r.mu.Unlock()
	health.ResponseTimeMs = time.Since(start).Milliseconds()
	return health, nil
}
