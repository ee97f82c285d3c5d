// Package health probes system components, tracks rolling performance
// metrics, and emits threshold alerts.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/query"
	"github.com/thebtf/recall/pkg/models"
)

const (
	// criticalConsecutiveFailures escalates the consecutive-failure alert.
	criticalConsecutiveFailures = 5

	// errorRateCriticalFactor escalates the error-rate alert.
	errorRateCriticalFactor = 2.0

	// alertRetention caps how many emitted alerts are kept for inspection.
	alertRetention = 100

	meterName = "recall.monitor"
)

// queryRecord is one completed query in the rolling window.
type queryRecord struct {
	at         time.Time
	errorCode  models.ErrorCode
	queryID    string
	userID     string
	responseMs int64
	sources    int
	confidence float64
	success    bool
	cached     bool
}

// sourceMetrics tracks connection health for one data source.
type sourceMetrics struct {
	lastSuccess         time.Time
	attempts            int64
	consecutiveFailures int
	alerted             bool
}

// AlertFunc receives each alert as it is emitted.
type AlertFunc func(models.Alert)

// Monitor keeps a rolling window of query records and system snapshots,
// computes performance metrics and trends, and emits edge-triggered
// alerts.
type Monitor struct {
	onAlert AlertFunc

	records   []queryRecord
	snapshots []models.SystemHealth
	alerts    []models.Alert
	perSource map[string]*sourceMetrics

	queriesTotal metric.Int64Counter
	responseHist metric.Float64Histogram

	log   zerolog.Logger
	cfg   config.MonitorConfig
	mu    sync.Mutex
	cfgMu sync.RWMutex

	consecutiveFailures int
	failureAlertLevel   int
	slowActive          bool
	errorRateActive     bool
	started             bool
	stopCh              chan struct{}
	doneCh              chan struct{}
}

// NewMonitor wires a performance monitor.
func NewMonitor(cfg config.MonitorConfig, onAlert AlertFunc, log zerolog.Logger) *Monitor {
	meter := otel.Meter(meterName)
	queriesTotal, _ := meter.Int64Counter("recall.queries.total",
		metric.WithDescription("Completed queries"))
	responseHist, _ := meter.Float64Histogram("recall.query.response_ms",
		metric.WithDescription("Query response time"),
		metric.WithUnit("ms"))

	return &Monitor{
		onAlert:      onAlert,
		perSource:    make(map[string]*sourceMetrics),
		queriesTotal: queriesTotal,
		responseHist: responseHist,
		cfg:          cfg,
		log:          log.With().Str("component", "monitor").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// UpdateConfig swaps in new monitoring thresholds.
func (m *Monitor) UpdateConfig(cfg config.MonitorConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Monitor) config() config.MonitorConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Monitor) retention() time.Duration {
	hours := m.config().RetentionHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Record ingests one query completion. Satisfies query.CompletionFunc.
func (m *Monitor) Record(c query.Completion) {
	m.queriesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("success", c.Success),
		attribute.Bool("cached", c.Cached),
	))
	m.responseHist.Record(context.Background(), float64(c.ResponseMs))

	cfg := m.config()

	m.mu.Lock()
	m.records = append(m.records, queryRecord{
		at:         time.Now(),
		errorCode:  c.ErrorCode,
		queryID:    c.QueryID,
		userID:     c.UserID,
		responseMs: c.ResponseMs,
		sources:    c.SourceCount,
		confidence: c.Confidence,
		success:    c.Success,
		cached:     c.Cached,
	})

	var alerts []models.Alert

	if c.Success {
		m.consecutiveFailures = 0
		m.failureAlertLevel = 0
	} else {
		m.consecutiveFailures++
		if m.consecutiveFailures >= criticalConsecutiveFailures && m.failureAlertLevel < 2 {
			m.failureAlertLevel = 2
			alerts = append(alerts, m.alert("queries", models.SeverityCritical,
				"%d consecutive query failures", m.consecutiveFailures))
		} else if cfg.ConsecutiveFailures > 0 && m.consecutiveFailures >= cfg.ConsecutiveFailures && m.failureAlertLevel < 1 {
			m.failureAlertLevel = 1
			alerts = append(alerts, m.alert("queries", models.SeverityHigh,
				"%d consecutive query failures", m.consecutiveFailures))
		}
	}

	if cfg.ResponseTimeMs > 0 {
		slow := float64(c.ResponseMs) > cfg.ResponseTimeMs
		if slow && !m.slowActive {
			m.slowActive = true
			alerts = append(alerts, m.alert("queries", models.SeverityMedium,
				"slow response: %dms exceeds %.0fms", c.ResponseMs, cfg.ResponseTimeMs))
		} else if !slow {
			m.slowActive = false
		}
	}
	m.mu.Unlock()

	m.emit(alerts)
}

// RecordProbe ingests one data-source probe outcome. The consecutive-
// failure alert fires once when the threshold is crossed and re-arms on
// the first success.
func (m *Monitor) RecordProbe(sourceID string, healthy bool) {
	cfg := m.config()

	m.mu.Lock()
	sm, ok := m.perSource[sourceID]
	if !ok {
		sm = &sourceMetrics{}
		m.perSource[sourceID] = sm
	}
	sm.attempts++

	var alerts []models.Alert
	if healthy {
		sm.lastSuccess = time.Now()
		sm.consecutiveFailures = 0
		sm.alerted = false
	} else {
		sm.consecutiveFailures++
		if cfg.ConsecutiveFailures > 0 && sm.consecutiveFailures >= cfg.ConsecutiveFailures && !sm.alerted {
			sm.alerted = true
			severity := models.SeverityHigh
			if sm.consecutiveFailures >= criticalConsecutiveFailures {
				severity = models.SeverityCritical
			}
			alerts = append(alerts, m.alert("data_sources", severity,
				"source %s: %d consecutive probe failures", sourceID, sm.consecutiveFailures))
		}
	}
	m.mu.Unlock()

	m.emit(alerts)
}

// SourceMetrics reports connection health for one source.
func (m *Monitor) SourceMetrics(sourceID string) (lastSuccess time.Time, attempts int64, consecutiveFailures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.perSource[sourceID]
	if !ok {
		return time.Time{}, 0, 0
	}
	return sm.lastSuccess, sm.attempts, sm.consecutiveFailures
}

// Metrics summarizes the rolling query window.
func (m *Monitor) Metrics() models.PerformanceMetrics {
	m.mu.Lock()
	records := append([]queryRecord(nil), m.records...)
	m.mu.Unlock()
	return summarize(records)
}

func summarize(records []queryRecord) models.PerformanceMetrics {
	out := models.PerformanceMetrics{TotalQueries: int64(len(records))}
	if len(records) == 0 {
		return out
	}

	times := make([]float64, 0, len(records))
	var sum float64
	for _, r := range records {
		if r.success {
			out.SuccessfulQueries++
		} else {
			out.FailedQueries++
		}
		if r.cached {
			out.CachedQueries++
		}
		times = append(times, float64(r.responseMs))
		sum += float64(r.responseMs)
	}
	sort.Float64s(times)

	out.AvgResponseMs = sum / float64(len(times))
	out.P50ResponseMs = percentile(times, 0.50)
	out.P90ResponseMs = percentile(times, 0.90)
	out.P95ResponseMs = percentile(times, 0.95)
	out.P99ResponseMs = percentile(times, 0.99)
	out.ErrorRate = float64(out.FailedQueries) / float64(out.TotalQueries)
	out.CacheHitRate = float64(out.CachedQueries) / float64(out.TotalQueries)
	return out
}

// percentile reads the nearest-rank value from sorted times.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Trends splits the retained window into older and newer halves and flags
// degradation.
func (m *Monitor) Trends() models.TrendsSnapshot {
	retention := m.retention()
	cutoff := time.Now().Add(-retention / 2)

	m.mu.Lock()
	var older, newer []queryRecord
	for _, r := range m.records {
		if r.at.Before(cutoff) {
			older = append(older, r)
		} else {
			newer = append(newer, r)
		}
	}
	m.mu.Unlock()

	oldM := summarize(older)
	newM := summarize(newer)

	snap := models.TrendsSnapshot{
		OlderAvgResponseMs: oldM.AvgResponseMs,
		NewerAvgResponseMs: newM.AvgResponseMs,
		OlderErrorRate:     oldM.ErrorRate,
		NewerErrorRate:     newM.ErrorRate,
	}
	if oldM.AvgResponseMs > 0 && newM.AvgResponseMs >= oldM.AvgResponseMs*1.2 {
		snap.DegradingResponseTime = true
	}
	if oldM.ErrorRate > 0 && newM.ErrorRate >= oldM.ErrorRate*1.5 {
		snap.IncreasingErrorRate = true
	}
	return snap
}

// RecordSnapshot retains a system-health snapshot.
func (m *Monitor) RecordSnapshot(health models.SystemHealth) {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, health)
	m.mu.Unlock()
}

// Snapshots copies the retained system-health history.
func (m *Monitor) Snapshots() []models.SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SystemHealth(nil), m.snapshots...)
}

// Alerts copies recently emitted alerts.
func (m *Monitor) Alerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Alert(nil), m.alerts...)
}

// checkErrorRate fires the error-rate alert on the rising edge and re-arms
// once the rate falls back under the threshold. Called on each cleanup
// tick.
func (m *Monitor) checkErrorRate() {
	cfg := m.config()
	if cfg.ErrorRate <= 0 {
		return
	}
	metrics := m.Metrics()
	if metrics.TotalQueries == 0 {
		return
	}

	m.mu.Lock()
	var alerts []models.Alert
	if metrics.ErrorRate > cfg.ErrorRate {
		if !m.errorRateActive {
			m.errorRateActive = true
			severity := models.SeverityHigh
			if metrics.ErrorRate > cfg.ErrorRate*errorRateCriticalFactor {
				severity = models.SeverityCritical
			}
			alerts = append(alerts, m.alert("queries", severity,
				"error rate %.1f%% exceeds %.1f%%", metrics.ErrorRate*100, cfg.ErrorRate*100))
		}
	} else {
		m.errorRateActive = false
	}
	m.mu.Unlock()

	m.emit(alerts)
}

// cleanup drops records and snapshots older than the retention window.
func (m *Monitor) cleanup() {
	cutoff := time.Now().Add(-m.retention())

	m.mu.Lock()
	kept := m.records[:0]
	for _, r := range m.records {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	m.records = kept

	keptSnaps := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.Timestamp.After(cutoff) {
			keptSnaps = append(keptSnaps, s)
		}
	}
	m.snapshots = keptSnaps
	m.mu.Unlock()
}

// Run drives the cleanup and error-rate loop until ctx is cancelled or
// Stop is called.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	defer close(m.doneCh)

	for {
		interval := time.Duration(m.config().SnapshotIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(interval):
			m.cleanup()
			m.checkErrorRate()
		}
	}
}

// Stop terminates the run loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}

// alert builds and retains an alert. Callers hold m.mu.
func (m *Monitor) alert(component string, severity models.AlertSeverity, format string, args ...any) models.Alert {
	a := models.Alert{
		Timestamp: time.Now(),
		Component: component,
		Severity:  severity,
		Message:   fmt.Sprintf(format, args...),
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > alertRetention {
		m.alerts = m.alerts[len(m.alerts)-alertRetention:]
	}
	return a
}

// emit delivers alerts outside the lock.
func (m *Monitor) emit(alerts []models.Alert) {
	for _, a := range alerts {
		m.log.Warn().
			Str("alert_component", a.Component).
			Str("severity", string(a.Severity)).
			Msg(a.Message)
		if m.onAlert != nil {
			m.onAlert(a)
		}
	}
}
