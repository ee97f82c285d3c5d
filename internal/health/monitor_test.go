package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/query"
	"github.com/thebtf/recall/pkg/models"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *alertSink) add(a models.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *alertSink) all() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.alerts...)
}

func testMonitor(t *testing.T) (*Monitor, *alertSink) {
	t.Helper()
	sink := &alertSink{}
	cfg := config.MonitorConfig{
		ResponseTimeMs:      1000,
		ErrorRate:           0.1,
		CacheHitRate:        0.3,
		MemoryUsage:         0.9,
		ConsecutiveFailures: 3,
		RetentionHours:      24,
	}
	return NewMonitor(cfg, sink.add, zerolog.Nop()), sink
}

func completion(success, cached bool, responseMs int64) query.Completion {
	return query.Completion{
		QueryID:     "q",
		ResponseMs:  responseMs,
		SourceCount: 1,
		Confidence:  0.8,
		Success:     success,
		Cached:      cached,
	}
}

func TestMetricsSummarizesWindow(t *testing.T) {
	m, _ := testMonitor(t)

	m.Record(completion(true, false, 100))
	m.Record(completion(true, true, 200))
	m.Record(completion(false, false, 300))
	m.Record(completion(true, false, 400))

	metrics := m.Metrics()
	assert.Equal(t, int64(4), metrics.TotalQueries)
	assert.Equal(t, int64(3), metrics.SuccessfulQueries)
	assert.Equal(t, int64(1), metrics.FailedQueries)
	assert.Equal(t, int64(1), metrics.CachedQueries)
	assert.InDelta(t, 250.0, metrics.AvgResponseMs, 0.001)
	assert.InDelta(t, 0.25, metrics.ErrorRate, 0.001)
	assert.InDelta(t, 0.25, metrics.CacheHitRate, 0.001)
}

func TestMetricsEmptyWindow(t *testing.T) {
	m, _ := testMonitor(t)
	metrics := m.Metrics()
	assert.Zero(t, metrics.TotalQueries)
	assert.Zero(t, metrics.AvgResponseMs)
}

func TestPercentilesAreOrdered(t *testing.T) {
	m, _ := testMonitor(t)
	for i := int64(1); i <= 100; i++ {
		m.Record(completion(true, false, i*10))
	}

	metrics := m.Metrics()
	assert.LessOrEqual(t, metrics.P50ResponseMs, metrics.P90ResponseMs)
	assert.LessOrEqual(t, metrics.P90ResponseMs, metrics.P95ResponseMs)
	assert.LessOrEqual(t, metrics.P95ResponseMs, metrics.P99ResponseMs)
	assert.InDelta(t, 510.0, metrics.P50ResponseMs, 0.001)
	assert.InDelta(t, 1000.0, metrics.P99ResponseMs, 0.001)
}

func TestConsecutiveFailureAlerts(t *testing.T) {
	m, sink := testMonitor(t)

	m.Record(completion(false, false, 10))
	m.Record(completion(false, false, 10))
	assert.Empty(t, sink.all())

	m.Record(completion(false, false, 10))
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)

	// Fourth failure stays inside the high band; fifth escalates once.
	m.Record(completion(false, false, 10))
	assert.Len(t, sink.all(), 1)
	m.Record(completion(false, false, 10))
	alerts = sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, models.SeverityCritical, alerts[1].Severity)

	// No re-fire while still failing.
	m.Record(completion(false, false, 10))
	assert.Len(t, sink.all(), 2)

	// Success re-arms; the next run of failures fires again.
	m.Record(completion(true, false, 10))
	m.Record(completion(false, false, 10))
	m.Record(completion(false, false, 10))
	m.Record(completion(false, false, 10))
	assert.Len(t, sink.all(), 3)
}

func TestSlowResponseAlertIsEdgeTriggered(t *testing.T) {
	m, sink := testMonitor(t)

	m.Record(completion(true, false, 1500))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, models.SeverityMedium, sink.all()[0].Severity)

	// Still slow: no second alert.
	m.Record(completion(true, false, 2000))
	assert.Len(t, sink.all(), 1)

	// Recovery then slow again: fires again.
	m.Record(completion(true, false, 100))
	m.Record(completion(true, false, 1500))
	assert.Len(t, sink.all(), 2)
}

func TestErrorRateAlertSeverity(t *testing.T) {
	m, sink := testMonitor(t)

	// 3 of 10 failed: 30% > 2 x 10% threshold.
	for i := 0; i < 7; i++ {
		m.Record(completion(true, false, 10))
	}
	m.Record(completion(false, false, 10))
	m.Record(completion(true, false, 10))
	m.Record(completion(false, false, 10))
	m.Record(completion(true, false, 10))
	m.Record(completion(false, false, 10))

	m.checkErrorRate()
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "queries", alerts[0].Component)

	// Still elevated: no re-fire.
	m.checkErrorRate()
	assert.Len(t, sink.all(), 1)
}

func TestSourceProbeTracking(t *testing.T) {
	m, sink := testMonitor(t)

	m.RecordProbe("docs", false)
	m.RecordProbe("docs", false)
	assert.Empty(t, sink.all())

	m.RecordProbe("docs", false)
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "data_sources", alerts[0].Component)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)

	// Alert latched until a success.
	m.RecordProbe("docs", false)
	assert.Len(t, sink.all(), 1)

	m.RecordProbe("docs", true)
	last, attempts, failures := m.SourceMetrics("docs")
	assert.False(t, last.IsZero())
	assert.Equal(t, int64(5), attempts)
	assert.Zero(t, failures)

	// Re-armed after the success.
	m.RecordProbe("docs", false)
	m.RecordProbe("docs", false)
	m.RecordProbe("docs", false)
	assert.Len(t, sink.all(), 2)
}

func TestTrendsFlagDegradation(t *testing.T) {
	m, _ := testMonitor(t)

	// Older half: fast and clean. Newer half: slow and failing.
	old := time.Now().Add(-20 * time.Hour)
	m.mu.Lock()
	for i := 0; i < 10; i++ {
		m.records = append(m.records, queryRecord{at: old, responseMs: 100, success: true})
	}
	m.mu.Unlock()
	for i := 0; i < 8; i++ {
		m.Record(completion(true, false, 200))
	}
	m.Record(completion(false, false, 200))
	m.Record(completion(false, false, 200))

	trends := m.Trends()
	assert.True(t, trends.DegradingResponseTime)
	assert.InDelta(t, 100.0, trends.OlderAvgResponseMs, 0.001)
	assert.InDelta(t, 200.0, trends.NewerAvgResponseMs, 0.001)
	assert.False(t, trends.IncreasingErrorRate) // older rate was zero
}

func TestCleanupDropsExpiredRecords(t *testing.T) {
	m, _ := testMonitor(t)

	m.mu.Lock()
	m.records = append(m.records, queryRecord{at: time.Now().Add(-25 * time.Hour), responseMs: 10, success: true})
	m.snapshots = append(m.snapshots, models.SystemHealth{Timestamp: time.Now().Add(-25 * time.Hour)})
	m.mu.Unlock()
	m.Record(completion(true, false, 10))
	m.RecordSnapshot(models.SystemHealth{Timestamp: time.Now(), Status: models.StatusHealthy})

	m.cleanup()

	assert.Equal(t, int64(1), m.Metrics().TotalQueries)
	assert.Len(t, m.Snapshots(), 1)
}

func TestAlertsRetentionCap(t *testing.T) {
	m, _ := testMonitor(t)

	m.mu.Lock()
	for i := 0; i < alertRetention+20; i++ {
		m.alert("queries", models.SeverityLow, "filler %d", i)
	}
	m.mu.Unlock()

	assert.Len(t, m.Alerts(), alertRetention)
}
