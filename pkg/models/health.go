package models

import "time"

// HealthStatus is the three-state component/system condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the outcome of probing one component.
type ComponentHealth struct {
	Details        map[string]any `json:"details,omitempty"`
	Name           string         `json:"name"`
	Status         HealthStatus   `json:"status"`
	Error          string         `json:"error,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms"`
}

// SystemHealth is the rolled-up snapshot published on each health tick.
type SystemHealth struct {
	Timestamp  time.Time         `json:"timestamp"`
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is emitted once per threshold-crossing edge.
type Alert struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Message   string        `json:"message"`
	Severity  AlertSeverity `json:"severity"`
}

// PerformanceMetrics summarizes the rolling query window.
type PerformanceMetrics struct {
	TotalQueries      int64   `json:"total_queries"`
	SuccessfulQueries int64   `json:"successful_queries"`
	FailedQueries     int64   `json:"failed_queries"`
	CachedQueries     int64   `json:"cached_queries"`
	AvgResponseMs     float64 `json:"avg_response_ms"`
	P50ResponseMs     float64 `json:"p50_response_ms"`
	P90ResponseMs     float64 `json:"p90_response_ms"`
	P95ResponseMs     float64 `json:"p95_response_ms"`
	P99ResponseMs     float64 `json:"p99_response_ms"`
	ErrorRate         float64 `json:"error_rate"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
}

// TrendsSnapshot compares the older and newer halves of the metric window.
type TrendsSnapshot struct {
	OlderAvgResponseMs    float64 `json:"older_avg_response_ms"`
	NewerAvgResponseMs    float64 `json:"newer_avg_response_ms"`
	OlderErrorRate        float64 `json:"older_error_rate"`
	NewerErrorRate        float64 `json:"newer_error_rate"`
	DegradingResponseTime bool    `json:"degrading_response_time"`
	IncreasingErrorRate   bool    `json:"increasing_error_rate"`
}
