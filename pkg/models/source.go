package models

import "time"

// DataSource describes one searchable backend registered with the system.
type DataSource struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	URL      string         `json:"url,omitempty"`
	Active   bool           `json:"active"`
}

// SourceHealth is the outcome of probing one data source.
type SourceHealth struct {
	IsHealthy      bool   `json:"is_healthy"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCount     int    `json:"error_count"`
}

// UsageStat tracks how often a query fingerprint is processed.
type UsageStat struct {
	LastAccessed    time.Time `json:"last_accessed"`
	Fingerprint     string    `json:"fingerprint"`
	Sources         []string  `json:"sources,omitempty"`
	Count           int64     `json:"count"`
	AvgProcessingMs float64   `json:"avg_processing_ms"`
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	TotalKeys        int64   `json:"total_keys"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	Evictions        int64   `json:"evictions"`
}
