// Package config provides configuration management for recall.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
)

// Default knob values.
const (
	// DefaultHTTPPort is the default HTTP port for the daemon.
	DefaultHTTPPort = 38080

	// DefaultMaxConcurrentQueries caps in-flight queries.
	DefaultMaxConcurrentQueries = 50

	// DefaultQueryTimeoutMs bounds the whole query pipeline.
	DefaultQueryTimeoutMs = 10000

	// DefaultMaxResultsPerSource is the per-source top-k.
	DefaultMaxResultsPerSource = 20

	// DefaultQueryResultTTLSec is the cache TTL for query results.
	DefaultQueryResultTTLSec = 300

	// DefaultEmbeddingTTLSec is the cache TTL for embeddings and processed content.
	DefaultEmbeddingTTLSec = 3600

	// DefaultChangeRecordTTLSec is the TTL for content change markers (24h).
	DefaultChangeRecordTTLSec = 86400
)

// QueryConfig holds query-processor knobs.
type QueryConfig struct {
	MaxConcurrentQueries   int     `json:"max_concurrent_queries"`
	DefaultTimeoutMs       int     `json:"default_timeout_ms"`
	MaxResultsPerSource    int     `json:"max_results_per_source"`
	MinConfidenceThreshold float64 `json:"min_confidence_threshold"`
	EnableParallelSearch   bool    `json:"enable_parallel_search"`
	CacheEnabled           bool    `json:"cache_enabled"`
}

// CacheConfig holds cache-store knobs.
type CacheConfig struct {
	Backend            string `json:"backend"` // "redis" or "memory"
	RedisAddr          string `json:"redis_addr"`
	RedisPassword      string `json:"redis_password,omitempty"`
	QueryResultTTLSec  int    `json:"query_result_ttl_sec"`
	EmbeddingTTLSec    int    `json:"embedding_ttl_sec"`
	ChangeRecordTTLSec int    `json:"change_record_ttl_sec"`
	MaxMemoryBytes     int64  `json:"max_memory_bytes"`
}

// IndexConfig holds indexing-pipeline knobs.
type IndexConfig struct {
	Strategy        string `json:"strategy"` // "sliding-window" or "sentence"
	ChunkSize       int    `json:"chunk_size"`
	Overlap         int    `json:"overlap"`
	MinChunkSize    int    `json:"min_chunk_size"`
	BatchSize       int    `json:"batch_size"`
	Concurrency     int    `json:"concurrency"`
	ExtractMetadata bool   `json:"extract_metadata"`
}

// WarmingConfig holds cache-warmer knobs. All hot-updatable.
type WarmingConfig struct {
	Enabled             bool  `json:"enabled"`
	IntervalSec         int   `json:"interval_sec"`
	MaxAgeSec           int   `json:"max_age_sec"`
	PopularityThreshold int64 `json:"popularity_threshold"`
	PreloadBatchSize    int   `json:"preload_batch_size"`
}

// MonitorConfig holds health/monitoring thresholds. All hot-updatable.
type MonitorConfig struct {
	ResponseTimeMs              float64 `json:"response_time_ms"`
	ErrorRate                   float64 `json:"error_rate"`
	CacheHitRate                float64 `json:"cache_hit_rate"`
	MemoryUsage                 float64 `json:"memory_usage"`
	ConsecutiveFailures         int     `json:"consecutive_failures"`
	DataSourceFailurePercentage float64 `json:"data_source_failure_percentage"`
	HealthIntervalSec           int     `json:"health_interval_sec"`
	SnapshotIntervalSec         int     `json:"snapshot_interval_sec"`
	RetentionHours              int     `json:"retention_hours"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `json:"provider"` // "openai" or "local"
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions"`
	MaxTokens  int    `json:"max_tokens"`
}

// VectorConfig selects and configures the vector-store backend.
type VectorConfig struct {
	Backend     string `json:"backend"` // "memory", "sqlite", "pgvector", "remote"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// Config holds the full application configuration.
type Config struct {
	Query     QueryConfig     `json:"query"`
	Cache     CacheConfig     `json:"cache"`
	Index     IndexConfig     `json:"index"`
	Warming   WarmingConfig   `json:"warming"`
	Monitor   MonitorConfig   `json:"monitor"`
	Embedding EmbeddingConfig `json:"embedding"`
	Vector    VectorConfig    `json:"vector"`
	HTTPPort  int             `json:"http_port"`
}

// DataDir returns the data directory path (~/.recall).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		HTTPPort: DefaultHTTPPort,
		Query: QueryConfig{
			MaxConcurrentQueries:   DefaultMaxConcurrentQueries,
			DefaultTimeoutMs:       DefaultQueryTimeoutMs,
			MaxResultsPerSource:    DefaultMaxResultsPerSource,
			MinConfidenceThreshold: 0.1,
			EnableParallelSearch:   true,
			CacheEnabled:           true,
		},
		Cache: CacheConfig{
			Backend:            "memory",
			RedisAddr:          "localhost:6379",
			QueryResultTTLSec:  DefaultQueryResultTTLSec,
			EmbeddingTTLSec:    DefaultEmbeddingTTLSec,
			ChangeRecordTTLSec: DefaultChangeRecordTTLSec,
			MaxMemoryBytes:     256 << 20,
		},
		Index: IndexConfig{
			Strategy:        "sliding-window",
			ChunkSize:       1000,
			Overlap:         200,
			MinChunkSize:    100,
			BatchSize:       10,
			Concurrency:     4,
			ExtractMetadata: true,
		},
		Warming: WarmingConfig{
			Enabled:             true,
			IntervalSec:         60,
			MaxAgeSec:           3600,
			PopularityThreshold: 3,
			PreloadBatchSize:    5,
		},
		Monitor: MonitorConfig{
			ResponseTimeMs:              2000,
			ErrorRate:                   0.05,
			CacheHitRate:                0.3,
			MemoryUsage:                 0.9,
			ConsecutiveFailures:         3,
			DataSourceFailurePercentage: 0.5,
			HealthIntervalSec:           30,
			SnapshotIntervalSec:         30,
			RetentionHours:              24,
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Dimensions: 384,
			MaxTokens:  8191,
		},
		Vector: VectorConfig{
			Backend:    "memory",
			SQLitePath: filepath.Join(DataDir(), "vectors.db"),
		},
	}
}

// Load loads configuration from the settings file, merging over defaults.
// A missing file yields defaults; a malformed file is an error.
func Load() (*Config, error) {
	return LoadFile(SettingsPath())
}

// LoadFile loads configuration from an explicit path, merging over defaults
// and applying environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// applyEnv overrides secrets and addresses from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RECALL_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("RECALL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("RECALL_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("RECALL_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("RECALL_POSTGRES_DSN"); v != "" {
		cfg.Vector.PostgresDSN = v
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if c.Query.MaxConcurrentQueries < 1 {
		return fmt.Errorf("query.max_concurrent_queries must be >= 1")
	}
	if c.Query.MinConfidenceThreshold < 0 || c.Query.MinConfidenceThreshold > 1 {
		return fmt.Errorf("query.min_confidence_threshold must be in [0,1]")
	}
	if c.Index.Overlap >= c.Index.ChunkSize {
		return fmt.Errorf("index.overlap must be smaller than index.chunk_size")
	}
	if c.Index.MinChunkSize > c.Index.ChunkSize {
		return fmt.Errorf("index.min_chunk_size must not exceed index.chunk_size")
	}
	return nil
}

// Manager wraps a Config with safe concurrent access and hot updates.
type Manager struct {
	cfg       *Config
	listeners []func(*Config)
	mu        sync.RWMutex
}

// NewManager creates a manager around an initial config.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// OnChange registers a callback invoked after every successful update.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Update applies a JSON merge patch to the hot-updatable knobs
// (warming, monitor thresholds, query timeouts) and notifies listeners.
func (m *Manager) Update(patch []byte) error {
	m.mu.Lock()

	next := *m.cfg
	if err := json.Unmarshal(patch, &next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("parse config patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("invalid config patch: %w", err)
	}

	m.cfg = &next
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(&next)
	}
	return nil
}

// Replace swaps in a freshly loaded config (used by the file watcher).
func (m *Manager) Replace(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}
