package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thebtf/recall/pkg/models"
)

// Key namespaces. Each data key has a ":meta" sibling carrying access stats.
const (
	NamespaceQuery         = "query"
	NamespaceEmbedding     = "embedding"
	NamespaceContent       = "content"
	NamespaceContentHash   = "content_hash"
	NamespaceContentChange = "content_change"
	NamespaceIndexed       = "indexed_content"

	metaSuffix = ":meta"

	// contentHashTTL keeps idempotence markers far longer than data entries.
	contentHashTTL = 7 * 24 * time.Hour

	// metaBumpTimeout bounds the best-effort async access-stat update.
	metaBumpTimeout = 2 * time.Second
)

// Meta carries per-entry access statistics stored beside each data key.
type Meta struct {
	TimestampMs    int64 `json:"timestamp_ms"`
	TTLSec         int64 `json:"ttl_sec"`
	AccessCount    int64 `json:"access_count"`
	LastAccessedMs int64 `json:"last_accessed_ms"`
}

// TTLs groups the per-namespace expirations.
type TTLs struct {
	QueryResult  time.Duration
	Embedding    time.Duration
	ChangeRecord time.Duration
}

// Store is the typed cache over a Backend. It owns all cache entries;
// callers hold only fingerprints and ids.
type Store struct {
	backend Backend
	log     zerolog.Logger
	ttls    TTLs
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewStore creates a typed store over the given backend.
func NewStore(backend Backend, ttls TTLs, log zerolog.Logger) *Store {
	if ttls.QueryResult <= 0 {
		ttls.QueryResult = 5 * time.Minute
	}
	if ttls.Embedding <= 0 {
		ttls.Embedding = time.Hour
	}
	if ttls.ChangeRecord <= 0 {
		ttls.ChangeRecord = 24 * time.Hour
	}
	return &Store{
		backend: backend,
		ttls:    ttls,
		log:     log.With().Str("component", "cache").Logger(),
	}
}

// QueryKey returns the data key for a query fingerprint.
func QueryKey(fingerprint string) string { return NamespaceQuery + ":" + fingerprint }

// EmbeddingKey returns the data key for a text hash.
func EmbeddingKey(textHash string) string { return NamespaceEmbedding + ":" + textHash }

// ContentKey returns the data key for processed content.
func ContentKey(contentID string) string { return NamespaceContent + ":" + contentID }

// ContentHashKey returns the idempotence marker key for a content id.
func ContentHashKey(contentID string) string { return NamespaceContentHash + ":" + contentID }

// get reads and unmarshals a data key. Misses and backend errors both come
// back as found=false; backend errors are additionally logged. Both count
// as a miss.
func (s *Store) get(ctx context.Context, key string, out any) bool {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		s.misses.Add(1)
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.misses.Add(1)
		s.log.Warn().Err(err).Str("key", key).Msg("Cache entry corrupt, treating as miss")
		return false
	}
	s.hits.Add(1)
	s.bumpMeta(key)
	return true
}

// set marshals and stores a data key with its meta sibling.
func (s *Store) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := s.backend.SetEx(ctx, key, ttl, data); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	now := time.Now().UnixMilli()
	meta, _ := json.Marshal(Meta{
		TimestampMs:    now,
		TTLSec:         int64(ttl / time.Second),
		AccessCount:    0,
		LastAccessedMs: now,
	})
	if err := s.backend.SetEx(ctx, key+metaSuffix, ttl, meta); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("Meta write failed")
	}
	return nil
}

// bumpMeta increments access stats best-effort off the read path. Failures
// never block or fail the read.
func (s *Store) bumpMeta(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), metaBumpTimeout)
		defer cancel()

		metaKey := key + metaSuffix
		data, err := s.backend.Get(ctx, metaKey)
		if err != nil {
			return
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			return
		}
		meta.AccessCount++
		meta.LastAccessedMs = time.Now().UnixMilli()

		ttl := time.Duration(meta.TTLSec) * time.Second
		if ttl <= 0 {
			ttl = s.ttls.QueryResult
		}
		updated, _ := json.Marshal(meta)
		_ = s.backend.SetEx(ctx, metaKey, ttl, updated)
	}()
}

// GetQueryResult returns a cached result for a fingerprint, or nil.
func (s *Store) GetQueryResult(ctx context.Context, fingerprint string) *models.QueryResult {
	var result models.QueryResult
	if !s.get(ctx, QueryKey(fingerprint), &result) {
		return nil
	}
	return &result
}

// SetQueryResult caches a result under its fingerprint with the query TTL.
// The stored copy carries cached=true so subsequent hits report correctly.
func (s *Store) SetQueryResult(ctx context.Context, fingerprint string, result *models.QueryResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttls.QueryResult
	}
	stored := *result
	stored.Cached = true
	return s.set(ctx, QueryKey(fingerprint), &stored, ttl)
}

// GetEmbedding returns a cached embedding vector for a text hash, or nil.
func (s *Store) GetEmbedding(ctx context.Context, textHash string) []float32 {
	var vec []float32
	if !s.get(ctx, EmbeddingKey(textHash), &vec) {
		return nil
	}
	return vec
}

// SetEmbedding caches an embedding vector under its text hash.
func (s *Store) SetEmbedding(ctx context.Context, textHash string, vector []float32) error {
	return s.set(ctx, EmbeddingKey(textHash), vector, s.ttls.Embedding)
}

// BatchGetEmbeddings resolves many text hashes at once. The returned map
// contains only the hashes that were present.
func (s *Store) BatchGetEmbeddings(ctx context.Context, textHashes []string) map[string][]float32 {
	if len(textHashes) == 0 {
		return nil
	}
	keys := make([]string, len(textHashes))
	for i, h := range textHashes {
		keys[i] = EmbeddingKey(h)
	}

	values, err := s.backend.MGet(ctx, keys...)
	if err != nil {
		s.misses.Add(int64(len(keys)))
		s.log.Warn().Err(err).Int("keys", len(keys)).Msg("Batch cache read failed")
		return nil
	}

	found := make(map[string][]float32, len(textHashes))
	for i, data := range values {
		if data == nil {
			s.misses.Add(1)
			continue
		}
		var vec []float32
		if err := json.Unmarshal(data, &vec); err != nil {
			s.misses.Add(1)
			continue
		}
		s.hits.Add(1)
		found[textHashes[i]] = vec
	}
	return found
}

// BatchSetEmbeddings stores many embeddings in one pipelined transaction.
func (s *Store) BatchSetEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	items := make([]BatchItem, 0, len(embeddings))
	for hash, vec := range embeddings {
		data, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		items = append(items, BatchItem{
			Key:   EmbeddingKey(hash),
			Value: data,
			TTL:   s.ttls.Embedding,
		})
	}
	return s.backend.BatchSetEx(ctx, items)
}

// GetProcessedContent returns cached processed content, or nil.
func (s *Store) GetProcessedContent(ctx context.Context, contentID string) *models.Content {
	var content models.Content
	if !s.get(ctx, ContentKey(contentID), &content) {
		return nil
	}
	return &content
}

// SetProcessedContent caches processed content with the embedding TTL.
func (s *Store) SetProcessedContent(ctx context.Context, content *models.Content) error {
	return s.set(ctx, ContentKey(content.ID), content, s.ttls.Embedding)
}

// GetContentHash returns the stored text hash for a content id, or "".
func (s *Store) GetContentHash(ctx context.Context, contentID string) string {
	data, err := s.backend.Get(ctx, ContentHashKey(contentID))
	if err != nil {
		return ""
	}
	return string(data)
}

// SetContentHash stores the idempotence marker for a content id.
func (s *Store) SetContentHash(ctx context.Context, contentID, hash string) error {
	return s.backend.SetEx(ctx, ContentHashKey(contentID), contentHashTTL, []byte(hash))
}

// MarkIndexed records the indexing outcome for a content id under
// indexed_content:<contentId>. The indexer reads it back on delete to learn
// how many chunk documents exist in the vector store.
func (s *Store) MarkIndexed(ctx context.Context, contentID string, result *models.IndexingResult) error {
	return s.set(ctx, NamespaceIndexed+":"+contentID, result, s.ttls.Embedding)
}

// GetIndexed returns the recorded indexing outcome for a content id, or nil.
func (s *Store) GetIndexed(ctx context.Context, contentID string) *models.IndexingResult {
	var result models.IndexingResult
	if !s.get(ctx, NamespaceIndexed+":"+contentID, &result) {
		return nil
	}
	return &result
}

// RecordContentChange stores a change marker under
// content_change:<contentId>:<tsMs> with the change-record TTL.
func (s *Store) RecordContentChange(ctx context.Context, change models.ContentChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change record: %w", err)
	}
	key := fmt.Sprintf("%s:%s:%d", NamespaceContentChange, change.ContentID, change.Timestamp.UnixMilli())
	return s.backend.SetEx(ctx, key, s.ttls.ChangeRecord, data)
}

// Invalidate deletes all keys in a namespace matching pattern (defaults to
// "<namespace>:*") and returns the number deleted.
func (s *Store) Invalidate(ctx context.Context, namespace, pattern string) (int, error) {
	if pattern == "" {
		pattern = namespace + ":*"
	}
	keys, err := s.backend.Keys(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := s.backend.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate %s: %w", pattern, err)
	}
	s.log.Debug().Str("pattern", pattern).Int("deleted", deleted).Msg("Cache invalidated")
	return deleted, nil
}

// ClearAll drops every key and resets hit/miss counters.
func (s *Store) ClearAll(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx, "*")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if _, err := s.backend.Del(ctx, keys...); err != nil {
			return err
		}
	}
	s.hits.Store(0)
	s.misses.Store(0)
	return nil
}

// Stats reports hit/miss counters plus backend key count and memory usage.
func (s *Store) Stats(ctx context.Context) models.CacheStats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	stats := models.CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	if size, err := s.backend.DBSize(ctx); err == nil {
		stats.TotalKeys = size
	}
	if info, err := s.backend.Info(ctx); err == nil {
		if v, err := strconv.ParseInt(info["used_memory"], 10, 64); err == nil {
			stats.MemoryUsageBytes = v
		}
		if v, err := strconv.ParseInt(info["evicted_keys"], 10, 64); err == nil {
			stats.Evictions = v
		}
	}
	return stats
}

// Health round-trips the backend.
func (s *Store) Health(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
