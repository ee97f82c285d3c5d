package index

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

// Indexer turns Content into chunks plus embeddings and persists them to
// the vector store, idempotently keyed by content text hash.
type Indexer struct {
	provider embedding.Provider
	store    vector.Store
	cache    *cache.Store
	log      zerolog.Logger
	cfg      config.IndexConfig
	mu       sync.RWMutex
}

// NewIndexer wires the indexing pipeline.
func NewIndexer(provider embedding.Provider, store vector.Store, cacheStore *cache.Store, cfg config.IndexConfig, log zerolog.Logger) *Indexer {
	return &Indexer{
		provider: provider,
		store:    store,
		cache:    cacheStore,
		cfg:      cfg,
		log:      log.With().Str("component", "indexer").Logger(),
	}
}

// UpdateConfig swaps in new chunking knobs for subsequent operations.
func (ix *Indexer) UpdateConfig(cfg config.IndexConfig) {
	ix.mu.Lock()
	ix.cfg = cfg
	ix.mu.Unlock()
}

func (ix *Indexer) config() config.IndexConfig {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cfg
}

// TextHash computes the idempotence marker for content text: a 32-bit
// polynomial hash rendered positive in base-36.
func TextHash(text string) string {
	var h int32
	for _, r := range text {
		h = h*31 + int32(r)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// chunkDocID is the vector-store id for one chunk of a content.
func chunkDocID(contentID string, position int) string {
	return fmt.Sprintf("%s#%d", contentID, position)
}

// IndexContent chunks, embeds, and upserts one content item. An unchanged
// text hash short-circuits with zero embeddings generated.
func (ix *Indexer) IndexContent(ctx context.Context, content *models.Content, strategy string) *models.IndexingResult {
	start := time.Now()
	result := &models.IndexingResult{ContentID: content.ID, Status: models.IndexSuccess}

	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	if err := content.Validate(); err != nil {
		result.Status = models.IndexFailed
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	cfg := ix.config()
	if strategy == "" {
		strategy = cfg.Strategy
	}
	chunker, err := ChunkerFor(strategy)
	if err != nil {
		result.Status = models.IndexFailed
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	// Idempotence gate: unchanged text means nothing to re-embed.
	hash := TextHash(content.Text)
	if stored := ix.cache.GetContentHash(ctx, content.ID); stored == hash {
		if prev := ix.cache.GetIndexed(ctx, content.ID); prev != nil {
			result.ChunksCreated = prev.ChunksCreated
		}
		ix.log.Debug().Str("content_id", content.ID).Msg("Content unchanged, skipping reindex")
		return result
	}

	chunks := chunker.Chunk(content.Text, ChunkOptions{
		ChunkSize:    cfg.ChunkSize,
		Overlap:      cfg.Overlap,
		MinChunkSize: cfg.MinChunkSize,
	})
	result.ChunksCreated = len(chunks)

	if cfg.ExtractMetadata {
		extracted := ExtractMetadata(content.Text)
		if content.Metadata == nil {
			content.Metadata = extracted
		} else {
			for k, v := range extracted {
				if _, exists := content.Metadata[k]; !exists {
					content.Metadata[k] = v
				}
			}
		}
	}

	// Full-text embedding first; its failure means the query path could
	// never retrieve this content, so the whole item fails.
	full, err := ix.embedCached(ctx, content.Text)
	if err != nil {
		result.Status = models.IndexFailed
		result.Errors = append(result.Errors, fmt.Sprintf("embed full text: %v", err))
		return result
	}
	content.Embedding = full

	embedded := ix.embedChunks(ctx, chunks, result)
	if len(chunks) > 0 && len(embedded) == 0 {
		result.Status = models.IndexFailed
		return result
	}
	if len(embedded) < len(chunks) {
		result.Status = models.IndexPartial
	}

	docs := make([]vector.Document, 0, len(embedded)+1)
	docs = append(docs, vector.Document{
		ID:       content.ID,
		Vector:   full,
		Metadata: ix.docMetadata(content, content.Text, -1),
	})
	for _, chunk := range embedded {
		docs = append(docs, vector.Document{
			ID:       chunkDocID(content.ID, chunk.Position),
			Vector:   chunk.Embedding,
			Metadata: ix.docMetadata(content, chunk.Text, chunk.Position),
		})
	}
	if err := ix.store.Upsert(ctx, docs); err != nil {
		result.Status = models.IndexFailed
		result.Errors = append(result.Errors, fmt.Sprintf("vector upsert: %v", err))
		return result
	}

	content.Chunks = embedded
	content.Version++
	content.LastUpdated = time.Now()

	if err := ix.cache.SetContentHash(ctx, content.ID, hash); err != nil {
		ix.log.Warn().Err(err).Str("content_id", content.ID).Msg("Content hash write failed")
	}
	if err := ix.cache.SetProcessedContent(ctx, content); err != nil {
		ix.log.Warn().Err(err).Str("content_id", content.ID).Msg("Processed content write failed")
	}
	if err := ix.cache.MarkIndexed(ctx, content.ID, result); err != nil {
		ix.log.Warn().Err(err).Str("content_id", content.ID).Msg("Index marker write failed")
	}

	ix.log.Info().
		Str("content_id", content.ID).
		Str("strategy", strategy).
		Int("chunks", result.ChunksCreated).
		Int("embeddings", result.EmbeddingsGenerated).
		Msg("Content indexed")
	return result
}

// embedCached resolves an embedding through the cache before hitting the
// provider.
func (ix *Indexer) embedCached(ctx context.Context, text string) ([]float32, error) {
	hash := embedding.TextHash(text)
	if vec := ix.cache.GetEmbedding(ctx, hash); vec != nil {
		return vec, nil
	}
	res, err := ix.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := ix.cache.SetEmbedding(ctx, hash, res.Vector); err != nil {
		ix.log.Debug().Err(err).Msg("Embedding cache write failed")
	}
	return res.Vector, nil
}

// embedChunks fills chunk embeddings, preferring cached vectors and one
// batch provider call for the rest. When the batch call fails the chunks
// are retried individually so a single bad chunk degrades to partial
// instead of failing the item.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []models.Chunk, result *models.IndexingResult) []models.Chunk {
	if len(chunks) == 0 {
		return nil
	}

	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = embedding.TextHash(c.Text)
	}
	cached := ix.cache.BatchGetEmbeddings(ctx, hashes)

	var missing []int
	for i := range chunks {
		if vec, ok := cached[hashes[i]]; ok {
			chunks[i].Embedding = vec
		} else {
			missing = append(missing, i)
		}
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = chunks[i].Text
		}

		fresh := make(map[string][]float32, len(missing))
		if results, err := ix.provider.EmbedBatch(ctx, texts); err == nil {
			for j, res := range results {
				i := missing[j]
				chunks[i].Embedding = res.Vector
				fresh[hashes[i]] = res.Vector
				result.EmbeddingsGenerated++
			}
		} else {
			ix.log.Warn().Err(err).Int("chunks", len(missing)).Msg("Batch embedding failed, retrying per chunk")
			ix.embedChunksIndividually(ctx, chunks, missing, hashes, fresh, result)
		}

		if err := ix.cache.BatchSetEmbeddings(ctx, fresh); err != nil {
			ix.log.Debug().Err(err).Msg("Embedding batch cache write failed")
		}
	}

	embedded := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedding != nil {
			embedded = append(embedded, c)
		}
	}
	return embedded
}

// embedChunksIndividually is the degraded path after a batch failure: each
// chunk is embedded in parallel up to the configured concurrency, and
// failures skip the chunk.
func (ix *Indexer) embedChunksIndividually(ctx context.Context, chunks []models.Chunk, missing []int, hashes []string, fresh map[string][]float32, result *models.IndexingResult) {
	cfg := ix.config()
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, i := range missing {
		i := i
		g.Go(func() error {
			res, err := ix.provider.Embed(gctx, chunks[i].Text)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("embed chunk %d: %v", chunks[i].Position, err))
				return nil // per-chunk failure never aborts siblings
			}
			chunks[i].Embedding = res.Vector
			fresh[hashes[i]] = res.Vector
			result.EmbeddingsGenerated++
			return nil
		})
	}
	_ = g.Wait()
}

// docMetadata builds the vector payload for one document. position -1
// marks the full-text document.
func (ix *Indexer) docMetadata(content *models.Content, text string, position int) map[string]any {
	meta := map[string]any{
		"contentId":  content.ID,
		"sourceId":   content.SourceID,
		"title":      content.Title,
		"text":       text,
		"position":   position,
		"modifiedAt": time.Now().Format(time.RFC3339),
	}
	for k, v := range content.Metadata {
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}
	return meta
}

// BatchIndex processes contents in groups of batchSize; within a group
// items run in parallel up to concurrency. Per-item failures land in the
// batch result; the batch itself always succeeds.
func (ix *Indexer) BatchIndex(ctx context.Context, contents []*models.Content, strategy string) *models.BatchResult {
	start := time.Now()
	cfg := ix.config()

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	batch := &models.BatchResult{Total: len(contents), Results: make([]models.IndexingResult, len(contents))}

	for groupStart := 0; groupStart < len(contents); groupStart += batchSize {
		groupEnd := groupStart + batchSize
		if groupEnd > len(contents) {
			groupEnd = len(contents)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i := groupStart; i < groupEnd; i++ {
			i := i
			g.Go(func() error {
				batch.Results[i] = *ix.IndexContent(gctx, contents[i], strategy)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range batch.Results {
		switch r.Status {
		case models.IndexSuccess:
			batch.Succeeded++
		case models.IndexPartial:
			batch.Partial++
		case models.IndexFailed:
			batch.Failed++
		}
	}
	batch.DurationMs = time.Since(start).Milliseconds()
	return batch
}

// UpdateIndex applies a set of change records for a source. Creates and
// updates leave a change marker for the external ingest flow; deletes
// remove cache entries and vector documents immediately.
func (ix *Indexer) UpdateIndex(ctx context.Context, sourceID string, changes []models.ContentChange) *models.BatchResult {
	start := time.Now()
	batch := &models.BatchResult{Total: len(changes)}

	for _, change := range changes {
		if change.SourceID == "" {
			change.SourceID = sourceID
		}
		if change.Timestamp.IsZero() {
			change.Timestamp = time.Now()
		}

		res := models.IndexingResult{ContentID: change.ContentID, Status: models.IndexSuccess}
		switch change.Type {
		case models.ChangeCreated, models.ChangeUpdated:
			if err := ix.cache.RecordContentChange(ctx, change); err != nil {
				res.Status = models.IndexFailed
				res.Errors = append(res.Errors, fmt.Sprintf("record change: %v", err))
			}
		case models.ChangeDeleted:
			if err := ix.removeContent(ctx, change.ContentID); err != nil {
				res.Status = models.IndexFailed
				res.Errors = append(res.Errors, err.Error())
			}
		default:
			res.Status = models.IndexFailed
			res.Errors = append(res.Errors, fmt.Sprintf("unknown change type %q", change.Type))
		}

		batch.Results = append(batch.Results, res)
		if res.Status == models.IndexSuccess {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
	}

	batch.DurationMs = time.Since(start).Milliseconds()
	ix.log.Info().
		Str("source_id", sourceID).
		Int("changes", len(changes)).
		Int("failed", batch.Failed).
		Msg("Index update applied")
	return batch
}

// removeContent drops a content's cache entries and vector documents. The
// index marker is consulted first to learn how many chunk documents exist.
func (ix *Indexer) removeContent(ctx context.Context, contentID string) error {
	ids := []string{contentID}
	if prev := ix.cache.GetIndexed(ctx, contentID); prev != nil {
		for pos := 0; pos < prev.ChunksCreated; pos++ {
			ids = append(ids, chunkDocID(contentID, pos))
		}
	}

	if _, err := ix.cache.Invalidate(ctx, "", "*"+contentID+"*"); err != nil {
		ix.log.Warn().Err(err).Str("content_id", contentID).Msg("Cache invalidation failed on delete")
	}
	if err := ix.store.Delete(ctx, ids); err != nil {
		return fmt.Errorf("vector delete %s: %w", contentID, err)
	}
	return nil
}
