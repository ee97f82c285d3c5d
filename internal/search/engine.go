// Package search implements hybrid semantic+keyword retrieval with
// multi-factor re-ranking and diversity selection.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/pkg/models"
)

// Ranking weights and factor contributions.
const (
	// DefaultVectorWeight is the fusion weight for the semantic side.
	DefaultVectorWeight = 0.7

	// DefaultKeywordWeight is the fusion weight for the keyword side.
	DefaultKeywordWeight = 0.3

	// titleBoost is added when the query appears in the hit's title.
	titleBoost = 0.3

	// categoryBoost is added when the query appears in category or tags.
	categoryBoost = 0.2

	// metadataBoostCap bounds the summed metadata boost.
	metadataBoostCap = 0.5

	// metadataContribution is the share of the metadata boost applied
	// to the final score.
	metadataContribution = 0.1

	// recencyWindowDays is the age beyond which recency contributes 0.
	recencyWindowDays = 30

	// recencyBoostMax is the boost for brand-new content.
	recencyBoostMax = 0.2

	// recencyContribution is the share of the recency boost applied to
	// the final score.
	recencyContribution = 0.05

	// keywordNormalizer divides summed occurrences per keyword.
	keywordNormalizer = 10

	// minKeywordLength drops short tokens from keyword scoring.
	minKeywordLength = 3
)

// stopWords are excluded from keyword scoring.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {},
}

var nonWordChars = regexp.MustCompile(`[^\w]+`)

// Options tunes one search invocation.
type Options struct {
	Filter        map[string]any
	KeywordBoost  map[string]float64
	TopK          int
	Threshold     float64
	VectorWeight  float64
	KeywordWeight float64
	RerankResults bool
}

// Engine ranks content for queries via the vector store, with keyword
// scoring over the retrieved payloads.
type Engine struct {
	provider embedding.Provider
	store    vector.Store
	cache    *cache.Store
	log      zerolog.Logger
}

// NewEngine wires the search engine. The cache is optional; when present,
// query embeddings are resolved through it.
func NewEngine(provider embedding.Provider, store vector.Store, cacheStore *cache.Store, log zerolog.Logger) *Engine {
	return &Engine{
		provider: provider,
		store:    store,
		cache:    cacheStore,
		log:      log.With().Str("component", "search").Logger(),
	}
}

// SemanticSearch embeds the query, runs k-NN, and applies post-ranking
// factors (metadata and recency boosts).
func (e *Engine) SemanticSearch(ctx context.Context, queryText string, opts Options) ([]models.SearchHit, error) {
	hits, err := e.retrieve(ctx, queryText, opts)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		e.applyPostRanking(queryText, &hits[i])
	}
	sortByFinalScore(hits)
	return e.finish(queryText, hits, opts), nil
}

// HybridSearch fuses semantic and keyword scores over the union of
// retrieved candidates.
func (e *Engine) HybridSearch(ctx context.Context, queryText string, opts Options) ([]models.SearchHit, error) {
	if opts.VectorWeight == 0 {
		opts.VectorWeight = DefaultVectorWeight
	}
	if opts.KeywordWeight == 0 {
		opts.KeywordWeight = DefaultKeywordWeight
	}

	// Over-fetch the candidate pool so keyword fusion has something to
	// promote beyond the raw semantic head.
	retrieveOpts := opts
	retrieveOpts.TopK = poolSize(opts.TopK)
	retrieveOpts.Threshold = 0

	hits, err := e.retrieve(ctx, queryText, retrieveOpts)
	if err != nil {
		return nil, err
	}

	keywords := ExtractKeywords(queryText)
	for i := range hits {
		kw := KeywordScore(keywords, hits[i].Metadata, opts.KeywordBoost)
		hits[i].KeywordScore = kw
		hits[i].Factors.Keyword = kw
		hits[i].FinalScore = hits[i].VectorScore*opts.VectorWeight + kw*opts.KeywordWeight

		if !opts.RerankResults {
			e.applyPostRanking(queryText, &hits[i])
		}
		hits[i].FinalScore = clamp01(hits[i].FinalScore)
	}

	if opts.Threshold > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.FinalScore >= opts.Threshold {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}

	sortByFinalScore(hits)
	return e.finish(queryText, hits, opts), nil
}

// retrieve embeds the query (through the embedding cache when available)
// and maps vector results onto hits.
func (e *Engine) retrieve(ctx context.Context, queryText string, opts Options) ([]models.SearchHit, error) {
	vec, err := e.embedQuery(ctx, queryText)
	if err != nil {
		return nil, models.WrapError(models.ErrSearch, fmt.Errorf("embed query: %w", err))
	}

	results, err := e.store.Search(ctx, vec, vector.SearchOptions{
		TopK:            opts.TopK,
		Filter:          opts.Filter,
		Threshold:       opts.Threshold,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, models.WrapError(models.ErrSearch, fmt.Errorf("vector search: %w", err))
	}

	hits := make([]models.SearchHit, len(results))
	for i, r := range results {
		hits[i] = models.SearchHit{
			ID:          r.ID,
			Metadata:    r.Metadata,
			VectorScore: r.Score,
			FinalScore:  r.Score,
			Factors:     models.RankingFactors{Semantic: r.Score},
		}
	}
	return hits, nil
}

func (e *Engine) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	hash := embedding.TextHash(queryText)
	if e.cache != nil {
		if vec := e.cache.GetEmbedding(ctx, hash); vec != nil {
			return vec, nil
		}
	}
	res, err := e.provider.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.SetEmbedding(ctx, hash, res.Vector); err != nil {
			e.log.Debug().Err(err).Msg("Query embedding cache write failed")
		}
	}
	return res.Vector, nil
}

// applyPostRanking folds metadata and recency boosts into the final score.
func (e *Engine) applyPostRanking(queryText string, hit *models.SearchHit) {
	meta := MetadataBoost(queryText, hit.Metadata)
	rec := RecencyBoost(hit.Metadata, time.Now())

	hit.Factors.Metadata = meta
	hit.Factors.Recency = rec
	hit.FinalScore = clamp01(hit.FinalScore + meta*metadataContribution + rec*recencyContribution)
}

// finish applies diversity re-ranking and the topK cut, logging slow or
// empty outcomes.
func (e *Engine) finish(queryText string, hits []models.SearchHit, opts Options) []models.SearchHit {
	if opts.RerankResults {
		hits = DiversityRerank(hits, opts.TopK)
	} else if opts.TopK > 0 && len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	if len(hits) == 0 {
		e.log.Debug().Str("query", queryText).Msg("Search returned no hits")
	}
	return hits
}

// Health runs a 1-hit probe search against the store.
func (e *Engine) Health(ctx context.Context) error {
	dims := e.provider.Dimensions()
	if dims < 1 {
		dims = 1
	}
	vec := make([]float32, dims)
	vec[0] = 1
	_, err := e.store.Search(ctx, vec, vector.SearchOptions{TopK: 1})
	return err
}

// ExtractKeywords tokenizes query text for keyword scoring: lowercase,
// strip non-word chars, drop short tokens and stop words.
func ExtractKeywords(queryText string) []string {
	fields := strings.Fields(strings.ToLower(queryText))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		token := nonWordChars.ReplaceAllString(f, "")
		if len(token) < minKeywordLength {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		keywords = append(keywords, token)
	}
	return keywords
}

// KeywordScore scores a candidate by keyword occurrences in the stringified
// metadata payload, normalized to [0,1].
func KeywordScore(keywords []string, metadata map[string]any, boost map[string]float64) float64 {
	if len(keywords) == 0 || len(metadata) == 0 {
		return 0
	}

	payload, err := json.Marshal(metadata)
	if err != nil {
		return 0
	}
	haystack := strings.ToLower(string(payload))

	var sum float64
	for _, kw := range keywords {
		occurrences := float64(strings.Count(haystack, kw))
		if b, ok := boost[kw]; ok {
			occurrences *= b
		}
		sum += occurrences
	}

	score := sum / float64(len(keywords)*keywordNormalizer)
	if score > 1 {
		return 1
	}
	return score
}

// MetadataBoost rewards query presence in title, category, and tags,
// capped at metadataBoostCap.
func MetadataBoost(queryText string, metadata map[string]any) float64 {
	if len(metadata) == 0 {
		return 0
	}
	query := strings.ToLower(strings.TrimSpace(queryText))
	if query == "" {
		return 0
	}

	var boost float64
	if title, ok := metadata["title"].(string); ok && strings.Contains(strings.ToLower(title), query) {
		boost += titleBoost
	}

	inCategoryOrTags := false
	if category, ok := metadata["category"].(string); ok && strings.Contains(strings.ToLower(category), query) {
		inCategoryOrTags = true
	}
	if !inCategoryOrTags {
		switch tags := metadata["tags"].(type) {
		case []string:
			for _, tag := range tags {
				if strings.Contains(strings.ToLower(tag), query) {
					inCategoryOrTags = true
					break
				}
			}
		case []any:
			for _, raw := range tags {
				if tag, ok := raw.(string); ok && strings.Contains(strings.ToLower(tag), query) {
					inCategoryOrTags = true
					break
				}
			}
		}
	}
	if inCategoryOrTags {
		boost += categoryBoost
	}

	if boost > metadataBoostCap {
		return metadataBoostCap
	}
	return boost
}

// RecencyBoost rewards recently modified content: 0 beyond 30 days, scaling
// linearly to recencyBoostMax for brand-new content. modifiedAt is
// preferred over createdAt; both are RFC3339 strings in the payload.
func RecencyBoost(metadata map[string]any, now time.Time) float64 {
	ts := timestampFrom(metadata, "modifiedAt")
	if ts.IsZero() {
		ts = timestampFrom(metadata, "createdAt")
	}
	if ts.IsZero() {
		return 0
	}

	daysOld := now.Sub(ts).Hours() / 24
	if daysOld < 0 {
		daysOld = 0
	}
	if daysOld > recencyWindowDays {
		return 0
	}
	return (recencyWindowDays - daysOld) / recencyWindowDays * recencyBoostMax
}

func timestampFrom(metadata map[string]any, key string) time.Time {
	raw, ok := metadata[key].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// poolSize is the candidate pool fetched for hybrid fusion.
func poolSize(topK int) int {
	if topK <= 0 {
		topK = 10
	}
	return topK * 3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sortByFinalScore(hits []models.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].FinalScore > hits[j].FinalScore
	})
}
