package models

// MaxSourceRefs caps the number of source references embedded in a result.
const MaxSourceRefs = 10

// RankingFactors breaks a hit's final score down by signal.
type RankingFactors struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword,omitempty"`
	Metadata float64 `json:"metadata"`
	Recency  float64 `json:"recency"`
}

// SearchHit is a single ranked retrieval result.
type SearchHit struct {
	Metadata     map[string]any `json:"metadata,omitempty"`
	ID           string         `json:"id"`
	VectorScore  float64        `json:"vector_score"`
	KeywordScore float64        `json:"keyword_score,omitempty"`
	FinalScore   float64        `json:"final_score"`
	Factors      RankingFactors `json:"ranking_factors"`
}

// ContentID returns the dedup identity of a hit: metadata contentId when
// present, the vector id otherwise.
func (h *SearchHit) ContentID() string {
	if h.Metadata != nil {
		if cid, ok := h.Metadata["contentId"].(string); ok && cid != "" {
			return cid
		}
	}
	return h.ID
}

// SourceRef points at the content backing part of an answer.
type SourceRef struct {
	SourceID       string  `json:"source_id"`
	SourceName     string  `json:"source_name"`
	ContentID      string  `json:"content_id"`
	Title          string  `json:"title,omitempty"`
	Excerpt        string  `json:"excerpt,omitempty"`
	URL            string  `json:"url,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
}

// QueryResult is the answer produced for one query.
type QueryResult struct {
	ID               string      `json:"id"`
	Response         string      `json:"response"`
	Sources          []SourceRef `json:"sources"`
	Confidence       float64     `json:"confidence"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Cached           bool        `json:"cached"`
}
