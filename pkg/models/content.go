package models

import "time"

// ChunkMetadata records where a chunk sits inside its source text.
type ChunkMetadata struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
	ChunkSize  int `json:"chunk_size"`
	Overlap    int `json:"overlap"`
}

// Chunk is a bounded window of a document, the unit of vectorization.
type Chunk struct {
	Text      string        `json:"text"`
	Embedding []float32     `json:"embedding,omitempty"`
	Position  int           `json:"position"`
	Metadata  ChunkMetadata `json:"metadata"`
}

// Content is an ingested document with its derived chunks and embedding.
type Content struct {
	LastUpdated time.Time      `json:"last_updated"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	Title       string         `json:"title,omitempty"`
	Text        string         `json:"text"`
	Chunks      []Chunk        `json:"chunks,omitempty"`
	Embedding   []float32      `json:"embedding,omitempty"`
	Version     int            `json:"version"`
}

// Validate checks the minimum shape an indexable content must have.
func (c *Content) Validate() error {
	if c.ID == "" {
		return &Error{Code: ErrValidation, Message: "content: id is required"}
	}
	if c.SourceID == "" {
		return &Error{Code: ErrValidation, Message: "content: source_id is required"}
	}
	if c.Text == "" {
		return &Error{Code: ErrValidation, Message: "content: text is empty"}
	}
	return nil
}

// IndexStatus is the outcome class of one indexing operation.
type IndexStatus string

const (
	IndexSuccess IndexStatus = "success"
	IndexPartial IndexStatus = "partial"
	IndexFailed  IndexStatus = "failed"
)

// IndexingResult reports what happened to a single content item.
type IndexingResult struct {
	ContentID           string      `json:"content_id"`
	Status              IndexStatus `json:"status"`
	Errors              []string    `json:"errors,omitempty"`
	ChunksCreated       int         `json:"chunks_created"`
	EmbeddingsGenerated int         `json:"embeddings_generated"`
	DurationMs          int64       `json:"duration_ms"`
}

// BatchResult aggregates indexing results for a batch of contents.
type BatchResult struct {
	Results    []IndexingResult `json:"results"`
	Total      int              `json:"total"`
	Succeeded  int              `json:"succeeded"`
	Partial    int              `json:"partial"`
	Failed     int              `json:"failed"`
	DurationMs int64            `json:"duration_ms"`
}

// ChangeType classifies a content change event.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ContentChange is a change record consumed by the index update path.
type ContentChange struct {
	Timestamp time.Time  `json:"timestamp"`
	ContentID string     `json:"content_id"`
	SourceID  string     `json:"source_id,omitempty"`
	Type      ChangeType `json:"type"`
}
