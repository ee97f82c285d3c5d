// Package models defines the shared data model for recall.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxQueryLength is the maximum accepted query text length after trimming.
const MaxQueryLength = 10000

// QueryIntent classifies what kind of answer a query expects.
type QueryIntent string

const (
	// IntentQuestion indicates a question-type query (how, why, what, etc.)
	IntentQuestion QueryIntent = "question"
	// IntentSearch indicates a lookup query (find, search, show, list)
	IntentSearch QueryIntent = "search"
	// IntentGeneral indicates any other query
	IntentGeneral QueryIntent = "general"
)

// FilterOperator is the comparison operator of a QueryFilter.
type FilterOperator string

const (
	OpEq  FilterOperator = "eq"
	OpGte FilterOperator = "gte"
	OpLte FilterOperator = "lte"
)

// validOperators is the accepted operator set for filter validation.
var validOperators = map[FilterOperator]bool{
	OpEq: true, OpGte: true, OpLte: true,
}

// QueryFilter restricts search results by a metadata field.
type QueryFilter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value"`
}

// Validate checks the filter shape.
func (f QueryFilter) Validate() error {
	if f.Field == "" {
		return &Error{Code: ErrValidation, Message: "filter: field is required"}
	}
	if !validOperators[f.Operator] {
		return &Error{Code: ErrValidation, Message: fmt.Sprintf("filter %q: unknown operator %q", f.Field, f.Operator)}
	}
	return nil
}

// Query is a single natural-language request. Immutable once validated.
type Query struct {
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	UserID    string            `json:"user_id,omitempty"`
	Filters   []QueryFilter     `json:"filters,omitempty"`
}

// NewQuery builds a validated Query from raw text, assigning a fresh UUID.
func NewQuery(text string, context map[string]string) (*Query, error) {
	q := &Query{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(text),
		Context:   context,
		Timestamp: time.Now(),
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// Validate checks query invariants: non-empty trimmed text within bounds,
// a parseable UUID when an ID is supplied, and well-formed filters.
func (q *Query) Validate() error {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return &Error{Code: ErrValidation, Message: "query: text is empty"}
	}
	if len(q.Text) > MaxQueryLength {
		return &Error{Code: ErrValidation, Message: fmt.Sprintf("query: text exceeds %d characters", MaxQueryLength)}
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	} else if _, err := uuid.Parse(q.ID); err != nil {
		return &Error{Code: ErrValidation, Message: fmt.Sprintf("query: invalid id %q", q.ID)}
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParsedQuery is the normalized form of a Query. Transient, per query.
type ParsedQuery struct {
	OriginalText  string        `json:"original_text"`
	ProcessedText string        `json:"processed_text"`
	Intent        QueryIntent   `json:"intent"`
	Entities      []string      `json:"entities,omitempty"`
	Filters       []QueryFilter `json:"filters,omitempty"`
}

// QueryOptimization carries expansion output used to tune retrieval.
type QueryOptimization struct {
	Synonyms      map[string][]string `json:"synonyms,omitempty"`
	Boosts        map[string]float64  `json:"boosts,omitempty"`
	ExpandedTerms []string            `json:"expanded_terms,omitempty"`
	Filters       []QueryFilter       `json:"filters,omitempty"`
}

// Validate checks that all boost multipliers are non-negative.
func (o *QueryOptimization) Validate() error {
	for field, boost := range o.Boosts {
		if boost < 0 {
			return &Error{Code: ErrValidation, Message: fmt.Sprintf("optimization: negative boost for %q", field)}
		}
	}
	return nil
}
