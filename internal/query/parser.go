// Package query implements the query pipeline: parsing, optimization,
// fan-out search, ranking, synthesis, and caching.
package query

import (
	"regexp"
	"strings"

	"github.com/thebtf/recall/pkg/models"
)

// minEntityLength excludes short capitalized tokens (acronym noise) from
// entity extraction.
const minEntityLength = 3

var (
	// normalizePattern matches characters stripped during normalization;
	// hyphen, underscore, and dot survive so dates and identifiers stay
	// intact.
	normalizePattern = regexp.MustCompile(`[^a-z0-9\-_.\s]+`)

	whitespacePattern = regexp.MustCompile(`\s+`)

	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

	capitalizedPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]*\b`)

	dateFilterPattern = regexp.MustCompile(`(?i)\b(after|before|since|until)\s+(\d{4}-\d{2}-\d{2})\b`)

	typeFilterPattern = regexp.MustCompile(`(?i)\btype:(\w+)`)
)

// questionWords classify intent and are excluded from entity extraction.
var questionWords = map[string]struct{}{
	"what": {}, "who": {}, "where": {}, "when": {}, "why": {}, "how": {},
	"which": {}, "whose": {}, "whom": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "can": {}, "could": {}, "does": {}, "do": {}, "did": {},
	"will": {}, "would": {}, "should": {},
}

// searchWords open lookup-style queries.
var searchWords = map[string]struct{}{
	"find": {}, "search": {}, "show": {}, "list": {}, "get": {}, "lookup": {},
}

// Parse normalizes query text and extracts entities, filters, and intent.
func Parse(text string) models.ParsedQuery {
	trimmed := strings.TrimSpace(text)
	return models.ParsedQuery{
		OriginalText:  trimmed,
		ProcessedText: normalize(trimmed),
		Intent:        classifyIntent(trimmed),
		Entities:      extractEntities(trimmed),
		Filters:       extractFilters(trimmed),
	}
}

// normalize lowercases, replaces punctuation (except - _ .) with spaces,
// and collapses whitespace.
func normalize(text string) string {
	lowered := strings.ToLower(text)
	stripped := normalizePattern.ReplaceAllString(lowered, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(stripped, " "))
}

// classifyIntent buckets a query as question, search, or general.
func classifyIntent(text string) models.QueryIntent {
	lowered := strings.ToLower(text)
	fields := strings.Fields(lowered)
	if len(fields) == 0 {
		return models.IntentGeneral
	}

	first := strings.Trim(fields[0], "?!.,:")
	if _, ok := questionWords[first]; ok || strings.Contains(lowered, "?") {
		return models.IntentQuestion
	}
	if _, ok := searchWords[first]; ok {
		return models.IntentSearch
	}
	return models.IntentGeneral
}

// extractEntities collects quoted phrases and capitalized non-question
// words longer than two characters, deduped in order of appearance.
func extractEntities(text string) []string {
	var entities []string
	seen := make(map[string]struct{})

	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" {
			return
		}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		entities = append(entities, e)
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}

	for _, word := range capitalizedPattern.FindAllString(text, -1) {
		if len(word) < minEntityLength {
			continue
		}
		if _, q := questionWords[strings.ToLower(word)]; q {
			continue
		}
		add(word)
	}
	return entities
}

// extractFilters pulls date-range and type constraints out of the text.
func extractFilters(text string) []models.QueryFilter {
	var filters []models.QueryFilter

	for _, m := range dateFilterPattern.FindAllStringSubmatch(text, -1) {
		op := models.OpGte
		switch strings.ToLower(m[1]) {
		case "before", "until":
			op = models.OpLte
		}
		filters = append(filters, models.QueryFilter{Field: "date", Operator: op, Value: m[2]})
	}

	for _, m := range typeFilterPattern.FindAllStringSubmatch(text, -1) {
		filters = append(filters, models.QueryFilter{
			Field:    "type",
			Operator: models.OpEq,
			Value:    strings.ToLower(m[1]),
		})
	}
	return filters
}
