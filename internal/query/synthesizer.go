package query

import (
	"fmt"
	"strings"

	"github.com/thebtf/recall/pkg/models"
)

// Fixed user-visible failure responses.
const (
	noResultsResponse = "I couldn't find any relevant information for your query. " +
		"Try rephrasing it or broadening the terms."

	internalErrorResponse = "I ran into a problem while answering your query. " +
		"Please try again in a moment."

	// excerptLimit bounds the excerpt carried into a response.
	excerptLimit = 300
)

// Synthesizer turns ranked hits into response text. Pluggable so hosting
// layers can substitute an LLM-backed implementation.
type Synthesizer interface {
	Synthesize(queryText string, hits []models.SearchHit) string
}

// TemplateSynthesizer is the default deterministic synthesizer.
type TemplateSynthesizer struct{}

// Compile-time check that TemplateSynthesizer implements Synthesizer.
var _ Synthesizer = TemplateSynthesizer{}

// Synthesize builds a deterministic answer around the top excerpt.
func (TemplateSynthesizer) Synthesize(queryText string, hits []models.SearchHit) string {
	switch len(hits) {
	case 0:
		return noResultsResponse
	case 1:
		return fmt.Sprintf("Here's what I found: %s", excerptOf(hits[0]))
	default:
		return fmt.Sprintf("Based on %d relevant sources, here's the most pertinent information: %s",
			len(hits), excerptOf(hits[0]))
	}
}

// excerptOf pulls displayable text from a hit's payload.
func excerptOf(hit models.SearchHit) string {
	text := ""
	if hit.Metadata != nil {
		if t, ok := hit.Metadata["text"].(string); ok {
			text = t
		} else if t, ok := hit.Metadata["excerpt"].(string); ok {
			text = t
		} else if t, ok := hit.Metadata["title"].(string); ok {
			text = t
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "(no excerpt available)"
	}
	if len(text) > excerptLimit {
		text = text[:excerptLimit] + "..."
	}
	return text
}
