package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/pkg/models"
)

func TestExpandTermsAddsStems(t *testing.T) {
	terms := expandTerms("deploying indexed queries")
	assert.Contains(t, terms, "deploying")
	assert.Contains(t, terms, "deploy")
	assert.Contains(t, terms, "indexed")
	assert.Contains(t, terms, "index")
	assert.Contains(t, terms, "queries")
	assert.Contains(t, terms, "querie") // naive -s stem
}

func TestExpandTermsSkipsShortTokens(t *testing.T) {
	terms := expandTerms("dogs big red")
	assert.Equal(t, []string{"dogs", "dog", "big", "red"}, terms)
}

func TestOptimizeSynonymsFromEntitiesAndTokens(t *testing.T) {
	parsed := Parse("What is AI on Kubernetes")
	opt := Optimize(parsed, nil)

	require.Contains(t, opt.Synonyms, "ai")
	assert.Contains(t, opt.Synonyms["ai"], "artificial intelligence")
	assert.Contains(t, opt.Synonyms, "kubernetes")
}

func TestOptimizeBoostsFromContext(t *testing.T) {
	parsed := Parse("incident report")

	opt := Optimize(parsed, map[string]string{"domain": "Security", "recency": "recent"})
	assert.Equal(t, domainBoost, opt.Boosts["security"])
	assert.Equal(t, recentBoost, opt.Boosts["recent"])
	require.NoError(t, opt.Validate())

	opt = Optimize(parsed, map[string]string{"recency": "any"})
	assert.Nil(t, opt.Boosts)

	opt = Optimize(parsed, nil)
	assert.Nil(t, opt.Boosts)
}

func TestOptimizeCarriesFilters(t *testing.T) {
	parsed := Parse("reports after 2024-02-01")
	opt := Optimize(parsed, nil)
	require.Len(t, opt.Filters, 1)
	assert.Equal(t, models.OpGte, opt.Filters[0].Operator)
}

func TestFingerprintStability(t *testing.T) {
	filters := []models.QueryFilter{
		{Field: "type", Operator: models.OpEq, Value: "pdf"},
		{Field: "date", Operator: models.OpGte, Value: "2024-01-01"},
	}
	reversed := []models.QueryFilter{filters[1], filters[0]}

	a := Fingerprint("  machine learning ", map[string]string{"b": "2", "a": "1"}, filters)
	b := Fingerprint("machine learning", map[string]string{"a": "1", "b": "2"}, reversed)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("machine learning", nil, filters))
	assert.NotEqual(t, a, Fingerprint("deep learning", map[string]string{"a": "1", "b": "2"}, filters))
}

func TestSynthesizerResponses(t *testing.T) {
	s := TemplateSynthesizer{}

	assert.Equal(t, noResultsResponse, s.Synthesize("q", nil))

	one := []models.SearchHit{{Metadata: map[string]any{"text": "the answer body"}}}
	assert.Contains(t, s.Synthesize("q", one), "the answer body")

	many := []models.SearchHit{
		{Metadata: map[string]any{"text": "top excerpt"}},
		{Metadata: map[string]any{"text": "second"}},
		{Metadata: map[string]any{"text": "third"}},
	}
	resp := s.Synthesize("q", many)
	assert.Contains(t, resp, "3 relevant sources")
	assert.Contains(t, resp, "top excerpt")
}

func TestExcerptFallbacks(t *testing.T) {
	assert.Equal(t, "(no excerpt available)", excerptOf(models.SearchHit{}))
	assert.Equal(t, "A Title", excerptOf(models.SearchHit{Metadata: map[string]any{"title": "A Title"}}))

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	got := excerptOf(models.SearchHit{Metadata: map[string]any{"text": string(long)}})
	assert.Len(t, got, excerptLimit+3)
}
