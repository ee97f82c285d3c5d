package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetadataCounts(t *testing.T) {
	text := "The quick brown fox jumps. It jumps again!\n\nA second paragraph is here."
	meta := ExtractMetadata(text)

	assert.Equal(t, len(text), meta["charCount"])
	assert.Equal(t, 13, meta["wordCount"])
	assert.Equal(t, 3, meta["sentenceCount"])
	assert.Equal(t, 2, meta["paragraphCount"])
	assert.Equal(t, "en", meta["language"])
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", detectLanguage(tokenize("the cat sat on the mat and it was happy")))
	assert.Equal(t, "unknown", detectLanguage(tokenize("zorblat kwisp frumble xaxo")))
	assert.Equal(t, "unknown", detectLanguage(nil))
}

func TestTopKeywords(t *testing.T) {
	tokens := tokenize("kubernetes kubernetes kubernetes deployment deployment cat dog api")
	keywords := topKeywords(tokens, 2)

	// Tokens of 3 chars or fewer never qualify.
	require.Equal(t, []string{"kubernetes", "deployment"}, keywords)
}

func TestExtractEntities(t *testing.T) {
	text := "Contact ops@example.com or see https://example.com/docs before 2023-01-15 or 01/02/2024; budget is 4500."
	entities := extractEntities(text)

	assert.Contains(t, entities, "ops@example.com")
	assert.Contains(t, entities, "https://example.com/docs")
	assert.Contains(t, entities, "2023-01-15")
	assert.Contains(t, entities, "01/02/2024")
	assert.Contains(t, entities, "4500")
}

func TestExtractEntitiesCapped(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("item 123 ")
	}
	assert.Len(t, extractEntities(sb.String()), maxEntities)
}

func TestSentenceCountFallback(t *testing.T) {
	assert.Equal(t, 1, countSentences("no terminator at all"))
	assert.Equal(t, 0, countSentences("   "))
}
