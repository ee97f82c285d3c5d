package index

import (
	"regexp"
	"sort"
	"strings"
)

const (
	// maxEntities caps extracted entity matches per content.
	maxEntities = 20

	// maxKeywords caps frequency-ranked keywords per content.
	maxKeywords = 10

	// languageSampleTokens is how many leading tokens the language
	// heuristic inspects.
	languageSampleTokens = 100

	// languageThreshold is the common-word ratio above which text is
	// classified as English.
	languageThreshold = 0.1
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"]+`)
	datePattern   = regexp.MustCompile(`\b(?:\d{2}/\d{2}/\d{4}|\d{4}-\d{2}-\d{2})\b`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

	nonWordPattern = regexp.MustCompile(`[^\w]+`)
)

// englishCommonWords backs the coarse language heuristic.
var englishCommonWords = map[string]struct{}{
	"the": {}, "be": {}, "to": {}, "of": {}, "and": {}, "a": {}, "in": {},
	"that": {}, "have": {}, "it": {}, "for": {}, "not": {}, "on": {},
	"with": {}, "he": {}, "as": {}, "you": {}, "do": {}, "at": {},
	"this": {}, "but": {}, "his": {}, "by": {}, "from": {}, "they": {},
	"we": {}, "say": {}, "her": {}, "she": {}, "or": {}, "an": {},
	"will": {}, "my": {}, "one": {}, "all": {}, "would": {}, "there": {},
	"their": {}, "what": {}, "is": {}, "are": {}, "was": {}, "were": {},
}

// ExtractMetadata derives structural statistics, a language guess, top
// keywords, and pattern-matched entities from raw text.
func ExtractMetadata(text string) map[string]any {
	tokens := tokenize(text)

	return map[string]any{
		"wordCount":      len(tokens),
		"charCount":      len(text),
		"sentenceCount":  countSentences(text),
		"paragraphCount": countParagraphs(text),
		"language":       detectLanguage(tokens),
		"keywords":       topKeywords(tokens, maxKeywords),
		"entities":       extractEntities(text),
	}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := nonWordPattern.ReplaceAllString(f, ""); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func countSentences(text string) int {
	count := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	if count == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return count
}

func countParagraphs(text string) int {
	count := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			count++
		}
	}
	return count
}

// detectLanguage classifies text as "en" when enough of its leading tokens
// are English common words, else "unknown".
func detectLanguage(tokens []string) string {
	if len(tokens) == 0 {
		return "unknown"
	}
	sample := tokens
	if len(sample) > languageSampleTokens {
		sample = sample[:languageSampleTokens]
	}
	matches := 0
	for _, t := range sample {
		if _, ok := englishCommonWords[t]; ok {
			matches++
		}
	}
	if float64(matches)/float64(len(sample)) > languageThreshold {
		return "en"
	}
	return "unknown"
}

// topKeywords ranks tokens longer than 3 characters by frequency.
func topKeywords(tokens []string, limit int) []string {
	freq := make(map[string]int)
	for _, t := range tokens {
		if len(t) > 3 {
			freq[t]++
		}
	}

	keywords := make([]string, 0, len(freq))
	for t := range freq {
		keywords = append(keywords, t)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if freq[keywords[i]] != freq[keywords[j]] {
			return freq[keywords[i]] > freq[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// extractEntities collects emails, URLs, simple dates, and numbers, capped
// at maxEntities in that order.
func extractEntities(text string) []string {
	var entities []string
	for _, p := range []*regexp.Regexp{emailPattern, urlPattern, datePattern, numberPattern} {
		for _, m := range p.FindAllString(text, -1) {
			entities = append(entities, m)
			if len(entities) >= maxEntities {
				return entities
			}
		}
	}
	return entities
}
