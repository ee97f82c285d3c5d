package query

import (
	"strings"

	"github.com/thebtf/recall/pkg/models"
)

// Boost multipliers derived from query context.
const (
	domainBoost  = 1.5
	recentBoost  = 1.2
	minStemLimit = 3
)

// synonymTable is the static synonym map consulted for extracted entities
// and query terms.
var synonymTable = map[string][]string{
	"ai":             {"artificial intelligence", "machine intelligence"},
	"ml":             {"machine learning"},
	"db":             {"database"},
	"database":       {"datastore", "db"},
	"kubernetes":     {"k8s"},
	"k8s":            {"kubernetes"},
	"config":         {"configuration", "settings"},
	"configuration":  {"config", "settings"},
	"docs":           {"documentation"},
	"documentation":  {"docs"},
	"error":          {"failure", "fault"},
	"fast":           {"quick", "rapid"},
	"search":         {"lookup", "query"},
	"authentication": {"auth", "login"},
	"auth":           {"authentication"},
}

// Optimize expands a parsed query with stems and synonyms and derives
// boosts from the request context.
func Optimize(parsed models.ParsedQuery, context map[string]string) models.QueryOptimization {
	opt := models.QueryOptimization{
		ExpandedTerms: expandTerms(parsed.ProcessedText),
		Synonyms:      lookupSynonyms(parsed),
		Filters:       parsed.Filters,
		Boosts:        deriveBoosts(context),
	}
	return opt
}

// expandTerms adds crude stems for common suffixes: -ing, -ed, and plural
// -s, for tokens longer than three characters.
func expandTerms(processedText string) []string {
	tokens := strings.Fields(processedText)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))

	add := func(term string) {
		if term == "" {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, token := range tokens {
		add(token)
		if len(token) <= minStemLimit {
			continue
		}
		switch {
		case strings.HasSuffix(token, "ing") && len(token) > len("ing")+1:
			add(strings.TrimSuffix(token, "ing"))
		case strings.HasSuffix(token, "ed") && len(token) > len("ed")+1:
			add(strings.TrimSuffix(token, "ed"))
		case strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss"):
			add(strings.TrimSuffix(token, "s"))
		}
	}
	return terms
}

// lookupSynonyms consults the static table for entities and query tokens.
func lookupSynonyms(parsed models.ParsedQuery) map[string][]string {
	synonyms := make(map[string][]string)

	consider := func(term string) {
		key := strings.ToLower(term)
		if syns, ok := synonymTable[key]; ok {
			synonyms[key] = syns
		}
	}

	for _, entity := range parsed.Entities {
		consider(entity)
	}
	for _, token := range strings.Fields(parsed.ProcessedText) {
		consider(token)
	}

	if len(synonyms) == 0 {
		return nil
	}
	return synonyms
}

// deriveBoosts maps request context onto field boosts: a domain context
// boosts that domain, and recency='recent' boosts fresh content.
func deriveBoosts(context map[string]string) map[string]float64 {
	if len(context) == 0 {
		return nil
	}

	boosts := make(map[string]float64)
	if domain := context["domain"]; domain != "" {
		boosts[strings.ToLower(domain)] = domainBoost
	}
	if context["recency"] == "recent" {
		boosts["recent"] = recentBoost
	}
	if len(boosts) == 0 {
		return nil
	}
	return boosts
}
