package search

import "github.com/thebtf/recall/pkg/models"

// DiversityRerank greedily selects hits that vary in source and category.
// The rank-1 hit is always kept; each later candidate is accepted only if
// it differs from every already-selected hit in sourceId AND category.
// Remaining slots are then filled from the rejected pool by score.
func DiversityRerank(hits []models.SearchHit, topK int) []models.SearchHit {
	if topK <= 0 {
		topK = 10
	}
	if len(hits) <= 1 {
		return hits
	}

	selected := make([]models.SearchHit, 0, topK)
	var rejected []models.SearchHit

	for i, hit := range hits {
		if len(selected) >= topK {
			rejected = append(rejected, hits[i:]...)
			break
		}
		if i == 0 || diverseAgainst(selected, hit) {
			selected = append(selected, hit)
		} else {
			rejected = append(rejected, hit)
		}
	}

	// Backfill by score once the diverse pool is exhausted.
	for _, hit := range rejected {
		if len(selected) >= topK {
			break
		}
		selected = append(selected, hit)
	}
	return selected
}

// diverseAgainst reports whether a candidate differs from every selected
// hit in both sourceId and category.
func diverseAgainst(selected []models.SearchHit, candidate models.SearchHit) bool {
	cSource, cCategory := metaStrings(candidate)
	for _, s := range selected {
		sSource, sCategory := metaStrings(s)
		if sSource == cSource || sCategory == cCategory {
			return false
		}
	}
	return true
}

func metaStrings(hit models.SearchHit) (sourceID, category string) {
	if hit.Metadata == nil {
		return "", ""
	}
	sourceID, _ = hit.Metadata["sourceId"].(string)
	category, _ = hit.Metadata["category"].(string)
	return sourceID, category
}
