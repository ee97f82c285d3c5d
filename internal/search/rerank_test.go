package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/pkg/models"
)

func hit(id string, score float64, sourceID, category string) models.SearchHit {
	return models.SearchHit{
		ID:         id,
		FinalScore: score,
		Metadata:   map[string]any{"sourceId": sourceID, "category": category},
	}
}

func ids(hits []models.SearchHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestDiversityPrefersVariety(t *testing.T) {
	hits := []models.SearchHit{
		hit("1", 0.9, "S", "T"),
		hit("2", 0.85, "S", "T"),
		hit("3", 0.8, "U", "V"),
	}

	reranked := DiversityRerank(hits, 3)
	assert.Equal(t, []string{"1", "3", "2"}, ids(reranked))
}

func TestDiversityRankOneAlwaysKept(t *testing.T) {
	hits := []models.SearchHit{
		hit("top", 0.9, "S", "T"),
		hit("dup", 0.8, "S", "T"),
	}
	reranked := DiversityRerank(hits, 2)
	require.NotEmpty(t, reranked)
	assert.Equal(t, "top", reranked[0].ID)
	assert.Len(t, reranked, 2)
}

func TestDiversityBackfillsWhenPoolExhausted(t *testing.T) {
	hits := []models.SearchHit{
		hit("1", 0.9, "S", "T"),
		hit("2", 0.8, "S", "T"),
		hit("3", 0.7, "S", "T"),
		hit("4", 0.6, "S", "T"),
	}
	reranked := DiversityRerank(hits, 3)
	// No diversity available; fill by score.
	assert.Equal(t, []string{"1", "2", "3"}, ids(reranked))
}

func TestDiversityHonorsTopK(t *testing.T) {
	hits := []models.SearchHit{
		hit("1", 0.9, "A", "X"),
		hit("2", 0.8, "B", "Y"),
		hit("3", 0.7, "C", "Z"),
	}
	reranked := DiversityRerank(hits, 2)
	assert.Equal(t, []string{"1", "2"}, ids(reranked))
}

func TestDiversityNoAdjacentDuplicates(t *testing.T) {
	hits := []models.SearchHit{
		hit("1", 0.9, "S", "T"),
		hit("2", 0.89, "S", "T"),
		hit("3", 0.8, "U", "T"),
		hit("4", 0.7, "V", "W"),
		hit("5", 0.6, "X", "Y"),
	}
	reranked := DiversityRerank(hits, 4)
	require.Len(t, reranked, 4)

	// The diverse head never places two hits sharing both source and
	// category next to each other.
	assert.Equal(t, "1", reranked[0].ID)
	first, second := reranked[0].Metadata, reranked[1].Metadata
	shared := first["sourceId"] == second["sourceId"] && first["category"] == second["category"]
	assert.False(t, shared)
}

func TestDiversitySmallInputs(t *testing.T) {
	assert.Empty(t, DiversityRerank(nil, 5))
	one := []models.SearchHit{hit("1", 0.5, "S", "T")}
	assert.Equal(t, one, DiversityRerank(one, 5))
}
