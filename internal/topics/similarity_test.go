package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	got := tokenize("Pricing, discussion & discount-options! at Q3")
	want := []string{"pricing", "discussion", "discount", "options"}
	assert.Len(t, got, len(want))
	for _, tok := range want {
		assert.Contains(t, got, tok)
	}
	// "at" and "Q3" fall under the three-character floor.
	assert.NotContains(t, got, "at")
}

func TestSimilarityReorderedPhrase(t *testing.T) {
	// Same words in a different order share the full token set.
	sim := Similarity(
		"Pricing discussion and discount options",
		"Pricing and discount options discussion",
	)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestSimilaritySubsetWeighting(t *testing.T) {
	// A short topic contained in a longer canonical gets full overlap credit
	// but diluted Jaccard: 0.4*(2/4) + 0.6*1.
	sim := Similarity("pricing options", "pricing options renewal timeline")
	assert.InDelta(t, 0.8, sim, 1e-9)
}

func TestSimilarityDisjoint(t *testing.T) {
	assert.Zero(t, Similarity("pricing discount", "onboarding checklist"))
}

func TestSimilarityEmptyTokens(t *testing.T) {
	assert.Zero(t, Similarity("", "pricing"))
	assert.Zero(t, Similarity("a an at", "pricing"))
	assert.Zero(t, Similarity("", ""))
}
