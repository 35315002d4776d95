// Package topics clusters meeting topic snippets into canonical per-tenant
// global topics and keeps their relevance scores current.
package topics

import (
	"regexp"
	"strings"
)

var nonWordRe = regexp.MustCompile(`\W+`)

// tokenize lowercases, splits on non-word runs, and keeps tokens longer than
// two characters. Short tokens are connective noise for topic titles.
func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(nonWordRe.ReplaceAllString(strings.ToLower(text), " ")) {
		if len(tok) > 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// Similarity blends Jaccard and overlap coefficients, weighted toward
// overlap so a short topic that is wholly contained in a longer canonical
// title still merges. Zero when either side has no usable tokens.
func Similarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			common++
		}
	}
	union := len(ta) + len(tb) - common
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}

	jaccard := float64(common) / float64(union)
	overlap := float64(common) / float64(smaller)
	return 0.4*jaccard + 0.6*overlap
}
