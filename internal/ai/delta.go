package ai

import (
	"math"
	"regexp"
	"strings"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// Marker lexicons for tone classification. Deliberately small and canonical:
// the point is a stable signal, not linguistic coverage.
var (
	formalMarkers = []string{
		"dear", "sincerely", "regards", "kindly", "furthermore",
		"per our", "pursuant", "regarding", "accordingly", "i would like",
	}
	casualMarkers = []string{
		"hey", "hi!", "thanks!", "awesome", "cool", "btw", "gonna",
		"cheers", "no worries", "super",
	}
	ctaPhrases = []string{
		"let me know", "schedule", "next step", "book a time",
		"are you available", "follow up", "reply to this",
	}
	personalizationPhrases = []string{
		"congrats", "congratulations", "i saw", "i noticed", "your team",
		"your company", "great talking", "enjoyed our",
	}
)

var (
	subjectLineRe = regexp.MustCompile(`(?m)^(Subject:|RE:|Re:).*$`)
	bulletLineRe  = regexp.MustCompile(`(?m)^\s*([-*•]|\d+\.)\s+`)
	wordRe        = regexp.MustCompile(`[A-Za-z']+`)
	sentenceRe    = regexp.MustCompile(`[.!?]+`)
)

// ExtractEditDelta computes the structured diff between the originally
// generated draft and the user's edited version. Deterministic in its inputs.
func ExtractEditDelta(original, edited string) model.EditDelta {
	d := model.EditDelta{
		ToneShift:    toneShift(original, edited),
		LengthChange: model.LengthSame,
	}

	if len(original) > 0 {
		delta := float64(len(edited)-len(original)) / float64(len(original))
		d.LengthDeltaPercent = int(math.Round(delta * 100))
		switch {
		case delta < -0.1:
			d.LengthChange = model.LengthShorter
		case delta > 0.1:
			d.LengthChange = model.LengthLonger
		}
	}

	origCTA := containsAny(original, ctaPhrases)
	editCTA := containsAny(edited, ctaPhrases)
	d.AddedCTA = editCTA && !origCTA
	d.RemovedCTA = origCTA && !editCTA

	origPers := containsAny(original, personalizationPhrases)
	editPers := containsAny(edited, personalizationPhrases)
	d.AddedPersonalization = editPers && !origPers
	d.RemovedPersonalization = origPers && !editPers

	d.ChangedSubject = subjectRegion(original) != subjectRegion(edited)
	d.AddedBulletPoints = len(bulletLineRe.FindAllString(edited, -1)) > len(bulletLineRe.FindAllString(original, -1))

	if oc := complexity(original); oc > 0 {
		d.SimplifiedLanguage = complexity(edited) < 0.9*oc
	}
	return d
}

// toneShift compares the formal-vs-casual marker balance of both texts. A
// one-marker hysteresis keeps incidental wording from flipping the signal.
func toneShift(original, edited string) model.ToneShift {
	net := func(text string) int {
		lower := strings.ToLower(text)
		n := 0
		for _, m := range formalMarkers {
			n += strings.Count(lower, m)
		}
		for _, m := range casualMarkers {
			n -= strings.Count(lower, m)
		}
		return n
	}
	origNet, editNet := net(original), net(edited)
	switch {
	case editNet > origNet+1:
		return model.ToneMoreFormal
	case editNet < origNet-1:
		return model.ToneMoreCasual
	}
	return model.ToneSame
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func subjectRegion(text string) string {
	return strings.TrimSpace(strings.Join(subjectLineRe.FindAllString(text, -1), "\n"))
}

// complexity is a Flesch-Kincaid grade-level proxy. Zero for empty text.
func complexity(text string) float64 {
	words := wordRe.FindAllString(text, -1)
	if len(words) == 0 {
		return 0
	}
	sentences := len(sentenceRe.FindAllString(text, -1))
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += syllableCount(w)
	}
	return 0.39*(float64(len(words))/float64(sentences)) +
		11.8*(float64(syllables)/float64(len(words))) - 15.59
}

// syllableCount approximates syllables as vowel groups with a silent-e
// adjustment, floored at one.
func syllableCount(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		v := isVowel(r)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}
	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && count > 1 {
		count--
	}
	if count < 1 {
		count = 1
	}
	return count
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}
