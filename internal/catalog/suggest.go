package catalog

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a suggestion.
const suggestThreshold = 0.85

// suggest returns the candidate closest to input, or "" when none is close.
// A shared Double Metaphone code counts as a match even below the threshold,
// so spelled-as-heard IDs ("rachael" for "rachel") are still found.
func suggest(input string, candidates []string) string {
	in := strings.ToLower(input)
	if in == "" {
		return ""
	}
	inP, inS := matchr.DoubleMetaphone(in)

	best, bestScore := "", 0.0
	for _, c := range candidates {
		lc := strings.ToLower(c)
		if lc == in {
			continue
		}
		score := matchr.JaroWinkler(in, lc, false)
		if score < suggestThreshold && !sharesCode(inP, inS, lc) {
			continue
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func sharesCode(p, s, word string) bool {
	wp, ws := matchr.DoubleMetaphone(word)
	for _, a := range []string{p, s} {
		if a != "" && (a == wp || a == ws) {
			return true
		}
	}
	return false
}

// didYouMean formats a suggestion suffix for an error message.
func didYouMean(input string, candidates []string) string {
	if s := suggest(input, candidates); s != "" {
		return fmt.Sprintf(" (did you mean %q?)", s)
	}
	return ""
}
