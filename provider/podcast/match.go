package podcast

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/alanbriolat/audio-relay/provider/feed"
)

// MinWordOverlap is the WordOverlap score at which two titles are considered the same episode.
const MinWordOverlap = 0.6

var punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// NormalizeTitle lowercases a title, strips punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	title = punctuation.ReplaceAllString(strings.ToLower(title), "")
	return strings.Join(strings.Fields(title), " ")
}

// WordOverlap scores how many significant words (longer than three characters) two titles share, as a fraction of
// the larger word set. Word order does not matter. Words are compared exactly, so callers should NormalizeTitle
// both titles first: "Episode" and "episode" do not match.
func WordOverlap(a string, b string) float64 {
	wordsA := significantWords(a)
	wordsB := significantWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	shared := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			shared++
		}
	}
	larger := len(wordsA)
	if len(wordsB) > larger {
		larger = len(wordsB)
	}
	return float64(shared) / float64(larger)
}

func significantWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		if utf8.RuneCountInString(w) > 3 {
			words[w] = struct{}{}
		}
	}
	return words
}

// MatchEpisode finds the episode whose title best matches title, trying progressively looser comparisons: exact
// equality, then one title being a prefix of the other, then WordOverlap of at least MinWordOverlap. Within a
// step, the first episode in feed order wins.
func MatchEpisode(episodes []feed.Episode, title string) (*feed.Episode, bool) {
	target := NormalizeTitle(title)
	if target == "" {
		return nil, false
	}
	normalized := make([]string, len(episodes))
	for i := range episodes {
		normalized[i] = NormalizeTitle(episodes[i].Title)
	}
	for i, n := range normalized {
		if n == target {
			return &episodes[i], true
		}
	}
	for i, n := range normalized {
		if n != "" && (strings.HasPrefix(n, target) || strings.HasPrefix(target, n)) {
			return &episodes[i], true
		}
	}
	best, bestScore := -1, 0.0
	for i, n := range normalized {
		if score := WordOverlap(n, target); score >= MinWordOverlap && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best == -1 {
		return nil, false
	}
	return &episodes[best], true
}
