// Package passage extracts the most relevant short quote from a page body
// for a given query: sentence segmentation, token-overlap and sequence
// similarity scoring, context extension, and word-bound truncation.
package passage

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultMaxWords is the default quote length cap, matching the upstream
// convention (~40 words makes a readable single-paragraph quote).
const DefaultMaxWords = 40

// fallbackScore is attached to a quote taken from the head of the body when
// no sentence scores against the query at all.
const fallbackScore = 0.1

// tokenWeight / sequenceWeight split the combined relevance score between
// exact word overlap and phrase-shape similarity.
const (
	tokenWeight    = 0.7
	sequenceWeight = 0.3
)

// Quote is the result of extracting the best passage for a query.
type Quote struct {
	Text      string
	Score     float64
	WordCount int
	CharCount int
}

// Extract returns the best short quote from body relevant to query, capped
// at maxWords words. An empty body yields an empty quote with score 0. The
// function is pure: identical inputs always produce an identical result.
func Extract(body, query string, maxWords int) Quote {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if strings.TrimSpace(body) == "" {
		return Quote{}
	}

	sentences := splitSentences(body)
	if len(sentences) <= 1 {
		text := truncateWords(body, maxWords)
		return newQuote(text, 0)
	}

	queryTokens := tokenSet(query)
	best, bestScore, found := bestSentence(sentences, queryTokens, query)
	if !found {
		text := truncateWords(body, maxWords)
		return newQuote(text, fallbackScore)
	}

	text := best
	if wordCount(best) < maxWords/2 {
		text = extendContext(sentences, best, maxWords)
	}
	text = truncateWords(text, maxWords)

	return newQuote(text, bestScore)
}

func newQuote(text string, score float64) Quote {
	return Quote{
		Text:      text,
		Score:     score,
		WordCount: wordCount(text),
		CharCount: len([]rune(text)),
	}
}

// splitSentences breaks text at a sentence terminator (., !, ?) followed by
// whitespace, keeping the terminator with the preceding sentence. Go's
// regexp package has no lookbehind, so this is a manual scan rather than a
// direct port of the original's regex split.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '.' || c == '!' || c == '?' {
			j := i + 1
			if j >= len(runes) || unicode.IsSpace(runes[j]) {
				sentences = append(sentences, strings.TrimSpace(string(runes[start:j])))
				for j < len(runes) && unicode.IsSpace(runes[j]) {
					j++
				}
				i = j - 1
				start = j
			}
		}
	}
	if start < len(runes) {
		if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
			sentences = append(sentences, tail)
		}
	}

	out := sentences[:0]
	for _, s := range sentences {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// tokenize splits text on whitespace, matching the reference tokenizer.
func tokenize(text string) []string {
	return strings.Fields(text)
}

func wordCount(text string) int {
	return len(tokenize(text))
}

// normalize lowercases text and strips punctuation, leaving word characters
// and whitespace, matching the reference's cleaning step.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(normalize(text)) {
		set[tok] = struct{}{}
	}
	return set
}

func truncateWords(text string, maxWords int) string {
	words := tokenize(text)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

type scoredSentence struct {
	sentence string
	score    float64
	index    int
}

// bestSentence scores every sentence sharing at least one query token and
// returns the highest-scoring one. Ties are broken by earliest occurrence
// in the body, matching the deterministic-tiebreak requirement.
func bestSentence(sentences []string, queryTokens map[string]struct{}, query string) (string, float64, bool) {
	queryClean := normalize(query)

	var scored []scoredSentence
	for i, sentence := range sentences {
		sentenceTokens := tokenSet(sentence)
		overlap := intersectionCount(queryTokens, sentenceTokens)
		if overlap == 0 {
			continue
		}

		tokenScore := float64(overlap) / float64(len(queryTokens))
		sequenceScore := sequenceRatio(queryClean, normalize(sentence))
		combined := tokenWeight*tokenScore + sequenceWeight*sequenceScore

		scored = append(scored, scoredSentence{sentence: sentence, score: combined, index: i})
	}

	if len(scored) == 0 {
		return "", 0, false
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index < scored[j].index
	})

	return scored[0].sentence, scored[0].score, true
}

func intersectionCount(a, b map[string]struct{}) int {
	count := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			count++
		}
	}
	return count
}

// extendContext widens a short best sentence by one sentence on each side,
// clipped to document bounds.
func extendContext(sentences []string, best string, maxWords int) string {
	bestIdx := -1
	for i, s := range sentences {
		if s == best {
			bestIdx = i
			break
		}
	}
	if bestIdx == -1 {
		return best
	}

	start := bestIdx - 1
	if start < 0 {
		start = 0
	}
	end := bestIdx + 2
	if end > len(sentences) {
		end = len(sentences)
	}

	return strings.Join(sentences[start:end], " ")
}

// sequenceRatio computes a Ratcliff/Obershelp-style similarity ratio in
// [0,1]: twice the total length of recursively-matched common substrings,
// divided by the combined length of both strings.
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchLength(a, b)
	return 2 * float64(matched) / float64(len(a)+len(b))
}

// matchLength recursively sums the lengths of the longest common substring
// of a and b and of its left and right remainders.
func matchLength(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, l := longestCommonSubstring(a, b)
	if l == 0 {
		return 0
	}
	return l + matchLength(a[:ai], b[:bi]) + matchLength(a[ai+l:], b[bi+l:])
}

// longestCommonSubstring returns the start indices in a and b and the
// length of their longest common substring, via classic O(len(a)*len(b))
// dynamic programming.
func longestCommonSubstring(a, b string) (int, int, int) {
	ar := []rune(a)
	br := []rune(b)
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)

	bestLen, bestAEnd, bestBEnd := 0, 0, 0
	for i := 1; i <= len(ar); i++ {
		for j := 1; j <= len(br); j++ {
			if ar[i-1] == br[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > bestLen {
					bestLen = curr[j]
					bestAEnd = i
					bestBEnd = j
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}

	if bestLen == 0 {
		return 0, 0, 0
	}

	aStart := byteOffset(ar, bestAEnd-bestLen)
	bStart := byteOffset(br, bestBEnd-bestLen)
	aEndByte := byteOffset(ar, bestAEnd)
	return aStart, bStart, aEndByte - aStart
}

// byteOffset returns the byte index of the given rune position, preserving
// correctness for multi-byte characters.
func byteOffset(runes []rune, runeIdx int) int {
	n := 0
	for i := 0; i < runeIdx; i++ {
		n += len(string(runes[i]))
	}
	return n
}
