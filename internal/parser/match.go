package parser

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Match classes by edit distance.
const (
	ClassPerfect = "perfect"
	ClassSmall   = "small"
	ClassBig     = "big"

	smallDistance = 5
)

// Match is one occurrence of a search term on a page. Start and End are rune
// offsets into the page text.
type Match struct {
	Search   string `json:"search"`
	Match    string `json:"match"`
	Distance int    `json:"distance"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Page     int    `json:"page"`
	Class    string `json:"class"`
}

// Counts aggregates matches by class.
type Counts struct {
	Total       int `json:"total"`
	Perfect     int `json:"perfect"`
	SmallErrors int `json:"small_errors"`
	BigErrors   int `json:"big_errors"`
}

// Result is the parsed form of one document.
type Result struct {
	Matches []Match        `json:"matches"`
	Text    map[int]string `json:"text"`
	Counts  Counts         `json:"counts"`
}

func classify(distance int) string {
	switch {
	case distance == 0:
		return ClassPerfect
	case distance < smallDistance:
		return ClassSmall
	default:
		return ClassBig
	}
}

func countMatches(matches []Match) Counts {
	c := Counts{Total: len(matches)}
	for _, m := range matches {
		switch m.Class {
		case ClassPerfect:
			c.Perfect++
		case ClassSmall:
			c.SmallErrors++
		default:
			c.BigErrors++
		}
	}
	return c
}

type word struct {
	text       string // lower-cased
	start, end int    // rune offsets
}

func splitWords(s string) []word {
	var (
		words []word
		b     strings.Builder
		start = -1
		pos   int
	)
	flush := func() {
		if start >= 0 {
			words = append(words, word{text: b.String(), start: start, end: pos})
			b.Reset()
			start = -1
		}
	}
	for _, r := range s {
		if unicode.IsSpace(r) {
			flush()
		} else {
			if start < 0 {
				start = pos
			}
			b.WriteRune(unicode.ToLower(r))
		}
		pos++
	}
	flush()
	return words
}

// findMatches searches every term on every page, in term order then page order.
func findMatches(terms []string, pages map[int]string, maxDistance int) []Match {
	numbers := make([]int, 0, len(pages))
	for n := range pages {
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	matches := make([]Match, 0)
	for _, term := range terms {
		for _, n := range numbers {
			matches = append(matches, matchPage(term, n, pages[n], maxDistance)...)
		}
	}
	return matches
}

// matchPage compares the term against windows of whole words around the
// term's own word count and keeps the best non-overlapping hits. The allowed
// distance never reaches the term length, so short terms cannot match
// arbitrary text.
func matchPage(term string, page int, text string, maxDistance int) []Match {
	needle := strings.ToLower(strings.Join(strings.Fields(term), " "))
	termLen := utf8.RuneCountInString(needle)
	if termLen == 0 {
		return nil
	}
	limit := min(maxDistance, termLen-1)
	termWords := len(strings.Fields(needle))
	words := splitWords(text)

	type candidate struct {
		start, end int // word indices, end exclusive
		distance   int
		text       string
	}
	var candidates []candidate
	for i := range words {
		best := candidate{distance: -1}
		for size := max(1, termWords-1); size <= termWords+1 && i+size <= len(words); size++ {
			parts := make([]string, size)
			for j := range size {
				parts[j] = words[i+j].text
			}
			window := strings.Join(parts, " ")
			if abs(utf8.RuneCountInString(window)-termLen) > limit {
				continue
			}
			d := fuzzy.LevenshteinDistance(needle, window)
			if d <= limit && (best.distance < 0 || d < best.distance) {
				best = candidate{start: i, end: i + size, distance: d, text: window}
			}
		}
		if best.distance >= 0 {
			candidates = append(candidates, best)
		}
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if a.distance != b.distance {
			return a.distance - b.distance
		}
		return a.start - b.start
	})
	var kept []candidate
	for _, c := range candidates {
		overlaps := slices.ContainsFunc(kept, func(k candidate) bool {
			return c.start < k.end && k.start < c.end
		})
		if !overlaps {
			kept = append(kept, c)
		}
	}
	slices.SortFunc(kept, func(a, b candidate) int { return a.start - b.start })

	runes := []rune(text)
	out := make([]Match, 0, len(kept))
	for _, c := range kept {
		start, end := words[c.start].start, words[c.end-1].end
		out = append(out, Match{
			Search:   term,
			Match:    string(runes[start:end]),
			Distance: c.distance,
			Start:    start,
			End:      end,
			Page:     page,
			Class:    classify(c.distance),
		})
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
