package memory

import (
	"strings"
	"unicode"
)

const (
	snippetWidth = 150
	ellipsis     = "…"
)

// queryTerms splits a search query into lowercase terms with FTS5
// punctuation stripped.
func queryTerms(query string) [][]rune {
	fields := strings.Fields(query)
	terms := make([][]rune, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"*()`)
		if f == "" {
			continue
		}
		up := strings.ToUpper(f)
		if up == "AND" || up == "OR" || up == "NOT" || up == "NEAR" {
			continue
		}
		terms = append(terms, lowerRunes([]rune(f)))
	}
	return terms
}

func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

// indexRunes returns the first position of needle in haystack, or -1.
func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

// snippet cuts a window of text around the earliest occurrence of any
// query term. Widths are in runes. Without a hit it falls back to the head
// of text followed by an ellipsis.
func snippet(text, query string) string {
	rs := []rune(text)
	lower := lowerRunes(rs)

	pos := -1
	for _, term := range queryTerms(query) {
		if i := indexRunes(lower, term); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}

	if pos < 0 {
		if len(rs) > snippetWidth {
			rs = rs[:snippetWidth]
		}
		return string(rs) + ellipsis
	}

	half := snippetWidth / 2
	start := max(0, pos-half)
	end := min(len(rs), pos+half)

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	b.WriteString(string(rs[start:end]))
	if end < len(rs) {
		b.WriteString(ellipsis)
	}
	return b.String()
}
