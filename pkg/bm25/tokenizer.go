package bm25

import (
	"strings"
	"unicode"
)

// isLogographic reports whether a rune belongs to a logographic (Han) span.
func isLogographic(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// Tokenize splits text into lexical tokens. Words are split on whitespace
// and punctuation and lowercased. Logographic spans additionally emit each
// individual character as a token alongside the span itself, so partial and
// substring matches survive word-only tokenization.
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var cjk []rune

	flushWord := func() {
		if word.Len() > 0 {
			tokens = append(tokens, strings.ToLower(word.String()))
			word.Reset()
		}
	}
	flushCJK := func() {
		if len(cjk) == 0 {
			return
		}
		if len(cjk) > 1 {
			tokens = append(tokens, string(cjk))
		}
		for _, r := range cjk {
			tokens = append(tokens, string(r))
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isLogographic(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return tokens
}
