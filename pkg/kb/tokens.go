package kb

import (
	"strings"
	"unicode"
)

// Token estimation heuristics. Latin words average slightly more than one
// token; logographic characters average well under one token each.
const (
	latinTokensPerWord = 1.3
	cjkTokensPerRune   = 0.6
)

// EstimateTokens approximates the token count of text for budget decisions.
// Latin-script words and logographic characters are estimated separately so
// bilingual text budgets stay stable.
func EstimateTokens(text string) int {
	var cjkRunes int
	var latinText strings.Builder
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			cjkRunes++
			latinText.WriteRune(' ')
		} else {
			latinText.WriteRune(r)
		}
	}
	latinWords := len(strings.Fields(latinText.String()))

	estimate := float64(latinWords)*latinTokensPerWord + float64(cjkRunes)*cjkTokensPerRune
	if estimate < 0.5 && len(strings.TrimSpace(text)) > 0 {
		return 1
	}
	return int(estimate + 0.5)
}
