package kb

import (
	"regexp"
	"strings"
)

var sentencePattern = regexp.MustCompile(`[^.!?。！？\n]+[.!?。！？]?`)

// SplitSentences splits text at sentence boundaries for both Latin and
// logographic punctuation.
func SplitSentences(text string) []string {
	raw := sentencePattern.FindAllString(text, -1)
	var out []string
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
