// Package language provides script-ratio language detection and the
// language-consistency service that scores and self-repairs the final
// result ordering against the query language.
package language

import (
	"regexp"
	"unicode"

	"github.com/wangchai/kbrag/pkg/kb"
)

// Detection is the outcome of primary-language detection for one text.
type Detection struct {
	Lang       kb.Language `json:"lang"`
	Confidence float64     `json:"confidence"`
	HanRatio   float64     `json:"han_ratio"`
	LatinRatio float64     `json:"latin_ratio"`
}

// mixedBand is the script-ratio band inside which a text counts as mixed
// rather than belonging to either language.
const mixedBand = 0.25

// Detect classifies text as en/zh/mixed from character-class ratios over its
// letters. Digits, punctuation, and whitespace are ignored so identifiers do
// not skew the ratio.
func Detect(text string) Detection {
	var han, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.IsLetter(r) && r < 0x2E80:
			latin++
		}
	}

	letters := han + latin
	if letters == 0 {
		return Detection{Lang: kb.LangUnknown, Confidence: 0}
	}

	hanRatio := float64(han) / float64(letters)
	latinRatio := float64(latin) / float64(letters)

	d := Detection{HanRatio: hanRatio, LatinRatio: latinRatio}
	switch {
	case hanRatio >= 1-mixedBand:
		d.Lang = kb.LangZH
		d.Confidence = hanRatio
	case latinRatio >= 1-mixedBand:
		d.Lang = kb.LangEN
		d.Confidence = latinRatio
	default:
		d.Lang = kb.LangMixed
		if hanRatio > latinRatio {
			d.Confidence = hanRatio
		} else {
			d.Confidence = latinRatio
		}
	}
	return d
}

// Language-neutral content patterns. Text dominated by these is technical or
// factual rather than prose, so a cross-language match is barely penalized.
var (
	addressPattern = regexp.MustCompile(`\b0x[a-fA-F0-9]{8,}\b`)
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
	tickerPattern  = regexp.MustCompile(`\$[A-Z]{2,6}\b`)
	handlePattern  = regexp.MustCompile(`@[A-Za-z0-9_]{2,}`)
	versionPattern = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)?\b`)
	acronymPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
)

// IsTechnicalContent reports whether text is language-neutral technical or
// factual content: one strong identifier (address, URL, ticker, handle) or
// several weak signals (versions, acronyms).
func IsTechnicalContent(text string) bool {
	strong := len(addressPattern.FindAllString(text, -1)) +
		len(urlPattern.FindAllString(text, -1)) +
		len(tickerPattern.FindAllString(text, -1)) +
		len(handlePattern.FindAllString(text, -1))
	if strong >= 1 {
		return true
	}
	weak := len(versionPattern.FindAllString(text, -1)) +
		len(acronymPattern.FindAllString(text, -1))
	return weak >= 3
}
