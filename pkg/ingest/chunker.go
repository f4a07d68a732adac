package ingest

import (
	"strings"

	"github.com/wangchai/kbrag/pkg/kb"
)

// piece is one sub-chunk of a record body, with the unit count of the
// overlap it carries from the previous sub-chunk.
type piece struct {
	text         string
	overlapUnits int
}

// units measures text in the budget unit of the language: estimated tokens
// for Latin script, characters for logographic content.
func units(lang kb.Language, text string) int {
	if lang == kb.LangZH {
		return len([]rune(text))
	}
	return kb.EstimateTokens(text)
}

// budgets returns the target and maximum chunk size in language units.
func (s *Service) budgets(lang kb.Language) (target, max int) {
	if lang == kb.LangZH {
		return s.config.CJKTargetChars, s.config.CJKMaxChars
	}
	return s.config.LatinTargetTokens, s.config.LatinMaxTokens
}

// overlapBounds returns the min/max overlap units for a language.
func (s *Service) overlapBounds(lang kb.Language) (min, max int) {
	if lang == kb.LangZH {
		return s.config.CJKMinOverlap, s.config.CJKMaxOverlap
	}
	return s.config.LatinMinOverlap, s.config.LatinMaxOverlap
}

// overlapBudget resolves the overlap unit budget, bounded by the
// language's min/max.
func (s *Service) overlapBudget(lang kb.Language, target int) int {
	min, max := s.overlapBounds(lang)
	b := int(s.config.OverlapRatio * float64(target))
	if b < min {
		b = min
	}
	if b > max {
		b = max
	}
	return b
}

// split breaks a body into overlapping sub-chunks at sentence boundaries.
// The overlap for a new sub-chunk is built by walking backward from the end
// of the previous sub-chunk, accumulating whole sentences until the overlap
// budget is reached, then prepending them.
func (s *Service) split(body string, lang kb.Language) []piece {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	target, max := s.budgets(lang)
	if units(lang, body) <= max {
		return []piece{{text: body}}
	}

	sentences := kb.SplitSentences(body)
	if len(sentences) <= 1 {
		return []piece{{text: body}}
	}
	overlapBudget := s.overlapBudget(lang, target)
	_, maxOverlap := s.overlapBounds(lang)

	var pieces []piece
	var cur []string
	curUnits := 0
	carriedOverlap := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		pieces = append(pieces, piece{text: strings.Join(cur, " "), overlapUnits: carriedOverlap})

		// Walk backward over the emitted sentences to build the overlap for
		// the next sub-chunk. Never carry every sentence forward.
		var tail []string
		tailUnits := 0
		for i := len(cur) - 1; i > 0; i-- {
			u := units(lang, cur[i])
			if tailUnits >= overlapBudget || tailUnits+u > maxOverlap {
				break
			}
			tail = append([]string{cur[i]}, tail...)
			tailUnits += u
		}
		cur = tail
		curUnits = tailUnits
		carriedOverlap = tailUnits
	}

	for _, sent := range sentences {
		su := units(lang, sent)
		if curUnits > 0 && curUnits+su > target {
			flush()
		}
		cur = append(cur, sent)
		curUnits += su
	}

	// Final flush without building further overlap.
	if len(cur) > 0 {
		// A trailing piece consisting only of carried overlap would
		// duplicate content already emitted.
		onlyOverlap := carriedOverlap > 0 && curUnits == carriedOverlap
		if !onlyOverlap {
			pieces = append(pieces, piece{text: strings.Join(cur, " "), overlapUnits: carriedOverlap})
		}
	}

	return pieces
}
