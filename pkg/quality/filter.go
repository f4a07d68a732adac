// Package quality detects and removes marketing, boilerplate, and low-value
// chunks before compression. Scores are weighted regex-pattern densities
// normalized by chunk length, so long chunks are not penalized for a single
// promotional phrase.
package quality

import (
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/wangchai/kbrag/pkg/kb"
)

// Mode selects how scoring outcomes are applied.
type Mode string

const (
	// ModeStrict removes chunks exceeding the marketing/boilerplate
	// thresholds or falling under the quality threshold.
	ModeStrict Mode = "strict"

	// ModeLenient keeps offending chunks but flags them.
	ModeLenient Mode = "lenient"

	// ModeAdaptive relaxes the marketing threshold for technical queries and
	// tightens the quality threshold for broad definitional queries.
	ModeAdaptive Mode = "adaptive"
)

// Config holds filter thresholds. All are tuned defaults, not invariants.
type Config struct {
	MarketingThreshold   float64 `json:"marketing_threshold" yaml:"marketing_threshold"`
	BoilerplateThreshold float64 `json:"boilerplate_threshold" yaml:"boilerplate_threshold"`
	QualityThreshold     float64 `json:"quality_threshold" yaml:"quality_threshold"`

	// Hard bounds: chunks outside these are rejected regardless of mode.
	MinChars int `json:"min_chars" yaml:"min_chars"`
	MaxChars int `json:"max_chars" yaml:"max_chars"`
	MinWords int `json:"min_words" yaml:"min_words"`

	// Adaptive-mode adjustments.
	TechnicalMarketingRelax  float64 `json:"technical_marketing_relax" yaml:"technical_marketing_relax"`
	DefinitionalQualityBoost float64 `json:"definitional_quality_boost" yaml:"definitional_quality_boost"`
}

// DefaultConfig returns the tuned filter defaults.
func DefaultConfig() *Config {
	return &Config{
		MarketingThreshold:       0.55,
		BoilerplateThreshold:     0.5,
		QualityThreshold:         0.3,
		MinChars:                 20,
		MaxChars:                 8000,
		MinWords:                 3,
		TechnicalMarketingRelax:  0.2,
		DefinitionalQualityBoost: 0.1,
	}
}

// Assessment holds the three independent scores for one chunk.
type Assessment struct {
	ChunkID          string  `json:"chunk_id"`
	MarketingScore   float64 `json:"marketing_score"`
	BoilerplateScore float64 `json:"boilerplate_score"`
	QualityScore     float64 `json:"quality_score"`
	Reason           string  `json:"reason,omitempty"`
}

// Result is the outcome of a filter pass.
type Result struct {
	Kept    []*kb.Chunk  `json:"kept"`
	Removed []*kb.Chunk  `json:"removed"`
	Flagged []Assessment `json:"flagged,omitempty"`
}

// Filter scores and filters chunks.
type Filter struct {
	config *Config
	logger *slog.Logger
}

// NewFilter creates a filter.
func NewFilter(config *Config) *Filter {
	if config == nil {
		config = DefaultConfig()
	}
	return &Filter{
		config: config,
		logger: slog.Default().With("component", "quality-filter"),
	}
}

var (
	marketingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(best|greatest|amazing|incredible|revolutionary|game.?chang\w+|unmissable|guaranteed)\b`),
		regexp.MustCompile(`(?i)\b(buy now|act now|don'?t miss|limited time|join (us )?today|sign up now|to the moon)\b`),
		regexp.MustCompile(`(?i)\b(100%|huge gains|massive|explosive growth|once.in.a.lifetime)\b`),
		regexp.MustCompile(`(最佳|最强|惊人|革命性|千载难逢|立即购买|马上加入|不容错过|限时|暴涨)`),
	}

	boilerplatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(all rights reserved|terms of (service|use)|privacy policy|legal disclaimer|without warranty)\b`),
		regexp.MustCompile(`(?i)\b(this (document|page) (is|was) (generated|provided)|for informational purposes only|subject to change)\b`),
		regexp.MustCompile(`(?i)\b(copyright|©)\s*\d{4}`),
		regexp.MustCompile(`(版权所有|免责声明|仅供参考|服务条款|隐私政策)`),
	}

	qualityBoostPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(step\s*\d|first|then|finally|configure|install|deploy|contract|protocol|token|wallet|blockchain|liquidity|gas)\b`),
		regexp.MustCompile(`(?i)\b(for example|e\.g\.|such as)\b|例如|比如|步骤|首先|然后|最后`),
		regexp.MustCompile(`\d+(\.\d+)?%?`),
	}

	fillerPattern  = regexp.MustCompile(`(?i)\b(basically|actually|literally|really|very|just|stuff|things)\b`)
	excessivePunct = regexp.MustCompile(`[!?]{2,}|\.{4,}`)
	capsRunPattern = regexp.MustCompile(`\b[A-Z]{6,}\b`)

	definitionalPattern = regexp.MustCompile(`(?i)^\s*(what is|what are|who is|explain|define)\b|是什么|什么是`)
)

// patternDensity sums weighted matches normalized by word count and squashed
// into [0,1].
func patternDensity(text string, patterns []*regexp.Regexp, scale float64) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		words = len([]rune(text)) / 2
	}
	if words == 0 {
		return 0
	}
	matches := 0
	for _, p := range patterns {
		matches += len(p.FindAllString(text, -1))
	}
	return math.Min(1, float64(matches)*scale/float64(words))
}

// MarketingScore scores promotional density in [0,1].
func (f *Filter) MarketingScore(text string) float64 {
	return patternDensity(text, marketingPatterns, 8)
}

// BoilerplateScore scores legal/template density in [0,1]. Low
// sentence-length variance adds to the score since templated content has
// uniform sentence shapes.
func (f *Filter) BoilerplateScore(text string) float64 {
	score := patternDensity(text, boilerplatePatterns, 10)

	sentences := kb.SplitSentences(text)
	if len(sentences) >= 3 {
		var lengths []float64
		for _, s := range sentences {
			lengths = append(lengths, float64(len([]rune(s))))
		}
		mean := 0.0
		for _, l := range lengths {
			mean += l
		}
		mean /= float64(len(lengths))
		variance := 0.0
		for _, l := range lengths {
			variance += (l - mean) * (l - mean)
		}
		variance /= float64(len(lengths))
		if mean > 0 && math.Sqrt(variance)/mean < 0.15 {
			score = math.Min(1, score+0.25)
		}
	}
	return score
}

// QualityScore scores content value in [0,1]: boosted by technical
// vocabulary, steps, numbers, and examples; penalized by filler words,
// excessive punctuation and caps, and repeated-character runs.
func (f *Filter) QualityScore(text string) float64 {
	score := 0.4
	score += math.Min(0.4, patternDensity(text, qualityBoostPatterns, 4))
	score -= math.Min(0.3, patternDensity(text, []*regexp.Regexp{fillerPattern}, 4))
	if excessivePunct.MatchString(text) {
		score -= 0.15
	}
	if hasRepeatedRun(text, 5) {
		score -= 0.2
	}
	if capsRunPattern.MatchString(text) {
		score -= 0.1
	}
	return math.Max(0, math.Min(1, score))
}

// Assess computes all three scores for one chunk.
func (f *Filter) Assess(c *kb.Chunk) Assessment {
	text := c.Text()
	return Assessment{
		ChunkID:          c.ID,
		MarketingScore:   f.MarketingScore(text),
		BoilerplateScore: f.BoilerplateScore(text),
		QualityScore:     f.QualityScore(text),
	}
}

// thresholds resolves the effective thresholds for a mode and query.
func (f *Filter) thresholds(mode Mode, queryCtx *kb.QueryContext) (marketing, boilerplate, quality float64) {
	marketing = f.config.MarketingThreshold
	boilerplate = f.config.BoilerplateThreshold
	quality = f.config.QualityThreshold

	if mode != ModeAdaptive || queryCtx == nil {
		return
	}
	switch queryCtx.Intent {
	case kb.IntentProcedural, kb.IntentBlockchainRef, kb.IntentPerformance:
		marketing = math.Min(1, marketing+f.config.TechnicalMarketingRelax)
	}
	if definitionalPattern.MatchString(queryCtx.Original) {
		quality += f.config.DefinitionalQualityBoost
	}
	return
}

// Apply filters chunks. Hard length and word bounds reject degenerate chunks
// outright regardless of mode; threshold violations remove in strict and
// adaptive modes and flag in lenient mode.
func (f *Filter) Apply(chunks []*kb.Chunk, mode Mode, queryCtx *kb.QueryContext) *Result {
	marketingT, boilerplateT, qualityT := f.thresholds(mode, queryCtx)
	result := &Result{}

	for _, c := range chunks {
		text := c.Text()
		runes := len([]rune(text))
		words := len(strings.Fields(text))
		if isLogographicHeavy(text) {
			words = runes // word bounds are meaningless for CJK prose
		}

		if runes < f.config.MinChars || runes > f.config.MaxChars || words < f.config.MinWords {
			f.logger.Debug("Rejecting degenerate chunk", "chunk_id", c.ID, "runes", runes, "words", words)
			result.Removed = append(result.Removed, c)
			continue
		}

		a := f.Assess(c)
		offending := ""
		switch {
		case a.MarketingScore > marketingT:
			offending = "marketing"
		case a.BoilerplateScore > boilerplateT:
			offending = "boilerplate"
		case a.QualityScore < qualityT:
			offending = "low_quality"
		}

		if offending == "" {
			result.Kept = append(result.Kept, c)
			continue
		}

		a.Reason = offending
		if mode == ModeLenient {
			result.Kept = append(result.Kept, c)
			result.Flagged = append(result.Flagged, a)
		} else {
			f.logger.Debug("Removing chunk", "chunk_id", c.ID, "reason", offending,
				"marketing", a.MarketingScore, "boilerplate", a.BoilerplateScore, "quality", a.QualityScore)
			result.Removed = append(result.Removed, c)
			result.Flagged = append(result.Flagged, a)
		}
	}

	return result
}

// ApplyBlacklist removes chunks matching any caller-supplied pattern,
// regardless of mode. Invalid patterns are skipped with a warning.
func (f *Filter) ApplyBlacklist(chunks []*kb.Chunk, patterns []string) *Result {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			f.logger.Warn("Skipping invalid blacklist pattern", "pattern", p, "error", err)
			continue
		}
		compiled = append(compiled, re)
	}

	result := &Result{}
	for _, c := range chunks {
		matched := false
		for _, re := range compiled {
			if re.MatchString(c.Text()) {
				matched = true
				break
			}
		}
		if matched {
			result.Removed = append(result.Removed, c)
		} else {
			result.Kept = append(result.Kept, c)
		}
	}
	return result
}

// hasRepeatedRun reports whether text contains n or more identical
// consecutive runes. RE2 has no backreferences, so this is a rune scan.
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func isLogographicHeavy(text string) bool {
	var han, total int
	for _, r := range text {
		if r > ' ' {
			total++
		}
		if r >= 0x4E00 && r <= 0x9FFF {
			han++
		}
	}
	return total > 0 && float64(han)/float64(total) > 0.3
}
