// Package compress performs field-budgeted, query-aware compression of
// retrieved chunks. Each chunk gets a token budget from its content-type
// classification; over-budget chunks are rebuilt from their highest-value
// sentences, re-emitted in original order.
package compress

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/wangchai/kbrag/pkg/kb"
)

// ContentType classifies a chunk for budget selection.
type ContentType string

const (
	TypeHowTo         ContentType = "how_to"
	TypeTechnicalSpec ContentType = "technical_spec"
	TypeFeature       ContentType = "feature"
	TypeQAPair        ContentType = "qa_pair"
	TypeMarketing     ContentType = "marketing"
	TypeBoilerplate   ContentType = "boilerplate"
	TypeGeneral       ContentType = "general"
)

// AnswerType describes the expected response shape; budgets scale with it.
type AnswerType string

const (
	AnswerShort      AnswerType = "short_answer"
	AnswerStepList   AnswerType = "step_list"
	AnswerDetailed   AnswerType = "detailed"
	AnswerComparison AnswerType = "comparison"
)

// Config holds the budget table and scoring weights.
type Config struct {
	// Budgets maps content type to token budget. Marketing and boilerplate
	// budgets are deliberately small.
	Budgets map[ContentType]int `json:"budgets" yaml:"budgets"`

	// AnswerTypeScale multiplies all budgets per expected answer shape.
	AnswerTypeScale map[AnswerType]float64 `json:"answer_type_scale" yaml:"answer_type_scale"`

	// Scoring weights.
	KeywordWeight   float64 `json:"keyword_weight" yaml:"keyword_weight"`
	IndicatorWeight float64 `json:"indicator_weight" yaml:"indicator_weight"`
	ExampleBonus    float64 `json:"example_bonus" yaml:"example_bonus"`
	LengthPenalty   float64 `json:"length_penalty" yaml:"length_penalty"`

	// LowValuePenalty scores down marketing/boilerplate sentences unless
	// they match query keywords directly.
	LowValuePenalty float64 `json:"low_value_penalty" yaml:"low_value_penalty"`
}

// DefaultConfig returns the tuned compression defaults.
func DefaultConfig() *Config {
	return &Config{
		Budgets: map[ContentType]int{
			TypeHowTo:         220,
			TypeTechnicalSpec: 200,
			TypeFeature:       160,
			TypeQAPair:        140,
			TypeMarketing:     60,
			TypeBoilerplate:   40,
			TypeGeneral:       150,
		},
		AnswerTypeScale: map[AnswerType]float64{
			AnswerShort:      0.6,
			AnswerStepList:   1.2,
			AnswerDetailed:   1.5,
			AnswerComparison: 1.3,
		},
		KeywordWeight:   2.0,
		IndicatorWeight: 1.0,
		ExampleBonus:    0.8,
		LengthPenalty:   0.5,
		LowValuePenalty: 1.5,
	}
}

// Stats summarizes one compression pass for observability.
type Stats struct {
	ChunksIn         int     `json:"chunks_in"`
	ChunksCompressed int     `json:"chunks_compressed"`
	TokensIn         int     `json:"tokens_in"`
	TokensOut        int     `json:"tokens_out"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Compressor is the compression service.
type Compressor struct {
	config *Config
	logger *slog.Logger
}

// NewCompressor creates the service.
func NewCompressor(config *Config) *Compressor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Compressor{
		config: config,
		logger: slog.Default().With("component", "compressor"),
	}
}

var (
	howToPattern     = regexp.MustCompile(`(?i)\b(how to|step\s*\d|first,|then,|finally)\b|如何|步骤|首先|然后`)
	specPattern      = regexp.MustCompile(`(?i)\b(supply|decimals|consensus|tps|latency|throughput|spec)\b|\d+(\.\d+)?\s*(%|ms|tps)|总量|精度`)
	qaPattern        = regexp.MustCompile(`(?i)^\s*(q[:：]|what|why|how|when|where|can i)\b|^\s*(问|答)[:：]|吗[？?]`)
	featurePattern   = regexp.MustCompile(`(?i)\b(feature|supports?|provides?|enables?|allows?)\b|功能|支持|提供`)
	marketingHint    = regexp.MustCompile(`(?i)\b(best|amazing|revolutionary|buy now|don'?t miss|join)\b|最佳|立即|不容错过`)
	boilerplateHint  = regexp.MustCompile(`(?i)\b(all rights reserved|disclaimer|terms of)\b|版权所有|免责声明`)
	examplePattern   = regexp.MustCompile(`(?i)\b(for example|e\.g\.|such as)\b|例如|比如`)
	directAnswerHint = regexp.MustCompile(`(?i)^\s*(yes|no|the answer|it is|you can|是的|不是|可以|答[:：])`)
	numberedStep     = regexp.MustCompile(`(?i)^\s*(\d+[.)、]|step\s*\d|第[一二三四五六七八九十]+步)`)
	metricPattern    = regexp.MustCompile(`\d+(\.\d+)?\s*(%|ms|s|tps|gwei)?`)
)

// Classify resolves the content type of a chunk from metadata when present,
// otherwise from regex heuristics over the text.
func Classify(c *kb.Chunk) ContentType {
	if ct := c.Metadata.ContentType; ct != "" {
		switch ContentType(ct) {
		case TypeHowTo, TypeTechnicalSpec, TypeFeature, TypeQAPair, TypeMarketing, TypeBoilerplate, TypeGeneral:
			return ContentType(ct)
		}
	}
	text := c.Text()
	switch {
	case boilerplateHint.MatchString(text):
		return TypeBoilerplate
	case howToPattern.MatchString(text):
		return TypeHowTo
	case qaPattern.MatchString(text):
		return TypeQAPair
	case specPattern.MatchString(text):
		return TypeTechnicalSpec
	case marketingHint.MatchString(text):
		return TypeMarketing
	case featurePattern.MatchString(text):
		return TypeFeature
	default:
		return TypeGeneral
	}
}

// budgetFor resolves the token budget for a content type and answer shape.
func (cp *Compressor) budgetFor(ct ContentType, at AnswerType) int {
	budget, ok := cp.config.Budgets[ct]
	if !ok {
		budget = cp.config.Budgets[TypeGeneral]
	}
	if at != "" {
		if scale, ok := cp.config.AnswerTypeScale[at]; ok {
			budget = int(float64(budget) * scale)
		}
	}
	if budget < 10 {
		budget = 10
	}
	return budget
}

type scoredSentence struct {
	index int
	text  string
	score float64
	tok   int
}

// scoreSentence scores one sentence for selection: query-keyword overlap,
// content-type indicator density, example preservation, and a length penalty
// for outliers. Marketing and boilerplate sentences are scored down unless
// they directly match query keywords.
func (cp *Compressor) scoreSentence(sentence string, keywords []string, ct ContentType, avgLen float64) float64 {
	lower := strings.ToLower(sentence)
	score := 0.0

	keywordHits := 0
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			keywordHits++
		}
	}
	score += float64(keywordHits) * cp.config.KeywordWeight

	indicators := 0
	switch ct {
	case TypeHowTo:
		indicators += len(numberedStep.FindAllString(sentence, -1))
		indicators += len(metricPattern.FindAllString(sentence, -1))
	case TypeTechnicalSpec:
		indicators += len(metricPattern.FindAllString(sentence, -1))
		indicators += len(specPattern.FindAllString(sentence, -1))
	case TypeQAPair:
		if directAnswerHint.MatchString(sentence) {
			indicators += 2
		}
	default:
		indicators += len(metricPattern.FindAllString(sentence, -1)) / 2
	}
	score += float64(indicators) * cp.config.IndicatorWeight

	if examplePattern.MatchString(sentence) {
		score += cp.config.ExampleBonus
	}

	if avgLen > 0 {
		sentLen := float64(len([]rune(sentence)))
		if sentLen > 2*avgLen || sentLen < 0.25*avgLen {
			score -= cp.config.LengthPenalty
		}
	}

	if (marketingHint.MatchString(sentence) || boilerplateHint.MatchString(sentence)) && keywordHits == 0 {
		score -= cp.config.LowValuePenalty
	}

	return score
}

// Compress fits chunks into their field budgets. Chunks already under budget
// are returned unchanged. The compressed text preserves the original
// relative sentence order regardless of score order.
func (cp *Compressor) Compress(chunks []*kb.Chunk, queryCtx *kb.QueryContext, answerType AnswerType) ([]*kb.Chunk, *Stats) {
	stats := &Stats{ChunksIn: len(chunks)}
	var keywords []string
	if queryCtx != nil {
		keywords = queryCtx.Keywords
	}

	out := make([]*kb.Chunk, 0, len(chunks))
	for _, c := range chunks {
		ct := Classify(c)
		budget := cp.budgetFor(ct, answerType)

		tokens := c.TokenCount
		if tokens == 0 {
			tokens = kb.EstimateTokens(c.Text())
		}
		stats.TokensIn += tokens

		if tokens <= budget {
			stats.TokensOut += tokens
			out = append(out, c)
			continue
		}

		compressed := cp.compressText(c.Text(), keywords, ct, budget)
		cc := *c
		cc.DenseText = compressed
		cc.TokenCount = kb.EstimateTokens(compressed)
		stats.TokensOut += cc.TokenCount
		stats.ChunksCompressed++
		out = append(out, &cc)

		cp.logger.Debug("Chunk compressed",
			"chunk_id", c.ID,
			"content_type", ct,
			"budget", budget,
			"tokens_in", tokens,
			"tokens_out", cc.TokenCount,
		)
	}

	if stats.TokensIn > 0 {
		stats.CompressionRatio = float64(stats.TokensOut) / float64(stats.TokensIn)
	}
	return out, stats
}

// compressText selects sentences greedily by score until the budget is
// exhausted, then re-emits them in original order. Remaining budget is used
// for a word-level truncation of the next best sentence.
func (cp *Compressor) compressText(text string, keywords []string, ct ContentType, budget int) string {
	sentences := kb.SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}

	avgLen := 0.0
	for _, s := range sentences {
		avgLen += float64(len([]rune(s)))
	}
	avgLen /= float64(len(sentences))

	scored := make([]scoredSentence, len(sentences))
	for i, s := range sentences {
		scored[i] = scoredSentence{
			index: i,
			text:  s,
			score: cp.scoreSentence(s, keywords, ct, avgLen),
			tok:   kb.EstimateTokens(s),
		}
	}

	byScore := make([]scoredSentence, len(scored))
	copy(byScore, scored)
	sort.SliceStable(byScore, func(i, j int) bool { return byScore[i].score > byScore[j].score })

	selected := make(map[int]bool)
	used := 0
	var overflow *scoredSentence
	for i := range byScore {
		s := byScore[i]
		if used+s.tok <= budget {
			selected[s.index] = true
			used += s.tok
		} else if overflow == nil {
			overflow = &byScore[i]
		}
	}

	// Word-level pass: fit a truncated version of the best overflowing
	// sentence into whatever budget remains.
	var tail string
	if overflow != nil && budget-used > 5 {
		tail = cp.compressWords(overflow.text, keywords, budget-used)
	}

	var parts []string
	for i := range scored {
		if selected[scored[i].index] {
			parts = append(parts, scored[i].text)
		}
	}
	if tail != "" {
		parts = append(parts, tail)
	}
	if len(parts) == 0 {
		// Budget smaller than every sentence: hard-truncate the best one.
		return cp.compressWords(byScore[0].text, keywords, budget)
	}
	return strings.Join(parts, " ")
}

// compressWords applies the same scoring logic at word granularity,
// preferring query keywords and numbers, and truncates to the budget.
func (cp *Compressor) compressWords(sentence string, keywords []string, budget int) string {
	words := strings.Fields(sentence)
	if len(words) == 0 {
		runes := []rune(sentence)
		limit := int(float64(budget) / 0.6)
		if limit >= len(runes) {
			return sentence
		}
		return string(runes[:limit])
	}

	kwSet := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		kwSet[strings.ToLower(kw)] = true
	}

	var kept []string
	used := 0
	for _, w := range words {
		tok := kb.EstimateTokens(w)
		if used+tok > budget {
			// Always keep keyword and numeric words while budget remains for
			// anything at all.
			if kwSet[strings.ToLower(strings.Trim(w, ".,;:!?"))] && used+tok <= budget+2 {
				kept = append(kept, w)
				used += tok
			}
			continue
		}
		kept = append(kept, w)
		used += tok
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) < len(words) {
		return strings.Join(kept, " ") + "…"
	}
	return strings.Join(kept, " ")
}
