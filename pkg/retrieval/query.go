package retrieval

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/wangchai/kbrag/pkg/bm25"
	"github.com/wangchai/kbrag/pkg/kb"
	"github.com/wangchai/kbrag/pkg/language"
)

// QueryAnalyzer builds the per-request QueryContext: detected language,
// intent, keywords, and glossary alias variants.
type QueryAnalyzer struct {
	glossary *kb.Glossary
	logger   *slog.Logger
}

// NewQueryAnalyzer creates an analyzer over the shared glossary.
func NewQueryAnalyzer(glossary *kb.Glossary) *QueryAnalyzer {
	return &QueryAnalyzer{
		glossary: glossary,
		logger:   slog.Default().With("component", "query-analyzer"),
	}
}

var addressQueryRe = regexp.MustCompile(`\b0x[a-fA-F0-9]{8,}\b`)

// intentSignals maps surface cues to intents. First matching intent in
// priority order wins; ties between cue sets are resolved by specificity
// (blockchain_ref beats everything, general is the fallback).
var intentSignals = []struct {
	intent kb.Intent
	cues   []string
}{
	{kb.IntentSocial, []string{
		"telegram", "twitter", "discord", "官方链接", "社区", "社群",
		"official link", "official links", "social", "contact", "联系方式", "关注",
	}},
	{kb.IntentProcedural, []string{
		"how do", "how to", "how can", "怎么", "如何", "怎样", "步骤", "教程",
	}},
	{kb.IntentFinancial, []string{
		"price", "market cap", "buy", "sell", "worth", "value",
		"价格", "市值", "购买", "多少钱", "收益",
	}},
	{kb.IntentPerformance, []string{
		"tps", "throughput", "latency", "fast", "performance", "benchmark",
		"速度", "性能", "延迟", "吞吐",
	}},
	{kb.IntentExploratory, []string{
		"compare", "vs", "versus", "difference", "alternative", "which",
		"对比", "区别", "或者", "哪个", "还是",
	}},
}

// Analyze builds the query context. maxExpansions caps alias variants; the
// original query is always variant zero.
func (a *QueryAnalyzer) Analyze(query string, maxExpansions int) *kb.QueryContext {
	det := language.Detect(query)

	qc := &kb.QueryContext{
		Original:       query,
		Lang:           det.Lang,
		LangConfidence: det.Confidence,
		Intent:         a.detectIntent(query),
		Keywords:       extractKeywords(query),
		Variants:       []kb.Variant{{Text: query, Source: "original"}},
	}

	qc.Variants = append(qc.Variants, a.expandVariants(query, det.Lang, maxExpansions)...)

	a.logger.Debug("Query analyzed",
		"lang", qc.Lang,
		"intent", qc.Intent,
		"variants", len(qc.Variants),
		"keywords", len(qc.Keywords),
	)
	return qc
}

func (a *QueryAnalyzer) detectIntent(query string) kb.Intent {
	if addressQueryRe.MatchString(query) {
		return kb.IntentBlockchainRef
	}
	lower := strings.ToLower(query)
	if strings.Contains(lower, "contract") || strings.Contains(lower, "合约地址") {
		return kb.IntentBlockchainRef
	}
	for _, sig := range intentSignals {
		for _, cue := range sig.cues {
			if strings.Contains(lower, cue) {
				return sig.intent
			}
		}
	}
	return kb.IntentGeneral
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "and": true,
	"or": true, "what": true, "do": true, "does": true, "it": true, "i": true,
	"的": true, "了": true, "是": true, "吗": true, "呢": true, "在": true,
	"和": true, "与": true, "有": true, "我": true, "你": true,
}

// extractKeywords tokenizes the query the same way the lexical index does
// and drops stopwords and single Latin characters.
func extractKeywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range bm25.Tokenize(query) {
		if stopwords[tok] || seen[tok] {
			continue
		}
		if len(tok) == 1 && tok[0] < 0x80 {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// expandVariants rewrites the query once per recognized glossary entry,
// substituting the matched surface form with a synonym appropriate for the
// query language. Cross-lingual synonyms let a Chinese query reach
// English-only chunks and vice versa.
func (a *QueryAnalyzer) expandVariants(query string, lang kb.Language, max int) []kb.Variant {
	if a.glossary == nil || max <= 0 {
		return nil
	}
	var variants []kb.Variant
	for _, m := range a.glossary.RecognizeIn(query) {
		if len(variants) >= max {
			break
		}
		terms := m.Entry.ExpansionTerms(lang, m.Matched)
		if len(terms) == 0 {
			continue
		}
		rewritten := replaceFold(query, m.Matched, terms[0])
		if rewritten == query {
			continue
		}
		variants = append(variants, kb.Variant{Text: rewritten, Source: m.Entry.Canonical})
	}
	return variants
}

// replaceFold replaces the first case-insensitive occurrence of old in s.
func replaceFold(s, old, new string) string {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(old))
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}
