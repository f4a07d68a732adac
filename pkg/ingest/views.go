package ingest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/wangchai/kbrag/pkg/kb"
)

// Identifier patterns run over record bodies when building the sparse view,
// so exact identifiers stay searchable even though they are excluded from
// the embedding text.
var (
	addressRe = regexp.MustCompile(`\b0x[a-fA-F0-9]{8,}\b`)
	tickerRe  = regexp.MustCompile(`\$[A-Z]{2,6}\b`)
	urlRe     = regexp.MustCompile(`https?://[^\s)]+`)
)

// buildDenseText assembles the natural-language view used only for
// embedding: title plus body text. Raw identifiers meant for lexical
// matching are stripped; they stay reachable through the sparse view and
// the fact map.
func (s *Service) buildDenseText(record *kb.SourceRecord, lang kb.Language, body string) string {
	var b strings.Builder
	b.WriteString(record.Title)
	if record.Section != "" {
		b.WriteString(" - ")
		b.WriteString(record.Section)
	}
	b.WriteString("\n\n")
	b.WriteString(stripIdentifiers(body))
	return b.String()
}

// stripIdentifiers removes address, ticker, and URL tokens so the embedding
// text stays natural language.
func stripIdentifiers(text string) string {
	text = addressRe.ReplaceAllString(text, "")
	text = urlRe.ReplaceAllString(text, "")
	text = tickerRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}

// buildSparseText assembles the keyword-oriented view used only for lexical
// indexing: title, ids, extracted identifiers, glossary synonyms, tags, and
// key terms. Never embedded.
func (s *Service) buildSparseText(record *kb.SourceRecord, body string) string {
	parts := []string{record.Title, record.ID, record.SourceID, record.Section}
	parts = append(parts, record.Tags...)
	parts = append(parts, record.BoostTerms...)

	searchable := record.Title + " " + body + " " + record.SourceURL
	parts = append(parts, extractIdentifiers(searchable)...)

	for _, v := range sortedValues(record.Facts) {
		parts = append(parts, v)
	}
	if record.MetaCard != nil {
		for _, v := range sortedValues(record.MetaCard.OfficialChannels) {
			parts = append(parts, v)
		}
	}

	if s.glossary != nil {
		for _, m := range s.glossary.RecognizeIn(record.Title + " " + body) {
			parts = append(parts, m.Entry.AllForms()...)
		}
	}

	var out []string
	seen := make(map[string]bool)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, " ")
}

// extractIdentifiers pulls address-like, ticker-like, and URL tokens.
func extractIdentifiers(text string) []string {
	var ids []string
	ids = append(ids, addressRe.FindAllString(text, -1)...)
	ids = append(ids, tickerRe.FindAllString(text, -1)...)
	ids = append(ids, urlRe.FindAllString(text, -1)...)
	return ids
}

// deriveFacts builds the flat fact map deterministically from structured
// fields: declared facts first, then meta-card channels, then the first
// extracted identifiers of each kind.
func deriveFacts(record *kb.SourceRecord) map[string]string {
	facts := make(map[string]string, len(record.Facts)+4)
	for k, v := range record.Facts {
		facts[k] = v
	}
	if record.MetaCard != nil {
		for _, k := range sortedKeys(record.MetaCard.OfficialChannels) {
			key := "channel_" + k
			if _, ok := facts[key]; !ok {
				facts[key] = record.MetaCard.OfficialChannels[k]
			}
		}
	}

	body := record.Title + " " + record.Body
	if _, ok := facts["contract_address"]; !ok {
		if addrs := addressRe.FindAllString(body, -1); len(addrs) > 0 {
			sort.Strings(addrs)
			facts["contract_address"] = addrs[0]
		}
	}
	if _, ok := facts["ticker"]; !ok {
		if tickers := tickerRe.FindAllString(body, -1); len(tickers) > 0 {
			sort.Strings(tickers)
			facts["ticker"] = strings.TrimPrefix(tickers[0], "$")
		}
	}
	if _, ok := facts["source_url"]; !ok && record.SourceURL != "" {
		facts["source_url"] = record.SourceURL
	}

	if len(facts) == 0 {
		return nil
	}
	return facts
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedValues(m map[string]string) []string {
	var vals []string
	for _, k := range sortedKeys(m) {
		vals = append(vals, m[k])
	}
	return vals
}
