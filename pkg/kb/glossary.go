package kb

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// GlossaryEntry maps a canonical entity or term to its synonyms,
// abbreviations, and cross-language equivalents.
type GlossaryEntry struct {
	Canonical     string   `json:"canonical" yaml:"canonical"`
	SynonymsEN    []string `json:"synonyms_en" yaml:"synonyms_en"`
	SynonymsZH    []string `json:"synonyms_zh" yaml:"synonyms_zh"`
	Abbreviations []string `json:"abbreviations" yaml:"abbreviations"`
}

// Glossary is the bilingual term table. Read-only at query time, loaded once
// at startup; lookup is case-insensitive over every surface form.
type Glossary struct {
	entries []GlossaryEntry
	byForm  map[string]*GlossaryEntry
}

// NewGlossary builds the lookup table from entries.
func NewGlossary(entries []GlossaryEntry) *Glossary {
	g := &Glossary{
		entries: entries,
		byForm:  make(map[string]*GlossaryEntry),
	}
	for i := range g.entries {
		e := &g.entries[i]
		for _, form := range e.AllForms() {
			g.byForm[strings.ToLower(form)] = e
		}
	}
	return g
}

// LoadGlossary reads a YAML glossary file.
func LoadGlossary(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read glossary file: %w", err)
	}
	var entries []GlossaryEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse glossary file: %w", err)
	}
	return NewGlossary(entries), nil
}

// AllForms returns every surface form of the entry, canonical first.
func (e *GlossaryEntry) AllForms() []string {
	forms := make([]string, 0, 1+len(e.SynonymsEN)+len(e.SynonymsZH)+len(e.Abbreviations))
	forms = append(forms, e.Canonical)
	forms = append(forms, e.SynonymsEN...)
	forms = append(forms, e.SynonymsZH...)
	forms = append(forms, e.Abbreviations...)
	return forms
}

// Lookup finds the entry for a surface form, if any.
func (g *Glossary) Lookup(term string) (*GlossaryEntry, bool) {
	e, ok := g.byForm[strings.ToLower(term)]
	return e, ok
}

// Entries returns the underlying entry list.
func (g *Glossary) Entries() []GlossaryEntry { return g.entries }

// RecognizeIn scans text for any known surface form and returns the matched
// entries together with the form that matched, longest forms first so that
// multi-word entities win over their abbreviations.
func (g *Glossary) RecognizeIn(text string) []GlossaryMatch {
	lower := strings.ToLower(text)
	var matches []GlossaryMatch
	seen := make(map[string]bool)
	for i := range g.entries {
		e := &g.entries[i]
		for _, form := range e.AllForms() {
			if form == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(form)) {
				if !seen[e.Canonical] {
					matches = append(matches, GlossaryMatch{Entry: e, Matched: form})
					seen[e.Canonical] = true
				}
				break
			}
		}
	}
	return matches
}

// GlossaryMatch is one recognized entity in a piece of text.
type GlossaryMatch struct {
	Entry   *GlossaryEntry
	Matched string
}

// ExpansionTerms returns synonyms of the entry in the requested language,
// excluding the form that already appears in the query.
func (e *GlossaryEntry) ExpansionTerms(lang Language, exclude string) []string {
	var pool []string
	switch lang {
	case LangZH:
		pool = append(pool, e.SynonymsZH...)
		pool = append(pool, e.SynonymsEN...)
	default:
		pool = append(pool, e.SynonymsEN...)
		pool = append(pool, e.SynonymsZH...)
	}
	pool = append(pool, e.Abbreviations...)
	var out []string
	lowerExclude := strings.ToLower(exclude)
	for _, t := range pool {
		if t == "" || strings.ToLower(t) == lowerExclude {
			continue
		}
		out = append(out, t)
	}
	return out
}
