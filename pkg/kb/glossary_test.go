package kb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGlossary() *Glossary {
	return NewGlossary([]GlossaryEntry{
		{
			Canonical:     "WangChai",
			SynonymsEN:    []string{"wangchai project"},
			SynonymsZH:    []string{"旺柴"},
			Abbreviations: []string{"WNG"},
		},
		{
			Canonical:  "cross-chain bridge",
			SynonymsEN: []string{"bridge"},
			SynonymsZH: []string{"跨链桥"},
		},
	})
}

func TestGlossaryLookup(t *testing.T) {
	g := testGlossary()

	entry, ok := g.Lookup("wangchai")
	require.True(t, ok)
	assert.Equal(t, "WangChai", entry.Canonical)

	entry, ok = g.Lookup("旺柴")
	require.True(t, ok)
	assert.Equal(t, "WangChai", entry.Canonical)

	_, ok = g.Lookup("unrelated")
	assert.False(t, ok)
}

func TestGlossaryRecognizeIn(t *testing.T) {
	g := testGlossary()

	matches := g.RecognizeIn("How do I use the WangChai bridge?")
	require.Len(t, matches, 2)
	canonicals := []string{matches[0].Entry.Canonical, matches[1].Entry.Canonical}
	assert.Contains(t, canonicals, "WangChai")
	assert.Contains(t, canonicals, "cross-chain bridge")
}

func TestGlossaryRecognizeInDedupesPerEntry(t *testing.T) {
	g := testGlossary()
	matches := g.RecognizeIn("WangChai WNG 旺柴")
	assert.Len(t, matches, 1)
}

func TestExpansionTermsPrefersQueryLanguage(t *testing.T) {
	g := testGlossary()
	entry, ok := g.Lookup("旺柴")
	require.True(t, ok)

	zhTerms := entry.ExpansionTerms(LangZH, "旺柴")
	require.NotEmpty(t, zhTerms)
	assert.NotContains(t, zhTerms, "旺柴")

	enTerms := entry.ExpansionTerms(LangEN, "wangchai project")
	require.NotEmpty(t, enTerms)
	assert.Equal(t, "旺柴", enTerms[0])
}

func TestLoadGlossaryYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glossary.yaml")
	content := `
- canonical: WangChai
  synonyms_en: [wangchai project]
  synonyms_zh: [旺柴]
  abbreviations: [WNG]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	g, err := LoadGlossary(path)
	require.NoError(t, err)
	_, ok := g.Lookup("wng")
	assert.True(t, ok)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty", "", 0},
		{"latin words", "one two three four", 5},          // 4 * 1.3 = 5.2
		{"cjk runes", "跨链桥转移", 3},                         // 5 * 0.6 = 3.0
		{"mixed", "bridge 跨链", 3},                          // 1*1.3 + 2*0.6 = 2.5, rounded
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EstimateTokens(tt.text))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First sentence. Second one! 中文句子。最后一句")
	require.Len(t, got, 4)
	assert.Contains(t, got[0], "First")
	assert.Contains(t, got[2], "中文")
}
