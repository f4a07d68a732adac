package language

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangchai/kbrag/pkg/kb"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		lang kb.Language
	}{
		{"pure english", "how do I bridge tokens", kb.LangEN},
		{"pure chinese", "如何跨链转移代币", kb.LangZH},
		{"mixed", "如何使用 bridge 转移 tokens 到另一条 chain", kb.LangMixed},
		{"identifiers ignored", "0x1234abcd5678 如何转移", kb.LangZH},
		{"no letters", "12345 !!!", kb.LangUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.lang, Detect(tt.text).Lang)
		})
	}
}

func TestIsTechnicalContent(t *testing.T) {
	assert.True(t, IsTechnicalContent("contract at 0xAbCd1234Ef567890"))
	assert.True(t, IsTechnicalContent("see https://docs.example.com"))
	assert.True(t, IsTechnicalContent("follow @wangchai_x for updates"))
	assert.False(t, IsTechnicalContent("a plain sentence about the community"))
}

// padRunes extends base with filler until the text is exactly n runes.
func padRunes(base, filler string, n int) string {
	for len([]rune(base)) < n {
		base += filler
	}
	return string([]rune(base)[:n])
}

func chunkOf(id string, lang kb.Language, text string) *kb.Chunk {
	return &kb.Chunk{ID: id, Lang: lang, DenseText: text}
}

func TestAnalyzeMatchingLanguageIsConsistent(t *testing.T) {
	s := NewConsistencyService(nil)
	chunks := []*kb.Chunk{
		chunkOf("a", kb.LangEN, padRunes("the bridge moves tokens between chains ", "and back again ", 250)),
		chunkOf("b", kb.LangEN, padRunes("fees are paid on the source chain ", "in native gas ", 250)),
	}
	analysis := s.Analyze("how do I bridge tokens", chunks)
	assert.True(t, analysis.Consistent)
	assert.InDelta(t, 1.0, analysis.Score, 1e-9)
}

func TestAnalyzeEmptyResultIsConsistent(t *testing.T) {
	s := NewConsistencyService(nil)
	analysis := s.Analyze("query", nil)
	assert.True(t, analysis.Consistent)
}

func TestAlignmentScores(t *testing.T) {
	s := NewConsistencyService(nil)

	mixed := chunkOf("m", kb.LangMixed, "使用 bridge 转移 tokens")
	a := s.alignmentScore(kb.LangZH, mixed)
	assert.InDelta(t, 0.7, a.Score, 1e-9)

	technical := chunkOf("t", kb.LangEN, "bridge docs at https://docs.example.com/bridge")
	a = s.alignmentScore(kb.LangZH, technical)
	assert.InDelta(t, 0.8, a.Score, 1e-9)
	assert.True(t, a.Technical)

	prose := chunkOf("p", kb.LangEN, "a long plain explanation about the community")
	a = s.alignmentScore(kb.LangZH, prose)
	assert.LessOrEqual(t, a.Score, 0.6)
	assert.GreaterOrEqual(t, a.Score, 0.3)
}

// Chinese query over a mostly-English result set: the initial ordering
// scores under the threshold, and dropping the low-alignment marketing
// chunk repairs it.
func TestRepairChineseQueryDropsMisalignedProse(t *testing.T) {
	s := NewConsistencyService(nil)

	technicalEN := chunkOf("a", kb.LangEN, padRunes(
		"See https://docs.example.com/bridge for steps ",
		"then confirm the transfer on the destination side ", 150))
	proseZH := chunkOf("b", kb.LangZH, padRunes(
		"这是一段关于跨链桥使用方法的中文说明。", "请按步骤操作。", 60))
	marketingEN := chunkOf("c", kb.LangEN, padRunes(
		"join our amazing community today and enjoy the best experience ever ",
		"everyone is welcome to take part in the journey ", 600))

	chunks := []*kb.Chunk{technicalEN, proseZH, marketingEN}
	analysis := s.Analyze("如何使用跨链桥", chunks)
	require.False(t, analysis.Consistent)
	assert.InDelta(t, 0.69, analysis.Score, 0.02)

	repaired, repairedAnalysis := s.Repair("如何使用跨链桥", chunks, analysis)
	require.Len(t, repaired, 2)
	assert.Equal(t, "b", repaired[0].ID)
	assert.Equal(t, "a", repaired[1].ID)
	assert.True(t, repairedAnalysis.Consistent)
	assert.Greater(t, repairedAnalysis.Score, analysis.Score+0.1-1e-9)
}

func TestRepairKeepsOriginalWhenNoImprovement(t *testing.T) {
	s := NewConsistencyService(nil)

	// Every chunk aligns identically, so no reordering can gain the delta.
	chunks := []*kb.Chunk{
		chunkOf("a", kb.LangEN, strings.Repeat("plain prose about things ", 10)),
		chunkOf("b", kb.LangEN, strings.Repeat("more plain prose here ", 10)),
	}
	analysis := s.Analyze("如何使用跨链桥", chunks)
	require.False(t, analysis.Consistent)

	repaired, repairedAnalysis := s.Repair("如何使用跨链桥", chunks, analysis)
	assert.Equal(t, chunks, repaired)
	assert.Equal(t, analysis.Score, repairedAnalysis.Score)
}
