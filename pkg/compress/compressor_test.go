package compress

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangchai/kbrag/pkg/kb"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		chunk    *kb.Chunk
		expected ContentType
	}{
		{
			name:     "metadata wins",
			chunk:    &kb.Chunk{DenseText: "how to do anything", Metadata: kb.ChunkMetadata{ContentType: "marketing"}},
			expected: TypeMarketing,
		},
		{
			name:     "unknown metadata falls back to heuristics",
			chunk:    &kb.Chunk{DenseText: "how to bridge step 1", Metadata: kb.ChunkMetadata{ContentType: "weird"}},
			expected: TypeHowTo,
		},
		{
			name:     "how to",
			chunk:    &kb.Chunk{DenseText: "How to bridge tokens. First, open the wallet."},
			expected: TypeHowTo,
		},
		{
			name:     "qa pair",
			chunk:    &kb.Chunk{DenseText: "Q: can I withdraw at any time"},
			expected: TypeQAPair,
		},
		{
			name:     "technical spec",
			chunk:    &kb.Chunk{DenseText: "Total supply is 1000000 with 18 decimals and 2000 tps"},
			expected: TypeTechnicalSpec,
		},
		{
			name:     "boilerplate",
			chunk:    &kb.Chunk{DenseText: "All rights reserved under the disclaimer"},
			expected: TypeBoilerplate,
		},
		{
			name:     "general",
			chunk:    &kb.Chunk{DenseText: "The network launched last year after a long test period"},
			expected: TypeGeneral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.chunk))
		})
	}
}

func TestBudgetForScalesWithAnswerType(t *testing.T) {
	cp := NewCompressor(nil)
	base := cp.budgetFor(TypeGeneral, "")
	assert.Equal(t, 150, base)
	assert.Equal(t, 90, cp.budgetFor(TypeGeneral, AnswerShort))
	assert.Equal(t, 225, cp.budgetFor(TypeGeneral, AnswerDetailed))
	assert.Equal(t, cp.budgetFor(TypeGeneral, ""), cp.budgetFor("unknown_type", ""))
}

func longChunk(id string, sentences int) *kb.Chunk {
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Sentence %d describes another part of the bridge transfer process in detail. ", i)
	}
	c := &kb.Chunk{ID: id, DenseText: strings.TrimSpace(b.String())}
	c.TokenCount = kb.EstimateTokens(c.DenseText)
	return c
}

func TestCompressUnderBudgetIsUntouched(t *testing.T) {
	cp := NewCompressor(nil)
	c := &kb.Chunk{ID: "small", DenseText: "A short factual chunk about the bridge."}
	c.TokenCount = kb.EstimateTokens(c.DenseText)

	out, stats := cp.Compress([]*kb.Chunk{c}, nil, "")
	require.Len(t, out, 1)
	assert.Same(t, c, out[0])
	assert.Zero(t, stats.ChunksCompressed)
	assert.InDelta(t, 1.0, stats.CompressionRatio, 1e-9)
}

func TestCompressOverBudgetFitsBudget(t *testing.T) {
	cp := NewCompressor(nil)
	c := longChunk("big", 40)
	require.Greater(t, c.TokenCount, 150)

	out, stats := cp.Compress([]*kb.Chunk{c}, nil, "")
	require.Len(t, out, 1)
	assert.Equal(t, 1, stats.ChunksCompressed)
	assert.LessOrEqual(t, out[0].TokenCount, 150+10)
	assert.Less(t, stats.CompressionRatio, 1.0)

	// Input chunk is not mutated.
	assert.Greater(t, c.TokenCount, 150)
	assert.NotEqual(t, c.DenseText, out[0].DenseText)
}

func TestCompressIsIdempotent(t *testing.T) {
	cp := NewCompressor(nil)
	c := longChunk("big", 40)

	once, _ := cp.Compress([]*kb.Chunk{c}, nil, "")
	twice, stats := cp.Compress(once, nil, "")
	require.Len(t, twice, 1)
	assert.Zero(t, stats.ChunksCompressed)
	assert.Equal(t, once[0].DenseText, twice[0].DenseText)
}

func TestCompressKeepsQueryKeywordSentences(t *testing.T) {
	cp := NewCompressor(nil)
	filler := strings.Repeat("Another routine maintenance note with no special content here. ", 30)
	c := &kb.Chunk{
		ID:        "kw",
		DenseText: filler + "The withdrawal fee is 0.1% and settles within 5 minutes.",
	}
	c.TokenCount = kb.EstimateTokens(c.DenseText)

	qc := &kb.QueryContext{Keywords: []string{"withdrawal", "fee"}}
	out, _ := cp.Compress([]*kb.Chunk{c}, qc, "")
	require.Len(t, out, 1)
	assert.Contains(t, out[0].DenseText, "withdrawal fee")
}

func TestCompressPreservesSentenceOrder(t *testing.T) {
	cp := NewCompressor(nil)
	text := "First, open the official wallet application. " +
		strings.Repeat("Some unrelated low value narrative filler sentence appears here. ", 30) +
		"Finally, confirm the transfer on the destination chain."
	c := &kb.Chunk{ID: "ord", DenseText: text}
	c.TokenCount = kb.EstimateTokens(c.DenseText)

	qc := &kb.QueryContext{Keywords: []string{"wallet", "transfer", "confirm"}}
	out, _ := cp.Compress([]*kb.Chunk{c}, qc, "")
	require.Len(t, out, 1)

	first := strings.Index(out[0].DenseText, "open the official wallet")
	last := strings.Index(out[0].DenseText, "confirm the transfer")
	require.GreaterOrEqual(t, first, 0)
	require.GreaterOrEqual(t, last, 0)
	assert.Less(t, first, last)
}

func TestCompressMarketingGetsTinyBudget(t *testing.T) {
	cp := NewCompressor(nil)
	c := longChunk("ad", 40)
	c.Metadata.ContentType = string(TypeMarketing)

	out, _ := cp.Compress([]*kb.Chunk{c}, nil, "")
	require.Len(t, out, 1)
	assert.LessOrEqual(t, out[0].TokenCount, 60+10)
}
