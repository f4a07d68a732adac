package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "english words lowercased",
			input:    "How to Bridge Tokens",
			expected: []string{"how", "to", "bridge", "tokens"},
		},
		{
			name:     "alphanumeric kept together",
			input:    "erc20 token",
			expected: []string{"erc20", "token"},
		},
		{
			name:     "chinese emits span and runes",
			input:    "跨链",
			expected: []string{"跨链", "跨", "链"},
		},
		{
			name:     "mixed script",
			input:    "XLayer 跨链 bridge",
			expected: []string{"xlayer", "跨链", "跨", "链", "bridge"},
		},
		{
			name:     "empty",
			input:    "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Tokenize(tt.input))
		})
	}
}

func buildTestIndex(t *testing.T, docs []Document) *Index {
	t.Helper()
	idx, err := Build(docs, DefaultConfig())
	require.NoError(t, err)
	return idx
}

func TestSearchRanksMatchingDocsFirst(t *testing.T) {
	idx := buildTestIndex(t, []Document{
		{ID: "a", Text: "bridge tokens across chains with the official bridge"},
		{ID: "b", Text: "community telegram and twitter links"},
		{ID: "c", Text: "token price and market data"},
	})

	results := idx.Search("bridge tokens", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ID)
}

func TestSearchMoreQueryTermMatchesScoreHigher(t *testing.T) {
	idx := buildTestIndex(t, []Document{
		{ID: "both", Text: "bridge supports cross chain transfer"},
		{ID: "one", Text: "bridge maintenance schedule notice window"},
		{ID: "none", Text: "community governance voting process"},
	})

	results := idx.Search("bridge transfer", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "both", results[0].ID)
	assert.Equal(t, "one", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchRareTermOutweighsCommonTerm(t *testing.T) {
	docs := []Document{
		{ID: "rare", Text: "token melodrama example"},
		{ID: "c1", Text: "token transfer guide"},
		{ID: "c2", Text: "token staking guide"},
		{ID: "c3", Text: "token swap guide"},
	}
	idx := buildTestIndex(t, docs)

	results := idx.Search("melodrama", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "rare", results[0].ID)
}

func TestSearchZeroMatchExcluded(t *testing.T) {
	idx := buildTestIndex(t, []Document{
		{ID: "a", Text: "bridge tokens"},
	})
	assert.Empty(t, idx.Search("unrelated query terms", 10))
}

func TestSearchChineseQuery(t *testing.T) {
	idx := buildTestIndex(t, []Document{
		{ID: "zh", Text: "如何跨链转移代币"},
		{ID: "en", Text: "how to bridge tokens"},
	})

	results := idx.Search("跨链", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "zh", results[0].ID)
}

func TestSearchKLimitsResults(t *testing.T) {
	idx := buildTestIndex(t, []Document{
		{ID: "a", Text: "token guide one"},
		{ID: "b", Text: "token guide two"},
		{ID: "c", Text: "token guide three"},
	})
	assert.Len(t, idx.Search("token", 2), 2)
}

func TestBuildRejectsInvalidDocs(t *testing.T) {
	_, err := Build([]Document{{ID: "", Text: "no id"}}, DefaultConfig())
	assert.Error(t, err)
}

func TestHolderSwap(t *testing.T) {
	holder := NewHolder(nil)
	assert.Nil(t, holder.Load())

	idx := buildTestIndex(t, []Document{{ID: "a", Text: "hello world"}})
	holder.Swap(idx)
	require.NotNil(t, holder.Load())
	assert.NotEmpty(t, holder.Load().Search("hello", 1))
}
