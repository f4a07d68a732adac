// Package bm25 implements an Okapi BM25 lexical index over chunk sparse
// views. An Index is an immutable snapshot: Build constructs a complete new
// index off to the side and the Holder publishes it with a single atomic
// pointer swap, so readers never observe a partially-built index.
package bm25

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// Config holds BM25 scoring parameters.
type Config struct {
	K1 float64 `json:"k1" yaml:"k1"` // term-frequency saturation
	B  float64 `json:"b" yaml:"b"`   // length normalization
}

// DefaultConfig returns the standard Okapi parameters.
func DefaultConfig() *Config {
	return &Config{K1: 1.2, B: 0.75}
}

// Document is one indexable unit: a chunk id plus its sparse-view text.
type Document struct {
	ID   string
	Text string
}

// Result is a scored document returned by Search.
type Result struct {
	ID    string
	Score float64
}

type posting struct {
	doc int // index into docIDs / docLengths
	tf  int
}

// Index is an immutable BM25 snapshot.
type Index struct {
	config     *Config
	docIDs     []string
	docLengths []int
	postings   map[string][]posting
	docFreq    map[string]int
	avgDocLen  float64
	builtAt    time.Time
}

// Build constructs a new index from documents. It is all-or-nothing: an
// error leaves no partial state behind.
func Build(docs []Document, config *Config) (*Index, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.K1 <= 0 || config.B < 0 || config.B > 1 {
		return nil, fmt.Errorf("invalid bm25 parameters: k1=%v b=%v", config.K1, config.B)
	}

	idx := &Index{
		config:   config,
		postings: make(map[string][]posting),
		docFreq:  make(map[string]int),
		builtAt:  time.Now(),
	}

	totalLen := 0
	for _, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document with empty id at position %d", len(idx.docIDs))
		}
		tokens := Tokenize(doc.Text)
		counts := make(map[string]int, len(tokens))
		for _, t := range tokens {
			counts[t]++
		}

		docIdx := len(idx.docIDs)
		idx.docIDs = append(idx.docIDs, doc.ID)
		idx.docLengths = append(idx.docLengths, len(tokens))
		totalLen += len(tokens)

		for term, tf := range counts {
			idx.postings[term] = append(idx.postings[term], posting{doc: docIdx, tf: tf})
			idx.docFreq[term]++
		}
	}

	if len(idx.docIDs) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(idx.docIDs))
	}

	slog.Default().With("component", "bm25-index").Debug("Index built",
		"documents", len(idx.docIDs),
		"terms", len(idx.postings),
		"avg_doc_length", idx.avgDocLen,
	)

	return idx, nil
}

// Size returns the number of indexed documents.
func (idx *Index) Size() int { return len(idx.docIDs) }

// BuiltAt returns the snapshot build time.
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// idf uses the standard Okapi formulation with the +1 shift that keeps
// scores non-negative for terms appearing in most documents.
func (idx *Index) idf(term string) float64 {
	df := idx.docFreq[term]
	if df == 0 {
		return 0
	}
	n := float64(len(idx.docIDs))
	return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
}

// SearchTokens scores the pre-tokenized query against the index and returns
// the top-k documents. Documents with zero matching terms are excluded.
func (idx *Index) SearchTokens(queryTokens []string, k int) []Result {
	if len(idx.docIDs) == 0 || len(queryTokens) == 0 || k <= 0 {
		return nil
	}

	// Dedupe query terms but keep repeated terms weighted once; repeated
	// query terms add nothing under Okapi query-side saturation.
	seen := make(map[string]bool, len(queryTokens))
	scores := make(map[int]float64)

	for _, term := range queryTokens {
		if seen[term] {
			continue
		}
		seen[term] = true

		plist, ok := idx.postings[term]
		if !ok {
			continue
		}
		idf := idx.idf(term)
		for _, p := range plist {
			dl := float64(idx.docLengths[p.doc])
			tf := float64(p.tf)
			norm := idx.config.K1*(1-idx.config.B+idx.config.B*dl/idx.avgDocLen) + tf
			scores[p.doc] += idf * tf * (idx.config.K1 + 1) / norm
		}
	}

	results := make([]Result, 0, len(scores))
	for doc, score := range scores {
		results = append(results, Result{ID: idx.docIDs[doc], Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Search tokenizes the query with the same language-aware tokenizer used at
// build time, then scores it.
func (idx *Index) Search(query string, k int) []Result {
	return idx.SearchTokens(Tokenize(query), k)
}

// Holder publishes index snapshots. Load is wait-free for the serving path;
// Swap replaces the snapshot only after a successful Build.
type Holder struct {
	current atomic.Pointer[Index]
}

// NewHolder creates a holder, optionally seeded with an initial snapshot.
func NewHolder(initial *Index) *Holder {
	h := &Holder{}
	if initial != nil {
		h.current.Store(initial)
	}
	return h
}

// Load returns the serving snapshot, or nil before the first successful build.
func (h *Holder) Load() *Index { return h.current.Load() }

// Swap publishes a new snapshot.
func (h *Holder) Swap(idx *Index) { h.current.Store(idx) }
