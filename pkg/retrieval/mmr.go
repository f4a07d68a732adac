package retrieval

import (
	"log/slog"
	"sort"

	"github.com/wangchai/kbrag/pkg/embedding"
	"github.com/wangchai/kbrag/pkg/kb"
)

// MMRConfig controls maximal-marginal-relevance selection.
type MMRConfig struct {
	// IntentNudge shifts lambda per detected intent: precise intents get
	// more relevance weight, exploratory queries more diversity.
	IntentNudge float64 `json:"intent_nudge"`

	// MinMMRScore stops selection once the best remaining marginal score
	// falls below it. Zero disables the floor.
	MinMMRScore float64 `json:"min_mmr_score"`

	// MaxIterations bounds total scoring work.
	MaxIterations int `json:"max_iterations"`
}

// DefaultMMRConfig returns the tuned defaults.
func DefaultMMRConfig() MMRConfig {
	return MMRConfig{
		IntentNudge:   0.2,
		MinMMRScore:   0,
		MaxIterations: 1000,
	}
}

// MMRReranker selects a relevance-diversity balanced subset of candidates.
type MMRReranker struct {
	config MMRConfig
	logger *slog.Logger
}

// NewMMRReranker creates a reranker.
func NewMMRReranker(config MMRConfig) *MMRReranker {
	return &MMRReranker{
		config: config,
		logger: slog.Default().With("component", "mmr-reranker"),
	}
}

// LambdaFor adapts the base lambda to the query intent. Procedural,
// blockchain-reference, and performance queries want exact answers,
// exploratory queries want spread.
func (m *MMRReranker) LambdaFor(base float64, intent kb.Intent) float64 {
	switch intent {
	case kb.IntentProcedural, kb.IntentBlockchainRef, kb.IntentPerformance:
		base += m.config.IntentNudge
	case kb.IntentExploratory:
		base -= m.config.IntentNudge
	}
	if base < 0 {
		return 0
	}
	if base > 1 {
		return 1
	}
	return base
}

// relevance picks the strongest available score for a candidate.
func relevance(c *kb.Candidate) float64 {
	if c.CrossEncoderScore > 0 {
		return c.CrossEncoderScore
	}
	return c.FusionScore
}

// Rerank greedily selects up to k candidates maximizing
// lambda*relevance - (1-lambda)*maxSimilarityToSelected. Candidates without
// embeddings contribute zero similarity and compete on relevance alone.
// The input slice is not modified.
func (m *MMRReranker) Rerank(candidates []*kb.Candidate, k int, lambda float64) []*kb.Candidate {
	if len(candidates) == 0 || k <= 0 {
		return nil
	}
	if lambda >= 1 || len(candidates) == 1 {
		return topByRelevance(candidates, k)
	}

	remaining := make([]*kb.Candidate, len(candidates))
	copy(remaining, candidates)

	selected := make([]*kb.Candidate, 0, k)
	iterations := 0

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			iterations++
			if iterations > m.config.MaxIterations {
				m.logger.Warn("MMR iteration cap reached",
					"selected", len(selected), "remaining", len(remaining))
				return selected
			}
			maxSim := 0.0
			for _, s := range selected {
				sim := embedding.Cosine(c.Embedding, s.Embedding)
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance(c) - (1-lambda)*maxSim
			if bestIdx < 0 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx < 0 {
			break
		}
		if len(selected) > 0 && m.config.MinMMRScore > 0 && bestScore < m.config.MinMMRScore {
			break
		}
		chosen := remaining[bestIdx]
		chosen.MMRScore = bestScore
		selected = append(selected, chosen)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// RerankClustered runs MMR inside each cluster with a proportional share of
// k, then a second MMR pass over the union. Cluster keys usually group by
// source record.
func (m *MMRReranker) RerankClustered(clusters map[string][]*kb.Candidate, k int, lambda float64) []*kb.Candidate {
	if len(clusters) == 0 || k <= 0 {
		return nil
	}

	total := 0
	keys := make([]string, 0, len(clusters))
	for key, cs := range clusters {
		total += len(cs)
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pooled []*kb.Candidate
	for _, key := range keys {
		cs := clusters[key]
		share := k * len(cs) / total
		if share < 1 {
			share = 1
		}
		pooled = append(pooled, m.Rerank(cs, share, lambda)...)
	}
	return m.Rerank(pooled, k, lambda)
}

func topByRelevance(candidates []*kb.Candidate, k int) []*kb.Candidate {
	sorted := make([]*kb.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return relevance(sorted[i]) > relevance(sorted[j])
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	for _, c := range sorted {
		c.MMRScore = relevance(c)
	}
	return sorted
}
