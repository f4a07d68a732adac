// Package retrieval implements the hybrid retriever: query analysis and
// glossary expansion, parallel dense and lexical search, score fusion, a
// light relevance rerank, diversity-aware MMR selection, and the versioned
// parameter store with its tuner.
package retrieval

import (
	"log/slog"
	"sync/atomic"

	kberrors "github.com/wangchai/kbrag/pkg/errors"
)

// Parameters is the versioned retrieval configuration. A query takes an
// immutable snapshot at start; updates only affect later queries.
type Parameters struct {
	Version int `json:"version"`

	DenseTopK  int `json:"dense_top_k"`
	BM25TopK   int `json:"bm25_top_k"`
	RerankTopK int `json:"rerank_top_k"`

	// FusionAlpha weights normalized dense score against lexical score.
	FusionAlpha float64 `json:"fusion_alpha"`

	// MMRLambda weights relevance against diversity during MMR selection.
	MMRLambda float64 `json:"mmr_lambda"`

	// MinScore is the floor applied after the light rerank.
	MinScore float64 `json:"min_score"`

	// ExpansionDiscount is applied to results sourced only from a
	// non-original query variant.
	ExpansionDiscount float64 `json:"expansion_discount"`

	// MaxQueryExpansions caps alias variants per query.
	MaxQueryExpansions int `json:"max_query_expansions"`

	// TokenBudgets optionally overrides the compression budget table,
	// keyed by content type.
	TokenBudgets map[string]int `json:"token_budgets,omitempty"`
}

// DefaultParameters returns the tuned defaults.
func DefaultParameters() Parameters {
	return Parameters{
		Version:            1,
		DenseTopK:          40,
		BM25TopK:           40,
		RerankTopK:         10,
		FusionAlpha:        0.6,
		MMRLambda:          0.82,
		MinScore:           0.1,
		ExpansionDiscount:  0.8,
		MaxQueryExpansions: 3,
	}
}

// Bounds constrain every tunable parameter. Out-of-bounds values are
// clamped, warned about, and never fatal.
type Bounds struct {
	MinTopK, MaxTopK           int
	MinRerankTopK, MaxRerank   int
	MinAlpha, MaxAlpha         float64
	MinLambda, MaxLambda       float64
	MinScoreFloor, MaxScore    float64
	MinDiscount, MaxDiscount   float64
	MinExpansions, MaxExpansns int
}

// DefaultBounds returns the supported parameter ranges.
func DefaultBounds() Bounds {
	return Bounds{
		MinTopK: 5, MaxTopK: 200,
		MinRerankTopK: 1, MaxRerank: 50,
		MinAlpha: 0, MaxAlpha: 1,
		MinLambda: 0, MaxLambda: 1,
		MinScoreFloor: 0, MaxScore: 1,
		MinDiscount: 0.1, MaxDiscount: 1,
		MinExpansions: 0, MaxExpansns: 10,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp forces p inside the bounds and returns the clamp warnings.
func (b Bounds) Clamp(p Parameters) (Parameters, []*kberrors.RetrievalError) {
	var warnings []*kberrors.RetrievalError
	check := func(name string, orig, clamped interface{}) {
		if orig != clamped {
			warnings = append(warnings, kberrors.ConfigurationBounds(name, orig, clamped))
		}
	}

	out := p
	out.DenseTopK = clampInt(p.DenseTopK, b.MinTopK, b.MaxTopK)
	check("dense_top_k", p.DenseTopK, out.DenseTopK)
	out.BM25TopK = clampInt(p.BM25TopK, b.MinTopK, b.MaxTopK)
	check("bm25_top_k", p.BM25TopK, out.BM25TopK)
	out.RerankTopK = clampInt(p.RerankTopK, b.MinRerankTopK, b.MaxRerank)
	check("rerank_top_k", p.RerankTopK, out.RerankTopK)
	out.FusionAlpha = clampFloat(p.FusionAlpha, b.MinAlpha, b.MaxAlpha)
	check("fusion_alpha", p.FusionAlpha, out.FusionAlpha)
	out.MMRLambda = clampFloat(p.MMRLambda, b.MinLambda, b.MaxLambda)
	check("mmr_lambda", p.MMRLambda, out.MMRLambda)
	out.MinScore = clampFloat(p.MinScore, b.MinScoreFloor, b.MaxScore)
	check("min_score", p.MinScore, out.MinScore)
	out.ExpansionDiscount = clampFloat(p.ExpansionDiscount, b.MinDiscount, b.MaxDiscount)
	check("expansion_discount", p.ExpansionDiscount, out.ExpansionDiscount)
	out.MaxQueryExpansions = clampInt(p.MaxQueryExpansions, b.MinExpansions, b.MaxExpansns)
	check("max_query_expansions", p.MaxQueryExpansions, out.MaxQueryExpansions)
	return out, warnings
}

// ParamStore publishes parameter snapshots. Get is wait-free on the query
// path; Set clamps, bumps the version, and publishes atomically so in-flight
// queries finish on the snapshot they started with.
type ParamStore struct {
	bounds  Bounds
	current atomic.Pointer[Parameters]
	logger  *slog.Logger
}

// NewParamStore creates a store seeded with clamped initial parameters.
func NewParamStore(initial Parameters, bounds Bounds) *ParamStore {
	s := &ParamStore{
		bounds: bounds,
		logger: slog.Default().With("component", "param-store"),
	}
	clamped, warnings := bounds.Clamp(initial)
	s.logWarnings(warnings)
	s.current.Store(&clamped)
	return s
}

// Get returns the current snapshot by value.
func (s *ParamStore) Get() Parameters { return *s.current.Load() }

// Set clamps and publishes new parameters, bumping the version.
func (s *ParamStore) Set(p Parameters) Parameters {
	clamped, warnings := s.bounds.Clamp(p)
	s.logWarnings(warnings)
	clamped.Version = s.current.Load().Version + 1
	s.current.Store(&clamped)
	s.logger.Info("Parameters updated", "version", clamped.Version)
	return clamped
}

// Mutate applies fn to a copy of the current snapshot and publishes the
// clamped result.
func (s *ParamStore) Mutate(fn func(*Parameters)) Parameters {
	p := s.Get()
	fn(&p)
	return s.Set(p)
}

func (s *ParamStore) logWarnings(warnings []*kberrors.RetrievalError) {
	for _, w := range warnings {
		s.logger.Warn("Parameter out of bounds, clamped",
			"param", w.Message,
			"metadata", w.Metadata,
		)
	}
}
