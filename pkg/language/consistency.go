package language

import (
	"log/slog"
	"math"
	"sort"

	"github.com/wangchai/kbrag/pkg/kb"
)

// ConsistencyConfig holds the consistency scoring and repair parameters.
// The alignment weights are empirically tuned defaults, not invariants.
type ConsistencyConfig struct {
	// Threshold below which self-repair is attempted.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// MinImprovementDelta a repaired ordering must gain to be accepted.
	MinImprovementDelta float64 `json:"min_improvement_delta" yaml:"min_improvement_delta"`

	// IndividualFloor under which a chunk is dropped during repair.
	IndividualFloor float64 `json:"individual_floor" yaml:"individual_floor"`

	// Alignment scores.
	MixedScore          float64 `json:"mixed_score" yaml:"mixed_score"`
	CrossTechnicalScore float64 `json:"cross_technical_score" yaml:"cross_technical_score"`
	CrossProseCeiling   float64 `json:"cross_prose_ceiling" yaml:"cross_prose_ceiling"`
	CrossProseFloor     float64 `json:"cross_prose_floor" yaml:"cross_prose_floor"`

	// LengthNormChars is the rune count at which a chunk reaches full length
	// weight in the weighted average.
	LengthNormChars int `json:"length_norm_chars" yaml:"length_norm_chars"`
}

// DefaultConsistencyConfig returns the tuned defaults.
func DefaultConsistencyConfig() *ConsistencyConfig {
	return &ConsistencyConfig{
		Threshold:           0.7,
		MinImprovementDelta: 0.1,
		IndividualFloor:     0.5,
		MixedScore:          0.7,
		CrossTechnicalScore: 0.8,
		CrossProseCeiling:   0.6,
		CrossProseFloor:     0.3,
		LengthNormChars:     200,
	}
}

// ChunkAlignment is the per-chunk outcome of a consistency analysis.
type ChunkAlignment struct {
	ChunkID   string      `json:"chunk_id"`
	Lang      kb.Language `json:"lang"`
	Score     float64     `json:"score"`
	Technical bool        `json:"technical"`
}

// Analysis is the outcome of Analyze.
type Analysis struct {
	Consistent bool             `json:"consistent"`
	Score      float64          `json:"score"`
	QueryLang  kb.Language      `json:"query_lang"`
	PerChunk   []ChunkAlignment `json:"per_chunk"`
}

// ConsistencyService detects, scores, and self-repairs language mismatch
// between a query and its result chunks.
type ConsistencyService struct {
	config *ConsistencyConfig
	logger *slog.Logger
}

// NewConsistencyService creates the service.
func NewConsistencyService(config *ConsistencyConfig) *ConsistencyService {
	if config == nil {
		config = DefaultConsistencyConfig()
	}
	return &ConsistencyService{
		config: config,
		logger: slog.Default().With("component", "language-consistency"),
	}
}

// chunkLang resolves a chunk's language, preferring the ingest tag over
// re-detection.
func chunkLang(c *kb.Chunk) (kb.Language, float64) {
	switch c.Lang {
	case kb.LangEN, kb.LangZH:
		return c.Lang, 1.0
	case kb.LangBilingual, kb.LangMixed:
		return kb.LangMixed, 1.0
	default:
		d := Detect(c.Text())
		return d.Lang, d.Confidence
	}
}

// alignmentScore scores one chunk against the query language. Exact match is
// 1.0, mixed content 0.7, cross-language technical content 0.8, and
// cross-language prose 0.3-0.6 scaled by detection confidence.
func (s *ConsistencyService) alignmentScore(queryLang kb.Language, c *kb.Chunk) ChunkAlignment {
	lang, conf := chunkLang(c)
	a := ChunkAlignment{ChunkID: c.ID, Lang: lang}

	switch {
	case lang == queryLang:
		a.Score = 1.0
	case lang == kb.LangMixed || queryLang == kb.LangMixed:
		a.Score = s.config.MixedScore
	case IsTechnicalContent(c.Text()):
		a.Score = s.config.CrossTechnicalScore
		a.Technical = true
	default:
		// The harder the detector is sure of a cross-language prose chunk,
		// the heavier the penalty.
		score := s.config.CrossProseCeiling - (s.config.CrossProseCeiling-s.config.CrossProseFloor)*conf
		a.Score = math.Max(s.config.CrossProseFloor, math.Min(s.config.CrossProseCeiling, score))
	}
	return a
}

// positionWeight favors earlier (more relevant) chunks.
func positionWeight(i int) float64 { return 1.0 / float64(i+1) }

// lengthWeight keeps degenerate short chunks from dominating the average.
func (s *ConsistencyService) lengthWeight(c *kb.Chunk) float64 {
	n := len([]rune(c.Text()))
	w := float64(n) / float64(s.config.LengthNormChars)
	if w > 1 {
		w = 1
	}
	return w
}

// weightedScore computes the length- and position-weighted average alignment.
func (s *ConsistencyService) weightedScore(chunks []*kb.Chunk, alignments map[string]ChunkAlignment) float64 {
	var sum, weightSum float64
	for i, c := range chunks {
		w := positionWeight(i) * s.lengthWeight(c)
		sum += alignments[c.ID].Score * w
		weightSum += w
	}
	if weightSum == 0 {
		return 1.0
	}
	return sum / weightSum
}

// Analyze scores the result ordering against the query language.
func (s *ConsistencyService) Analyze(query string, chunks []*kb.Chunk) *Analysis {
	queryLang := Detect(query).Lang

	analysis := &Analysis{QueryLang: queryLang}
	if len(chunks) == 0 || queryLang == kb.LangUnknown {
		analysis.Consistent = true
		analysis.Score = 1.0
		return analysis
	}

	alignments := make(map[string]ChunkAlignment, len(chunks))
	for _, c := range chunks {
		a := s.alignmentScore(queryLang, c)
		alignments[c.ID] = a
		analysis.PerChunk = append(analysis.PerChunk, a)
	}

	analysis.Score = s.weightedScore(chunks, alignments)
	analysis.Consistent = analysis.Score >= s.config.Threshold
	return analysis
}

// Repair attempts to fix an inconsistent ordering. Candidate orderings are
// tried in sequence: rerank by language preference, drop chunks under the
// individual floor, then group into preferred/mixed/other buckets. The first
// candidate improving the score by at least MinImprovementDelta wins;
// otherwise the original ordering is returned unchanged. Never fatal.
func (s *ConsistencyService) Repair(query string, chunks []*kb.Chunk, analysis *Analysis) ([]*kb.Chunk, *Analysis) {
	if analysis == nil {
		analysis = s.Analyze(query, chunks)
	}
	if analysis.Consistent || len(chunks) < 2 {
		return chunks, analysis
	}

	alignments := make(map[string]ChunkAlignment, len(analysis.PerChunk))
	for _, a := range analysis.PerChunk {
		alignments[a.ChunkID] = a
	}

	// (a) Rerank by language preference, stable to preserve relevance order
	// within equal alignment.
	reranked := make([]*kb.Chunk, len(chunks))
	copy(reranked, chunks)
	sort.SliceStable(reranked, func(i, j int) bool {
		return alignments[reranked[i].ID].Score > alignments[reranked[j].ID].Score
	})

	// (b) Drop chunks under the individual floor.
	var dropped []*kb.Chunk
	for _, c := range reranked {
		if alignments[c.ID].Score >= s.config.IndividualFloor {
			dropped = append(dropped, c)
		}
	}

	// (c) Group into preferred -> mixed -> other buckets to minimize
	// language switching.
	var preferred, mixed, other []*kb.Chunk
	for _, c := range dropped {
		lang, _ := chunkLang(c)
		switch {
		case lang == analysis.QueryLang:
			preferred = append(preferred, c)
		case lang == kb.LangMixed:
			mixed = append(mixed, c)
		default:
			other = append(other, c)
		}
	}
	grouped := append(append(append([]*kb.Chunk{}, preferred...), mixed...), other...)

	for _, candidate := range [][]*kb.Chunk{reranked, dropped, grouped} {
		if len(candidate) == 0 {
			continue
		}
		score := s.weightedScore(candidate, alignments)
		if score >= analysis.Score+s.config.MinImprovementDelta {
			s.logger.Info("Language consistency repaired",
				"query_lang", analysis.QueryLang,
				"original_score", analysis.Score,
				"repaired_score", score,
				"chunks_kept", len(candidate),
				"chunks_dropped", len(chunks)-len(candidate),
			)
			repaired := &Analysis{
				Consistent: score >= s.config.Threshold,
				Score:      score,
				QueryLang:  analysis.QueryLang,
				PerChunk:   analysis.PerChunk,
			}
			return candidate, repaired
		}
	}

	s.logger.Debug("Self-repair could not improve consistency, keeping original order",
		"score", analysis.Score,
		"delta_required", s.config.MinImprovementDelta,
	)
	return chunks, analysis
}
