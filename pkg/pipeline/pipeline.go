package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wangchai/kbrag/pkg/compress"
	"github.com/wangchai/kbrag/pkg/kb"
	"github.com/wangchai/kbrag/pkg/language"
	"github.com/wangchai/kbrag/pkg/quality"
	"github.com/wangchai/kbrag/pkg/retrieval"
)

// ContextItem is one chunk of the final context handed to the downstream
// answer generator.
type ContextItem struct {
	ChunkID   string             `json:"chunk_id"`
	SourceID  string             `json:"source_id"`
	Section   string             `json:"section,omitempty"`
	Lang      kb.Language        `json:"lang"`
	Text      string             `json:"text"`
	Facts     map[string]string  `json:"facts,omitempty"`
	MetaCard  *kb.MetaCard       `json:"meta_card,omitempty"`
	Scores    map[string]float64 `json:"scores"`
	Metadata  kb.ChunkMetadata   `json:"metadata"`
	TokenCost int                `json:"token_cost"`
}

// ResponseStats aggregates what happened to one query on its way through
// the pipeline.
type ResponseStats struct {
	CandidateCount   int           `json:"candidate_count"`
	ItemCount        int           `json:"item_count"`
	FilteredCount    int           `json:"filtered_count"`
	CompressionRatio float64       `json:"compression_ratio"`
	ConsistencyScore float64       `json:"consistency_score"`
	Repaired         bool          `json:"repaired"`
	Degraded         bool          `json:"degraded"`
	Latency          time.Duration `json:"latency"`
}

// Response is the retrieval core's output contract.
type Response struct {
	RequestID string        `json:"request_id"`
	Query     string        `json:"query"`
	Lang      kb.Language   `json:"lang"`
	Intent    kb.Intent     `json:"intent"`
	Items     []ContextItem `json:"items"`
	Stats     ResponseStats `json:"stats"`
}

// QueryOptions tune one request.
type QueryOptions struct {
	// AnswerType scales compression budgets; empty means detailed.
	AnswerType compress.AnswerType `json:"answer_type,omitempty"`

	// FilterMode overrides the quality filter mode; empty means adaptive.
	FilterMode quality.Mode `json:"filter_mode,omitempty"`
}

// Pipeline runs a query end to end: hybrid retrieval, MMR selection,
// quality filtering, compression, and language consistency repair.
type Pipeline struct {
	retriever   *retrieval.Retriever
	params      *retrieval.ParamStore
	mmr         *retrieval.MMRReranker
	tuner       *retrieval.Tuner
	filter      *quality.Filter
	compressor  *compress.Compressor
	consistency *language.ConsistencyService
	metrics     *Metrics
	logger      *slog.Logger
}

// NewPipeline wires the query path. tuner and metrics may be nil.
func NewPipeline(retriever *retrieval.Retriever, params *retrieval.ParamStore,
	mmr *retrieval.MMRReranker, tuner *retrieval.Tuner, filter *quality.Filter,
	compressor *compress.Compressor, consistency *language.ConsistencyService,
	metrics *Metrics) *Pipeline {
	return &Pipeline{
		retriever:   retriever,
		params:      params,
		mmr:         mmr,
		tuner:       tuner,
		filter:      filter,
		compressor:  compressor,
		consistency: consistency,
		metrics:     metrics,
		logger:      slog.Default().With("component", "retrieval-pipeline"),
	}
}

// Query answers one retrieval request.
func (p *Pipeline) Query(ctx context.Context, query string, opts QueryOptions) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := p.logger.With("request_id", requestID)

	params := p.params.Get()
	arm := retrieval.ArmNone
	if p.tuner != nil {
		params, arm = p.tuner.NextArm()
	}

	candidates, qc, err := p.retriever.RetrieveWithParams(ctx, query, params)
	if err != nil {
		p.observeQuery("error", start, nil)
		p.feedback(start, 0, nil, arm)
		return nil, err
	}

	lambda := p.mmr.LambdaFor(params.MMRLambda, qc.Intent)
	selected := p.mmr.Rerank(candidates, params.RerankTopK, lambda)

	chunks := make([]*kb.Chunk, 0, len(selected))
	byID := make(map[string]*kb.Candidate, len(selected))
	for _, c := range selected {
		chunks = append(chunks, c.Chunk)
		byID[c.Chunk.ID] = c
	}

	mode := opts.FilterMode
	if mode == "" {
		mode = quality.ModeAdaptive
	}
	filtered := p.filter.Apply(chunks, mode, qc)

	answerType := opts.AnswerType
	if answerType == "" {
		answerType = compress.AnswerDetailed
	}
	compressed, compStats := p.compressor.Compress(filtered.Kept, qc, answerType)

	analysis := p.consistency.Analyze(query, compressed)
	final := compressed
	repaired := false
	if !analysis.Consistent {
		var repairedAnalysis *language.Analysis
		final, repairedAnalysis = p.consistency.Repair(query, compressed, analysis)
		repaired = repairedAnalysis.Score > analysis.Score
		analysis = repairedAnalysis
		p.observeRepair(repaired)
	}

	items := make([]ContextItem, 0, len(final))
	for _, c := range final {
		item := ContextItem{
			ChunkID:   c.ID,
			SourceID:  c.SourceID,
			Section:   c.Section,
			Lang:      c.Lang,
			Text:      c.Text(),
			Facts:     c.Facts,
			MetaCard:  c.MetaCard,
			Metadata:  c.Metadata,
			TokenCost: c.TokenCount,
		}
		if cand, ok := byID[c.ID]; ok {
			item.Scores = cand.Scores()
		}
		items = append(items, item)
	}

	resp := &Response{
		RequestID: requestID,
		Query:     query,
		Lang:      qc.Lang,
		Intent:    qc.Intent,
		Items:     items,
		Stats: ResponseStats{
			CandidateCount:   len(candidates),
			ItemCount:        len(items),
			FilteredCount:    len(filtered.Removed),
			CompressionRatio: compStats.CompressionRatio,
			ConsistencyScore: analysis.Score,
			Repaired:         repaired,
			Degraded:         qc.Degraded,
			Latency:          time.Since(start),
		},
	}

	p.observeQuery("success", start, resp)
	p.feedback(start, len(items), selected, arm)

	logger.Info("Query served",
		"intent", qc.Intent,
		"lang", qc.Lang,
		"candidates", len(candidates),
		"items", len(items),
		"consistency", analysis.Score,
		"latency", resp.Stats.Latency,
	)
	return resp, nil
}

// feedback reports the query outcome to the tuner, credited to the arm the
// query retrieved under. Relevance is the mean MMR score of the selected set.
func (p *Pipeline) feedback(start time.Time, items int, selected []*kb.Candidate, arm int) {
	if p.tuner == nil {
		return
	}
	relevance := 0.0
	if len(selected) > 0 {
		for _, c := range selected {
			relevance += c.MMRScore
		}
		relevance /= float64(len(selected))
	}
	p.tuner.RecordPerformance(arm, retrieval.Sample{
		Relevance: relevance,
		Latency:   time.Since(start),
		Success:   items > 0,
	})
}

func (p *Pipeline) observeQuery(status string, start time.Time, resp *Response) {
	if p.metrics == nil {
		return
	}
	p.metrics.QueriesTotal.WithLabelValues(status).Inc()
	p.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if resp != nil {
		p.metrics.CandidatesReturned.Observe(float64(resp.Stats.ItemCount))
		if resp.Stats.CompressionRatio > 0 {
			p.metrics.CompressionRatio.Observe(resp.Stats.CompressionRatio)
		}
		p.metrics.ConsistencyScore.Observe(resp.Stats.ConsistencyScore)
	}
}

func (p *Pipeline) observeRepair(improved bool) {
	if p.metrics == nil {
		return
	}
	outcome := "accepted"
	if !improved {
		outcome = "rejected"
	}
	p.metrics.RepairsTotal.WithLabelValues(outcome).Inc()
}
