package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wangchai/kbrag/pkg/bm25"
	"github.com/wangchai/kbrag/pkg/embedding"
	kberrors "github.com/wangchai/kbrag/pkg/errors"
	"github.com/wangchai/kbrag/pkg/kb"
)

// VectorHit is one dense search result.
type VectorHit struct {
	ID     string
	Score  float64
	Vector []float32
}

// VectorIndex is the dense search surface the retriever needs. The store
// package provides Weaviate and in-memory implementations.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, k int) ([]VectorHit, error)
	Vector(id string) ([]float32, bool)
}

// ChunkLookup resolves chunk IDs returned by either search path.
type ChunkLookup interface {
	Chunk(id string) (*kb.Chunk, bool)
}

// RetrieverConfig holds the knobs that are not per-query tunables.
type RetrieverConfig struct {
	// LightRerankFusionWeight and LightRerankCosineWeight blend the fusion
	// score with direct query-chunk cosine similarity.
	LightRerankFusionWeight float64 `json:"light_rerank_fusion_weight"`
	LightRerankCosineWeight float64 `json:"light_rerank_cosine_weight"`

	// SocialBoostMin and SocialBoostMax bound the multiplier applied to
	// social-channel chunks on social-intent queries.
	SocialBoostMin float64 `json:"social_boost_min"`
	SocialBoostMax float64 `json:"social_boost_max"`

	SearchTimeout time.Duration `json:"search_timeout"`
}

// DefaultRetrieverConfig returns the tuned defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		LightRerankFusionWeight: 0.3,
		LightRerankCosineWeight: 0.7,
		SocialBoostMin:          1.4,
		SocialBoostMax:          1.8,
		SearchTimeout:           10 * time.Second,
	}
}

// RetrieverMetrics tracks retrieval activity.
type RetrieverMetrics struct {
	TotalQueries      int64         `json:"total_queries"`
	DenseFailures     int64         `json:"dense_failures"`
	BM25Failures      int64         `json:"bm25_failures"`
	DegradedQueries   int64         `json:"degraded_queries"`
	AverageLatency    time.Duration `json:"average_latency"`
	AverageCandidates float64       `json:"average_candidates"`
	LastUpdated       time.Time     `json:"last_updated"`

	mutex sync.RWMutex
}

// Retriever runs hybrid retrieval: fan-out over query variants, dense and
// lexical search in parallel, score fusion, and a light cosine rerank.
type Retriever struct {
	config   RetrieverConfig
	params   *ParamStore
	analyzer *QueryAnalyzer
	provider embedding.Provider
	vectors  VectorIndex
	lexical  *bm25.Holder
	chunks   ChunkLookup
	logger   *slog.Logger
	metrics  *RetrieverMetrics
}

// NewRetriever wires the retriever. All dependencies are required except
// that either the vector index or the lexical holder may be temporarily
// empty; queries then degrade to the available method.
func NewRetriever(config RetrieverConfig, params *ParamStore, analyzer *QueryAnalyzer,
	provider embedding.Provider, vectors VectorIndex, lexical *bm25.Holder,
	chunks ChunkLookup) *Retriever {
	return &Retriever{
		config:   config,
		params:   params,
		analyzer: analyzer,
		provider: provider,
		vectors:  vectors,
		lexical:  lexical,
		chunks:   chunks,
		logger:   slog.Default().With("component", "hybrid-retriever"),
		metrics:  &RetrieverMetrics{LastUpdated: time.Now()},
	}
}

// variantResult carries one variant's search output across the fan-out.
type variantResult struct {
	variant kb.Variant
	dense   []VectorHit
	lexical []bm25.Result
	errs    []error
}

// Retrieve runs the full hybrid pipeline for one query and returns ranked
// candidates together with the query context used to produce them.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]*kb.Candidate, *kb.QueryContext, error) {
	return r.RetrieveWithParams(ctx, query, r.params.Get())
}

// RetrieveWithParams runs retrieval under an explicit parameter snapshot.
// The tuner's A/B harness uses it to pin a query to one arm.
func (r *Retriever) RetrieveWithParams(ctx context.Context, query string, params Parameters) ([]*kb.Candidate, *kb.QueryContext, error) {
	start := time.Now()

	qc := r.analyzer.Analyze(query, params.MaxQueryExpansions)

	ctx, cancel := context.WithTimeout(ctx, r.config.SearchTimeout)
	defer cancel()

	queryEmb, embErr := r.provider.Embed(ctx, query)
	if embErr != nil {
		r.logger.Warn("Query embedding failed, dense search disabled",
			"query", query, "error", embErr)
	}

	results := r.fanOut(ctx, qc, queryEmb, params)

	// A failed query embedding silently disabled the dense path above.
	degraded := r.vectors != nil && embErr != nil
	var firstErr error
	anySuccess := false
	for _, vr := range results {
		if len(vr.errs) > 0 {
			degraded = true
			if firstErr == nil {
				firstErr = vr.errs[0]
			}
		}
		if len(vr.dense) > 0 || len(vr.lexical) > 0 {
			anySuccess = true
		}
	}
	if !anySuccess && firstErr != nil {
		r.recordQuery(start, 0, degraded)
		return nil, qc, kberrors.SearchMethod("hybrid", query, firstErr)
	}

	candidates := r.merge(results)
	r.fuse(candidates, params)
	ranked := r.lightRerank(ctx, qc, queryEmb, candidates, params)

	qc.Degraded = degraded
	r.recordQuery(start, len(ranked), degraded)
	return ranked, qc, nil
}

// fanOut searches every variant with both methods in parallel. A failed
// method logs and degrades; it never fails the query on its own.
func (r *Retriever) fanOut(ctx context.Context, qc *kb.QueryContext, queryEmb []float32, params Parameters) []*variantResult {
	results := make([]*variantResult, len(qc.Variants))
	var wg sync.WaitGroup

	for i, v := range qc.Variants {
		vr := &variantResult{variant: v}
		results[i] = vr

		wg.Add(1)
		go func(v kb.Variant, vr *variantResult) {
			defer wg.Done()

			var mu sync.Mutex
			var inner sync.WaitGroup

			if r.vectors != nil {
				inner.Add(1)
				go func() {
					defer inner.Done()
					vec := queryEmb
					var err error
					if v.Source != "original" {
						vec, err = r.provider.Embed(ctx, v.Text)
					}
					if err == nil && len(vec) > 0 {
						var hits []VectorHit
						hits, err = r.vectors.Search(ctx, vec, params.DenseTopK)
						if err == nil {
							mu.Lock()
							vr.dense = hits
							mu.Unlock()
							return
						}
					}
					if err != nil {
						r.metrics.incDenseFailure()
						r.logger.Warn("Dense search failed", "variant", v.Text, "error", err)
						mu.Lock()
						vr.errs = append(vr.errs, kberrors.SearchMethod("dense", v.Text, err))
						mu.Unlock()
					}
				}()
			}

			if idx := r.lexical.Load(); idx != nil {
				inner.Add(1)
				go func() {
					defer inner.Done()
					hits := idx.SearchTokens(r.lexicalTokens(v.Text), params.BM25TopK)
					mu.Lock()
					vr.lexical = hits
					mu.Unlock()
				}()
			} else {
				r.metrics.incBM25Failure()
				mu.Lock()
				vr.errs = append(vr.errs, kberrors.SearchMethod("bm25", v.Text, nil))
				mu.Unlock()
			}

			inner.Wait()
		}(v, vr)
	}

	wg.Wait()
	return results
}

// lexicalTokens expands the variant with glossary alias terms before
// tokenizing, so the lexical path benefits from the same cross-lingual
// vocabulary as the dense variants.
func (r *Retriever) lexicalTokens(text string) []string {
	expanded := text
	if r.analyzer.glossary != nil {
		for _, m := range r.analyzer.glossary.RecognizeIn(text) {
			for _, t := range m.Entry.ExpansionTerms(kb.LangUnknown, m.Matched) {
				expanded += " " + t
			}
		}
	}
	return bm25.Tokenize(expanded)
}

// merge collapses per-variant hits into one candidate per chunk, keeping
// the best raw score per method. A candidate reached by the original
// variant keeps "original" attribution even when an expansion also hit it.
func (r *Retriever) merge(results []*variantResult) map[string]*kb.Candidate {
	merged := make(map[string]*kb.Candidate)

	upsert := func(id, source string) *kb.Candidate {
		c, ok := merged[id]
		if !ok {
			chunk, found := r.chunks.Chunk(id)
			if !found {
				return nil
			}
			c = &kb.Candidate{Chunk: chunk, QuerySource: source}
			merged[id] = c
		} else if source == "original" {
			c.QuerySource = source
		}
		return c
	}

	for _, vr := range results {
		for _, hit := range vr.dense {
			c := upsert(hit.ID, vr.variant.Source)
			if c == nil {
				continue
			}
			if hit.Score > c.DenseScore {
				c.DenseScore = hit.Score
			}
			if len(hit.Vector) > 0 && c.Embedding == nil {
				c.Embedding = hit.Vector
			}
			if c.SearchMethod == "" {
				c.SearchMethod = kb.MethodDense
			} else if c.SearchMethod == kb.MethodBM25 {
				c.SearchMethod = kb.MethodHybrid
			}
		}
		for _, hit := range vr.lexical {
			c := upsert(hit.ID, vr.variant.Source)
			if c == nil {
				continue
			}
			if hit.Score > c.BM25Score {
				c.BM25Score = hit.Score
			}
			if c.SearchMethod == "" {
				c.SearchMethod = kb.MethodBM25
			} else if c.SearchMethod == kb.MethodDense {
				c.SearchMethod = kb.MethodHybrid
			}
		}
	}
	return merged
}

// fuse computes the fusion score from max-normalized per-method scores.
// Expansion-only candidates are discounted after normalization so the
// discount survives even when the expansion hit is the per-method max.
func (r *Retriever) fuse(candidates map[string]*kb.Candidate, params Parameters) {
	var maxDense, maxBM25 float64
	for _, c := range candidates {
		if c.DenseScore > maxDense {
			maxDense = c.DenseScore
		}
		if c.BM25Score > maxBM25 {
			maxBM25 = c.BM25Score
		}
	}
	for _, c := range candidates {
		var nd, nb float64
		if maxDense > 0 {
			nd = c.DenseScore / maxDense
		}
		if maxBM25 > 0 {
			nb = c.BM25Score / maxBM25
		}
		c.FusionScore = params.FusionAlpha*nd + (1-params.FusionAlpha)*nb
		if c.QuerySource != "original" {
			c.FusionScore *= params.ExpansionDiscount
		}
	}
}

// lightRerank blends the fusion score with direct query-chunk cosine
// similarity, applies intent boosts and the score floor, and returns the
// top rerankTopK. When the query embedding is unavailable the fusion
// ordering stands.
func (r *Retriever) lightRerank(ctx context.Context, qc *kb.QueryContext, queryEmb []float32, candidates map[string]*kb.Candidate, params Parameters) []*kb.Candidate {
	ranked := make([]*kb.Candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}

	for _, c := range ranked {
		if c.Embedding == nil && r.vectors != nil {
			if vec, ok := r.vectors.Vector(c.Chunk.ID); ok {
				c.Embedding = vec
			}
		}
		blended := c.FusionScore
		if len(queryEmb) > 0 && len(c.Embedding) > 0 {
			cos := embedding.Cosine(queryEmb, c.Embedding)
			blended = r.config.LightRerankFusionWeight*c.FusionScore +
				r.config.LightRerankCosineWeight*cos
		}
		c.CrossEncoderScore = blended * r.intentBoost(qc, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CrossEncoderScore != ranked[j].CrossEncoderScore {
			return ranked[i].CrossEncoderScore > ranked[j].CrossEncoderScore
		}
		return ranked[i].Chunk.ID < ranked[j].Chunk.ID
	})

	out := ranked[:0:0]
	for _, c := range ranked {
		if c.CrossEncoderScore < params.MinScore {
			continue
		}
		out = append(out, c)
		if len(out) >= params.RerankTopK {
			break
		}
	}
	return out
}

// intentBoost amplifies social-channel chunks for social-intent queries.
// The multiplier scales with channel richness between the configured
// bounds. All other cases return 1.
func (r *Retriever) intentBoost(qc *kb.QueryContext, c *kb.Candidate) float64 {
	if qc.Intent != kb.IntentSocial {
		return 1
	}
	meta := c.Chunk.Metadata
	isSocial := meta.ContentType == "social_media_links" || meta.Category == "social"
	if !isSocial {
		for _, t := range meta.BoostTerms {
			lt := strings.ToLower(t)
			if lt == "social" || lt == "links" || lt == "contact" || lt == "社区" {
				isSocial = true
				break
			}
		}
	}
	if !isSocial {
		return 1
	}
	richness := 0
	for k := range c.Chunk.Facts {
		if strings.HasPrefix(k, "channel_") {
			richness++
		}
	}
	boost := r.config.SocialBoostMin + 0.1*float64(richness)
	if boost > r.config.SocialBoostMax {
		boost = r.config.SocialBoostMax
	}
	return boost
}

func (r *Retriever) recordQuery(start time.Time, candidates int, degraded bool) {
	latency := time.Since(start)
	r.metrics.mutex.Lock()
	defer r.metrics.mutex.Unlock()
	r.metrics.TotalQueries++
	if degraded {
		r.metrics.DegradedQueries++
	}
	n := float64(r.metrics.TotalQueries)
	r.metrics.AverageLatency = time.Duration(
		(float64(r.metrics.AverageLatency)*(n-1) + float64(latency)) / n)
	r.metrics.AverageCandidates = (r.metrics.AverageCandidates*(n-1) + float64(candidates)) / n
	r.metrics.LastUpdated = time.Now()
}

func (m *RetrieverMetrics) incDenseFailure() {
	m.mutex.Lock()
	m.DenseFailures++
	m.mutex.Unlock()
}

func (m *RetrieverMetrics) incBM25Failure() {
	m.mutex.Lock()
	m.BM25Failures++
	m.mutex.Unlock()
}

// GetMetrics returns a copy of the retriever metrics.
func (r *Retriever) GetMetrics() RetrieverMetrics {
	r.metrics.mutex.RLock()
	defer r.metrics.mutex.RUnlock()
	return RetrieverMetrics{
		TotalQueries:      r.metrics.TotalQueries,
		DenseFailures:     r.metrics.DenseFailures,
		BM25Failures:      r.metrics.BM25Failures,
		DegradedQueries:   r.metrics.DegradedQueries,
		AverageLatency:    r.metrics.AverageLatency,
		AverageCandidates: r.metrics.AverageCandidates,
		LastUpdated:       r.metrics.LastUpdated,
	}
}
