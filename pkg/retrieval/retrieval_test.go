package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangchai/kbrag/pkg/bm25"
	"github.com/wangchai/kbrag/pkg/embedding"
	"github.com/wangchai/kbrag/pkg/kb"
)

// fakeVectors is a deterministic in-test vector index.
type fakeVectors struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeVectors) Search(_ context.Context, vector []float32, k int) ([]VectorHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	hits := make([]VectorHit, 0, len(f.vectors))
	for id, v := range f.vectors {
		score := embedding.Cosine(vector, v)
		if score <= 0 {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: score, Vector: v})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *fakeVectors) Vector(id string) ([]float32, bool) {
	v, ok := f.vectors[id]
	return v, ok
}

type mapChunks map[string]*kb.Chunk

func (m mapChunks) Chunk(id string) (*kb.Chunk, bool) {
	c, ok := m[id]
	return c, ok
}

// axisProvider maps any text containing a known keyword onto a fixed axis so
// tests control cosine geometry exactly.
type axisProvider struct {
	axes map[string][]float32
	err  error
}

func (p *axisProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.err != nil {
		return nil, p.err
	}
	lower := strings.ToLower(text)
	for kw, axis := range p.axes {
		if strings.Contains(lower, kw) {
			return axis, nil
		}
	}
	return []float32{1, 0, 0, 0}, nil
}

func (p *axisProvider) Dimensions() int { return 4 }

func TestBoundsClamp(t *testing.T) {
	b := DefaultBounds()
	p := DefaultParameters()
	p.DenseTopK = 10000
	p.FusionAlpha = 1.7
	p.MMRLambda = -0.2

	clamped, warnings := b.Clamp(p)
	assert.Equal(t, b.MaxTopK, clamped.DenseTopK)
	assert.Equal(t, 1.0, clamped.FusionAlpha)
	assert.Equal(t, 0.0, clamped.MMRLambda)
	assert.Len(t, warnings, 3)
}

func TestBoundsClampNoWarningsForValidParams(t *testing.T) {
	_, warnings := DefaultBounds().Clamp(DefaultParameters())
	assert.Empty(t, warnings)
}

func TestParamStoreVersioning(t *testing.T) {
	s := NewParamStore(DefaultParameters(), DefaultBounds())
	v1 := s.Get().Version

	updated := s.Mutate(func(p *Parameters) { p.DenseTopK = 60 })
	assert.Equal(t, v1+1, updated.Version)
	assert.Equal(t, 60, s.Get().DenseTopK)

	// Set clamps before publishing.
	bad := s.Get()
	bad.RerankTopK = 9999
	applied := s.Set(bad)
	assert.Equal(t, DefaultBounds().MaxRerank, applied.RerankTopK)
}

func TestQueryAnalyzerIntent(t *testing.T) {
	a := NewQueryAnalyzer(nil)
	tests := []struct {
		query  string
		intent kb.Intent
	}{
		{"how do I bridge tokens", kb.IntentProcedural},
		{"怎么使用跨链桥", kb.IntentProcedural},
		{"what is the token price", kb.IntentFinancial},
		{"代币市值是多少钱", kb.IntentFinancial},
		{"network tps benchmark", kb.IntentPerformance},
		{"0xAbCd1234Ef567890 details", kb.IntentBlockchainRef},
		{"contract address please", kb.IntentBlockchainRef},
		{"bridge A versus bridge B difference", kb.IntentExploratory},
		{"WangChai official links", kb.IntentSocial},
		{"官方链接和社区在哪里", kb.IntentSocial},
		{"tell me about the project", kb.IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			qc := a.Analyze(tt.query, 3)
			assert.Equal(t, tt.intent, qc.Intent)
		})
	}
}

func TestQueryAnalyzerVariants(t *testing.T) {
	glossary := kb.NewGlossary([]kb.GlossaryEntry{
		{Canonical: "WangChai", SynonymsEN: []string{"wangchai project"}, SynonymsZH: []string{"旺柴"}},
		{Canonical: "cross-chain bridge", SynonymsEN: []string{"bridge"}, SynonymsZH: []string{"跨链桥"}},
	})
	a := NewQueryAnalyzer(glossary)

	qc := a.Analyze("旺柴是什么", 3)
	require.NotEmpty(t, qc.Variants)
	assert.Equal(t, "original", qc.Variants[0].Source)
	assert.Equal(t, "旺柴是什么", qc.Variants[0].Text)

	// The zh surface form is rewritten with a cross-lingual synonym.
	require.Greater(t, len(qc.Variants), 1)
	assert.NotEqual(t, qc.Variants[0].Text, qc.Variants[1].Text)
	assert.NotContains(t, qc.Variants[1].Text, "旺柴")
}

func TestQueryAnalyzerVariantCap(t *testing.T) {
	glossary := kb.NewGlossary([]kb.GlossaryEntry{
		{Canonical: "staking", SynonymsZH: []string{"质押"}},
		{Canonical: "bridge", SynonymsZH: []string{"跨链桥"}},
		{Canonical: "wallet", SynonymsZH: []string{"钱包"}},
	})
	a := NewQueryAnalyzer(glossary)
	qc := a.Analyze("staking via bridge from wallet", 1)
	assert.Len(t, qc.Variants, 2) // original + one expansion
}

func TestQueryAnalyzerKeywords(t *testing.T) {
	a := NewQueryAnalyzer(nil)
	qc := a.Analyze("what is the bridge fee", 0)
	assert.Contains(t, qc.Keywords, "bridge")
	assert.Contains(t, qc.Keywords, "fee")
	assert.NotContains(t, qc.Keywords, "the")
	assert.NotContains(t, qc.Keywords, "what")
}

func newTestRetriever(t *testing.T, chunks mapChunks, vectors *fakeVectors, provider embedding.Provider, glossary *kb.Glossary) *Retriever {
	t.Helper()
	ids := make([]string, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs := make([]bm25.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, bm25.Document{ID: id, Text: chunks[id].SparseText})
	}
	idx, err := bm25.Build(docs, bm25.DefaultConfig())
	require.NoError(t, err)

	store := NewParamStore(DefaultParameters(), DefaultBounds())
	return NewRetriever(DefaultRetrieverConfig(), store, NewQueryAnalyzer(glossary),
		provider, vectors, bm25.NewHolder(idx), chunks)
}

func testChunk(id, text string) *kb.Chunk {
	return &kb.Chunk{
		ID:         id,
		SourceID:   "src_" + id,
		Lang:       kb.LangEN,
		DenseText:  text,
		SparseText: text,
		TokenCount: kb.EstimateTokens(text),
	}
}

func TestRetrieveHybridMergesBothMethods(t *testing.T) {
	chunks := mapChunks{
		"both": testChunk("both", "bridge transfer guide"),
		"lex":  testChunk("lex", "bridge fee schedule"),
		"vec":  testChunk("vec", "totally unrelated keywords"),
	}
	bridgeAxis := []float32{0, 1, 0, 0}
	vectors := &fakeVectors{vectors: map[string][]float32{
		"both": bridgeAxis,
		"vec":  {0, 0.9, 0.1, 0},
		"lex":  {1, 0, 0, 0},
	}}
	provider := &axisProvider{axes: map[string][]float32{"bridge": bridgeAxis}}

	r := newTestRetriever(t, chunks, vectors, provider, nil)
	got, qc, err := r.Retrieve(context.Background(), "bridge transfer")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.NotNil(t, qc)

	byID := map[string]*kb.Candidate{}
	for _, c := range got {
		byID[c.Chunk.ID] = c
	}
	require.Contains(t, byID, "both")
	assert.Equal(t, kb.MethodHybrid, byID["both"].SearchMethod)
	assert.Equal(t, "both", got[0].Chunk.ID)
}

func TestFuseAlphaBoundaries(t *testing.T) {
	candidates := map[string]*kb.Candidate{
		"dense": {Chunk: &kb.Chunk{ID: "dense"}, DenseScore: 0.9, QuerySource: "original"},
		"lex":   {Chunk: &kb.Chunk{ID: "lex"}, BM25Score: 5.0, QuerySource: "original"},
	}
	r := &Retriever{config: DefaultRetrieverConfig()}

	p := DefaultParameters()
	p.FusionAlpha = 1.0
	r.fuse(candidates, p)
	assert.InDelta(t, 1.0, candidates["dense"].FusionScore, 1e-9)
	assert.InDelta(t, 0.0, candidates["lex"].FusionScore, 1e-9)

	p.FusionAlpha = 0.0
	r.fuse(candidates, p)
	assert.InDelta(t, 0.0, candidates["dense"].FusionScore, 1e-9)
	assert.InDelta(t, 1.0, candidates["lex"].FusionScore, 1e-9)
}

func TestFuseDiscountsExpansionOnlyResults(t *testing.T) {
	chunks := mapChunks{"c": testChunk("c", "bridge guide")}
	r := &Retriever{chunks: chunks}
	params := DefaultParameters() // discount 0.8

	results := []*variantResult{{
		variant: kb.Variant{Text: "rewritten query", Source: "WangChai"},
		dense:   []VectorHit{{ID: "c", Score: 0.5}},
		lexical: []bm25.Result{{ID: "c", Score: 2.0}},
	}}
	merged := r.merge(results)
	require.Contains(t, merged, "c")
	assert.InDelta(t, 0.5, merged["c"].DenseScore, 1e-9)
	assert.InDelta(t, 2.0, merged["c"].BM25Score, 1e-9)
	assert.Equal(t, kb.MethodHybrid, merged["c"].SearchMethod)
	assert.Equal(t, "WangChai", merged["c"].QuerySource)

	// The chunk is the per-method max for both methods; the discount must
	// still apply after normalization.
	r.fuse(merged, params)
	assert.InDelta(t, 0.8, merged["c"].FusionScore, 1e-9)
}

func TestFuseKeepsOriginalResultsUndiscounted(t *testing.T) {
	r := &Retriever{}
	candidates := map[string]*kb.Candidate{
		"orig": {Chunk: &kb.Chunk{ID: "orig"}, BM25Score: 3.0, QuerySource: "original"},
		"exp":  {Chunk: &kb.Chunk{ID: "exp"}, BM25Score: 3.0, QuerySource: "WangChai"},
	}
	r.fuse(candidates, DefaultParameters())
	assert.Greater(t, candidates["orig"].FusionScore, candidates["exp"].FusionScore)
}

func TestMergeOriginalVariantWinsSourceAttribution(t *testing.T) {
	chunks := mapChunks{"c": testChunk("c", "bridge guide")}
	r := &Retriever{chunks: chunks}

	results := []*variantResult{
		{variant: kb.Variant{Text: "expanded", Source: "WangChai"},
			lexical: []bm25.Result{{ID: "c", Score: 1.0}}},
		{variant: kb.Variant{Text: "original query", Source: "original"},
			lexical: []bm25.Result{{ID: "c", Score: 1.0}}},
	}
	merged := r.merge(results)
	assert.Equal(t, "original", merged["c"].QuerySource)
}

func TestRetrieveWithoutVectorIndex(t *testing.T) {
	chunks := mapChunks{"lex": testChunk("lex", "wangchai token supply")}
	docs := []bm25.Document{{ID: "lex", Text: chunks["lex"].SparseText}}
	idx, err := bm25.Build(docs, bm25.DefaultConfig())
	require.NoError(t, err)

	store := NewParamStore(DefaultParameters(), DefaultBounds())
	r := NewRetriever(DefaultRetrieverConfig(), store, NewQueryAnalyzer(nil),
		&axisProvider{}, nil, bm25.NewHolder(idx), chunks)

	got, _, err := r.Retrieve(context.Background(), "wangchai supply")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "lex", got[0].Chunk.ID)
	assert.Equal(t, kb.MethodBM25, got[0].SearchMethod)
}

func TestRetrieveDegradesWhenDenseFails(t *testing.T) {
	chunks := mapChunks{
		"lex": testChunk("lex", "bridge fee schedule"),
	}
	vectors := &fakeVectors{err: errors.New("vector store down")}

	r := newTestRetriever(t, chunks, vectors, &axisProvider{}, nil)
	got, qc, err := r.Retrieve(context.Background(), "bridge fee")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "lex", got[0].Chunk.ID)
	assert.Equal(t, kb.MethodBM25, got[0].SearchMethod)
	assert.True(t, qc.Degraded)

	metrics := r.GetMetrics()
	assert.Positive(t, metrics.DenseFailures)
	assert.Equal(t, int64(1), metrics.DegradedQueries)
}

func TestRetrieveFailsWhenBothMethodsFail(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	r := NewRetriever(DefaultRetrieverConfig(), store, NewQueryAnalyzer(nil),
		&axisProvider{}, &fakeVectors{err: errors.New("down")}, bm25.NewHolder(nil), mapChunks{})

	_, _, err := r.Retrieve(context.Background(), "anything")
	assert.Error(t, err)
}

func TestLightRerankDropsBelowMinScore(t *testing.T) {
	chunks := mapChunks{
		"good": testChunk("good", "bridge transfer guide"),
		"weak": testChunk("weak", "completely different topic"),
	}
	axis := []float32{0, 1, 0, 0}
	vectors := &fakeVectors{vectors: map[string][]float32{
		"good": axis,
		"weak": {0.999, 0.04, 0, 0},
	}}
	provider := &axisProvider{axes: map[string][]float32{"bridge": axis}}

	r := newTestRetriever(t, chunks, vectors, provider, nil)
	got, _, err := r.Retrieve(context.Background(), "bridge transfer")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Chunk.ID)
	assert.GreaterOrEqual(t, got[0].CrossEncoderScore, DefaultParameters().MinScore)
}

func TestSocialIntentBoost(t *testing.T) {
	r := &Retriever{config: DefaultRetrieverConfig()}
	qc := &kb.QueryContext{Intent: kb.IntentSocial}

	social := &kb.Candidate{Chunk: &kb.Chunk{
		ID: "s",
		Facts: map[string]string{
			"channel_telegram": "https://t.me/x",
			"channel_twitter":  "https://x.com/x",
		},
		Metadata: kb.ChunkMetadata{ContentType: "social_media_links"},
	}}
	plain := &kb.Candidate{Chunk: &kb.Chunk{ID: "p"}}

	assert.InDelta(t, 1.6, r.intentBoost(qc, social), 1e-9)
	assert.Equal(t, 1.0, r.intentBoost(qc, plain))

	// Channel richness is capped at the configured maximum.
	for _, ch := range []string{"discord", "youtube", "medium", "github", "reddit"} {
		social.Chunk.Facts["channel_"+ch] = "x"
	}
	assert.Equal(t, r.config.SocialBoostMax, r.intentBoost(qc, social))

	qc.Intent = kb.IntentGeneral
	assert.Equal(t, 1.0, r.intentBoost(qc, social))
}

func mmrCand(id string, rel float64, vec []float32) *kb.Candidate {
	return &kb.Candidate{
		Chunk:             &kb.Chunk{ID: id},
		CrossEncoderScore: rel,
		Embedding:         vec,
	}
}

func TestMMRLambdaOneIsPureRelevance(t *testing.T) {
	m := NewMMRReranker(DefaultMMRConfig())
	cands := []*kb.Candidate{
		mmrCand("low", 0.2, []float32{1, 0}),
		mmrCand("high", 0.9, []float32{1, 0}),
		mmrCand("mid", 0.5, []float32{1, 0}),
	}
	got := m.Rerank(cands, 3, 1.0)
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].Chunk.ID)
	assert.Equal(t, "mid", got[1].Chunk.ID)
	assert.Equal(t, "low", got[2].Chunk.ID)
}

func TestMMRPenalizesNearDuplicates(t *testing.T) {
	m := NewMMRReranker(DefaultMMRConfig())
	cands := []*kb.Candidate{
		mmrCand("a", 0.95, []float32{1, 0}),
		mmrCand("dup", 0.94, []float32{1, 0}),
		mmrCand("other", 0.6, []float32{0, 1}),
	}
	got := m.Rerank(cands, 2, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Chunk.ID)
	assert.Equal(t, "other", got[1].Chunk.ID)
}

func TestMMRLambdaZeroMaximizesDiversity(t *testing.T) {
	m := NewMMRReranker(DefaultMMRConfig())
	cands := []*kb.Candidate{
		mmrCand("a", 0.9, []float32{1, 0, 0}),
		mmrCand("b", 0.8, []float32{1, 0.01, 0}),
		mmrCand("c", 0.1, []float32{0, 0, 1}),
	}
	got := m.Rerank(cands, 2, 0.0)
	require.Len(t, got, 2)
	ids := []string{got[0].Chunk.ID, got[1].Chunk.ID}
	assert.Contains(t, ids, "c")
}

func TestMMRAdaptiveLambda(t *testing.T) {
	m := NewMMRReranker(DefaultMMRConfig())
	base := 0.82
	assert.InDelta(t, 1.0, m.LambdaFor(base, kb.IntentProcedural), 1e-9)
	assert.InDelta(t, 0.62, m.LambdaFor(base, kb.IntentExploratory), 1e-9)
	assert.InDelta(t, base, m.LambdaFor(base, kb.IntentGeneral), 1e-9)
}

func TestMMRClusterRerank(t *testing.T) {
	m := NewMMRReranker(DefaultMMRConfig())
	clusters := map[string][]*kb.Candidate{
		"src1": {mmrCand("a1", 0.9, []float32{1, 0}), mmrCand("a2", 0.85, []float32{1, 0})},
		"src2": {mmrCand("b1", 0.7, []float32{0, 1})},
	}
	got := m.RerankClustered(clusters, 2, 0.5)
	require.Len(t, got, 2)
	ids := []string{got[0].Chunk.ID, got[1].Chunk.ID}
	assert.Contains(t, ids, "a1")
	assert.Contains(t, ids, "b1")
}

func TestTunerAutoAdjustLatency(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	cfg := DefaultTunerConfig()
	cfg.AutoTune = true
	cfg.WindowSize = 3
	tuner := NewTuner(cfg, store)

	before := store.Get().DenseTopK
	for i := 0; i < 3; i++ {
		tuner.RecordPerformance(ArmNone, Sample{Relevance: 0.9, Latency: 2 * cfg.LatencyTarget, Success: true})
	}
	assert.Equal(t, before-cfg.TopKStep, store.Get().DenseTopK)
}

func TestTunerAutoAdjustRelevance(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	cfg := DefaultTunerConfig()
	cfg.AutoTune = true
	cfg.WindowSize = 3
	tuner := NewTuner(cfg, store)

	before := store.Get().DenseTopK
	for i := 0; i < 3; i++ {
		tuner.RecordPerformance(ArmNone, Sample{Relevance: 0.1, Latency: 10 * time.Millisecond, Success: true})
	}
	assert.Equal(t, before+cfg.TopKStep, store.Get().DenseTopK)
}

func TestTunerAutoTuneOffByDefault(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	tuner := NewTuner(DefaultTunerConfig(), store)
	before := store.Get()
	for i := 0; i < 100; i++ {
		tuner.RecordPerformance(ArmNone, Sample{Relevance: 0.0, Latency: time.Hour})
	}
	assert.Equal(t, before, store.Get())
}

func TestTunerSuggestGoals(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	tuner := NewTuner(DefaultTunerConfig(), store)
	base := store.Get()

	fast := tuner.Suggest("latency")
	assert.Less(t, fast.DenseTopK, base.DenseTopK)

	deep := tuner.Suggest("relevance")
	assert.Greater(t, deep.DenseTopK, base.DenseTopK)
}

func TestTunerABTest(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	tuner := NewTuner(DefaultTunerConfig(), store)

	armA := DefaultParameters()
	armA.DenseTopK = 20
	armB := DefaultParameters()
	armB.DenseTopK = 80
	require.NoError(t, tuner.StartABTest([]Parameters{armA, armB}))

	// Round-robin: the poor arm and the good arm alternate.
	for i := 0; i < 10; i++ {
		params, arm := tuner.NextArm()
		sample := Sample{Relevance: 0.2, Success: false}
		if params.DenseTopK == 80 {
			sample = Sample{Relevance: 0.9, Success: true}
		}
		tuner.RecordPerformance(arm, sample)
	}

	winner, err := tuner.CompleteABTest()
	require.NoError(t, err)
	assert.Equal(t, 80, winner.DenseTopK)
	assert.Equal(t, 80, store.Get().DenseTopK)
}

func TestTunerABTestInterleavedQueries(t *testing.T) {
	store := NewParamStore(DefaultParameters(), DefaultBounds())
	tuner := NewTuner(DefaultTunerConfig(), store)

	armA := DefaultParameters()
	armA.DenseTopK = 10
	armB := DefaultParameters()
	armB.DenseTopK = 200
	require.NoError(t, tuner.StartABTest([]Parameters{armA, armB}))

	// Two in-flight queries draw their arms before either outcome lands.
	paramsFirst, first := tuner.NextArm()
	paramsSecond, second := tuner.NextArm()
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, paramsFirst.DenseTopK, paramsSecond.DenseTopK)

	// Outcomes arrive out of order; the good result belongs to the first arm.
	tuner.RecordPerformance(second, Sample{Relevance: 0.1, Success: false})
	tuner.RecordPerformance(first, Sample{Relevance: 0.9, Success: true})

	winner, err := tuner.CompleteABTest()
	require.NoError(t, err)
	assert.Equal(t, paramsFirst.DenseTopK, winner.DenseTopK)
}

func TestTunerABTestRequiresTwoArms(t *testing.T) {
	tuner := NewTuner(DefaultTunerConfig(), NewParamStore(DefaultParameters(), DefaultBounds()))
	assert.Error(t, tuner.StartABTest([]Parameters{DefaultParameters()}))
}

func TestTunerCompleteWithoutTest(t *testing.T) {
	tuner := NewTuner(DefaultTunerConfig(), NewParamStore(DefaultParameters(), DefaultBounds()))
	_, err := tuner.CompleteABTest()
	assert.Error(t, err)
}
