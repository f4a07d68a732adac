// Package kb defines the shared data model for the bilingual knowledge-base
// retrieval core: source records, chunks, per-query candidates, and the
// bilingual glossary.
package kb

import (
	"time"
)

// Language identifies the primary language of a record, chunk, or query.
type Language string

const (
	LangEN        Language = "en"
	LangZH        Language = "zh"
	LangBilingual Language = "bilingual"
	LangMixed     Language = "mixed"
	LangUnknown   Language = "unknown"
)

// Intent classifies what kind of answer a query is after. Detected from
// keyword and pattern tables in both languages.
type Intent string

const (
	IntentProcedural    Intent = "procedural"
	IntentFinancial     Intent = "financial"
	IntentPerformance   Intent = "performance"
	IntentBlockchainRef Intent = "blockchain_ref"
	IntentExploratory   Intent = "exploratory"
	IntentSocial        Intent = "social"
	IntentGeneral       Intent = "general"
)

// SearchMethod records which retrieval path produced a candidate.
type SearchMethod string

const (
	MethodDense  SearchMethod = "dense"
	MethodBM25   SearchMethod = "bm25"
	MethodHybrid SearchMethod = "hybrid"
)

// SourceRecord is one entry of the knowledge-base authoring format. Records
// failing validation are skipped during ingest, never fatal to the batch.
type SourceRecord struct {
	ID          string            `json:"id" yaml:"id"`
	SourceID    string            `json:"source_id" yaml:"source_id"`
	Type        string            `json:"type" yaml:"type"`
	Lang        Language          `json:"lang" yaml:"lang"`
	Title       string            `json:"title" yaml:"title"`
	Section     string            `json:"section" yaml:"section"`
	Tags        []string          `json:"tags" yaml:"tags"`
	Body        string            `json:"body" yaml:"body"`
	SummaryEN   string            `json:"summary_en" yaml:"summary_en"`
	SummaryZH   string            `json:"summary_zh" yaml:"summary_zh"`
	SourceURL   string            `json:"source_url" yaml:"source_url"`
	ContentHash string            `json:"content_hash" yaml:"content_hash"`
	Facts       map[string]string `json:"facts,omitempty" yaml:"facts,omitempty"`
	MetaCard    *MetaCard         `json:"meta_card,omitempty" yaml:"meta_card,omitempty"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	ContentType string            `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	BoostTerms  []string          `json:"boost_terms,omitempty" yaml:"boost_terms,omitempty"`
}

// MetaCard is an optional structured side-payload attached to a chunk
// (technical specs, official channels, community info). The Extra map is the
// open extension point; known variants get their own field.
type MetaCard struct {
	Kind             string            `json:"kind"`
	TechnicalSpecs   map[string]string `json:"technical_specs,omitempty"`
	OfficialChannels map[string]string `json:"official_channels,omitempty"`
	CommunityInfo    map[string]string `json:"community_info,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// ChunkMetadata carries classification and linkage for a chunk. ParentID and
// OverlapWithPrev link sub-chunks produced by oversized-chunk splitting;
// CrossRefID links the two halves of a bilingual record.
type ChunkMetadata struct {
	Category        string    `json:"category,omitempty"`
	Priority        int       `json:"priority,omitempty"`
	ChunkType       string    `json:"chunk_type,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	BoostTerms      []string  `json:"boost_terms,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	ChunkIndex      int       `json:"chunk_index"`
	OverlapWithPrev int       `json:"overlap_with_prev,omitempty"`
	CrossRefID      string    `json:"cross_ref_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Chunk is the atomic retrievable unit. Immutable once indexed: a content
// hash change on the source record triggers re-ingest of that record.
//
// DenseText is the natural-language view used only for embedding and never
// contains raw identifiers; SparseText is the keyword/identifier view used
// only for lexical indexing and is never embedded.
type Chunk struct {
	ID         string            `json:"id"`
	SourceID   string            `json:"source_id"`
	Type       string            `json:"type"`
	Section    string            `json:"section"`
	Tags       []string          `json:"tags"`
	Lang       Language          `json:"lang"`
	DenseText  string            `json:"dense_text"`
	SparseText string            `json:"sparse_text"`
	Facts      map[string]string `json:"facts,omitempty"`
	MetaCard   *MetaCard         `json:"meta_card,omitempty"`
	TokenCount int               `json:"token_count"`
	Metadata   ChunkMetadata     `json:"metadata"`
}

// Text returns the display text of the chunk handed to the downstream
// generator. The dense view is the readable one.
func (c *Chunk) Text() string { return c.DenseText }

// Candidate annotates a chunk with per-query scores. Candidates exist only
// for the lifetime of one retrieval call and are never persisted.
type Candidate struct {
	Chunk             *Chunk       `json:"chunk"`
	Embedding         []float32    `json:"-"`
	DenseScore        float64      `json:"dense_score"`
	BM25Score         float64      `json:"bm25_score"`
	FusionScore       float64      `json:"fusion_score"`
	CrossEncoderScore float64      `json:"cross_encoder_score"`
	MMRScore          float64      `json:"mmr_score"`
	QuerySource       string       `json:"query_source"`
	SearchMethod      SearchMethod `json:"search_method"`
}

// Scores flattens the candidate scores for the downstream contract.
func (c *Candidate) Scores() map[string]float64 {
	return map[string]float64{
		"dense":         c.DenseScore,
		"bm25":          c.BM25Score,
		"fusion":        c.FusionScore,
		"cross_encoder": c.CrossEncoderScore,
		"mmr":           c.MMRScore,
	}
}

// QueryContext is the ephemeral per-request state built by the hybrid
// retriever before search fan-out.
type QueryContext struct {
	Original       string    `json:"original"`
	Lang           Language  `json:"lang"`
	LangConfidence float64   `json:"lang_confidence"`
	Variants       []Variant `json:"variants"`
	Keywords       []string  `json:"keywords"`
	Intent         Intent    `json:"intent"`

	// Degraded is set by the retriever when one search method failed and
	// the results came from the other alone.
	Degraded bool `json:"degraded,omitempty"`
}

// Variant is one rewritten or expanded form of the original query. Source is
// "original" for the literal query, or the glossary entry that produced it.
type Variant struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}
