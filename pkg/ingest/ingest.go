// Package ingest validates knowledge-base source records and turns them into
// language-aware, overlapping chunks with separate dense and sparse text
// views, derived facts, and meta-cards.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kberrors "github.com/wangchai/kbrag/pkg/errors"
	"github.com/wangchai/kbrag/pkg/kb"
)

// Config holds chunking policy. Latin-script content is budgeted in tokens,
// logographic content in characters; both share the overlap ratio.
type Config struct {
	LatinTargetTokens int `json:"latin_target_tokens" yaml:"latin_target_tokens"`
	LatinMaxTokens    int `json:"latin_max_tokens" yaml:"latin_max_tokens"`
	CJKTargetChars    int `json:"cjk_target_chars" yaml:"cjk_target_chars"`
	CJKMaxChars       int `json:"cjk_max_chars" yaml:"cjk_max_chars"`

	// OverlapRatio of the target budget carried between adjacent sub-chunks,
	// bounded by per-language min/max overlap units so the bound scales
	// with the unit the language is budgeted in.
	OverlapRatio    float64 `json:"overlap_ratio" yaml:"overlap_ratio"`
	LatinMinOverlap int     `json:"latin_min_overlap" yaml:"latin_min_overlap"`
	LatinMaxOverlap int     `json:"latin_max_overlap" yaml:"latin_max_overlap"`
	CJKMinOverlap   int     `json:"cjk_min_overlap" yaml:"cjk_min_overlap"`
	CJKMaxOverlap   int     `json:"cjk_max_overlap" yaml:"cjk_max_overlap"`
}

// DefaultConfig returns the chunking defaults: 200-300 token chunks for
// Latin script, 350-500 characters for logographic, 15-20% overlap.
func DefaultConfig() *Config {
	return &Config{
		LatinTargetTokens: 250,
		LatinMaxTokens:    300,
		CJKTargetChars:    425,
		CJKMaxChars:       500,
		OverlapRatio:      0.175,
		LatinMinOverlap:   20,
		LatinMaxOverlap:   60,
		CJKMinOverlap:     40,
		CJKMaxOverlap:     100,
	}
}

// SkippedRecord records a validation failure for the ingest report.
type SkippedRecord struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// Report summarizes one ingest batch.
type Report struct {
	RecordsIn  int             `json:"records_in"`
	ChunksOut  int             `json:"chunks_out"`
	Skipped    []SkippedRecord `json:"skipped,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Metrics tracks ingest totals across batches.
type Metrics struct {
	TotalRecords   int64     `json:"total_records"`
	TotalChunks    int64     `json:"total_chunks"`
	SkippedRecords int64     `json:"skipped_records"`
	LastIngestAt   time.Time `json:"last_ingest_at"`
	mutex          sync.RWMutex
}

// Service is the knowledge chunker.
type Service struct {
	config   *Config
	glossary *kb.Glossary
	logger   *slog.Logger
	metrics  *Metrics
}

// NewService creates the chunker. The glossary may be nil; sparse views then
// carry no synonym expansion.
func NewService(config *Config, glossary *kb.Glossary) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config:   config,
		glossary: glossary,
		logger:   slog.Default().With("component", "ingest"),
		metrics:  &Metrics{},
	}
}

// Ingest validates and chunks a batch of source records. Records failing
// validation are skipped with a warning, never fatal to the batch.
func (s *Service) Ingest(ctx context.Context, records []kb.SourceRecord) ([]*kb.Chunk, *Report, error) {
	report := &Report{RecordsIn: len(records), StartedAt: time.Now()}
	var chunks []*kb.Chunk

	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("ingest cancelled: %w", err)
		}
		record := &records[i]

		if err := validateRecord(record); err != nil {
			report.Skipped = append(report.Skipped, SkippedRecord{RecordID: record.ID, Reason: err.Error()})
			s.logger.Warn("Skipping invalid source record",
				"record_id", record.ID,
				"error", err,
			)
			continue
		}

		recordChunks := s.chunkRecord(record)
		chunks = append(chunks, recordChunks...)
	}

	report.ChunksOut = len(chunks)
	report.FinishedAt = time.Now()

	s.updateMetrics(func(m *Metrics) {
		m.TotalRecords += int64(len(records))
		m.TotalChunks += int64(len(chunks))
		m.SkippedRecords += int64(len(report.Skipped))
		m.LastIngestAt = report.FinishedAt
	})

	s.logger.Info("Ingest batch completed",
		"records", len(records),
		"chunks", len(chunks),
		"skipped", len(report.Skipped),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)

	return chunks, report, nil
}

// validateRecord checks the required fields of the knowledge source schema.
func validateRecord(r *kb.SourceRecord) error {
	if r.ID == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: id")
	}
	if r.SourceID == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: source_id")
	}
	if r.Type == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: type")
	}
	switch r.Lang {
	case kb.LangEN, kb.LangZH, kb.LangBilingual:
	default:
		return kberrors.SchemaValidation(r.ID, fmt.Sprintf("invalid language tag: %q", r.Lang))
	}
	if r.Title == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: title")
	}
	if r.Body == "" && r.SummaryEN == "" && r.SummaryZH == "" {
		return kberrors.SchemaValidation(r.ID, "record has no body or summaries")
	}
	if r.SourceURL == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: source_url")
	}
	if r.ContentHash == "" {
		return kberrors.SchemaValidation(r.ID, "missing required field: content_hash")
	}
	return nil
}

// chunkRecord produces the chunks for one validated record. Bilingual
// records split into two independent, cross-referenced monolingual chunks so
// the dense embedding stays monolingual-clean.
func (s *Service) chunkRecord(record *kb.SourceRecord) []*kb.Chunk {
	if record.Lang == kb.LangBilingual {
		enBody, zhBody := bilingualBodies(record)
		var out []*kb.Chunk
		enChunks := s.chunkLanguageView(record, kb.LangEN, enBody)
		zhChunks := s.chunkLanguageView(record, kb.LangZH, zhBody)
		if len(enChunks) > 0 && len(zhChunks) > 0 {
			enChunks[0].Metadata.CrossRefID = zhChunks[0].ID
			zhChunks[0].Metadata.CrossRefID = enChunks[0].ID
		}
		out = append(out, enChunks...)
		out = append(out, zhChunks...)
		return out
	}

	body := record.Body
	if body == "" {
		if record.Lang == kb.LangZH {
			body = record.SummaryZH
		} else {
			body = record.SummaryEN
		}
	}
	return s.chunkLanguageView(record, record.Lang, body)
}

// bilingualBodies resolves the per-language body text of a bilingual record.
func bilingualBodies(record *kb.SourceRecord) (en, zh string) {
	en = record.SummaryEN
	zh = record.SummaryZH
	if en == "" {
		en = record.Body
	}
	if zh == "" {
		zh = record.Body
	}
	return
}

// chunkLanguageView chunks one language view of a record and assembles the
// final chunks with dense/sparse views, facts, and metadata.
func (s *Service) chunkLanguageView(record *kb.SourceRecord, lang kb.Language, body string) []*kb.Chunk {
	if body == "" {
		return nil
	}

	pieces := s.split(body, lang)
	now := time.Now()
	facts := deriveFacts(record)

	chunks := make([]*kb.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		id := fmt.Sprintf("%s_%s_%d", record.ID, lang, i)
		c := &kb.Chunk{
			ID:         id,
			SourceID:   record.SourceID,
			Type:       record.Type,
			Section:    record.Section,
			Tags:       record.Tags,
			Lang:       lang,
			DenseText:  s.buildDenseText(record, lang, piece.text),
			SparseText: s.buildSparseText(record, piece.text),
			Facts:      facts,
			MetaCard:   record.MetaCard,
			Metadata: kb.ChunkMetadata{
				Category:        record.Category,
				Priority:        record.Priority,
				ChunkType:       record.Type,
				ContentType:     record.ContentType,
				BoostTerms:      record.BoostTerms,
				ChunkIndex:      i,
				OverlapWithPrev: piece.overlapUnits,
				CreatedAt:       now,
				UpdatedAt:       now,
			},
		}
		if len(pieces) > 1 {
			c.Metadata.ParentID = record.ID
		}
		c.TokenCount = kb.EstimateTokens(c.DenseText)
		chunks = append(chunks, c)
	}
	return chunks
}

func (s *Service) updateMetrics(fn func(*Metrics)) {
	s.metrics.mutex.Lock()
	defer s.metrics.mutex.Unlock()
	fn(s.metrics)
}

// GetMetrics returns a copy of the ingest metrics.
func (s *Service) GetMetrics() Metrics {
	s.metrics.mutex.RLock()
	defer s.metrics.mutex.RUnlock()
	return Metrics{
		TotalRecords:   s.metrics.TotalRecords,
		TotalChunks:    s.metrics.TotalChunks,
		SkippedRecords: s.metrics.SkippedRecords,
		LastIngestAt:   s.metrics.LastIngestAt,
	}
}
