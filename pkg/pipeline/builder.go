// Package pipeline wires the retrieval core end to end: the index builder
// turns source records into serving snapshots, and the query pipeline runs
// retrieval, diversity selection, filtering, compression, and language
// consistency over them.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wangchai/kbrag/pkg/bm25"
	"github.com/wangchai/kbrag/pkg/embedding"
	kberrors "github.com/wangchai/kbrag/pkg/errors"
	"github.com/wangchai/kbrag/pkg/ingest"
	"github.com/wangchai/kbrag/pkg/kb"
	"github.com/wangchai/kbrag/pkg/quality"
	"github.com/wangchai/kbrag/pkg/retrieval"
	"github.com/wangchai/kbrag/pkg/store"
)

// SchemaVersion is bumped whenever the chunk or view format changes in a
// way that requires rebuilding from source records.
const SchemaVersion = 2

// VectorStore is the dense index surface the builder and retriever share.
type VectorStore interface {
	retrieval.VectorIndex
	Rebuild(ctx context.Context, items []store.ChunkVector) error
}

// ChunkMap is the atomic chunk snapshot serving retrieval.ChunkLookup.
type ChunkMap struct {
	current atomic.Pointer[map[string]*kb.Chunk]
}

// NewChunkMap creates an empty snapshot.
func NewChunkMap() *ChunkMap {
	m := &ChunkMap{}
	empty := make(map[string]*kb.Chunk)
	m.current.Store(&empty)
	return m
}

// Chunk resolves a chunk by ID.
func (m *ChunkMap) Chunk(id string) (*kb.Chunk, bool) {
	c, ok := (*m.current.Load())[id]
	return c, ok
}

// Swap publishes a new snapshot.
func (m *ChunkMap) Swap(chunks map[string]*kb.Chunk) { m.current.Store(&chunks) }

// Len reports the size of the serving snapshot.
func (m *ChunkMap) Len() int { return len(*m.current.Load()) }

// BuildReport summarizes one rebuild.
type BuildReport struct {
	BuildID        string         `json:"build_id"`
	Skipped        bool           `json:"skipped"`
	SkipReason     string         `json:"skip_reason,omitempty"`
	Ingest         *ingest.Report `json:"ingest,omitempty"`
	ChunksFiltered int            `json:"chunks_filtered"`
	ChunksIndexed  int            `json:"chunks_indexed"`
	EmbedFailures  int            `json:"embed_failures"`
	Duration       time.Duration  `json:"duration"`
}

// IndexBuilder rebuilds the serving snapshot from source records. Rebuilds
// are exclusive; queries keep running against the previous snapshot until
// the new one is published atomically.
type IndexBuilder struct {
	ingester *ingest.Service
	batcher  *embedding.Batcher
	filter   *quality.Filter
	bm25Cfg  *bm25.Config
	lexical  *bm25.Holder
	vectors  VectorStore
	chunks   *ChunkMap
	state    store.KV
	metrics  *Metrics
	logger   *slog.Logger

	building atomic.Bool
}

// NewIndexBuilder wires the builder. state may be nil; rebuild decisions
// then always rebuild.
func NewIndexBuilder(ingester *ingest.Service, batcher *embedding.Batcher,
	filter *quality.Filter, bm25Cfg *bm25.Config, lexical *bm25.Holder,
	vectors VectorStore, chunks *ChunkMap, state store.KV, metrics *Metrics) *IndexBuilder {
	return &IndexBuilder{
		ingester: ingester,
		batcher:  batcher,
		filter:   filter,
		bm25Cfg:  bm25Cfg,
		lexical:  lexical,
		vectors:  vectors,
		chunks:   chunks,
		state:    state,
		metrics:  metrics,
		logger:   slog.Default().With("component", "index-builder"),
	}
}

// CorpusHash fingerprints the record set. Order-independent: records are
// hashed by ID and content hash, sorted.
func CorpusHash(records []kb.SourceRecord) string {
	lines := make([]string, 0, len(records))
	for i := range records {
		lines = append(lines, records[i].ID+"\x00"+records[i].ContentHash)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// needsRebuild decides from persisted state whether the corpus changed.
func (b *IndexBuilder) needsRebuild(ctx context.Context, corpusHash string) (bool, string) {
	if b.lexical.Load() == nil || b.chunks.Len() == 0 {
		return true, "empty snapshot"
	}
	if b.state == nil {
		return true, "no state store"
	}
	data, err := b.state.Get(ctx, store.IndexStateKey)
	if err != nil {
		return true, "no persisted state"
	}
	var st store.IndexState
	if err := json.Unmarshal(data, &st); err != nil {
		return true, "unreadable persisted state"
	}
	if st.SchemaVersion != SchemaVersion {
		return true, "schema version changed"
	}
	if st.CorpusHash != corpusHash {
		return true, "corpus changed"
	}
	return false, ""
}

// Build rebuilds the snapshot from records unless the persisted state shows
// it is already current. force skips that check. Only one build runs at a
// time; a concurrent call fails fast.
func (b *IndexBuilder) Build(ctx context.Context, records []kb.SourceRecord, force bool) (*BuildReport, error) {
	if !b.building.CompareAndSwap(false, true) {
		return nil, kberrors.IndexBuild("rebuild already in progress", nil)
	}
	defer b.building.Store(false)

	start := time.Now()
	buildID := uuid.NewString()
	logger := b.logger.With("build_id", buildID)

	corpusHash := CorpusHash(records)
	if !force {
		if rebuild, reason := b.needsRebuild(ctx, corpusHash); !rebuild {
			logger.Info("Snapshot current, rebuild skipped")
			return &BuildReport{BuildID: buildID, Skipped: true, SkipReason: "snapshot current"}, nil
		} else {
			logger.Info("Rebuild required", "reason", reason)
		}
	}

	chunks, ingestReport, err := b.ingester.Ingest(ctx, records)
	if err != nil {
		b.recordBuild("failed", start)
		return nil, kberrors.IndexBuild("ingest failed", err)
	}

	filtered := b.filter.Apply(chunks, quality.ModeLenient, nil)
	kept := filtered.Kept
	logger.Info("Quality filter applied",
		"in", len(chunks), "kept", len(kept), "removed", len(filtered.Removed))

	vectors, failed, err := b.embedAll(ctx, kept, logger)
	if err != nil {
		b.recordBuild("failed", start)
		return nil, err
	}

	chunkMap := make(map[string]*kb.Chunk, len(kept))
	docs := make([]bm25.Document, 0, len(kept))
	items := make([]store.ChunkVector, 0, len(vectors))
	for _, c := range kept {
		if _, ok := failed[c.ID]; ok {
			continue
		}
		chunkMap[c.ID] = c
		docs = append(docs, bm25.Document{ID: c.ID, Text: c.SparseText})
		items = append(items, store.ChunkVector{
			ChunkID:  c.ID,
			SourceID: c.SourceID,
			Lang:     string(c.Lang),
			Section:  c.Section,
			Vector:   vectors[c.ID],
		})
	}

	idx, err := bm25.Build(docs, b.bm25Cfg)
	if err != nil {
		b.recordBuild("failed", start)
		return nil, kberrors.IndexBuild("lexical index build failed", err)
	}

	if err := b.vectors.Rebuild(ctx, items); err != nil {
		b.recordBuild("failed", start)
		return nil, kberrors.IndexBuild("vector store rebuild failed", err)
	}

	// Publish. Lexical and chunk snapshots swap atomically; a query sees
	// either the old pair or the new pair of each, never a torn chunk.
	b.chunks.Swap(chunkMap)
	b.lexical.Swap(idx)

	if b.state != nil {
		st := store.IndexState{
			BuildID:       buildID,
			SchemaVersion: SchemaVersion,
			CorpusHash:    corpusHash,
			ChunkCount:    len(chunkMap),
			BuiltAt:       time.Now(),
		}
		data, _ := json.Marshal(st)
		if err := b.state.Set(ctx, store.IndexStateKey, data, 0); err != nil {
			logger.Warn("Failed to persist index state", "error", err)
		}
	}

	b.recordBuild("success", start)
	if b.metrics != nil {
		b.metrics.IndexChunks.Set(float64(len(chunkMap)))
	}

	report := &BuildReport{
		BuildID:        buildID,
		Ingest:         ingestReport,
		ChunksFiltered: len(filtered.Removed),
		ChunksIndexed:  len(chunkMap),
		EmbedFailures:  len(failed),
		Duration:       time.Since(start),
	}
	logger.Info("Index build complete",
		"chunks", report.ChunksIndexed,
		"filtered", report.ChunksFiltered,
		"embed_failures", report.EmbedFailures,
		"duration", report.Duration,
	)
	return report, nil
}

// embedAll runs the embedding batch, logging progress every tenth of the
// corpus.
func (b *IndexBuilder) embedAll(ctx context.Context, chunks []*kb.Chunk, logger *slog.Logger) (map[string][]float32, map[string]error, error) {
	items := make([]embedding.BatchItem, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, embedding.BatchItem{ID: c.ID, Text: c.DenseText})
	}

	run := b.batcher.Run(ctx, items)
	logEvery := len(items) / 10
	if logEvery < 1 {
		logEvery = 1
	}
	for ev := range run.Events() {
		if ev.Err != nil {
			logger.Warn("Chunk embedding failed", "chunk_id", ev.ItemID, "error", ev.Err)
		} else if ev.Completed%logEvery == 0 {
			logger.Info("Embedding progress", "completed", ev.Completed, "total", ev.Total)
		}
	}

	vectors, failed, err := run.Result()
	if err != nil {
		return nil, nil, kberrors.IndexBuild("embedding batch aborted", err)
	}
	return vectors, failed, nil
}

func (b *IndexBuilder) recordBuild(status string, start time.Time) {
	if b.metrics == nil {
		return
	}
	b.metrics.IndexBuildsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		b.metrics.IndexBuildDuration.Observe(time.Since(start).Seconds())
	}
}
