package embedding

import (
	"context"
	"log/slog"

	kberrors "github.com/wangchai/kbrag/pkg/errors"
)

// BatchItem is one text to embed, keyed by the caller's id (chunk id).
type BatchItem struct {
	ID   string
	Text string
}

// ProgressEvent is one step of a batch embedding run. Events are emitted on
// a synchronous stream the caller consumes; the channel closes when the run
// finishes so ranging over Events drives the batch to completion.
type ProgressEvent struct {
	Completed int
	Total     int
	ItemID    string
	Err       error
}

// BatchRun is an in-flight batch embedding. Consume Events, then call
// Result.
type BatchRun struct {
	events  chan ProgressEvent
	done    chan struct{}
	vectors map[string][]float32
	failed  map[string]error
	err     error
}

// Events returns the progress stream. The channel is closed when done.
func (r *BatchRun) Events() <-chan ProgressEvent { return r.events }

// Result blocks until the run finishes and returns the vectors keyed by item
// id, the per-item failures that were skipped, and the systemic error if the
// run aborted.
func (r *BatchRun) Result() (map[string][]float32, map[string]error, error) {
	for range r.events {
		// Drain in case the caller did not consume progress.
	}
	<-r.done
	return r.vectors, r.failed, r.err
}

// BatcherConfig bounds a batch run.
type BatcherConfig struct {
	// AbortAfterConsecutiveFailures distinguishes a systemic provider outage
	// from per-item failures. Per-item failures skip the item; hitting this
	// run of consecutive failures aborts the batch.
	AbortAfterConsecutiveFailures int `json:"abort_after_consecutive_failures" yaml:"abort_after_consecutive_failures"`
}

// DefaultBatcherConfig returns the default batch bounds.
func DefaultBatcherConfig() *BatcherConfig {
	return &BatcherConfig{AbortAfterConsecutiveFailures: 5}
}

// Batcher runs batch embedding with progress reporting.
type Batcher struct {
	provider Provider
	config   *BatcherConfig
	logger   *slog.Logger
}

// NewBatcher creates a batcher over the provider.
func NewBatcher(provider Provider, config *BatcherConfig) *Batcher {
	if config == nil {
		config = DefaultBatcherConfig()
	}
	return &Batcher{
		provider: provider,
		config:   config,
		logger:   slog.Default().With("component", "embedding-batcher"),
	}
}

// Run embeds all items sequentially, emitting one ProgressEvent per item.
// A per-item provider error skips that item and continues; a run of
// consecutive failures aborts with an embedding error.
func (b *Batcher) Run(ctx context.Context, items []BatchItem) *BatchRun {
	run := &BatchRun{
		events:  make(chan ProgressEvent, len(items)),
		done:    make(chan struct{}),
		vectors: make(map[string][]float32, len(items)),
		failed:  make(map[string]error),
	}

	go func() {
		defer close(run.events)
		defer close(run.done)

		consecutive := 0
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				run.err = kberrors.Wrap(kberrors.TypeEmbedding, "batch", "batch cancelled", err)
				return
			}

			vec, err := b.provider.Embed(ctx, item.Text)
			if err != nil {
				consecutive++
				run.failed[item.ID] = err
				b.logger.Warn("Embedding failed for item, skipping",
					"item_id", item.ID,
					"error", err,
					"consecutive_failures", consecutive,
				)
				run.events <- ProgressEvent{Completed: i + 1, Total: len(items), ItemID: item.ID, Err: err}

				if consecutive >= b.config.AbortAfterConsecutiveFailures {
					run.err = kberrors.EmbeddingFailure(item.ID, err).
						WithMetadata("consecutive_failures", consecutive)
					b.logger.Error("Systemic embedding failure, aborting batch",
						"consecutive_failures", consecutive,
						"completed", i+1,
						"total", len(items),
					)
					return
				}
				continue
			}

			consecutive = 0
			run.vectors[item.ID] = Normalize(vec)
			run.events <- ProgressEvent{Completed: i + 1, Total: len(items), ItemID: item.ID}
		}
	}()

	return run
}
