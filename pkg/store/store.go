// Package store provides the persistence surfaces of the retrieval core: a
// small KV store for index state and cached artifacts (Redis or in-memory),
// and a vector store for dense search (Weaviate or in-memory).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal key-value surface the pipeline needs for index state
// tracking and durable artifact caching.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// IndexState records what the serving snapshot was built from. The index
// builder compares it against the current corpus to decide whether a
// rebuild is needed.
type IndexState struct {
	BuildID       string    `json:"build_id"`
	SchemaVersion int       `json:"schema_version"`
	CorpusHash    string    `json:"corpus_hash"`
	ChunkCount    int       `json:"chunk_count"`
	BuiltAt       time.Time `json:"built_at"`
}

// IndexStateKey is the KV key the builder persists state under.
const IndexStateKey = "kbrag:index:state"
