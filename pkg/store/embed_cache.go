package store

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"time"
)

// KVEmbeddingCache adapts a KV store to the embedding.Cache interface, so
// cached vectors survive process restarts. Vectors are stored as little-endian
// float32 runs under a dedicated key prefix.
type KVEmbeddingCache struct {
	kv      KV
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewKVEmbeddingCache creates a cache over kv. ttl bounds entry lifetime;
// zero keeps entries until evicted by the backend.
func NewKVEmbeddingCache(kv KV, ttl time.Duration) *KVEmbeddingCache {
	return &KVEmbeddingCache{
		kv:      kv,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  slog.Default().With("component", "embedding-kv-cache"),
	}
}

func (c *KVEmbeddingCache) key(k string) string { return "emb:" + k }

// Get retrieves a cached vector. Backend failures read as misses.
func (c *KVEmbeddingCache) Get(key string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.kv.Get(ctx, c.key(key))
	if err != nil {
		if err != ErrNotFound {
			c.logger.Warn("Embedding cache read failed", "error", err)
		}
		return nil, false
	}
	vec, ok := decodeVector(data)
	return vec, ok
}

// Set stores a vector. Backend failures are logged and dropped so a cache
// outage cannot fail the surrounding embed call.
func (c *KVEmbeddingCache) Set(key string, vec []float32) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.kv.Set(ctx, c.key(key), encodeVector(vec), c.ttl); err != nil {
		c.logger.Warn("Embedding cache write failed", "error", err)
	}
}

// Len is unsupported on the KV backend and reports zero.
func (c *KVEmbeddingCache) Len() int { return 0 }

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeVector(data []byte) ([]float32, bool) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, true
}
