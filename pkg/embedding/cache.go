package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Cache is the injectable embedding cache owned by the provider adapter.
// There is no ambient global cache; callers construct and inject one.
type Cache interface {
	Get(key string) ([]float32, bool)
	Set(key string, vec []float32)
	Len() int
}

// LRUCacheConfig bounds the in-memory cache.
type LRUCacheConfig struct {
	MaxItems int           `json:"max_items" yaml:"max_items"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultLRUCacheConfig returns the default cache bounds.
func DefaultLRUCacheConfig() *LRUCacheConfig {
	return &LRUCacheConfig{
		MaxItems: 10000,
		TTL:      time.Hour,
	}
}

type cacheEntry struct {
	key       string
	vec       []float32
	expiresAt time.Time
}

// LRUCache is a size- and TTL-bounded embedding cache with LRU eviction.
type LRUCache struct {
	config *LRUCacheConfig
	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List // front = most recently used

	hits   int64
	misses int64
}

// NewLRUCache creates a bounded cache.
func NewLRUCache(config *LRUCacheConfig) *LRUCache {
	if config == nil {
		config = DefaultLRUCacheConfig()
	}
	return &LRUCache{
		config: config,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

// Get returns the cached vector, honoring TTL.
func (c *LRUCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.config.TTL > 0 && time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.vec, true
}

// Set stores a vector, evicting the least recently used entry when full.
func (c *LRUCache) Set(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.vec = vec
		entry.expiresAt = time.Now().Add(c.config.TTL)
		c.order.MoveToFront(el)
		return
	}

	for c.config.MaxItems > 0 && len(c.items) >= c.config.MaxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{
		key:       key,
		vec:       vec,
		expiresAt: time.Now().Add(c.config.TTL),
	})
	c.items[key] = el
}

// Len returns the current item count.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate returns the cache hit ratio since construction.
func (c *LRUCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// CachedProvider wraps a Provider with an injected cache keyed by content
// hash. Vectors are normalized before caching.
type CachedProvider struct {
	provider Provider
	cache    Cache
	logger   *slog.Logger
}

// NewCachedProvider wraps provider with cache.
func NewCachedProvider(provider Provider, cache Cache) *CachedProvider {
	return &CachedProvider{
		provider: provider,
		cache:    cache,
		logger:   slog.Default().With("component", "embedding-cache"),
	}
}

// CacheKey derives the cache key for a text.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

// Embed implements Provider with cache lookup.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text)
	if vec, ok := p.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := p.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	vec = Normalize(vec)
	p.cache.Set(key, vec)
	return vec, nil
}

// Dimensions implements Provider.
func (p *CachedProvider) Dimensions() int { return p.provider.Dimensions() }
