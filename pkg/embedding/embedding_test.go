package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashProvider is a deterministic fake: each text maps to a stable vector.
type hashProvider struct {
	calls int
	fail  func(text string) error
}

func (p *hashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.calls++
	if p.fail != nil {
		if err := p.fail(text); err != nil {
			return nil, err
		}
	}
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r%13) + 1
	}
	return vec, nil
}

func (p *hashProvider) Dimensions() int { return 4 }

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine(nil, []float32{1}))
	assert.Zero(t, Cosine([]float32{1, 2}, []float32{1}))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestCachedProviderHitsCache(t *testing.T) {
	inner := &hashProvider{}
	p := NewCachedProvider(inner, NewLRUCache(nil))

	first, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	second, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	inner := &hashProvider{fail: func(string) error { return errors.New("down") }}
	p := NewCachedProvider(inner, NewLRUCache(nil))

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)

	inner.fail = nil
	_, err = p.Embed(context.Background(), "hello")
	assert.NoError(t, err)
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(&LRUCacheConfig{MaxItems: 2, TTL: time.Hour})
	c.Set("a", []float32{1})
	c.Set("b", []float32{2})

	// Touch a so b becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", []float32{3})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestLRUCacheTTL(t *testing.T) {
	c := NewLRUCache(&LRUCacheConfig{MaxItems: 10, TTL: time.Millisecond})
	c.Set("a", []float32{1})
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestBatcherProgressAndResult(t *testing.T) {
	b := NewBatcher(&hashProvider{}, nil)
	items := []BatchItem{{ID: "1", Text: "one"}, {ID: "2", Text: "two"}, {ID: "3", Text: "three"}}

	run := b.Run(context.Background(), items)

	var events []ProgressEvent
	for ev := range run.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, 3, events[2].Completed)
	assert.Equal(t, 3, events[2].Total)

	vectors, failed, err := run.Result()
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, vectors, 3)
}

func TestBatcherSkipsPerItemFailures(t *testing.T) {
	inner := &hashProvider{fail: func(text string) error {
		if text == "bad" {
			return errors.New("item error")
		}
		return nil
	}}
	b := NewBatcher(inner, nil)

	run := b.Run(context.Background(), []BatchItem{
		{ID: "1", Text: "ok"}, {ID: "2", Text: "bad"}, {ID: "3", Text: "also ok"},
	})
	vectors, failed, err := run.Result()
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	require.Len(t, failed, 1)
	assert.Error(t, failed["2"])
}

func TestBatcherAbortsOnConsecutiveFailures(t *testing.T) {
	inner := &hashProvider{fail: func(string) error { return errors.New("outage") }}
	b := NewBatcher(inner, &BatcherConfig{AbortAfterConsecutiveFailures: 3})

	items := make([]BatchItem, 10)
	for i := range items {
		items[i] = BatchItem{ID: fmt.Sprint(i), Text: "text"}
	}

	run := b.Run(context.Background(), items)
	vectors, failed, err := run.Result()
	require.Error(t, err)
	assert.Empty(t, vectors)
	assert.Len(t, failed, 3)
}

func TestBatcherContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := NewBatcher(&hashProvider{}, nil).Run(ctx, []BatchItem{{ID: "1", Text: "x"}})
	_, _, err := run.Result()
	assert.Error(t, err)
}
