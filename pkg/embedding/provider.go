// Package embedding defines the contract the retrieval core requires from an
// embedding provider, plus the injectable cache and batch helpers around it.
// The provider is treated as an opaque capability: a failure for a single
// item degrades (skip, log) rather than aborting ingest.
package embedding

import (
	"context"
	"math"
)

// Provider produces dense vectors for text. Implementations must be
// deterministic for a given model and are expected to return L2-normalized
// vectors; Normalize guards against providers that do not.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector dimensionality of the model.
	Dimensions() int
}

// BatchProvider is the optional batch variant of Provider.
type BatchProvider interface {
	Provider

	// EmbedBatch returns one vector per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	Fn  func(ctx context.Context, text string) ([]float32, error)
	Dim int
}

// Embed implements Provider.
func (p ProviderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.Fn(ctx, text)
}

// Dimensions implements Provider.
func (p ProviderFunc) Dimensions() int { return p.Dim }

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or zero-length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Normalize L2-normalizes the vector in place and returns it. A zero vector
// is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
