// Package embeddings defines the Provider interface for text-embedding
// backends. voxbench embeds closed turns so session history can be searched
// by meaning rather than by exact words.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"math"
)

// Provider maps text to dense vectors.
//
// Every vector from one Provider has length Dimensions. Vectors from
// different models must not be compared.
type Provider interface {
	// Embed returns one vector per input text, in order. On error no vectors
	// are returned.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length, or 0 if it cannot be determined
	// without a request that failed.
	Dimensions() int

	// ModelID names the embedding model.
	ModelID() string
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Mismatched
// lengths and zero vectors give 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
