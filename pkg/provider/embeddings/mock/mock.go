// Package mock provides a test double for embeddings.Provider.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider returns canned vectors. Texts missing from Vectors embed to
// Fallback, or to a zero vector of length Dims when Fallback is nil.
type Provider struct {
	Vectors  map[string][]float32
	Fallback []float32
	Dims     int
	Model    string

	// Err, when set, fails every Embed call.
	Err error

	mu    sync.Mutex
	calls [][]string
}

// Embed records texts and returns the canned vectors.
func (p *Provider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, slices.Clone(texts))
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch v, ok := p.Vectors[t]; {
		case ok:
			out[i] = slices.Clone(v)
		case p.Fallback != nil:
			out[i] = slices.Clone(p.Fallback)
		default:
			out[i] = make([]float32, p.Dims)
		}
	}
	return out, nil
}

// Dimensions returns Dims.
func (p *Provider) Dimensions() int { return p.Dims }

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// Calls returns the texts of every Embed call in order.
func (p *Provider) Calls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
