// Package ollama provides an embeddings provider backed by a local Ollama
// server, using models such as nomic-embed-text or mxbai-embed-large.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vecs, err := p.Embed(ctx, []string{"search_document: hello"})
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
)

// DefaultBaseURL is the address of a locally running Ollama.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider on Ollama's /api/embed.
//
// The vector length comes from WithDimensions, then a table of well-known
// models, and otherwise from a one-time probe request.
type Provider struct {
	client *api.Client
	model  string

	mu   sync.Mutex
	dims int
}

type options struct {
	timeout time.Duration
	dims    int
}

// Option configures a Provider.
type Option func(*options)

// WithTimeout sets the per-request HTTP timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions fixes the vector length and skips the probe.
func WithDimensions(n int) Option {
	return func(o *options) { o.dims = n }
}

// New returns a Provider for model on the server at baseURL. An empty baseURL
// means DefaultBaseURL.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: parse base url: %w", err)
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	p := &Provider{
		client: api.NewClient(u, &http.Client{Timeout: o.timeout}),
		model:  model,
		dims:   o.dims,
	}
	if p.dims == 0 {
		p.dims = knownDimensions(model)
	}
	return p, nil
}

// Embed implements embeddings.Provider with one /api/embed request.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// Dimensions implements embeddings.Provider. For unknown models the first
// call probes the server; a failed probe returns 0 and is retried next time.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dims != 0 {
		return p.dims
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	vecs, err := p.Embed(ctx, []string{"probe"})
	if err != nil {
		return 0
	}
	p.dims = len(vecs[0])
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func knownDimensions(model string) int {
	switch m := strings.ToLower(model); {
	case strings.Contains(m, "nomic-embed-text"):
		return 768
	case strings.Contains(m, "mxbai-embed-large"):
		return 1024
	case strings.Contains(m, "all-minilm"):
		return 384
	default:
		return 0
	}
}
