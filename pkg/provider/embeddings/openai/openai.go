// Package openai provides an embeddings provider backed by the OpenAI API or
// any server exposing the same /v1/embeddings endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
)

// DefaultModel is used when New receives an empty model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

type options struct {
	baseURL    string
	timeout    time.Duration
	dimensions int
}

// Option configures a Provider.
type Option func(*options)

// WithBaseURL points the provider at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions requests shortened vectors from text-embedding-3 models and
// overrides the built-in dimension table.
func WithDimensions(n int) Option {
	return func(o *options) { o.dimensions = n }
}

// New returns a Provider. model defaults to DefaultModel.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	if o.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	}

	p := &Provider{client: oai.NewClient(reqOpts...), model: model, dimensions: o.dimensions}
	if p.dimensions == 0 {
		p.dimensions = modelDimensions(model)
	}
	return p, nil
}

// Embed implements embeddings.Provider with a single batched request.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.dimensions > 0 && strings.Contains(p.model, "text-embedding-3") {
		params.Dimensions = oai.Int(int64(p.dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: vector index %d out of range", e.Index)
		}
		v := make([]float32, len(e.Embedding))
		for i, x := range e.Embedding {
			v[i] = float32(x)
		}
		out[e.Index] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func modelDimensions(model string) int {
	switch m := strings.ToLower(model); {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	default:
		// text-embedding-3-small and ada-002.
		return 1536
	}
}
