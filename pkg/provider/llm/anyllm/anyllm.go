// Package anyllm serves chat completions through
// github.com/mozilla-ai/any-llm-go, which fronts hosted APIs (Anthropic,
// Gemini, Mistral, Groq, DeepSeek, OpenAI) and local servers (Ollama,
// llama.cpp, llamafile) behind one interface.
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxbench/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

func adapt[P anyllmlib.Provider](newBackend func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		b, err := newBackend(opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

var factories = map[string]factory{
	"anthropic": adapt(anthropic.New),
	"deepseek":  adapt(deepseek.New),
	"gemini":    adapt(gemini.New),
	"groq":      adapt(groq.New),
	"llamacpp":  adapt(llamacpp.New),
	"llamafile": adapt(llamafile.New),
	"mistral":   adapt(mistral.New),
	"ollama":    adapt(ollama.New),
	"openai":    adapt(anyllmoai.New),
}

// Backends lists the backend names New accepts, sorted.
var Backends = func() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}()

// Provider streams completions from one any-llm backend and model.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New builds a provider for backend (one of [Backends]). Without an API key
// option, hosted backends read their usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	name := strings.ToLower(backend)
	mk, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", backend, strings.Join(Backends, ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// StreamCompletion implements llm.Provider. It waits for the backend's first
// chunk, so a request the backend refuses outright is returned as an error
// rather than as a FinishError chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	recv := func() (llm.Chunk, bool) {
		for c := range chunks {
			if len(c.Choices) > 0 {
				return llm.Chunk{Text: c.Choices[0].Delta.Content, FinishReason: c.Choices[0].FinishReason}, true
			}
		}
		return llm.Chunk{}, false
	}

	var first llm.Chunk
	var started bool
	select {
	case c, ok := <-chunks:
		if !ok {
			if err := <-errs; err != nil {
				return nil, fmt.Errorf("anyllm: %s: start stream: %w", p.name, err)
			}
			break
		}
		started = true
		if len(c.Choices) > 0 {
			first = llm.Chunk{Text: c.Choices[0].Delta.Content, FinishReason: c.Choices[0].FinishReason}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	pending := started
	next := func() (llm.Chunk, bool) {
		if pending {
			pending = false
			return first, true
		}
		if !started {
			return llm.Chunk{}, false
		}
		return recv()
	}
	fail := func() error {
		if !started {
			return nil
		}
		return <-errs
	}
	return llm.Stream(ctx, next, fail, nil), nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
