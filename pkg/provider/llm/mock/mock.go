// Package mock provides a test double for the llm.Provider interface.
//
// Provider streams StreamChunks, optionally pausing ChunkDelay between chunks
// so tests can interrupt a reply mid-generation.
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hi there."}, {FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted on every stream, in order.
	StreamChunks []llm.Chunk

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned instead of starting a stream.
	StreamErr error

	// StreamCalls records every invocation in order.
	StreamCalls []StreamCall

	// Cancelled counts streams that stopped because ctx was cancelled.
	Cancelled int
}

// StreamCompletion records the call and streams StreamChunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := slices.Clone(p.StreamChunks)
	delay := p.ChunkDelay
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					p.markCancelled()
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				p.markCancelled()
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	p.Cancelled++
	p.mu.Unlock()
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}

// CancelledCount returns the number of cancelled streams. Thread-safe.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

var _ llm.Provider = (*Provider)(nil)
