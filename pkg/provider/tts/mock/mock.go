// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments reach the TTS backend.
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{pcm1, pcm2},
//	    SampleRate:       24000,
//	}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is emitted once the first text fragment arrives.
	SynthesizeChunks [][]byte

	// ChunkDelay is slept before each chunk.
	ChunkDelay time.Duration

	// SampleRate is reported on the returned stream. Defaults to 16000.
	SampleRate int

	// SynthesizeErr, if non-nil, is returned instead of starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, is set on the stream after the chunks.
	StreamErr error

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	// --- Call records ---

	SynthesizeStreamCalls []SynthesizeStreamCall

	// Texts collects every fragment received, across all calls.
	Texts []string
}

// SynthesizeStream records the call and, once the first fragment arrives,
// emits SynthesizeChunks. The text channel is drained until closed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := slices.Clone(p.SynthesizeChunks)
	delay, rate, streamErr := p.ChunkDelay, p.SampleRate, p.StreamErr
	p.mu.Unlock()
	if rate == 0 {
		rate = 16000
	}

	ch := make(chan []byte, len(chunks))
	stream := tts.NewStream(ch, rate)

	first := make(chan struct{})
	textDone := make(chan struct{})
	go func() {
		defer close(textDone)
		var once sync.Once
		for t := range text {
			p.mu.Lock()
			p.Texts = append(p.Texts, t)
			p.mu.Unlock()
			once.Do(func() { close(first) })
		}
		once.Do(func() { close(first) })
	}()

	go func() {
		defer close(ch)
		select {
		case <-first:
		case <-ctx.Done():
			return
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-textDone:
		case <-ctx.Done():
			return
		}
		if streamErr != nil {
			stream.SetStreamErr(streamErr)
		}
	}()
	return stream, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded SynthesizeStream calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.SynthesizeStreamCalls)
}

// ReceivedText returns every fragment received so far. Thread-safe.
func (p *Provider) ReceivedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Texts)
}

var _ tts.Provider = (*Provider)(nil)
