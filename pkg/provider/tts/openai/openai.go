// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Each text fragment becomes one speech request; responses are requested as
// raw 24 kHz PCM and streamed to the caller as the body arrives, so the first
// sentence plays while later ones are still being synthesised.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

const (
	// SampleRate is the fixed rate of the API's "pcm" response format.
	SampleRate = 24000

	defaultModel = "gpt-4o-mini-tts"

	// 100 ms of 16-bit mono audio at 24 kHz.
	readChunk = 4800
)

var _ tts.Provider = (*Provider)(nil)

// builtinVoices are the voices the speech endpoint accepts.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the speech model (e.g., "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithBaseURL(url)) }
}

// Provider implements tts.Provider with POST /audio/speech.
type Provider struct {
	client  oai.Client
	model   string
	reqOpts []option.RequestOption
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, p.reqOpts...)...)
	return p, nil
}

// SynthesizeStream implements tts.Provider. Fragments are synthesised in
// order, one request at a time.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 64)
	stream := tts.NewStream(audioCh, SampleRate)

	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if err := p.speak(ctx, fragment, voice, audioCh); err != nil {
					if ctx.Err() == nil {
						stream.SetStreamErr(err)
					}
					// Drain so the producer never blocks on a dead stream.
					go func() {
						for range text {
						}
					}()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (p *Provider) speak(ctx context.Context, input string, voice tts.VoiceProfile, out chan<- []byte) error {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          input,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = param.NewOpt(voice.Speed)
	}
	if voice.Style != "" {
		params.Instructions = param.NewOpt(voice.Style)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	// Chunks stay sample aligned; an odd trailing byte is carried over.
	var carry []byte
	buf := make([]byte, readChunk)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			chunk := make([]byte, even)
			copy(chunk, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(chunk) > 0 {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai tts: read audio: %w", err)
		}
	}
}

// ListVoices returns the built-in voices. The API has no listing endpoint.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, tts.VoiceProfile{ID: v, Name: v, Provider: "openai"})
	}
	return out, nil
}
