// Package openai provides an STT provider backed by the OpenAI
// transcription endpoint ("whisper-1", "gpt-4o-transcribe", ...).
//
// The endpoint is request/response, so sessions buffer the utterance and
// upload it as WAV on CloseSend.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/stt/batch"
)

const (
	defaultModel = "gpt-4o-mini-transcribe"

	// The endpoint rejects uploads above 25 MB; ten minutes of 16 kHz mono
	// stays well below that.
	maxUpload = 10 * time.Minute
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the transcription model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithBaseURL(url)) }
}

// Provider implements stt.Provider with POST /audio/transcriptions.
type Provider struct {
	client  oai.Client
	model   string
	reqOpts []option.RequestOption
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	p.client = oai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, p.reqOpts...)...)
	return p, nil
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("openai stt: sample rate must be set")
	}
	params := oai.AudioTranscriptionNewParams{
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if cfg.Language != "" {
		// The endpoint wants ISO-639-1, not a full BCP-47 tag.
		lang, _, _ := strings.Cut(cfg.Language, "-")
		params.Language = param.NewOpt(strings.ToLower(lang))
	}
	if len(cfg.Keywords) > 0 {
		params.Prompt = param.NewOpt(strings.Join(cfg.Keywords, ", "))
	}

	return batch.Start(ctx, batch.Config{
		Format:      audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		MaxDuration: maxUpload,
	}, func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
		req := params
		req.File = oai.File(bytes.NewReader(audio.WAV(pcm, f)), "audio.wav", "audio/wav")
		res, err := p.client.Audio.Transcriptions.New(ctx, req)
		if err != nil {
			return "", fmt.Errorf("openai stt: transcribe: %w", err)
		}
		return strings.TrimSpace(res.Text), nil
	}), nil
}
