//go:build whispercpp

// The native provider links whisper.cpp through its CGO bindings. Build with
// -tags whispercpp and make libwhisper.a and whisper.h reachable through
// LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/stt/batch"
)

// whisper.cpp only accepts 16 kHz mono float samples.
var nativeFormat = audio.Format{SampleRate: 16000, Channels: 1}

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in process. The model is loaded once and
// shared; each submission gets its own inference context.
type NativeProvider struct {
	model               whisperlib.Model
	language            string
	maxBufferDurationMs int
}

// NativeOption configures a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeMaxBufferDurationMs caps buffered audio before an early
// submission. Defaults to 30 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative loads the ggml model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	return p.model.Close()
}

// StartStream opens a batch session whose submissions run through the
// in-process model.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: max(cfg.Channels, 1)}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	prompt := strings.Join(cfg.Keywords, ", ")

	return batch.Start(ctx, batch.Config{
		Format:      format,
		MaxDuration: time.Duration(p.maxBufferDurationMs) * time.Millisecond,
	}, func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
		return p.infer(ctx, lang, prompt, pcm, f)
	}), nil
}

func (p *NativeProvider) infer(ctx context.Context, lang, prompt string, pcm []byte, f audio.Format) (string, error) {
	samples := toFloat32(audio.Convert(pcm, f, nativeFormat))

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language not supported, using model default", "language", lang, "err", err)
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}

	// Process is not interruptible; a cancelled turn discards the result.
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// toFloat32 scales PCM16 samples to [-1, 1).
func toFloat32(pcm []byte) []float32 {
	in := audio.Samples(pcm)
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}
