package main

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
	ollamaemb "github.com/MrWong99/voxbench/pkg/provider/embeddings/ollama"
	oaiemb "github.com/MrWong99/voxbench/pkg/provider/embeddings/openai"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	"github.com/MrWong99/voxbench/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voxbench/pkg/provider/llm/openai"
	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxbench/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voxbench/pkg/provider/s2s/openai"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/voxbench/pkg/provider/stt/openai"
	"github.com/MrWong99/voxbench/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/MrWong99/voxbench/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxbench/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/voxbench/pkg/provider/tts/openai"
	"github.com/MrWong99/voxbench/pkg/provider/vad"
	"github.com/MrWong99/voxbench/pkg/provider/vad/energy"
)

// optionalProviders register implementations compiled in by build tags.
var optionalProviders []func(*config.Registry)

// registerBuiltinProviders wires every shipped provider implementation into
// reg. Factories turn a catalog entry into a provider; construction errors
// surface when a session first selects the entry.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		if org := optString(e.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if n, ok := optInt(e.Options, "max_retries"); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(e.APIKey, e.Model, opts...)
	})

	// Every other backend goes through any-llm. Local servers (ollama,
	// llamacpp, llamafile) take BaseURL and no key.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms, ok := optInt(e.Options, "max_buffer_ms"); ok {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if e.Model != "" {
			opts = append(opts, oaistt.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(e.BaseURL))
		}
		return oaistt.New(e.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := optString(e.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if e.Model != "" {
			opts = append(opts, oaitts.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(e.BaseURL))
		}
		return oaitts.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(e.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate, ok := optInt(e.Options, "sample_rate"); ok {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if e.Model != "" {
			opts = append(opts, oais2s.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(e.BaseURL))
		}
		if m := optString(e.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(e.APIKey, opts...)
	})

	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if e.Model != "" {
			opts = append(opts, geminilive.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(e.BaseURL))
		}
		return geminilive.New(e.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaiemb.Option
		if e.BaseURL != "" {
			opts = append(opts, oaiemb.WithBaseURL(e.BaseURL))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, oaiemb.WithTimeout(d))
		}
		if n, ok := optInt(e.Options, "dimensions"); ok {
			opts = append(opts, oaiemb.WithDimensions(n))
		}
		return oaiemb.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaemb.Option
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaemb.WithTimeout(d))
		}
		if n, ok := optInt(e.Options, "dimensions"); ok {
			opts = append(opts, ollamaemb.WithDimensions(n))
		}
		return ollamaemb.New(e.BaseURL, e.Model, opts...)
	})

	for _, register := range optionalProviders {
		register(reg)
	}

	for kind, names := range reg.Registered() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optDuration parses a Go duration string such as "15s". Malformed values
// are logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring provider option", "key", key, "err", fmt.Errorf("parse duration %q: %w", s, err))
		return 0
	}
	return d
}
