// Package catalog resolves the provider IDs a session selects into live
// provider instances.
//
// Entries come from the providers section of the config file and are built
// through a [config.Registry]. Built providers are cached and shared by every
// session using the same ID, so their circuit breakers see all traffic. An
// entry with fallbacks is wrapped in the matching resilience failover type.
//
// A Catalog is immutable apart from its cache; a config reload builds a new
// one and live sessions keep the providers they were opened with.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/internal/resilience"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/MrWong99/voxbench/pkg/provider/vad"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrUnknownProvider is returned when an ID is not in the catalog.
var ErrUnknownProvider = errors.New("catalog: unknown provider")

// Kinds of catalog entries.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
	KindS2S = "s2s"
	KindVAD = "vad"
)

// Option configures a [Catalog].
type Option func(*Catalog)

// WithBreaker sets the circuit breaker tuning used for entries with
// fallbacks.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Catalog) { c.breaker = cfg }
}

// WithLogger sets the logger for failover and breaker messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

// Catalog builds providers by ID. It is safe for concurrent use.
type Catalog struct {
	reg     *config.Registry
	entries map[string][]config.ProviderEntry
	breaker resilience.CircuitBreakerConfig
	log     *slog.Logger

	mu    sync.Mutex
	built map[string]any
}

// New creates a Catalog over the given entries.
func New(reg *config.Registry, providers config.ProvidersConfig, opts ...Option) *Catalog {
	c := &Catalog{
		reg:     reg,
		entries: providers.Kinds(),
		log:     slog.Default(),
		built:   make(map[string]any),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve returns the catalog entry with the given ID.
func (c *Catalog) Resolve(kind, id string) (config.ProviderEntry, error) {
	i := slices.IndexFunc(c.entries[kind], func(e config.ProviderEntry) bool { return e.Key() == id })
	if i < 0 {
		return config.ProviderEntry{}, voice.Wrap(voice.KindConfig, "catalog.resolve",
			fmt.Errorf("%w: %s %q%s", ErrUnknownProvider, kind, id, didYouMean(id, c.IDs(kind))))
	}
	return c.entries[kind][i], nil
}

// IDs returns the catalog IDs of one kind in configuration order.
func (c *Catalog) IDs(kind string) []string {
	out := make([]string, 0, len(c.entries[kind]))
	for _, e := range c.entries[kind] {
		out = append(out, e.Key())
	}
	return out
}

// ── Builders ────────────────────────────────────────────────────────────────

// STT returns the STT provider for id, wrapped for failover if the entry has
// fallbacks.
func (c *Catalog) STT(id string) (stt.Provider, error) {
	return build(c, KindSTT, id, c.reg.CreateSTT, func(p stt.Provider, e config.ProviderEntry, fbs []fallback[stt.Provider]) (stt.Provider, error) {
		f := resilience.NewSTTFallback(p, e.Key(), c.fallbackConfig())
		for _, fb := range fbs {
			f.AddFallback(fb.id, fb.p)
		}
		return f, nil
	})
}

// LLM returns the LLM provider for id.
func (c *Catalog) LLM(id string) (llm.Provider, error) {
	return build(c, KindLLM, id, c.reg.CreateLLM, func(p llm.Provider, e config.ProviderEntry, fbs []fallback[llm.Provider]) (llm.Provider, error) {
		f := resilience.NewLLMFallback(p, e.Key(), c.fallbackConfig())
		for _, fb := range fbs {
			f.AddFallback(fb.id, fb.p)
		}
		return f, nil
	})
}

// TTS returns the TTS provider for id.
func (c *Catalog) TTS(id string) (tts.Provider, error) {
	return build(c, KindTTS, id, c.reg.CreateTTS, func(p tts.Provider, e config.ProviderEntry, fbs []fallback[tts.Provider]) (tts.Provider, error) {
		f := resilience.NewTTSFallback(p, e.Key(), c.fallbackConfig())
		for _, fb := range fbs {
			f.AddFallback(fb.id, fb.p)
		}
		return f, nil
	})
}

// S2S returns the S2S provider for id. Fallbacks whose capabilities differ
// from the primary's are a configuration error.
func (c *Catalog) S2S(id string) (s2s.Provider, error) {
	return build(c, KindS2S, id, c.reg.CreateS2S, func(p s2s.Provider, e config.ProviderEntry, fbs []fallback[s2s.Provider]) (s2s.Provider, error) {
		f := resilience.NewS2SFallback(p, e.Key(), c.fallbackConfig())
		for _, fb := range fbs {
			if err := f.AddFallback(fb.id, fb.p); err != nil {
				return nil, err
			}
		}
		return f, nil
	})
}

// VAD returns the VAD engine for id. VAD runs locally and has no failover.
func (c *Catalog) VAD(id string) (vad.Engine, error) {
	return build(c, KindVAD, id, c.reg.CreateVAD, nil)
}

type fallback[T any] struct {
	id string
	p  T
}

// build creates (or returns the cached) provider for kind/id. When the entry
// lists fallbacks and wrap is non-nil, each fallback is built without its own
// fallbacks and wrap chains them behind the primary.
func build[T any](
	c *Catalog,
	kind, id string,
	create func(config.ProviderEntry) (T, error),
	wrap func(T, config.ProviderEntry, []fallback[T]) (T, error),
) (T, error) {
	var zero T
	key := kind + "/" + id

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.built[key]; ok {
		return p.(T), nil
	}

	entry, err := c.Resolve(kind, id)
	if err != nil {
		return zero, err
	}
	p, err := construct(kind, entry, create)
	if err != nil {
		return zero, err
	}
	if len(entry.Fallbacks) > 0 && wrap != nil {
		fbs := make([]fallback[T], 0, len(entry.Fallbacks))
		for _, fid := range entry.Fallbacks {
			fe, err := c.Resolve(kind, fid)
			if err != nil {
				return zero, err
			}
			fp, err := construct(kind, fe, create)
			if err != nil {
				return zero, err
			}
			fbs = append(fbs, fallback[T]{id: fid, p: fp})
		}
		if p, err = wrap(p, entry, fbs); err != nil {
			return zero, voice.Wrap(voice.KindConfig, "catalog.build", fmt.Errorf("%s %q: %w", kind, id, err))
		}
	}
	c.built[key] = p
	return p, nil
}

// construct runs one factory. Factories reject bad entries (missing key,
// unsupported option), so their errors are configuration errors.
func construct[T any](kind string, e config.ProviderEntry, create func(config.ProviderEntry) (T, error)) (T, error) {
	p, err := create(e)
	if err != nil {
		var zero T
		return zero, voice.Wrap(voice.KindConfig, "catalog.build", fmt.Errorf("%s %q: %w", kind, e.Key(), err))
	}
	return p, nil
}

func (c *Catalog) fallbackConfig() resilience.FallbackConfig {
	cb := c.breaker
	cb.Logger = c.log
	cb.OnStateChange = func(name string, from, to resilience.State) {
		c.log.Info("provider circuit changed", "provider", name, "from", from, "to", to)
	}
	return resilience.FallbackConfig{CircuitBreaker: cb, Logger: c.log}
}

// ── Voices ──────────────────────────────────────────────────────────────────

// ListVoices returns the voices of a TTS or S2S entry. S2S voices come from
// the provider's static capabilities.
func (c *Catalog) ListVoices(ctx context.Context, kind, id string) ([]tts.VoiceProfile, error) {
	switch kind {
	case KindTTS:
		p, err := c.TTS(id)
		if err != nil {
			return nil, err
		}
		voices, err := p.ListVoices(ctx)
		if err != nil {
			return nil, fmt.Errorf("catalog: list voices of %q: %w", id, err)
		}
		return voices, nil
	case KindS2S:
		p, err := c.S2S(id)
		if err != nil {
			return nil, err
		}
		return p.Capabilities().Voices, nil
	default:
		return nil, voice.Errorf(voice.KindConfig, "catalog.voices", "%s providers have no voices", kind)
	}
}

// CheckVoice verifies that the voice a session selects exists on its speaking
// provider. A provider that cannot list voices, or lists none, accepts any
// voice ID; listing failures are logged, not returned.
func (c *Catalog) CheckVoice(ctx context.Context, cfg voice.Config) error {
	if cfg.Voice.ID == "" {
		return nil
	}
	kind, id := KindTTS, cfg.Providers.TTS
	if cfg.Mode == voice.ModeRealtime {
		kind, id = KindS2S, cfg.Providers.S2S
	}
	voices, err := c.ListVoices(ctx, kind, id)
	if err != nil {
		if voice.KindOf(err) == voice.KindConfig {
			return err
		}
		c.log.Warn("catalog: cannot list voices, accepting voice unchecked", "provider", id, "voice", cfg.Voice.ID, "err", err)
		return nil
	}
	if len(voices) == 0 || slices.ContainsFunc(voices, func(v tts.VoiceProfile) bool { return v.ID == cfg.Voice.ID }) {
		return nil
	}
	names := make([]string, 0, len(voices))
	for _, v := range voices {
		names = append(names, v.ID)
	}
	return voice.Errorf(voice.KindConfig, "catalog.voices", "voice %q not offered by %s %q%s",
		cfg.Voice.ID, kind, id, didYouMean(cfg.Voice.ID, names))
}
