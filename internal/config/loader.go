package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbench/pkg/voice"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "whisper-native", "openai"},
	"tts": {"elevenlabs", "openai", "coqui"},
	"s2s": {"openai-realtime", "gemini-live"},
	"vad": {"energy"},

	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset server fields and the session defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = DefaultMaxSessions
	}
	if cfg.Server.SetupTimeout == 0 {
		cfg.Server.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = voice.ModeCascade
	}
	if cfg.Session.Providers.VAD == "" && len(cfg.Providers.VAD) > 0 {
		cfg.Session.Providers.VAD = cfg.Providers.VAD[0].Key()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.IdleTimeout < 0 || cfg.Server.MaxSessionDuration < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider catalog: unique ids, known names, resolvable fallbacks.
	for kind, entries := range cfg.Providers.Kinds() {
		ids := make(map[string]int, len(entries))
		for i, e := range entries {
			prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
				continue
			}
			validateProviderName(kind, e.Name)
			if prev, ok := ids[e.Key()]; ok {
				errs = append(errs, fmt.Errorf("%s id %q is a duplicate of providers.%s[%d]", prefix, e.Key(), kind, prev))
			}
			ids[e.Key()] = i
		}
		for i, e := range entries {
			for _, fb := range e.Fallbacks {
				if _, ok := ids[fb]; !ok {
					errs = append(errs, fmt.Errorf("providers.%s[%d].fallbacks: unknown id %q", kind, i, fb))
				}
				if fb == e.Key() {
					errs = append(errs, fmt.Errorf("providers.%s[%d].fallbacks: entry lists itself", kind, i))
				}
			}
		}
	}

	// Session defaults must point into the catalog.
	s := cfg.Session
	if !s.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: cascade, realtime", s.Mode))
	}
	checkRef := func(field, kind, id string) {
		if id == "" {
			return
		}
		if !hasEntry(cfg.Providers.Kinds()[kind], id) {
			errs = append(errs, fmt.Errorf("session.%s %q is not in providers.%s", field, id, kind))
		}
	}
	checkRef("providers.stt", "stt", s.Providers.STT)
	checkRef("providers.llm", "llm", s.Providers.LLM)
	checkRef("providers.tts", "tts", s.Providers.TTS)
	checkRef("providers.s2s", "s2s", s.Providers.S2S)
	checkRef("providers.vad", "vad", s.Providers.VAD)
	checkRef("opener_llm", "llm", s.OpenerLLM)

	switch s.TurnDetection.Mode {
	case "", voice.TurnAuto, voice.TurnManual:
	default:
		errs = append(errs, fmt.Errorf("session.turn_detection.mode %q is invalid; valid values: auto, manual", s.TurnDetection.Mode))
	}
	if s.TurnDetection.Sensitivity < 0 || s.TurnDetection.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("session.turn_detection.sensitivity %.2f is out of range [0, 1]", s.TurnDetection.Sensitivity))
	}
	if s.Voice.Speed != 0 && (s.Voice.Speed < 0.5 || s.Voice.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed %.2f is out of range [0.5, 2.0]", s.Voice.Speed))
	}
	if s.History < 0 {
		errs = append(errs, fmt.Errorf("session.history %d must not be negative", s.History))
	}

	// Availability warnings
	if s.Mode == voice.ModeCascade && len(cfg.Providers.VAD) == 0 && s.TurnDetection.Mode != voice.TurnManual {
		slog.Warn("no VAD provider configured; cascade sessions need manual turn detection")
	}
	if len(cfg.Providers.LLM) == 0 && len(cfg.Providers.S2S) == 0 {
		slog.Warn("no LLM or S2S provider configured; sessions will not be able to respond")
	}
	if e := cfg.Store.Embeddings; e != nil {
		if e.Name == "" {
			errs = append(errs, errors.New("store.embeddings.name is required"))
		} else {
			validateProviderName("embeddings", e.Name)
		}
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; session history is kept in memory only")
	}

	return errors.Join(errs...)
}

func hasEntry(entries []ProviderEntry, id string) bool {
	return slices.ContainsFunc(entries, func(e ProviderEntry) bool { return e.Key() == id })
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
