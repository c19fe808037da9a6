// Command voxbench is the real-time voice interaction server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/MrWong99/voxbench/internal/app"
	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address; overrides server.listen_addr")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables hot reload")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbench: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbench: %v\n", err)
		}
		return 1
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxbench starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(ctx, observe.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	if err := checkCatalog(cfg, reg); err != nil {
		slog.Error("invalid provider catalog", "err", err)
		return 1
	}
	logCatalog(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, application.Reload,
			config.WithInterval(*watch),
			config.WithCheck(func(c *config.Config) error {
				if *addr != "" {
					c.Server.ListenAddr = *addr
				}
				return checkCatalog(c, reg)
			}),
		)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down", "live_sessions", application.Sessions().Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.Config().Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// checkCatalog verifies that every catalog entry names a registered
// implementation. Entries are only constructed when a session selects them,
// so this catches typos at startup instead of at the first setup.
func checkCatalog(cfg *config.Config, reg *config.Registry) error {
	registered := reg.Registered()
	var errs []error
	for kind, entries := range cfg.Providers.Kinds() {
		for _, e := range entries {
			if !slices.Contains(registered[kind], e.Name) {
				errs = append(errs, fmt.Errorf("%s %q: %w: %q", kind, e.Key(), config.ErrProviderNotRegistered, e.Name))
			}
		}
	}
	if e := cfg.Store.Embeddings; e != nil && !slices.Contains(registered["embeddings"], e.Name) {
		errs = append(errs, fmt.Errorf("store embeddings: %w: %q", config.ErrProviderNotRegistered, e.Name))
	}
	return errors.Join(errs...)
}

func logCatalog(cfg *config.Config) {
	for kind, entries := range cfg.Providers.Kinds() {
		for _, e := range entries {
			slog.Info("catalog entry", "kind", kind, "id", e.Key(), "impl", e.Name, "model", e.Model, "fallbacks", e.Fallbacks)
		}
	}
	d := cfg.Session
	slog.Info("session defaults", "mode", d.Mode, "stt", d.Providers.STT, "llm", d.Providers.LLM,
		"tts", d.Providers.TTS, "s2s", d.Providers.S2S, "vad", d.Providers.VAD, "max_sessions", cfg.Server.MaxSessions)
}
