// Package app wires the voxbench subsystems into a running server.
//
// The App owns the full lifecycle: New connects the session store and builds
// the provider catalog, Run serves HTTP and WebSocket sessions until its
// context ends, and Shutdown drains live sessions and tears everything down
// in order. Reload applies a changed config file to sessions opened after it.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbench/internal/catalog"
	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/internal/health"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/store/postgres"
	"github.com/MrWong99/voxbench/pkg/store/search"
)

// App owns all subsystem lifetimes of the voice server.
type App struct {
	reg     *config.Registry
	cfg     atomic.Pointer[config.Config]
	catalog atomic.Pointer[catalog.Catalog]

	store    store.Store
	search   *search.Store
	ping     func(context.Context) error
	metrics  *observe.Metrics
	health   *health.Handler
	sessions *SessionManager
	level    *slog.LevelVar
	promH    http.Handler

	server *http.Server

	// base bounds every session; it is cancelled when Shutdown gives up
	// waiting for sessions to drain.
	base       context.Context
	cancelBase context.CancelFunc

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metric instruments. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the level of the process logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler overrides the /metrics handler. Defaults to
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promH = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg supplies the provider factories the
// catalog builds from. Providers are constructed lazily, on the first session
// that selects them.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.promH == nil {
		a.promH = promhttp.Handler()
	}
	a.cfg.Store(cfg)
	a.catalog.Store(a.newCatalog(cfg))
	a.base, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.initStore(ctx); err != nil {
		a.cancelBase()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.sessions = NewSessionManager(cfg.Server.MaxSessions, a.metrics)
	a.health = health.New(a.checkers()...)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.base },
	}
	return a, nil
}

// initStore connects PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise. With store.embeddings set, the store is
// wrapped so that persisted turns are indexed for search.
func (a *App) initStore(ctx context.Context) error {
	sc := a.cfg.Load().Store
	var emb embeddings.Provider
	if sc.Embeddings != nil {
		var err error
		if emb, err = a.reg.CreateEmbeddings(*sc.Embeddings); err != nil {
			return fmt.Errorf("embeddings: %w", err)
		}
	}

	if a.store == nil {
		if sc.PostgresDSN == "" {
			slog.Info("session history kept in memory; set store.postgres_dsn to persist it")
			a.store = store.NewMemStore()
		} else {
			var opts []postgres.Option
			if emb != nil {
				dims := emb.Dimensions()
				if dims <= 0 {
					return fmt.Errorf("embeddings: cannot determine dimensions of %s; set options.dimensions", emb.ModelID())
				}
				opts = append(opts, postgres.WithEmbeddingDimensions(dims))
			}
			pg, err := postgres.NewStore(ctx, sc.PostgresDSN, opts...)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
		}
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		a.ping = p.Ping
	}

	if emb != nil {
		s, err := search.New(a.store, emb)
		if err != nil {
			return err
		}
		a.search = s
		a.store = s
		slog.Info("turn search enabled", "model", emb.ModelID())
	}
	return nil
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "capacity",
		Check: func(context.Context) error {
			if n, limit := a.sessions.Count(), a.sessions.Limit(); n >= limit {
				return fmt.Errorf("%d of %d sessions in use", n, limit)
			}
			return nil
		},
	}}
	if a.ping != nil {
		cs = append(cs, health.Checker{Name: "store", Check: a.ping})
	}
	return cs
}

func (a *App) newCatalog(cfg *config.Config) *catalog.Catalog {
	return catalog.New(a.reg, cfg.Providers, catalog.WithLogger(slog.Default()))
}

// Sessions returns the live session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the config new sessions are opened with.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. It does not
// drain sessions; call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errc <- err
	}()
	slog.Info("listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting sessions, ends the live ones and releases
// resources. Sessions still running when ctx expires are cancelled.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetDraining()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.sessions.CloseAll(ctx); err != nil {
			slog.Warn("sessions did not drain in time, cancelling", "live", a.sessions.Count(), "err", err)
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
		a.cancelBase()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies new to sessions opened from now on. Live sessions keep the
// configuration and providers they were opened with. Fields that need a
// restart are logged and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MaxSessionsChanged {
		a.sessions.SetLimit(d.NewMaxSessions)
		slog.Info("session limit changed", "max_sessions", d.NewMaxSessions)
	}
	if d.ProvidersChanged() {
		for _, pc := range d.ProviderChanges {
			slog.Info("provider catalog changed", "kind", pc.Kind, "id", pc.ID, "added", pc.Added, "removed", pc.Removed)
		}
		a.catalog.Store(a.newCatalog(new))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
	a.cfg.Store(new)
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
