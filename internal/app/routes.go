package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxbench/internal/catalog"
	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/internal/engine/cascade"
	s2sengine "github.com/MrWong99/voxbench/internal/engine/s2s"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/internal/orchestrator"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// SessionPath is the WebSocket endpoint clients open sessions on.
const SessionPath = "/v1/session"

// Handler returns the server's HTTP handler.
//
//	GET    /v1/session                      WebSocket voice session
//	GET    /api/sessions                    session history (mode, status, after, before, limit)
//	GET    /api/sessions/{id}               one session with turns and latency
//	DELETE /api/sessions/{id}               delete a finished session
//	GET    /api/search                      semantic turn search (q plus the history filters)
//	GET    /api/live                        live sessions
//	POST   /api/live/{id}/close             end a live session
//	GET    /api/providers                   catalog ids per kind
//	GET    /api/providers/{kind}/{id}/voices
//	GET    /metrics, /healthz, /readyz
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SessionPath, a.handleSession)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.deleteSession)
	mux.HandleFunc("GET /api/search", a.searchTurns)
	mux.HandleFunc("GET /api/live", a.listLive)
	mux.HandleFunc("POST /api/live/{id}/close", a.closeLive)
	mux.HandleFunc("GET /api/providers", a.listProviders)
	mux.HandleFunc("GET /api/providers/{kind}/{id}/voices", a.listVoices)
	mux.Handle("GET /metrics", a.promH)
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Voice sessions ──────────────────────────────────────────────────────────

// handleSession admits the client, waits for its setup message, resolves the
// session configuration against the server defaults and the provider catalog,
// then runs the session until it ends.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx).With("remote", r.RemoteAddr)

	release, err := a.sessions.Admit(ctx)
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		log.Warn("session rejected", "err", err)
		return
	}
	defer release()

	conn, err := transport.Accept(w, r)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	cfg := a.cfg.Load()
	setup, err := awaitSetup(ctx, conn, cfg.Server.SetupTimeout)
	if err != nil {
		refuse(ctx, conn, err)
		log.Info("session setup failed", "err", err)
		return
	}
	sessCfg := cfg.Session.Apply(setup)

	o, err := a.openSession(ctx, cfg, sessCfg, conn)
	if err != nil {
		refuse(ctx, conn, err)
		log.Info("session refused", "err", err, "kind", voice.KindOf(err))
		return
	}
	untrack := a.sessions.Track(ctx, o, r.RemoteAddr)
	defer untrack()

	if err := o.Run(ctx, conn); err != nil {
		log.Info("session ended with error", "session_id", o.ID(), "err", err)
	}
}

// awaitSetup reads the first message, which must be setup. A setup without
// a config takes every server default.
func awaitSetup(ctx context.Context, conn *transport.Conn, timeout time.Duration) (voice.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, err := conn.Receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return voice.Config{}, voice.Errorf(voice.KindConfig, "app.setup", "no setup message within %s", timeout)
		}
		return voice.Config{}, voice.Wrap(voice.KindTransport, "app.setup", err)
	}
	if in.IsAudio() || in.Msg.Type != transport.TypeSetup {
		return voice.Config{}, voice.Errorf(voice.KindConfig, "app.setup", "first message must be setup")
	}
	if in.Msg.Config == nil {
		return voice.Config{}, nil
	}
	return *in.Msg.Config, nil
}

// refuse reports a setup failure to the client and closes the connection.
func refuse(ctx context.Context, conn *transport.Conn, err error) {
	if voice.KindOf(err) != voice.KindTransport {
		_ = conn.Send(ctx, transport.ErrorMessage(0, err))
	}
	_ = conn.Close("setup_failed")
}

// openSession builds the session's providers from the catalog and opens its
// orchestrator. The catalog is consulted once, here; the session keeps these
// providers for its whole life.
func (a *App) openSession(ctx context.Context, cfg *config.Config, sc voice.Config, sink orchestrator.Sink) (*orchestrator.Orchestrator, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	cat := a.catalog.Load()
	deps := orchestrator.Deps{Sink: sink, Store: a.store, Metrics: a.metrics}
	sd := cfg.Session

	var err error
	switch sc.Mode {
	case voice.ModeCascade:
		if deps.STT, err = cat.STT(sc.Providers.STT); err != nil {
			return nil, err
		}
		if deps.LLM, err = cat.LLM(sc.Providers.LLM); err != nil {
			return nil, err
		}
		if deps.TTS, err = cat.TTS(sc.Providers.TTS); err != nil {
			return nil, err
		}
		if sd.OpenerLLM != "" {
			if deps.FastLLM, err = cat.LLM(sd.OpenerLLM); err != nil {
				return nil, err
			}
		}
		if sc.TurnDetection.Mode == voice.TurnAuto {
			if sd.Providers.VAD == "" {
				return nil, voice.Errorf(voice.KindConfig, "app.open", "automatic turn detection needs a vad entry in the provider catalog")
			}
			if deps.VAD, err = cat.VAD(sd.Providers.VAD); err != nil {
				return nil, err
			}
		}
	case voice.ModeRealtime:
		if deps.S2S, err = cat.S2S(sc.Providers.S2S); err != nil {
			return nil, err
		}
	}
	if err := cat.CheckVoice(ctx, sc); err != nil {
		return nil, err
	}

	o := orchestrator.New(sc, deps, a.sessionOptions(cfg)...)
	if err := o.Open(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (a *App) sessionOptions(cfg *config.Config) []orchestrator.Option {
	sd := cfg.Session
	opts := []orchestrator.Option{
		orchestrator.WithIdleTimeout(cfg.Server.IdleTimeout),
		orchestrator.WithMaxDuration(cfg.Server.MaxSessionDuration),
	}
	if sd.PreRoll > 0 {
		opts = append(opts, orchestrator.WithPreRoll(sd.PreRoll))
	}

	t := sd.Timeouts
	copts := []cascade.Option{cascade.WithStageTimeout(
		orDefault(t.STT, cascade.DefaultSTTTimeout),
		orDefault(t.LLM, cascade.DefaultLLMTimeout),
		orDefault(t.TTS, cascade.DefaultTTSTimeout),
	)}
	if sd.History > 0 {
		copts = append(copts, cascade.WithHistory(sd.History))
	}
	opts = append(opts, orchestrator.WithCascadeOptions(copts...))

	if cfg.Realtime.AckWait > 0 {
		opts = append(opts, orchestrator.WithBridgeOptions(s2sengine.WithAckWait(cfg.Realtime.AckWait)))
	}
	return opts
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// ─── History API ─────────────────────────────────────────────────────────────

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := a.store.ListSessions(r.Context(), f)
	if err != nil {
		a.internalError(w, r, "list sessions", err)
		return
	}
	if list == nil {
		list = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func parseFilter(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{Mode: voice.Mode(q.Get("mode")), Status: voice.Status(q.Get("status"))}
	for key, dst := range map[string]*time.Time{"after": &f.After, "before": &f.Before} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s: want RFC 3339 time, got %q", key, v)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: want a non-negative integer, got %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetSession(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		a.internalError(w, r, "get session", err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (a *App) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, live := a.sessions.Get(id); live {
		writeError(w, http.StatusConflict, fmt.Errorf("session %s is still live", id))
		return
	}
	err := a.store.DeleteSession(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		a.internalError(w, r, "delete session", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) searchTurns(w http.ResponseWriter, r *http.Request) {
	if a.search == nil {
		writeError(w, http.StatusNotImplemented, errors.New("turn search is not configured; set store.embeddings"))
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("q: query is required"))
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hits, err := a.search.Search(r.Context(), q, f)
	if err != nil {
		observe.Logger(r.Context()).Warn("app: search turns", "err", err)
		writeError(w, http.StatusBadGateway, errors.New("search failed"))
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

// ─── Live sessions and catalog ───────────────────────────────────────────────

func (a *App) listLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *App) closeLive(w http.ResponseWriter, r *http.Request) {
	if !a.sessions.Close(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("no live session with that id"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) listProviders(w http.ResponseWriter, _ *http.Request) {
	cat := a.catalog.Load()
	out := make(map[string][]string)
	for _, kind := range []string{catalog.KindSTT, catalog.KindLLM, catalog.KindTTS, catalog.KindS2S, catalog.KindVAD} {
		out[kind] = cat.IDs(kind)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) listVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.catalog.Load().ListVoices(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	switch {
	case errors.Is(err, catalog.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err)
	case voice.KindOf(err) == voice.KindConfig:
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, voices)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	observe.Logger(r.Context()).Error("app: "+op, "err", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: encode response", "err", err)
	}
}
