package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/internal/app"
	"github.com/MrWong99/voxbench/internal/config"
	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/pkg/provider/embeddings"
	embmock "github.com/MrWong99/voxbench/pkg/provider/embeddings/mock"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxbench/pkg/provider/llm/mock"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxbench/pkg/provider/stt/mock"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxbench/pkg/provider/tts/mock"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

const waitFor = 3 * time.Second

// registry registers mock factories under the implementation name "mock".
func registry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello."}}}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "rachel"}}}, nil
	})
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{Dims: 2, Model: "mock-embed", Vectors: map[string][]float32{
			"greeting": {1, 0},
			"weather":  {0, 1},
		}}, nil
	})
	return reg
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo, MaxSessions: 4},
		Providers: config.ProvidersConfig{
			STT: []config.ProviderEntry{{ID: "deepgram", Name: "mock"}},
			LLM: []config.ProviderEntry{{ID: "gpt", Name: "mock"}},
			TTS: []config.ProviderEntry{{ID: "elevenlabs", Name: "mock"}},
		},
		Session: config.SessionDefaults{
			Mode:          voice.ModeCascade,
			Providers:     config.ProviderChoice{STT: "deepgram", LLM: "gpt", TTS: "elevenlabs"},
			TurnDetection: voice.TurnDetection{Mode: voice.TurnManual},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type testServer struct {
	app   *app.App
	srv   *httptest.Server
	store *store.MemStore
}

func newServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	st := store.NewMemStore()
	a, err := app.New(context.Background(), cfg, registry(),
		app.WithStore(st),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(http.NotFoundHandler()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return &testServer{app: a, srv: srv, store: st}
}

func (ts *testServer) dial(t *testing.T) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + app.SessionPath
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close("test done") })
	return conn
}

// next returns the next control message, skipping audio.
func next(t *testing.T, conn *transport.Conn) transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for {
		in, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if !in.IsAudio() {
			return in.Msg
		}
	}
}

func send(t *testing.T, conn *transport.Conn, msg transport.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := conn.Send(ctx, msg); err != nil {
		t.Fatalf("Send(%s): %v", msg.Type, err)
	}
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── Sessions ────────────────────────────────────────────────────────────────

func TestSession_OpenAndEnd(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())
	conn := ts.dial(t)

	send(t, conn, transport.Message{Type: transport.TypeSetup})
	ready := next(t, conn)
	if ready.Type != transport.TypeReady || ready.SessionID == "" {
		t.Fatalf("first message = %+v, want ready with a session id", ready)
	}
	if ready.SampleRate != voice.DefaultSampleRate {
		t.Errorf("sample rate = %d, want %d", ready.SampleRate, voice.DefaultSampleRate)
	}

	var live []app.SessionInfo
	getJSON(t, ts.srv.URL+"/api/live", http.StatusOK, &live)
	if len(live) != 1 || live[0].ID != ready.SessionID || live[0].Providers.STT != "deepgram" {
		t.Errorf("live = %+v, want the open session", live)
	}

	send(t, conn, transport.Message{Type: transport.TypeEndSession})
	for {
		msg := next(t, conn)
		if msg.Type == transport.TypeSessionClosed {
			if msg.Status != voice.StatusCompleted {
				t.Errorf("closed status = %q, want completed", msg.Status)
			}
			break
		}
	}

	eventually(t, func() bool { return ts.app.Sessions().Count() == 0 })
	eventually(t, func() bool {
		rec, err := ts.store.GetSession(context.Background(), ready.SessionID)
		return err == nil && rec.Session.Status == voice.StatusCompleted
	})
}

func TestSession_SetupRefused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup transport.Message
	}{
		{
			name:  "unknown provider",
			setup: transport.Message{Type: transport.TypeSetup, Config: &voice.Config{Providers: voice.Providers{STT: "whisper"}}},
		},
		{
			name:  "unknown voice",
			setup: transport.Message{Type: transport.TypeSetup, Config: &voice.Config{Voice: voice.VoiceParams{ID: "adam"}}},
		},
		{
			name:  "auto turn detection without vad",
			setup: transport.Message{Type: transport.TypeSetup, Config: &voice.Config{TurnDetection: voice.TurnDetection{Mode: voice.TurnAuto}}},
		},
		{
			name:  "first message not setup",
			setup: transport.Message{Type: transport.TypeEndOfAudio},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newServer(t, testConfig())
			conn := ts.dial(t)

			send(t, conn, tt.setup)
			msg := next(t, conn)
			if msg.Type != transport.TypeError || msg.Kind != voice.KindConfig {
				t.Fatalf("got %+v, want config error", msg)
			}
			select {
			case <-conn.Done():
			case <-time.After(waitFor):
				t.Fatal("connection not closed after refused setup")
			}
			if n := ts.app.Sessions().Count(); n != 0 {
				t.Errorf("live sessions = %d, want 0", n)
			}
		})
	}
}

func TestSession_AtCapacity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.MaxSessions = 1
	ts := newServer(t, cfg)

	release, err := ts.app.Sessions().Admit(context.Background())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	resp, err := http.Get(ts.srv.URL + app.SessionPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	release()
	conn := ts.dial(t)
	send(t, conn, transport.Message{Type: transport.TypeSetup})
	if msg := next(t, conn); msg.Type != transport.TypeReady {
		t.Errorf("after release got %+v, want ready", msg)
	}
}

// ── History API ─────────────────────────────────────────────────────────────

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []voice.Session{
		{ID: "s1", Mode: voice.ModeCascade, StartedAt: base, Status: voice.StatusCompleted},
		{ID: "s2", Mode: voice.ModeRealtime, StartedAt: base.Add(time.Hour), Status: voice.StatusError, Error: "provider down"},
		{ID: "s3", Mode: voice.ModeCascade, StartedAt: base.Add(2 * time.Hour), Status: voice.StatusDisconnected},
	}
	for _, s := range sessions {
		if err := st.PersistSession(ctx, s, latency.SessionStats{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.PersistTurn(ctx, "s1", voice.Turn{Seq: 1, SessionID: "s1", InputTranscript: "hi"}); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryAPI_List(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())
	seed(t, ts.store)

	tests := []struct {
		query   string
		status  int
		wantIDs []string
	}{
		{query: "", status: http.StatusOK, wantIDs: []string{"s1", "s2", "s3"}},
		{query: "?mode=cascade", status: http.StatusOK, wantIDs: []string{"s1", "s3"}},
		{query: "?status=error", status: http.StatusOK, wantIDs: []string{"s2"}},
		{query: "?after=2026-03-01T12:30:00Z", status: http.StatusOK, wantIDs: []string{"s2", "s3"}},
		{query: "?mode=realtime&status=completed", status: http.StatusOK, wantIDs: []string{}},
		{query: "?limit=-1", status: http.StatusBadRequest},
		{query: "?before=yesterday", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			if tt.status != http.StatusOK {
				getJSON(t, ts.srv.URL+"/api/sessions"+tt.query, tt.status, nil)
				return
			}
			var got []store.Summary
			getJSON(t, ts.srv.URL+"/api/sessions"+tt.query, http.StatusOK, &got)
			ids := make(map[string]bool, len(got))
			for _, s := range got {
				ids[s.ID] = true
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d sessions, want %v", len(got), tt.wantIDs)
			}
			for _, id := range tt.wantIDs {
				if !ids[id] {
					t.Errorf("missing %s in %+v", id, got)
				}
			}
		})
	}
}

func TestSearchAPI(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store.Embeddings = &config.ProviderEntry{Name: "mock"}
	ts := newServer(t, cfg)
	seed(t, ts.store)
	ctx := context.Background()
	if err := ts.store.PersistTurn(ctx, "s2", voice.Turn{Seq: 1, ResponseText: "sunny"}); err != nil {
		t.Fatal(err)
	}
	_ = ts.store.IndexTurn(ctx, "s1", 1, []float32{1, 0})
	_ = ts.store.IndexTurn(ctx, "s2", 1, []float32{0, 1})

	var hits []store.TurnHit
	getJSON(t, ts.srv.URL+"/api/search?q=weather", http.StatusOK, &hits)
	if len(hits) != 2 || hits[0].Turn.SessionID != "s2" {
		t.Errorf("q=weather: got %+v, want s2 first", hits)
	}

	getJSON(t, ts.srv.URL+"/api/search?q=greeting&mode=realtime", http.StatusOK, &hits)
	if len(hits) != 1 || hits[0].Turn.SessionID != "s2" {
		t.Errorf("mode filter: got %+v, want only s2", hits)
	}

	getJSON(t, ts.srv.URL+"/api/search?q=greeting&limit=1", http.StatusOK, &hits)
	if len(hits) != 1 || hits[0].Turn.SessionID != "s1" {
		t.Errorf("limit: got %+v, want s1", hits)
	}

	getJSON(t, ts.srv.URL+"/api/search", http.StatusBadRequest, nil)
	getJSON(t, ts.srv.URL+"/api/search?q=x&limit=no", http.StatusBadRequest, nil)
}

func TestSearchAPI_NotConfigured(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())
	getJSON(t, ts.srv.URL+"/api/search?q=hello", http.StatusNotImplemented, nil)
}

func TestNew_UnknownEmbeddings(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store.Embeddings = &config.ProviderEntry{Name: "nope"}
	if _, err := app.New(context.Background(), cfg, registry(), app.WithStore(store.NewMemStore())); err == nil {
		t.Fatal("expected error for unregistered embeddings provider")
	}
}

func TestHistoryAPI_GetAndDelete(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())
	seed(t, ts.store)

	var rec store.Record
	getJSON(t, ts.srv.URL+"/api/sessions/s1", http.StatusOK, &rec)
	if rec.Session.ID != "s1" || len(rec.Turns) != 1 || rec.Turns[0].InputTranscript != "hi" {
		t.Errorf("record = %+v", rec)
	}
	getJSON(t, ts.srv.URL+"/api/sessions/nope", http.StatusNotFound, nil)

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/sessions/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := del("s2"); got != http.StatusNoContent {
		t.Errorf("delete s2 = %d, want 204", got)
	}
	if got := del("s2"); got != http.StatusNotFound {
		t.Errorf("second delete s2 = %d, want 404", got)
	}
	if _, err := ts.store.GetSession(context.Background(), "s2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete: %v", err)
	}
}

// ── Catalog API and reload ──────────────────────────────────────────────────

func TestProvidersAPI(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())

	var ids map[string][]string
	getJSON(t, ts.srv.URL+"/api/providers", http.StatusOK, &ids)
	if got := ids["tts"]; len(got) != 1 || got[0] != "elevenlabs" {
		t.Errorf("tts ids = %v", got)
	}

	var voices []tts.VoiceProfile
	getJSON(t, ts.srv.URL+"/api/providers/tts/elevenlabs/voices", http.StatusOK, &voices)
	if len(voices) != 1 || voices[0].ID != "rachel" {
		t.Errorf("voices = %+v", voices)
	}
	getJSON(t, ts.srv.URL+"/api/providers/tts/polly/voices", http.StatusNotFound, nil)
	getJSON(t, ts.srv.URL+"/api/providers/stt/deepgram/voices", http.StatusBadRequest, nil)
}

func TestReload(t *testing.T) {
	t.Parallel()
	old := testConfig()
	ts := newServer(t, old)

	updated := testConfig()
	updated.Server.MaxSessions = 9
	updated.Providers.TTS = append(updated.Providers.TTS, config.ProviderEntry{ID: "openai-tts", Name: "mock"})
	ts.app.Reload(old, updated)

	if got := ts.app.Sessions().Limit(); got != 9 {
		t.Errorf("limit = %d, want 9", got)
	}
	if ts.app.Config() != updated {
		t.Error("Config() does not return the reloaded config")
	}
	var ids map[string][]string
	getJSON(t, ts.srv.URL+"/api/providers", http.StatusOK, &ids)
	if got := ids["tts"]; len(got) != 2 {
		t.Errorf("tts ids after reload = %v, want 2 entries", got)
	}
}

func TestShutdown_EndsLiveSessions(t *testing.T) {
	t.Parallel()
	ts := newServer(t, testConfig())
	conn := ts.dial(t)
	send(t, conn, transport.Message{Type: transport.TypeSetup})
	if msg := next(t, conn); msg.Type != transport.TypeReady {
		t.Fatalf("got %+v, want ready", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := ts.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := ts.app.Sessions().Count(); n != 0 {
		t.Errorf("live sessions after shutdown = %d", n)
	}
	if _, err := ts.app.Sessions().Admit(ctx); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("Admit after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[config.LogLevel]string{
		config.LogDebug: "DEBUG",
		config.LogInfo:  "INFO",
		config.LogWarn:  "WARN",
		config.LogError: "ERROR",
		"":              "INFO",
	} {
		if got := app.SlogLevel(in).String(); got != want {
			t.Errorf("SlogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
