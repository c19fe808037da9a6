package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/embeddings/ollama"
)

// embedServer answers /api/embed with the first len(input) of vecs and counts
// requests.
func embedServer(t *testing.T, wantModel string, vecs [][]float32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("request %s %s, want POST /api/embed", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != wantModel {
			t.Errorf("model = %q, want %q", req.Model, wantModel)
		}
		out := vecs
		if len(out) > len(req.Input) {
			out = out[:len(req.Input)]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": wantModel, "embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := ollama.New("", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := ollama.New("", "nomic-embed-text")
	if err != nil {
		t.Fatal(err)
	}
	if p.ModelID() != "nomic-embed-text" {
		t.Errorf("ModelID = %q", p.ModelID())
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()
	vecs := [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}
	srv, calls := embedServer(t, "nomic-embed-text", vecs)

	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	got, err := p.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1][2] != 0.6 {
		t.Errorf("vectors = %v", got)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}

	if got, err := p.Embed(context.Background(), nil); got != nil || err != nil {
		t.Errorf("Embed(nil) = %v, %v", got, err)
	}
	if calls.Load() != 1 {
		t.Error("empty input issued a request")
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	t.Parallel()
	srv, _ := embedServer(t, "nomic-embed-text", [][]float32{{1}})
	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when the server returns fewer vectors")
	}
}

func TestDimensions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model string
		opts  []ollama.Option
		want  int
	}{
		{model: "nomic-embed-text", want: 768},
		{model: "nomic-embed-text:latest", want: 768},
		{model: "mxbai-embed-large", want: 1024},
		{model: "all-minilm", want: 384},
		{model: "custom", opts: []ollama.Option{ollama.WithDimensions(256)}, want: 256},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			// Unreachable: no probe may be issued.
			p, _ := ollama.New("http://127.0.0.1:19999", tt.model, tt.opts...)
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDimensions_Probe(t *testing.T) {
	t.Parallel()
	srv, calls := embedServer(t, "custom-embed", [][]float32{make([]float32, 512)})
	p, _ := ollama.New(srv.URL, "custom-embed")
	for i := range 3 {
		if got := p.Dimensions(); got != 512 {
			t.Errorf("call %d: Dimensions = %d, want 512", i, got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("probe requests = %d, want 1", calls.Load())
	}
}

func TestEmbed_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status 500", handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":"model not found"}`, http.StatusInternalServerError)
		}},
		{name: "malformed json", handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not-json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			p, _ := ollama.New(srv.URL, "nomic-embed-text")
			if _, err := p.Embed(context.Background(), []string{"hello"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	defer srv.Close()
	defer close(stop)

	p, _ := ollama.New(srv.URL, "nomic-embed-text")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := p.Embed(ctx, []string{"hello"}); err == nil {
		t.Fatal("expected context error")
	}
}
