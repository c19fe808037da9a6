package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

type speechServer struct {
	mu       sync.Mutex
	requests []map[string]any
	status   int
}

func (s *speechServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/audio/speech" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.requests = append(s.requests, body)
	status := s.status
	s.mu.Unlock()
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	// Odd length to exercise sample alignment: 7 bytes per fragment.
	_, _ = w.Write([]byte{1, 2, 3, 4, 5, 6, 7})
}

func drain(t *testing.T, s *tts.Stream) []byte {
	t.Helper()
	var out []byte
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-s.Audio:
			if !ok {
				return out
			}
			if len(c)%2 != 0 {
				t.Errorf("chunk of %d bytes is not sample aligned", len(c))
			}
			out = append(out, c...)
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()

	srv := &speechServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p, err := New("sk-test", WithBaseURL(ts.URL+"/"), WithModel("tts-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text := make(chan string, 3)
	text <- "First sentence."
	text <- "  "
	text <- "Second."
	close(text)

	s, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "nova", Speed: 1.25, Style: "cheerful"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if s.SampleRate != SampleRate {
		t.Errorf("SampleRate = %d, want %d", s.SampleRate, SampleRate)
	}
	got := drain(t, s)
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5, 6}) {
		t.Errorf("audio = %v", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.requests) != 2 {
		t.Fatalf("requests = %d, want 2 (blank fragment skipped)", len(srv.requests))
	}
	req := srv.requests[0]
	if req["response_format"] != "pcm" || req["voice"] != "nova" || req["model"] != "tts-1" {
		t.Errorf("request = %v", req)
	}
	if req["speed"] != 1.25 || req["instructions"] != "cheerful" {
		t.Errorf("voice params not forwarded: %v", req)
	}
}

func TestSynthesizeStream_HTTPError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(&speechServer{status: http.StatusBadRequest})
	defer ts.Close()

	p, _ := New("sk-test", WithBaseURL(ts.URL+"/"))
	text := make(chan string, 2)
	text <- "Hi."
	text <- "Again."

	s, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	drain(t, s)
	if s.Err() == nil {
		t.Error("expected stream error after HTTP 400")
	}
}

func TestListVoicesAndValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	p, _ := New("sk-test")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice")
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil || len(voices) != len(builtinVoices) {
		t.Fatalf("ListVoices = %d, %v", len(voices), err)
	}
	if voices[0].Provider != "openai" {
		t.Errorf("provider = %q", voices[0].Provider)
	}
}
