package coqui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

func fragments(parts ...string) <-chan string {
	ch := make(chan string, len(parts))
	for _, p := range parts {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(t *testing.T, s *tts.Stream) []byte {
	t.Helper()
	var out []byte
	done := time.After(3 * time.Second)
	for {
		select {
		case chunk, ok := <-s.Audio:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		case <-done:
			t.Fatal("stream did not close")
		}
	}
}

// wavServer answers every synthesis request with a 16 kHz WAV of n samples
// whose value is the length of the requested text, so the test can check
// sentence order from the audio alone.
type wavServer struct {
	mu    sync.Mutex
	texts []string
}

func (ws *wavServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var text string
		switch r.URL.Path {
		case stdSynthPath:
			text = r.URL.Query().Get("text")
		case xttsSynthPath:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			text = body["text"]
		default:
			http.NotFound(w, r)
			return
		}
		ws.mu.Lock()
		ws.texts = append(ws.texts, text)
		ws.mu.Unlock()
		samples := make([]int16, 160)
		for i := range samples {
			samples[i] = int16(len(text))
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.WAV(audio.PCM(samples), audio.Format{SampleRate: 16000, Channels: 1}))
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		url     string
		opts    []Option
		wantErr bool
	}{
		{name: "defaults", url: "http://localhost:5002"},
		{name: "xtts", url: "http://localhost:8002", opts: []Option{WithAPIMode(APIModeXTTS)}},
		{name: "empty url", url: "", wantErr: true},
		{name: "bad mode", url: "http://x", opts: []Option{WithAPIMode("grpc")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.url, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.outputRate != defaultOutputRate {
				t.Errorf("outputRate = %d, want %d", p.outputRate, defaultOutputRate)
			}
		})
	}
}

func TestSynthesizeStream_OrderAndResample(t *testing.T) {
	t.Parallel()
	for _, mode := range []APIMode{APIModeStandard, APIModeXTTS} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			ws := &wavServer{}
			srv := httptest.NewServer(ws.handler(t))
			defer srv.Close()

			p, err := New(srv.URL, WithAPIMode(mode), WithOutputSampleRate(32000))
			if err != nil {
				t.Fatal(err)
			}
			s, err := p.SynthesizeStream(context.Background(),
				fragments("Hello there. How", " are you? Fine", " thanks"),
				tts.VoiceProfile{ID: "p225"})
			if err != nil {
				t.Fatal(err)
			}
			if s.SampleRate != 32000 {
				t.Errorf("SampleRate = %d, want 32000", s.SampleRate)
			}
			pcm := collect(t, s)
			if err := s.Err(); err != nil {
				t.Fatalf("stream err: %v", err)
			}

			want := []string{"Hello there.", "How are you?", "Fine thanks"}
			// 160 samples at 16 kHz become 320 at 32 kHz.
			samples := audio.Samples(pcm)
			if len(samples) != 320*len(want) {
				t.Fatalf("got %d samples, want %d", len(samples), 320*len(want))
			}
			for i, text := range want {
				if got := samples[i*320]; int(got) != len(text) {
					t.Errorf("sentence %d audio = %d, want %d (%q)", i, got, len(text), text)
				}
			}
			ws.mu.Lock()
			got := slices.Clone(ws.texts)
			ws.mu.Unlock()
			slices.Sort(got)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Errorf("requested %q, want %q", got, want)
			}
		})
	}
}

func TestSynthesizeStream_XTTSNeedsVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	if _, err := p.SynthesizeStream(context.Background(), fragments("Hi."), tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error without voice in xtts mode")
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	text := make(chan string, 4)
	text <- "First. "
	text <- "Second. "
	s, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{})
	if err != nil {
		t.Fatal(err)
	}
	if pcm := collect(t, s); len(pcm) != 0 {
		t.Errorf("got %d bytes of audio from a failing server", len(pcm))
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("stream err = %v, want status 500", err)
	}
	// The producer must keep draining text after the failure.
	text <- "Third. "
	close(text)
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p, _ := New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.SynthesizeStream(ctx, fragments("Waiting forever."), tts.VoiceProfile{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	collect(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("cancelled stream err = %v, want nil", err)
	}
}

func TestSentenceEnd(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
	}{
		{"Hello.", 5},
		{"Hello. World", 5},
		{"Pi is 3.14 exactly", -1},
		{"Really?! yes", 7},
		{"no boundary", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := sentenceEnd(tt.in); got != tt.want {
			t.Errorf("sentenceEnd(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		mode     APIMode
		path     string
		body     string
		wantIDs  []string
		wantType string
	}{
		{
			name: "standard multi speaker", mode: APIModeStandard, path: stdDetailsPath,
			body:    `{"model_name":"vctk/vits","speakers":["p226","p225"]}`,
			wantIDs: []string{"p225", "p226"}, wantType: "speaker",
		},
		{
			name: "standard single speaker", mode: APIModeStandard, path: stdDetailsPath,
			body:    `{"model_name":"ljspeech/vits"}`,
			wantIDs: []string{"ljspeech/vits"}, wantType: "single-speaker",
		},
		{
			name: "xtts studio", mode: APIModeXTTS, path: xttsSpeakersPath,
			body:    `{"Claribel Dervla":{},"Ana Florence":{}}`,
			wantIDs: []string{"Ana Florence", "Claribel Dervla"}, wantType: "studio",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, _ := New(srv.URL, WithAPIMode(tt.mode))
			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, v := range voices {
				ids = append(ids, v.ID)
				if v.Metadata["type"] != tt.wantType || v.Provider != "coqui" {
					t.Errorf("voice %+v, want type %s", v, tt.wantType)
				}
			}
			if !slices.Equal(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, _ := New(srv.URL)
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
