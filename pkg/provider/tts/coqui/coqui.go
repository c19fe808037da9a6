// Package coqui implements tts.Provider against a self-hosted Coqui TTS
// server.
//
// Two server flavours are supported. APIModeStandard (the default) targets the
// stock Coqui TTS image: GET /api/tts synthesises, GET /details lists
// speakers. APIModeXTTS targets the XTTS v2 API server: POST /tts_to_audio/
// synthesises, GET /studio_speakers lists voices.
//
// Both servers answer one utterance per HTTP request with a WAV file, so
// SynthesizeStream cuts the incoming text into sentences and keeps a few
// requests in flight while emitting audio strictly in sentence order. Audio
// is converted to mono PCM16 at the provider's output rate.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 24000

	xttsSynthPath    = "/tts_to_audio/"
	xttsSpeakersPath = "/studio_speakers"
	stdSynthPath     = "/api/tts"
	stdDetailsPath   = "/details"

	// lookahead is the number of sentence requests in flight at once.
	lookahead = 4

	chunkBytes = 4096
)

// APIMode selects the server API.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with each request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP request. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.http.Timeout = d }
}

// WithAPIMode selects the server flavour. Default APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate sets the rate of the emitted PCM. Default 24000.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// WithHTTPClient replaces the HTTP client. Apply it before WithTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// Provider synthesises speech on a Coqui server. Safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	mode       APIMode
	outputRate int
	http       *http.Client
}

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		mode:       APIModeStandard,
		outputRate: defaultOutputRate,
		http:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// ── Synthesis ───────────────────────────────────────────────────────────────

type pending struct {
	sentence string
	result   chan synthResult
}

type synthResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. XTTS mode needs a voice; standard
// mode falls back to the model's only speaker when voice.ID is empty.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (*tts.Stream, error) {
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID is required in xtts mode")
	}

	out := make(chan []byte, 64)
	stream := tts.NewStream(out, p.outputRate)
	queue := make(chan pending, lookahead)
	stop := make(chan struct{})

	// Producer: split text into sentences and start one request per sentence.
	// Once the collector stops, the rest of text is discarded.
	go func() {
		defer close(queue)
		abort := func() { go audio.Drain(text) }
		enqueue := func(s string) bool {
			pd := pending{sentence: s, result: make(chan synthResult, 1)}
			select {
			case queue <- pd:
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			}
			go func() {
				pcm, err := p.synthesize(ctx, s, voice)
				pd.result <- synthResult{pcm: pcm, err: err}
			}()
			return true
		}

		var buf strings.Builder
		for {
			select {
			case <-ctx.Done():
				abort()
				return
			case <-stop:
				abort()
				return
			case frag, ok := <-text:
				if !ok {
					if rest := strings.TrimSpace(buf.String()); rest != "" {
						enqueue(rest)
					}
					return
				}
				buf.WriteString(frag)
				for {
					s := buf.String()
					i := sentenceEnd(s)
					if i < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[i+1:])
					if sentence := strings.TrimSpace(s[:i+1]); sentence != "" && !enqueue(sentence) {
						abort()
						return
					}
				}
			}
		}
	}()

	// Collector: emit results in order.
	go func() {
		defer close(out)
		defer close(stop)
		for pd := range queue {
			var r synthResult
			select {
			case r = <-pd.result:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					stream.SetStreamErr(r.err)
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(chunkBytes, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()
	return stream, nil
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	var (
		req  *http.Request
		path string
		err  error
	)
	switch p.mode {
	case APIModeXTTS:
		path = xttsSynthPath
		body, _ := json.Marshal(map[string]string{
			"text":        sentence,
			"speaker_wav": voice.ID,
			"language":    p.language,
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+path, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		path = stdSynthPath
		q := url.Values{"text": {sentence}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	wav, err := p.do(req, path)
	if err != nil {
		return nil, err
	}
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s: %w", path, err)
	}
	return audio.Convert(pcm, f, audio.Format{SampleRate: p.outputRate, Channels: 1}), nil
}

func (p *Provider) do(req *http.Request, path string) ([]byte, error) {
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", req.Method, path, resp.StatusCode)
	}
	return body, nil
}

// sentenceEnd returns the index of the first '.', '!' or '?' that ends s or
// is followed by whitespace, or -1.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// ── Voices ──────────────────────────────────────────────────────────────────

// ListVoices implements tts.Provider. Voices are sorted by ID. A standard
// single-speaker model is listed as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	path := stdDetailsPath
	if p.mode == APIModeXTTS {
		path = xttsSpeakersPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req, path)
	if err != nil {
		return nil, err
	}

	var (
		ids  []string
		kind string
		meta = map[string]string{}
	)
	if p.mode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := json.Unmarshal(body, &speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode %s: %w", path, err)
		}
		for id := range speakers {
			ids = append(ids, id)
		}
		kind = "studio"
	} else {
		var details struct {
			ModelName string   `json:"model_name"`
			Speakers  []string `json:"speakers"`
		}
		if err := json.Unmarshal(body, &details); err != nil {
			return nil, fmt.Errorf("coqui: decode %s: %w", path, err)
		}
		ids, kind = details.Speakers, "speaker"
		if len(ids) == 0 {
			ids, kind = []string{cmp.Or(details.ModelName, "default")}, "single-speaker"
		}
		if details.ModelName != "" {
			meta["model_name"] = details.ModelName
		}
	}
	slices.Sort(ids)

	out := make([]tts.VoiceProfile, 0, len(ids))
	for _, id := range ids {
		m := map[string]string{"type": kind}
		for k, v := range meta {
			m[k] = v
		}
		out = append(out, tts.VoiceProfile{ID: id, Name: id, Provider: "coqui", Metadata: m})
	}
	return out, nil
}
