// Package deepgram transcribes through Deepgram's live streaming API.
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/voice"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// DefaultKeepAlive is how long the uplink may stay silent before a
	// KeepAlive message is sent. Deepgram hangs up after about ten seconds
	// without data.
	DefaultKeepAlive = 4 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Provider opens one Deepgram live session per utterance.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keepAlive  time.Duration
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model, e.g. "nova-3" or "base".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithLanguage sets the language used when a stream does not name one.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the rate used when a stream does not name one.
func WithSampleRate(hz int) Option { return func(p *Provider) { p.sampleRate = hz } }

// WithEndpoint overrides the listen endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

// WithKeepAlive changes the silence interval after which a KeepAlive is
// sent. Zero or negative disables keep-alives.
func WithKeepAlive(d time.Duration) Option { return func(p *Provider) { p.keepAlive = d } }

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
		keepAlive:  DefaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials a live session. A handshake rejected for credentials or
// billing fails with [voice.KindProviderUnavailable].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, voice.Wrap(voice.KindConfig, "deepgram: start", err)
	}
	hdr := http.Header{"Authorization": []string{"Token " + p.apiKey}}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusPaymentRequired:
				return nil, voice.Errorf(voice.KindProviderUnavailable, "deepgram: start", "handshake refused: %s", resp.Status)
			}
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.send(ctx)
	go s.receive(ctx)
	return s, nil
}

// listenURL adds the stream's parameters to the endpoint. Unset fields fall
// back to the provider's defaults.
func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cmp.Or(cfg.Language, p.language)
	rate := cmp.Or(cfg.SampleRate, p.sampleRate)

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	hint := "keywords"
	if strings.HasPrefix(p.model, "nova-3") {
		hint = "keyterm"
	}
	for _, kw := range cfg.Keywords {
		q.Add(hint, kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── session ───────────────────────────────────────────────────────────────────

// control is a client text message: KeepAlive or CloseStream.
type control struct {
	Type string `json:"type"`
}

// result is the subset of a Results message voxbench reads.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// decode returns the transcript carried by msg. Non-Results messages and
// blank transcripts yield false.
func decode(msg []byte) (stt.Transcript, bool) {
	var r result
	if json.Unmarshal(msg, &r) != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(r.Start),
		Duration:   seconds(r.Duration),
	}, true
}

type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration

	mu        sync.Mutex // guards closing audio
	audioDone bool
	audio     chan []byte

	partials chan stt.Transcript
	finals   chan stt.Transcript

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	err       atomic.Pointer[error]
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioDone {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case s.audio <- chunk:
		return nil
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// CloseSend ends the uplink. The sender then writes CloseStream, Deepgram
// flushes its finals and closes the socket.
func (s *session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.audioDone {
		s.audioDone = true
		close(s.audio)
	}
	return nil
}

func (s *session) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.CloseNow()
		s.wg.Wait()
	})
	return nil
}

// fail records the first error, unless the session was closed locally.
func (s *session) fail(err error) {
	select {
	case <-s.done:
	default:
		s.err.CompareAndSwap(nil, &err)
	}
}

func (s *session) send(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := true
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			if idle {
				if err := wsjson.Write(ctx, s.conn, control{Type: "KeepAlive"}); err != nil {
					s.fail(fmt.Errorf("deepgram: keep-alive: %w", err))
					return
				}
			}
			idle = true
		case chunk, ok := <-s.audio:
			if !ok {
				if err := wsjson.Write(ctx, s.conn, control{Type: "CloseStream"}); err != nil {
					s.fail(fmt.Errorf("deepgram: close stream: %w", err))
				}
				return
			}
			idle = false
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.fail(fmt.Errorf("deepgram: write audio: %w", err))
				return
			}
		}
	}
}

func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.fail(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}
		t, ok := decode(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}
}
