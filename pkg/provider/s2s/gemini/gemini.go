// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is sent as base64-encoded 16 kHz PCM chunks and received at 24 kHz.
//
// With automatic turn detection the server's activity detector decides where
// user turns end and reports barge-in as an interrupted serverContent. With
// manual turns automaticActivityDetection is disabled and the session wraps
// each user turn in activityStart / activityEnd. The protocol has no explicit
// cancel for an in-flight response, so Interrupt returns s2s.ErrNotSupported
// and callers discard undelivered audio locally.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	servicePath    = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// InputSampleRate is the PCM16 rate expected by SendAudio.
	InputSampleRate = 16000
	// OutputSampleRate is the PCM16 rate of response audio.
	OutputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		SupportsInterrupt:   false,
		SupportsManualTurns: true,
		InputSampleRate:     InputSampleRate,
		OutputSampleRate:    OutputSampleRate,
		MaxSessionDuration:  15 * time.Minute,
		Voices: []tts.VoiceProfile{
			{ID: "Aoede", Name: "Aoede", Provider: "gemini"},
			{ID: "Charon", Name: "Charon", Provider: "gemini"},
			{ID: "Fenrir", Name: "Fenrir", Provider: "gemini"},
			{ID: "Kore", Name: "Kore", Provider: "gemini"},
			{ID: "Puck", Name: "Puck", Provider: "gemini"},
		},
	}
}

// Connect establishes a new Gemini Live session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// setup message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + servicePath + "?key=" + url.QueryEscape(p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gemini: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, 128),
		auto:   cfg.TurnDetection.Auto,
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(setupFor(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// setupFor builds the BidiGenerateContent setup message.
func setupFor(model string, cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice.ID != "" || cfg.Language != "" {
		sc := &speechConfig{LanguageCode: cfg.Language}
		if cfg.Voice.ID != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}

	aad := automaticActivityDetection{Disabled: !cfg.TurnDetection.Auto}
	if cfg.TurnDetection.Auto && cfg.TurnDetection.SilenceDuration > 0 {
		aad.SilenceDurationMs = int(cfg.TurnDetection.SilenceDuration / time.Millisecond)
	}
	msg.Setup.RealtimeInputConfig = &realtimeInputConfig{AutomaticActivityDetection: aad}

	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	Disabled          bool `json:"disabled"`
	SilenceDurationMs int  `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks   []mediaChunk `json:"mediaChunks,omitempty"`
	ActivityStart *struct{}    `json:"activityStart,omitempty"`
	ActivityEnd   *struct{}    `json:"activityEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	auto   bool

	writeMu sync.Mutex

	mu       sync.Mutex
	errVal   error
	done     chan struct{}
	closed   bool
	activity bool // manual mode: activityStart sent, activityEnd pending

	// Owned by receiveLoop.
	responding bool
	inputText  strings.Builder

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		for _, ev := range s.translate(&msg) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps one server message onto zero or more s2s events. A single
// serverContent may carry transcription, audio and turn markers at once; they
// are emitted in the order a listener would perceive them.
func (s *session) translate(msg *serverMessage) []s2s.Event {
	var out []s2s.Event

	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		out = append(out, s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: %s", text)})
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.inputText.WriteString(sc.InputTranscription.Text)
		out = append(out, s2s.Event{Type: s2s.EventInputTranscript, Text: s.inputText.String()})
	}

	if sc.Interrupted {
		// The server VAD heard the user over the model; generation stopped.
		out = append(out,
			s2s.Event{Type: s2s.EventSpeechStarted},
			s2s.Event{Type: s2s.EventInterrupted},
		)
		s.responding = false
	}

	startResponse := func() {
		if s.responding {
			return
		}
		s.responding = true
		if s.inputText.Len() > 0 {
			out = append(out, s2s.Event{Type: s2s.EventInputTranscript, Text: s.inputText.String(), Final: true})
			s.inputText.Reset()
		}
		if s.auto {
			out = append(out, s2s.Event{Type: s2s.EventSpeechStopped})
		}
		out = append(out, s2s.Event{Type: s2s.EventResponseStarted})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(audioData) == 0 {
				continue
			}
			startResponse()
			out = append(out, s2s.Event{Type: s2s.EventAudio, Audio: audioData})
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		startResponse()
		out = append(out, s2s.Event{Type: s2s.EventTextDelta, Text: sc.OutputTranscription.Text})
	}

	if sc.TurnComplete {
		if s.responding {
			out = append(out, s2s.Event{Type: s2s.EventResponseDone})
		}
		s.responding = false
	}
	return out
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
// In manual mode the first chunk of a user turn is preceded by activityStart.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	startActivity := !s.auto && !s.activity
	s.activity = s.activity || startActivity
	s.mu.Unlock()

	if startActivity {
		if err := s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}}); err != nil {
			return err
		}
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", InputSampleRate),
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
	}
	return s.writeJSON(msg)
}

// Commit ends the current user activity. It is a no-op when no audio was sent
// since the previous commit.
func (s *session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	if s.auto {
		s.mu.Unlock()
		return s2s.ErrAutoTurnDetection
	}
	open := s.activity
	s.activity = false
	s.mu.Unlock()

	if !open {
		return nil
	}
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}})
}

// Interrupt is not supported by the Gemini Live protocol.
func (s *session) Interrupt() error {
	return s2s.ErrNotSupported
}

// Events returns the translated provider event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
