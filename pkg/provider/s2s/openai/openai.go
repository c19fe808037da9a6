// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions.
//
// Turn detection maps onto the session's turn_detection field: automatic
// sessions use server_vad, manual sessions send turn_detection: null and end
// every user turn with input_audio_buffer.commit followed by response.create.
// Interrupt sends response.cancel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate of both input and output audio.
	SampleRate = 24000

	defaultTranscriptionModel = "gpt-4o-mini-transcribe"
	defaultPrefixPadding      = 300 * time.Millisecond

	// errCancelNotActive is the error code returned for response.cancel when
	// no response is in flight.
	errCancelNotActive = "response_cancel_not_active"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe user audio. An
// empty string disables input transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		SupportsInterrupt:   true,
		SupportsManualTurns: true,
		InputSampleRate:     SampleRate,
		OutputSampleRate:    SampleRate,
		MaxSessionDuration:  30 * time.Minute,
		Voices: []tts.VoiceProfile{
			{ID: "alloy", Name: "Alloy", Provider: "openai"},
			{ID: "ash", Name: "Ash", Provider: "openai"},
			{ID: "ballad", Name: "Ballad", Provider: "openai"},
			{ID: "coral", Name: "Coral", Provider: "openai"},
			{ID: "echo", Name: "Echo", Provider: "openai"},
			{ID: "sage", Name: "Sage", Provider: "openai"},
			{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
			{ID: "verse", Name: "Verse", Provider: "openai"},
		},
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("openai: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, 128),
		auto:   cfg.TurnDetection.Auto,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(sessionUpdateMessage{Type: "session.update", Session: p.sessionParams(cfg)}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

func (p *Provider) sessionParams(cfg s2s.SessionConfig) sessionParams {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if p.transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{
			Model:    p.transcriptionModel,
			Language: baseLanguage(cfg.Language),
		}
	}
	if td := cfg.TurnDetection; td.Auto {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			SilenceDurationMs: int(td.SilenceDuration / time.Millisecond),
			PrefixPaddingMs:   int(defaultPrefixPadding / time.Millisecond),
			CreateResponse:    true,
			InterruptResponse: true,
		}
	}
	return params
}

// baseLanguage reduces a BCP-47 tag to its ISO-639-1 primary subtag.
func baseLanguage(tag string) string {
	for i := range len(tag) {
		if tag[i] == '-' || tag[i] == '_' {
			return tag[:i]
		}
	}
	return tag
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// TurnDetection is always serialised; null disables server VAD.
	TurnDetection *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseDetail `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseDetail struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	auto   bool

	// writeMu serialises frames; coder/websocket allows one concurrent writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("openai: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if ev, ok := translate(&evt); ok {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps a Realtime API server event onto the s2s vocabulary.
func translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return s2s.Event{Type: s2s.EventSpeechStarted}, true

	case "input_audio_buffer.speech_stopped":
		return s2s.Event{Type: s2s.EventSpeechStopped}, true

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventInputTranscript, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		return s2s.Event{Type: s2s.EventInputTranscript, Text: evt.Transcript, Final: true}, true

	case "response.created":
		return s2s.Event{Type: s2s.EventResponseStarted}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventAudio, Audio: audioData}, true

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventTextDelta, Text: evt.Delta}, true

	case "response.done":
		if evt.Response != nil && evt.Response.Status == "cancelled" {
			return s2s.Event{Type: s2s.EventInterrupted}, true
		}
		return s2s.Event{Type: s2s.EventResponseDone}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil {
			if evt.Error.Code == errCancelNotActive {
				// Nothing left to cancel; the response already finished.
				return s2s.Event{Type: s2s.EventInterrupted}, true
			}
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
		}
		return s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)}, true
	}
	return s2s.Event{}, false
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit ends the user turn and asks for a response.
func (s *session) Commit() error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	if s.auto {
		return s2s.ErrAutoTurnDetection
	}
	if err := s.writeJSON(typeOnlyMessage{Type: "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(typeOnlyMessage{Type: "response.create"})
}

// Interrupt cancels the in-flight response via response.cancel.
func (s *session) Interrupt() error {
	if s.isClosed() {
		return s2s.ErrSessionClosed
	}
	return s.writeJSON(typeOnlyMessage{Type: "response.cancel"})
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

	s.cancel() // unblocks receiveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
