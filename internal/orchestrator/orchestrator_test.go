package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/internal/orchestrator"
	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxbench/pkg/provider/llm/mock"
	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxbench/pkg/provider/s2s/mock"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxbench/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxbench/pkg/provider/tts/mock"
	"github.com/MrWong99/voxbench/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxbench/pkg/provider/vad/mock"
	storemock "github.com/MrWong99/voxbench/pkg/store/mock"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

const waitFor = 2 * time.Second

// ── fake transport ────────────────────────────────────────────────────────────

// fakeConn records everything sent to the client and lets tests inject
// inbound frames.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []transport.Message
	audio  [][]byte
	reason string

	in        chan transport.Inbound
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan transport.Inbound, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, msg transport.Message) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) SendAudio(_ context.Context, pcm []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (transport.Inbound, error) {
	select {
	case in := <-c.in:
		return in, nil
	case err := <-c.errs:
		return transport.Inbound{}, err
	case <-c.closed:
		return transport.Inbound{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Inbound{}, transport.ErrClosed
	}
}

func (c *fakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) sendFrame(pcm []byte) { c.in <- transport.Inbound{Audio: pcm} }

func (c *fakeConn) sendControl(typ transport.Type) {
	c.in <- transport.Inbound{Msg: transport.Message{Type: typ}}
}

func (c *fakeConn) messages() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) audioChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

// wait polls until a sent message satisfies match and returns it.
func (c *fakeConn) wait(t *testing.T, what string, match func(transport.Message) bool) transport.Message {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		for _, m := range c.messages() {
			if match(m) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; sent: %+v", what, c.messages())
	return transport.Message{}
}

func (c *fakeConn) waitType(t *testing.T, typ transport.Type, turn int) transport.Message {
	t.Helper()
	return c.wait(t, string(typ), func(m transport.Message) bool {
		return m.Type == typ && (turn == 0 || m.Turn == turn)
	})
}

func (c *fakeConn) waitState(t *testing.T, s orchestrator.State) {
	t.Helper()
	c.wait(t, "state "+s.String(), func(m transport.Message) bool {
		return m.Type == transport.TypeState && m.State == s.String()
	})
}

func (c *fakeConn) count(typ transport.Type) int {
	n := 0
	for _, m := range c.messages() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// states returns the sequence of state messages sent so far.
func (c *fakeConn) states() []string {
	var out []string
	for _, m := range c.messages() {
		if m.Type == transport.TypeState {
			out = append(out, m.State)
		}
	}
	return out
}

// ── harness ───────────────────────────────────────────────────────────────────

const frameBytes = 640 // 20 ms at 16 kHz

func frame() []byte { return make([]byte, frameBytes) }

func cascadeConfig(td voice.TurnDetectionMode) voice.Config {
	return voice.Config{
		Mode:          voice.ModeCascade,
		Providers:     voice.Providers{STT: "mock", LLM: "mock", TTS: "mock"},
		TurnDetection: voice.TurnDetection{Mode: td},
		Instructions:  "Be brief.",
	}
}

func realtimeConfig() voice.Config {
	return voice.Config{
		Mode:      voice.ModeRealtime,
		Providers: voice.Providers{S2S: "mock"},
	}
}

var openAILike = s2s.Capabilities{
	SupportsInterrupt:   true,
	SupportsManualTurns: true,
	InputSampleRate:     24000,
	OutputSampleRate:    24000,
}

type harness struct {
	o     *orchestrator.Orchestrator
	conn  *fakeConn
	store *storemock.Store
	runC  chan error
}

// start opens the session and runs it on a fake connection.
func start(t *testing.T, cfg voice.Config, deps orchestrator.Deps, opts ...orchestrator.Option) *harness {
	t.Helper()
	conn := newFakeConn()
	st := &storemock.Store{}
	deps.Sink = conn
	deps.Store = st

	o := orchestrator.New(cfg, deps, append([]orchestrator.Option{orchestrator.WithSessionID("sess-test")}, opts...)...)
	if err := o.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := &harness{o: o, conn: conn, store: st, runC: make(chan error, 1)}
	go func() { h.runC <- o.Run(context.Background(), conn) }()
	t.Cleanup(func() { _ = o.Close() })
	return h
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runC:
		return err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
		return nil
	}
}

func cascadeDeps(sttP *sttmock.Provider, llmP *llmmock.Provider, vadSess *vadmock.Session) orchestrator.Deps {
	deps := orchestrator.Deps{
		STT: sttP,
		LLM: llmP,
		TTS: &ttsmock.Provider{SynthesizeChunks: [][]byte{frame()}, SampleRate: 16000},
	}
	if vadSess != nil {
		deps.VAD = &vadmock.Engine{Session: vadSess}
	}
	return deps
}

func finalSTT(text string) *sttmock.Provider {
	return &sttmock.Provider{NewSessionFunc: func() *sttmock.Session {
		s := sttmock.NewSession()
		s.Script = []stt.Transcript{{Text: text, IsFinal: true}}
		return s
	}}
}

func replyLLM(text string) *llmmock.Provider {
	return &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: text}, {FinishReason: "stop"}}}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestOpen_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  voice.Config
		deps orchestrator.Deps
	}{
		{
			name: "missing providers",
			cfg:  cascadeConfig(voice.TurnAuto),
			deps: orchestrator.Deps{Sink: newFakeConn(), LLM: &llmmock.Provider{}},
		},
		{
			name: "missing vad in auto mode",
			cfg:  cascadeConfig(voice.TurnAuto),
			deps: orchestrator.Deps{Sink: newFakeConn(), STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}},
		},
		{
			name: "invalid config",
			cfg:  voice.Config{Mode: voice.ModeRealtime},
			deps: orchestrator.Deps{Sink: newFakeConn(), S2S: &s2smock.Provider{Caps: openAILike}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := orchestrator.New(tt.cfg, tt.deps).Open(context.Background())
			if voice.KindOf(err) != voice.KindConfig {
				t.Fatalf("want ConfigError, got %v", err)
			}
		})
	}
}

func TestRun_BeforeOpen(t *testing.T) {
	t.Parallel()
	o := orchestrator.New(realtimeConfig(), orchestrator.Deps{Sink: newFakeConn()})
	if err := o.Run(context.Background(), newFakeConn()); !errors.Is(err, orchestrator.ErrNotOpen) {
		t.Fatalf("want ErrNotOpen, got %v", err)
	}
}

func TestCascade_TurnCompletes(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{
		Script: []vad.Event{
			{Type: vad.EventSpeechStart},
			{Type: vad.EventSpeechContinue},
			{Type: vad.EventSpeechEnd},
		},
		EventResult:   vad.Event{Type: vad.EventSilence},
		PreRollFrames: [][]byte{frame()},
	}
	sttP := finalSTT("hello")
	h := start(t, cascadeConfig(voice.TurnAuto), cascadeDeps(sttP, replyLLM("Hi there."), vadSess))

	ready := h.conn.waitType(t, transport.TypeReady, 0)
	if ready.SessionID != "sess-test" || ready.SampleRate != 16000 {
		t.Errorf("ready: got %+v", ready)
	}

	// Chunks need not be frame aligned.
	pcm := make([]byte, 3*frameBytes)
	h.conn.sendFrame(pcm[:1000])
	h.conn.sendFrame(pcm[1000:])

	h.conn.waitType(t, transport.TypeTurnStarted, 1)
	tr := h.conn.wait(t, "final transcript", func(m transport.Message) bool {
		return m.Type == transport.TypeTranscript && m.IsFinal
	})
	if tr.Text != "hello" || tr.Turn != 1 {
		t.Errorf("transcript: got %+v", tr)
	}
	h.conn.waitType(t, transport.TypeResponseTextDelta, 1)
	done := h.conn.waitType(t, transport.TypeTurnComplete, 1)
	if _, ok := done.LatencyMs["total"]; !ok {
		t.Errorf("turn_complete latency: got %v", done.LatencyMs)
	}
	prev := 0.0
	for _, key := range []string{"first_transcript", "first_response_unit", "first_audio_byte", "total"} {
		ms, ok := done.LatencyMs[key]
		if !ok {
			t.Errorf("latency %s missing: %v", key, done.LatencyMs)
			continue
		}
		if ms < prev {
			t.Errorf("latency %s = %v, earlier than the previous milestone (%v)", key, ms, prev)
		}
		prev = ms
	}
	if h.conn.audioChunks() == 0 {
		t.Error("no response audio delivered")
	}

	want := []string{"listening", "thinking", "speaking", "listening"}
	got := h.conn.states()
	if len(got) < len(want) {
		t.Fatalf("states: got %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states: got %v, want prefix %v", got, want)
		}
	}

	if vadSess.Calls() != 3 {
		t.Errorf("vad frames: got %d, want 3", vadSess.Calls())
	}
	// Pre-roll plus the continue and end frames.
	if n := sttP.Sessions[0].AudioChunks(); n != 3 {
		t.Errorf("stt chunks: got %d, want 3", n)
	}

	if err := h.o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	turns := h.store.Turns("sess-test")
	if len(turns) != 1 {
		t.Fatalf("persisted turns: got %d", len(turns))
	}
	if turns[0].InputTranscript != "hello" || turns[0].ResponseText != "Hi there." || turns[0].Interrupted {
		t.Errorf("turn: got %+v", turns[0])
	}
	if len(turns[0].Roles) != 2 || turns[0].Roles[1].Role != voice.RoleAgent {
		t.Errorf("roles: got %+v", turns[0].Roles)
	}
}

func TestCascade_BargeIn(t *testing.T) {
	t.Parallel()

	vadSess := &vadmock.Session{
		Script: []vad.Event{
			{Type: vad.EventSpeechStart},
			{Type: vad.EventSpeechEnd},
			{Type: vad.EventSpeechStart},
		},
		EventResult:   vad.Event{Type: vad.EventSpeechContinue},
		PreRollFrames: [][]byte{frame()},
	}
	sttP := finalSTT("tell me a story")
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Once upon a time."}, {Text: "The end."}, {FinishReason: "stop"}},
		ChunkDelay:   time.Second,
	}
	h := start(t, cascadeConfig(voice.TurnAuto), cascadeDeps(sttP, llmP, vadSess))

	h.conn.sendFrame(frame())
	h.conn.sendFrame(frame())
	h.conn.waitState(t, orchestrator.StateThinking)

	// The user talks over the pending reply.
	h.conn.sendFrame(frame())

	intr := h.conn.waitType(t, transport.TypeInterrupted, 1)
	if intr.Turn != 1 {
		t.Errorf("interrupted turn: got %d", intr.Turn)
	}
	h.conn.waitType(t, transport.TypeTurnStarted, 2)
	if sttP.Calls() != 2 {
		t.Errorf("stt streams: got %d, want 2", sttP.Calls())
	}
	if h.conn.count(transport.TypeTurnComplete) != 0 {
		t.Error("interrupted turn must not complete")
	}
	if got := h.o.State(); got != orchestrator.StateListening {
		t.Errorf("state: got %s", got)
	}

	_ = h.o.Close()
	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	turns := h.store.Turns("sess-test")
	if len(turns) == 0 || turns[0].Seq != 1 || !turns[0].Interrupted {
		t.Fatalf("turn 1 should be persisted as interrupted: %+v", turns)
	}
}

func TestCascade_ProviderFailureEndsTurnOnly(t *testing.T) {
	t.Parallel()

	llmP := &llmmock.Provider{StreamErr: errors.New("rate limited")}
	h := start(t, cascadeConfig(voice.TurnManual), cascadeDeps(finalSTT("hi"), llmP, nil))

	h.conn.sendFrame(frame())
	h.conn.waitType(t, transport.TypeTurnStarted, 1)
	h.conn.sendControl(transport.TypeEndOfAudio)

	msg := h.conn.waitType(t, transport.TypeError, 1)
	if voice.IsFatal(&voice.Error{Kind: msg.Kind}) {
		t.Errorf("turn failure reported as fatal: %+v", msg)
	}
	h.conn.wait(t, "return to listening", func(m transport.Message) bool {
		return m.Type == transport.TypeState && m.State == "listening" && h.o.State() == orchestrator.StateListening
	})
	if h.conn.count(transport.TypeSessionClosed) != 0 {
		t.Fatal("session must survive a turn failure")
	}

	// The next turn still works.
	h.conn.sendFrame(frame())
	h.conn.waitType(t, transport.TypeTurnStarted, 2)

	_ = h.o.Close()
	_ = h.result(t)
	turns := h.store.Turns("sess-test")
	if len(turns) < 1 || turns[0].Error == "" {
		t.Errorf("failed turn should carry its error: %+v", turns)
	}
}

func TestEndOfAudio_RefusedInAutoMode(t *testing.T) {
	t.Parallel()

	h := start(t, cascadeConfig(voice.TurnAuto), cascadeDeps(finalSTT("x"), replyLLM("y"), &vadmock.Session{}))
	h.conn.sendControl(transport.TypeEndOfAudio)

	msg := h.conn.waitType(t, transport.TypeError, 0)
	if msg.Kind != voice.KindConfig {
		t.Errorf("kind: got %q", msg.Kind)
	}
	if h.o.State().Terminal() {
		t.Error("a refused signal must not end the session")
	}
}

func TestRealtime_Interrupt(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Session: sess, Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)

	h.conn.sendFrame(frame())
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStarted})
	h.conn.waitType(t, transport.TypeTurnStarted, 1)
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStopped})
	sess.Emit(s2s.Event{Type: s2s.EventResponseStarted})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: make([]byte, 960)})
	h.conn.waitState(t, orchestrator.StateSpeaking)

	h.conn.sendControl(transport.TypeInterrupt)
	h.conn.waitType(t, transport.TypeInterrupted, 1)
	h.conn.waitType(t, transport.TypeTurnStarted, 2)
	if sess.Interrupts() != 1 {
		t.Errorf("provider interrupts: got %d", sess.Interrupts())
	}
	delivered := h.conn.audioChunks()

	// Audio of the cancelled response is discarded.
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: make([]byte, 960)})
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	time.Sleep(50 * time.Millisecond)
	if got := h.conn.audioChunks(); got != delivered {
		t.Errorf("audio after interrupt: got %d chunks, want %d", got, delivered)
	}
	if sess.AudioChunks() == 0 {
		t.Error("client audio not streamed to the provider")
	}
}

func TestRealtime_ProviderTerminationIsFatal(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Session: sess, Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)

	sess.Terminate(errors.New("socket reset"))

	err := h.result(t)
	if voice.KindOf(err) != voice.KindProviderUnavailable {
		t.Fatalf("Run: want ProviderUnavailable, got %v", err)
	}
	closed := h.conn.waitType(t, transport.TypeSessionClosed, 0)
	if closed.Status != voice.StatusError {
		t.Errorf("status: got %q", closed.Status)
	}
	if h.o.State() != orchestrator.StateErrored {
		t.Errorf("state: got %s", h.o.State())
	}
	writes := h.store.Sessions()
	if len(writes) == 0 || writes[len(writes)-1].Session.Status != voice.StatusError {
		t.Errorf("final session record: %+v", writes)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)

	for range 3 {
		if err := h.o.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.conn.count(transport.TypeSessionClosed); n != 1 {
		t.Errorf("session_closed sent %d times", n)
	}
	writes := h.store.Sessions()
	if len(writes) != 2 {
		t.Fatalf("session writes: got %d, want 2", len(writes))
	}
	if writes[0].Session.Status != voice.StatusActive || writes[1].Session.Status != voice.StatusCompleted {
		t.Errorf("statuses: %q then %q", writes[0].Session.Status, writes[1].Session.Status)
	}
	if h.o.State() != orchestrator.StateClosed {
		t.Errorf("state: got %s", h.o.State())
	}
}

func TestClient_Disconnect(t *testing.T) {
	t.Parallel()

	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)
	h.conn.errs <- io.EOF

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.o.Session().Status; got != voice.StatusDisconnected {
		t.Errorf("status: got %q", got)
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Caps: openAILike}})
	h.conn.sendControl(transport.TypeEndSession)

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.o.Session().Status; got != voice.StatusCompleted {
		t.Errorf("status: got %q", got)
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()

	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Caps: openAILike}},
		orchestrator.WithIdleTimeout(50*time.Millisecond))

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	closed := h.conn.waitType(t, transport.TypeSessionClosed, 0)
	if closed.Status != voice.StatusCompleted {
		t.Errorf("status: got %q", closed.Status)
	}
}

func TestHandleFrame_DropsWhenFull(t *testing.T) {
	t.Parallel()

	o := orchestrator.New(realtimeConfig(), orchestrator.Deps{Sink: newFakeConn()})
	dropped := 0
	for i := range 1000 {
		if !o.HandleFrame(audio.Frame{Seq: uint64(i), Data: frame()}) {
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatal("a full inbox must drop frames instead of blocking")
	}
}

func TestCascade_PartialBeforeEndOfAudio(t *testing.T) {
	t.Parallel()

	sess := sttmock.NewSession()
	sess.Script = []stt.Transcript{{Text: "hello", IsFinal: true}}
	sttP := &sttmock.Provider{Session: sess}
	h := start(t, cascadeConfig(voice.TurnManual), cascadeDeps(sttP, replyLLM("Hi there."), nil))

	h.conn.sendFrame(frame())
	h.conn.waitType(t, transport.TypeTurnStarted, 1)
	sess.PartialsCh <- stt.Transcript{Text: "hel"}
	h.conn.wait(t, "partial transcript", func(m transport.Message) bool {
		return m.Type == transport.TypeTranscript && m.Text == "hel" && !m.IsFinal
	})

	// The user keeps talking well past the first partial.
	const pause = 300 * time.Millisecond
	time.Sleep(pause)
	h.conn.sendControl(transport.TypeEndOfAudio)

	done := h.conn.waitType(t, transport.TypeTurnComplete, 1)
	limit := float64(pause/time.Millisecond) * 2 / 3
	for _, key := range []string{"first_transcript", "first_audio_byte"} {
		ms, ok := done.LatencyMs[key]
		if !ok {
			t.Fatalf("latency %s missing: %v", key, done.LatencyMs)
		}
		if ms >= limit {
			t.Errorf("latency %s = %vms, want it measured from end_of_audio (< %vms)", key, ms, limit)
		}
	}
	if total := done.LatencyMs["total"]; total < float64(pause/time.Millisecond) {
		t.Errorf("total = %vms, want at least the utterance length", total)
	}
}

func TestRealtime_InterruptWhileThinkingDropsStaleReply(t *testing.T) {
	t.Parallel()

	cfg := realtimeConfig()
	cfg.TurnDetection = voice.TurnDetection{Mode: voice.TurnManual}
	sess := s2smock.NewSession()
	h := start(t, cfg, orchestrator.Deps{S2S: &s2smock.Provider{Session: sess, Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)

	h.conn.sendFrame(frame())
	h.conn.waitType(t, transport.TypeTurnStarted, 1)
	h.conn.sendControl(transport.TypeEndOfAudio)
	h.conn.waitState(t, orchestrator.StateThinking)

	// Interrupt before the provider has started its response.
	h.conn.sendControl(transport.TypeInterrupt)
	h.conn.waitType(t, transport.TypeInterrupted, 1)
	h.conn.waitType(t, transport.TypeTurnStarted, 2)
	if sess.Interrupts() != 1 {
		t.Errorf("provider interrupts: got %d", sess.Interrupts())
	}

	// The cancelled response still arrives.
	sess.Emit(s2s.Event{Type: s2s.EventResponseStarted})
	sess.Emit(s2s.Event{Type: s2s.EventTextDelta, Text: "stale"})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: make([]byte, 960)})
	sess.Emit(s2s.Event{Type: s2s.EventResponseDone})
	sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "next"})
	h.conn.wait(t, "transcript of the next turn", func(m transport.Message) bool {
		return m.Type == transport.TypeTranscript && m.Text == "next"
	})

	if n := h.conn.audioChunks(); n != 0 {
		t.Errorf("stale audio delivered: %d chunks", n)
	}
	if n := h.conn.count(transport.TypeResponseTextDelta); n != 0 {
		t.Errorf("stale text delivered: %d deltas", n)
	}
	if n := h.conn.count(transport.TypeTurnComplete); n != 0 {
		t.Errorf("turn_complete sent %d times", n)
	}
	for _, s := range h.conn.states() {
		if s == "speaking" {
			t.Fatalf("states: got %v, the stale reply reached speaking", h.conn.states())
		}
	}
	if got := h.o.State(); got != orchestrator.StateListening {
		t.Errorf("state: got %s", got)
	}

	// Turn 2 is still open and answered normally.
	h.conn.sendControl(transport.TypeEndOfAudio)
	h.conn.wait(t, "turn 2 thinking", func(m transport.Message) bool {
		return m.Type == transport.TypeState && m.State == "thinking" && h.o.State() == orchestrator.StateThinking
	})
	sess.Emit(s2s.Event{Type: s2s.EventResponseStarted})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: make([]byte, 960)})
	sess.Emit(s2s.Event{Type: s2s.EventResponseDone})
	h.conn.waitType(t, transport.TypeTurnComplete, 2)
	if h.conn.audioChunks() == 0 {
		t.Error("reply of turn 2 not delivered")
	}
}

func TestClient_DisconnectMidTurn(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	h := start(t, realtimeConfig(), orchestrator.Deps{S2S: &s2smock.Provider{Session: sess, Caps: openAILike}})
	h.conn.waitState(t, orchestrator.StateListening)

	// Turn 1 completes.
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStarted})
	sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "hello", Final: true})
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStopped})
	sess.Emit(s2s.Event{Type: s2s.EventResponseStarted})
	sess.Emit(s2s.Event{Type: s2s.EventTextDelta, Text: "Hi."})
	sess.Emit(s2s.Event{Type: s2s.EventResponseDone})
	h.conn.waitType(t, transport.TypeTurnComplete, 1)

	// Turn 2 is waiting for its reply when the client goes away.
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStarted})
	sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "hi", Final: true})
	sess.Emit(s2s.Event{Type: s2s.EventSpeechStopped})
	h.conn.wait(t, "turn 2 thinking", func(m transport.Message) bool {
		return m.Type == transport.TypeState && m.State == "thinking" && h.o.State() == orchestrator.StateThinking
	})
	h.conn.errs <- io.EOF

	if err := h.result(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.o.Session().Status; got != voice.StatusDisconnected {
		t.Errorf("status: got %q", got)
	}

	turns := h.store.Turns("sess-test")
	if len(turns) != 2 {
		t.Fatalf("persisted turns: got %d, want 2: %+v", len(turns), turns)
	}
	first, aborted := turns[0], turns[1]
	if first.Seq != 1 || first.InputTranscript != "hello" || first.ResponseText != "Hi." || first.Error != "" {
		t.Errorf("completed turn: got %+v", first)
	}
	if aborted.Seq != 2 || aborted.InputTranscript != "hi" || aborted.EndedAt.IsZero() {
		t.Errorf("aborted turn: got %+v", aborted)
	}
	if aborted.Interrupted {
		t.Error("a turn cut short by disconnect must not be recorded as a barge-in")
	}
	if want := "aborted: session disconnected"; aborted.Error != want {
		t.Errorf("aborted turn error: got %q, want %q", aborted.Error, want)
	}
	writes := h.store.Sessions()
	if len(writes) == 0 || writes[len(writes)-1].Session.Status != voice.StatusDisconnected {
		t.Errorf("final session record: %+v", writes)
	}
}

func TestClose_BeforeRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		open bool
	}{
		{name: "opened", open: true},
		{name: "never opened", open: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := newFakeConn()
			st := &storemock.Store{}
			o := orchestrator.New(realtimeConfig(), orchestrator.Deps{
				S2S:   &s2smock.Provider{Caps: openAILike},
				Sink:  sink,
				Store: st,
			})
			if tt.open {
				if err := o.Open(context.Background()); err != nil {
					t.Fatalf("Open: %v", err)
				}
			}
			if err := o.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			select {
			case <-o.Done():
			case <-time.After(waitFor):
				t.Fatal("Done not closed after Close")
			}
			if !tt.open {
				return
			}

			conn := newFakeConn()
			runC := make(chan error, 1)
			go func() { runC <- o.Run(context.Background(), conn) }()
			select {
			case err := <-runC:
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
			case <-time.After(waitFor):
				t.Fatal("Run on a closed session did not return")
			}
			select {
			case <-conn.closed:
			default:
				t.Error("Run must close the connection of a closed session")
			}
			if got := o.Session().Status; got != voice.StatusCompleted {
				t.Errorf("status: got %q", got)
			}
			if n := len(st.Sessions()); n != 2 {
				t.Errorf("session writes: got %d, want 2", n)
			}
		})
	}
}
