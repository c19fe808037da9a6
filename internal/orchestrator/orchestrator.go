// Package orchestrator runs one voice session: it owns the session's state
// machine, its turn accounting and its barge-in arbitration.
//
// Each session is an actor. A single goroutine owns all session state;
// inbound audio, control messages, pipeline events and timers are serialised
// to it through channels. A reader goroutine feeds the actor from the
// transport and a persister goroutine writes closed turns to the store, so a
// slow store or a slow provider never stalls turn-taking.
//
// The same state machine drives both architectures. In cascade mode turn
// boundaries come from the local VAD (or the client's end_of_audio) and each
// turn runs through a [cascade.Pipeline]; in realtime mode audio streams to a
// [s2s.Bridge] and boundaries come from the provider (or from end_of_audio
// followed by a commit).
//
// This package lives under internal/ because it encapsulates application-private
// session logic and is not intended to be imported by external code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbench/internal/engine"
	"github.com/MrWong99/voxbench/internal/engine/cascade"
	s2sengine "github.com/MrWong99/voxbench/internal/engine/s2s"
	"github.com/MrWong99/voxbench/internal/latency"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	"github.com/MrWong99/voxbench/pkg/provider/s2s"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/MrWong99/voxbench/pkg/provider/vad"
	"github.com/MrWong99/voxbench/pkg/store"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

const (
	defaultPreRoll   = 300 * time.Millisecond
	defaultInboxSize = 256
	defaultEventBuf  = 128
	persistQueueSize = 256
	persistTimeout   = 5 * time.Second
)

// ErrNotOpen is returned by Run before a successful Open.
var ErrNotOpen = errors.New("orchestrator: session not open")

// Sink receives everything the orchestrator sends to the client.
// [*transport.Conn] is the production implementation.
type Sink interface {
	Send(ctx context.Context, msg transport.Message) error
	SendAudio(ctx context.Context, pcm []byte) error
}

// Conn is the duplex transport a session runs on.
type Conn interface {
	Sink
	Receive(ctx context.Context) (transport.Inbound, error)
	Close(reason string) error
}

var _ Conn = (*transport.Conn)(nil)

// Deps are the collaborators of one session. Only the providers of the
// configured mode are required.
type Deps struct {
	Sink Sink

	// Cascade mode.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	// FastLLM, if set, speaks the first sentence of each reply while LLM
	// continues.
	FastLLM llm.Provider
	// VAD detects turn boundaries in cascade mode with automatic turn
	// detection.
	VAD vad.Engine

	// Realtime mode.
	S2S s2s.Provider

	// Store receives closed turns and the final session record. Optional.
	Store store.Store

	// Recorder collects turn latency. A new one is created when nil.
	Recorder *latency.Recorder

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSessionID sets the session id. Default: a random UUID.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithLogger sets the base logger. Session and mode attributes are added.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.baseLog, o.logSet = l, true }
}

// WithIdleTimeout closes the session when the client sends nothing for d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// WithMaxDuration closes the session d after it opened. Zero means no limit.
func WithMaxDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxDuration = d }
}

// WithPreRoll sets how much audio before VAD speech-start reaches STT.
func WithPreRoll(d time.Duration) Option {
	return func(o *Orchestrator) { o.preRoll = d }
}

// WithCascadeOptions appends options for the cascade pipeline.
func WithCascadeOptions(opts ...cascade.Option) Option {
	return func(o *Orchestrator) { o.cascadeOpts = append(o.cascadeOpts, opts...) }
}

// WithBridgeOptions appends options for the realtime bridge.
func WithBridgeOptions(opts ...s2sengine.Option) Option {
	return func(o *Orchestrator) { o.bridgeOpts = append(o.bridgeOpts, opts...) }
}

// input is one item of the actor's inbox.
type input struct {
	audio []byte
	msg   *transport.Message
	// end reports the transport reader stopped with err.
	end bool
	err error
}

// Orchestrator is the actor of one voice session.
type Orchestrator struct {
	cfg     voice.Config
	deps    Deps
	id      string
	mode    string
	baseLog *slog.Logger
	logSet  bool
	log     *slog.Logger
	metrics *observe.Metrics
	rec     *latency.Recorder

	idleTimeout time.Duration
	maxDuration time.Duration
	preRoll     time.Duration
	cascadeOpts []cascade.Option
	bridgeOpts  []s2sengine.Option

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	inbox       chan input
	events      chan engine.Event
	persist     chan persistJob
	persistDone chan struct{}
	stop        chan struct{}
	quit        chan struct{} // closed once the session has finished
	done        chan struct{} // closed when Run returns, or by Close if Run never ran
	stopOnce    sync.Once
	closeOnce   sync.Once
	doneOnce    sync.Once

	stateV atomic.Int32

	mu          sync.Mutex
	opened      bool
	running     bool
	closedEarly bool
	session     voice.Session
	err         error

	// Owned by the actor goroutine.
	state       State
	seq         int
	turn        *voice.Turn
	turnSpan    trace.Span
	pending     []byte
	frameBytes  int
	vadSess     vad.SessionHandle
	pipeline    *cascade.Pipeline
	cturn       *cascade.Turn
	bridge      *s2sengine.Bridge
	genDone     bool
	firstAudio  time.Time
	playStart   time.Time
	playout     time.Duration
	playTimer   *time.Timer
	lost        error
	format      audio.Format
	transcripts []string
}

// New returns an unopened orchestrator for cfg. Zero-valued tunables of cfg
// are filled with defaults.
func New(cfg voice.Config, deps Deps, opts ...Option) *Orchestrator {
	cfg = cfg.WithDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		mode:        string(cfg.Mode),
		preRoll:     defaultPreRoll,
		inbox:       make(chan input, defaultInboxSize),
		events:      make(chan engine.Event, defaultEventBuf),
		persist:     make(chan persistJob, persistQueueSize),
		persistDone: make(chan struct{}),
		stop:        make(chan struct{}),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		format:      audio.Format{SampleRate: cfg.SampleRate, Channels: 1},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.baseLog == nil {
		o.baseLog = slog.Default()
	}
	o.log = o.baseLog.With("session_id", o.id, "mode", o.mode)
	o.metrics = deps.Metrics
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.rec = deps.Recorder
	if o.rec == nil {
		o.rec = latency.New(latency.WithMetrics(o.metrics, o.mode))
	}
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current state. Safe for concurrent use.
func (o *Orchestrator) State() State { return State(o.stateV.Load()) }

// Session returns a snapshot of the session record.
func (o *Orchestrator) Session() voice.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Latency returns the session's latency recorder.
func (o *Orchestrator) Latency() *latency.Recorder { return o.rec }

// Err returns the error that ended the session, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// ── Open ──────────────────────────────────────────────────────────────────────

// Open validates the configuration, prepares the mode's pipeline (connecting
// the realtime provider if needed), sends ready and starts listening. ctx
// bounds the whole session.
func (o *Orchestrator) Open(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if err := o.checkDeps(); err != nil {
		return err
	}

	o.ctx, o.cancel = context.WithCancel(observe.WithSession(ctx, o.id))
	o.ctx, o.span = observe.StartSpan(o.ctx, "orchestrator.session",
		trace.WithAttributes(
			attribute.String("session.id", o.id),
			attribute.String("session.mode", o.mode),
		),
	)
	if !o.logSet {
		o.log = observe.Logger(o.ctx).With("mode", o.mode)
	}

	if err := o.openPipeline(); err != nil {
		o.release()
		o.span.RecordError(err)
		o.span.End()
		o.cancel()
		return err
	}

	now := time.Now()
	o.mu.Lock()
	o.session = voice.Session{
		ID:        o.id,
		Mode:      o.cfg.Mode,
		Providers: o.cfg.Providers,
		StartedAt: now,
		Status:    voice.StatusActive,
	}
	sess := o.session
	o.opened = true
	o.mu.Unlock()

	go o.persistLoop()
	o.enqueuePersist("session", func(ctx context.Context, s store.Store) error {
		return s.PersistSession(ctx, sess, latency.SessionStats{})
	})

	o.send(transport.Message{Type: transport.TypeReady, SessionID: o.id, SampleRate: o.cfg.SampleRate})
	o.transition(StateListening)
	o.log.Info("session opened", "turn_detection", o.cfg.TurnDetection.Mode, "sample_rate", o.cfg.SampleRate)
	return nil
}

func (o *Orchestrator) checkDeps() error {
	var missing []string
	if o.deps.Sink == nil {
		missing = append(missing, "sink")
	}
	switch o.cfg.Mode {
	case voice.ModeCascade:
		if o.deps.STT == nil {
			missing = append(missing, "stt provider")
		}
		if o.deps.LLM == nil {
			missing = append(missing, "llm provider")
		}
		if o.deps.TTS == nil {
			missing = append(missing, "tts provider")
		}
		if o.cfg.TurnDetection.Mode == voice.TurnAuto && o.deps.VAD == nil {
			missing = append(missing, "vad engine")
		}
	case voice.ModeRealtime:
		if o.deps.S2S == nil {
			missing = append(missing, "s2s provider")
		}
	}
	if len(missing) > 0 {
		return voice.Errorf(voice.KindConfig, "orchestrator: open", "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// openPipeline builds the cascade pipeline and VAD session, or connects the
// realtime bridge.
func (o *Orchestrator) openPipeline() error {
	switch o.cfg.Mode {
	case voice.ModeCascade:
		opts := []cascade.Option{
			cascade.WithVoice(tts.VoiceProfile{ID: o.cfg.Voice.ID, Speed: o.cfg.Voice.Speed, Style: o.cfg.Voice.Style}),
			cascade.WithSystemPrompt(o.cfg.Instructions),
			cascade.WithAudioFormat(o.cfg.SampleRate),
			cascade.WithLanguage(o.cfg.Language),
			cascade.WithMetrics(o.metrics),
		}
		if o.deps.FastLLM != nil {
			opts = append(opts, cascade.WithOpener(o.deps.FastLLM))
		}
		o.pipeline = cascade.New(o.deps.STT, o.deps.LLM, o.deps.TTS, append(opts, o.cascadeOpts...)...)

		if o.cfg.TurnDetection.Mode == voice.TurnAuto {
			frameMs := int(o.cfg.FrameDuration() / time.Millisecond)
			sess, err := o.deps.VAD.NewSession(vad.Config{
				SampleRate:      o.cfg.SampleRate,
				FrameSizeMs:     frameMs,
				ThresholdDB:     vad.ThresholdForSensitivity(o.cfg.TurnDetection.Sensitivity),
				MinSpeechFrames: o.cfg.TurnDetection.MinSpeechFrames,
				Hangover:        o.cfg.TurnDetection.Silence,
				PreRoll:         o.preRoll,
			})
			if err != nil {
				return voice.Wrap(voice.KindConfig, "orchestrator: vad", err)
			}
			o.vadSess = sess
			o.frameBytes = o.cfg.SampleRate * frameMs / 1000 * audio.BytesPerSample
		}

	case voice.ModeRealtime:
		opts := append([]s2sengine.Option{
			s2sengine.WithMetrics(o.metrics),
			s2sengine.WithLogger(o.log),
		}, o.bridgeOpts...)
		b := s2sengine.NewBridge(o.deps.S2S, o.cfg, opts...)
		if err := b.Open(o.ctx); err != nil {
			return err
		}
		o.bridge = b
		go o.forward(b.Events())
	}
	return nil
}

// ── Run ───────────────────────────────────────────────────────────────────────

// Run serves the session on conn until it ends: a reader goroutine feeds the
// actor while the actor drives the state machine. Run closes conn and returns
// after the final session record has been handed to the store. It returns the
// fatal error that ended the session, or nil.
func (o *Orchestrator) Run(ctx context.Context, conn Conn) error {
	o.mu.Lock()
	switch {
	case !o.opened:
		o.mu.Unlock()
		return ErrNotOpen
	case o.running:
		o.mu.Unlock()
		return nil
	case o.closedEarly:
		// Close finishes the session itself and then closes done.
		o.mu.Unlock()
		_ = conn.Close(o.closeReason())
		<-o.done
		return nil
	}
	o.running = true
	o.mu.Unlock()
	defer o.doneOnce.Do(func() { close(o.done) })

	readCtx, stopRead := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRead()
	var g errgroup.Group
	g.Go(func() error {
		o.read(readCtx, conn)
		return nil
	})

	err := o.loop(ctx)

	_ = conn.Close(o.closeReason())
	stopRead()
	_ = g.Wait()
	<-o.persistDone
	return err
}

// Close ends the session with status completed. It is idempotent and safe to
// call from any goroutine; when Run is active it waits for Run to return.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	running, opened := o.running, o.opened
	if !running {
		o.closedEarly = true
	}
	o.mu.Unlock()

	o.stopOnce.Do(func() { close(o.stop) })
	if running {
		<-o.done
		return nil
	}
	if opened {
		o.closeOnce.Do(func() {
			o.finish(voice.StatusCompleted, nil, "closed")
			<-o.persistDone
		})
	}
	o.doneOnce.Do(func() { close(o.done) })
	return nil
}

// HandleFrame queues a chunk of client audio. Chunks need not be aligned to
// frames. It reports false when the audio was dropped because the session is
// over or its inbox is full.
func (o *Orchestrator) HandleFrame(f audio.Frame) bool {
	select {
	case <-o.quit:
		return false
	default:
	}
	select {
	case o.inbox <- input{audio: f.Data}:
		return true
	default:
		o.metrics.DroppedFrames.Add(context.Background(), 1)
		return false
	}
}

// HandleControl queues a control message for the actor.
func (o *Orchestrator) HandleControl(msg transport.Message) error {
	select {
	case o.inbox <- input{msg: &msg}:
		return nil
	case <-o.quit:
		return transport.ErrClosed
	}
}

func (o *Orchestrator) read(ctx context.Context, conn Conn) {
	var seq uint64
	for {
		in, err := conn.Receive(ctx)
		if err != nil {
			select {
			case o.inbox <- input{end: true, err: err}:
			case <-o.quit:
			}
			return
		}
		if in.IsAudio() {
			o.HandleFrame(audio.Frame{Seq: seq, Data: in.Audio, SampleRate: o.cfg.SampleRate, Channels: 1})
			seq++
			continue
		}
		if err := o.HandleControl(in.Msg); err != nil {
			return
		}
	}
}

// loop is the actor. It returns once the session reached a terminal state.
func (o *Orchestrator) loop(ctx context.Context) error {
	var idleC, maxC <-chan time.Time
	var idle *time.Timer
	if o.idleTimeout > 0 {
		idle = time.NewTimer(o.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}
	if o.maxDuration > 0 {
		left := o.maxDuration - time.Since(o.Session().StartedAt)
		t := time.NewTimer(max(left, 0))
		defer t.Stop()
		maxC = t.C
	}

	for !o.state.Terminal() {
		select {
		case in := <-o.inbox:
			if idle != nil {
				idle.Reset(o.idleTimeout)
			}
			o.handleInput(in)
		case ev := <-o.events:
			o.handleEvent(ev)
		case <-o.playoutC():
			o.playTimer = nil
			o.completeTurn()
		case <-idleC:
			o.finish(voice.StatusCompleted, nil, "idle timeout")
		case <-maxC:
			o.finish(voice.StatusCompleted, nil, "max duration reached")
		case <-o.stop:
			o.finish(voice.StatusCompleted, nil, "closed")
		case <-ctx.Done():
			o.finish(voice.StatusCompleted, nil, "server shutdown")
		case <-o.ctx.Done():
			o.lost = voice.Wrap(voice.KindTransport, "orchestrator", context.Cause(o.ctx))
		}
		if o.lost != nil && !o.state.Terminal() {
			o.finish(voice.StatusDisconnected, o.lost, "transport lost")
		}
	}
	return o.Err()
}

func (o *Orchestrator) closeReason() string {
	switch o.Session().Status {
	case voice.StatusError:
		return "session error"
	default:
		return "session closed"
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) handleInput(in input) {
	switch {
	case in.end:
		o.transportEnded(in.err)
	case in.msg != nil:
		o.handleControl(*in.msg)
	default:
		o.handleAudio(in.audio)
	}
}

func (o *Orchestrator) transportEnded(err error) {
	switch {
	case errors.Is(err, transport.ErrClosed), errors.Is(err, context.Canceled):
		o.lost = voice.Wrap(voice.KindTransport, "orchestrator: receive", err)
	case transport.IsDisconnect(err):
		o.log.Info("client disconnected", "err", err)
		o.lost = voice.Wrap(voice.KindTransport, "orchestrator: receive", err)
	default:
		o.fail(voice.Wrap(voice.KindTransport, "orchestrator: receive", err))
	}
}

func (o *Orchestrator) handleControl(msg transport.Message) {
	switch msg.Type {
	case transport.TypeEndOfAudio:
		o.endOfAudio()
	case transport.TypeEndSession:
		o.finish(voice.StatusCompleted, nil, "ended by client")
	case transport.TypeInterrupt:
		o.bargeIn("client")
	case transport.TypePlaybackStarted:
		turn := msg.Turn
		if turn == 0 {
			turn = o.seq
		}
		now := time.Now()
		o.rec.Mark(turn, latency.PlaybackStart, now)
		if o.turn != nil && o.turn.Seq == turn && o.playStart.IsZero() {
			o.playStart = now
		}
	case transport.TypeSetup:
		o.sendError(o.currentSeq(), voice.Errorf(voice.KindConfig, "orchestrator", "session already configured"))
	default:
		o.log.Warn("unknown control message", "type", msg.Type)
		o.sendError(o.currentSeq(), voice.Errorf(voice.KindTransport, "orchestrator", "unknown message type %q", msg.Type))
	}
}

func (o *Orchestrator) handleAudio(data []byte) {
	if o.bridge != nil {
		if err := o.bridge.SendAudio(data); err != nil {
			o.handleError(err)
			return
		}
		if !o.cfg.TurnDetection.ClientSignals() || o.state != StateListening || o.turn != nil {
			return
		}
		o.openTurn(time.Now())
		return
	}

	if o.vadSess == nil {
		// Manual turns: every frame while listening belongs to the open turn.
		if o.state != StateListening {
			return
		}
		if !o.ensureCascadeTurn(nil) {
			return
		}
		if err := o.cturn.SendAudio(data); err != nil {
			o.handleError(err)
		}
		return
	}

	o.pending = append(o.pending, data...)
	for len(o.pending) >= o.frameBytes && !o.state.Terminal() {
		frame := o.pending[:o.frameBytes:o.frameBytes]
		o.pending = o.pending[o.frameBytes:]
		o.processFrame(frame)
	}
	if len(o.pending) == 0 {
		o.pending = nil
	}
}

// processFrame runs one frame through VAD in cascade auto mode.
func (o *Orchestrator) processFrame(frame []byte) {
	ev, err := o.vadSess.ProcessFrame(frame)
	if err != nil {
		o.log.Warn("vad: frame rejected", "err", err)
		return
	}
	switch ev.Type {
	case vad.EventSpeechStart:
		switch o.state {
		case StateListening:
			// The pre-roll already contains this frame.
			o.ensureCascadeTurn(o.vadSess.PreRoll())
		case StateThinking, StateSpeaking:
			o.bargeIn("vad")
		}
	case vad.EventSpeechContinue:
		if o.state == StateListening && o.cturn != nil {
			if err := o.cturn.SendAudio(frame); err != nil {
				o.handleError(err)
			}
		}
	case vad.EventSpeechEnd:
		if o.state == StateListening && o.cturn != nil {
			if err := o.cturn.SendAudio(frame); err != nil {
				o.handleError(err)
				return
			}
			o.boundary()
		}
	}
}

func (o *Orchestrator) endOfAudio() {
	if !o.cfg.TurnDetection.ClientSignals() {
		o.sendError(o.currentSeq(), voice.Errorf(voice.KindConfig, "orchestrator: end_of_audio",
			"end_of_audio requires manual turn detection"))
		return
	}
	if o.state != StateListening || o.turn == nil {
		o.log.Debug("end_of_audio ignored", "state", o.state)
		return
	}
	if o.bridge != nil {
		if err := o.bridge.Commit(); err != nil {
			o.handleError(err)
			return
		}
	}
	o.boundary()
}

// ── Pipeline events ───────────────────────────────────────────────────────────

// forward relays a pipeline event stream into the actor until it closes.
func (o *Orchestrator) forward(ch <-chan engine.Event) {
	for ev := range ch {
		select {
		case o.events <- ev:
		case <-o.quit:
			audio.Drain(ch)
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ev engine.Event) {
	if o.state.Terminal() {
		return
	}
	// Events of cancelled cascade turns are stale.
	if ev.Turn != 0 && (o.turn == nil || ev.Turn != o.turn.Seq) {
		return
	}

	switch ev.Type {
	case engine.EventTranscript:
		o.onTranscript(ev)

	case engine.EventSpeechStarted:
		switch o.state {
		case StateListening:
			if o.turn == nil {
				o.openTurn(time.Now())
			}
		case StateThinking, StateSpeaking:
			o.bargeIn("provider")
		}

	case engine.EventSpeechStopped:
		if o.state == StateListening {
			if o.turn == nil {
				o.openTurn(time.Now())
			}
			o.boundary()
		}

	case engine.EventResponseStarted:
		o.ensureResponding()

	case engine.EventTextDelta:
		if !o.ensureResponding() {
			return
		}
		o.firstUnit()
		o.turn.ResponseText += ev.Text
		o.send(transport.Message{Type: transport.TypeResponseTextDelta, Turn: o.turn.Seq, Text: ev.Text})

	case engine.EventAudio:
		if !o.ensureResponding() || len(ev.Audio) == 0 {
			return
		}
		o.firstUnit()
		now := time.Now()
		if o.firstAudio.IsZero() {
			o.firstAudio = now
			o.rec.Mark(o.turn.Seq, latency.FirstAudioByte, now)
		}
		o.playout += o.format.Duration(len(ev.Audio))
		o.turn.AudioBytes += int64(len(ev.Audio))
		o.sendAudio(ev.Audio)

	case engine.EventResponseDone:
		if o.turn == nil {
			return
		}
		o.genDone = true
		switch o.state {
		case StateThinking:
			o.completeTurn()
		case StateSpeaking:
			o.schedulePlayoutEnd()
		}

	case engine.EventInterrupted:
		// Our own interrupts are acknowledged after the turn moved on; a
		// provider-initiated one arrives while we still respond.
		if o.state == StateThinking || o.state == StateSpeaking {
			o.bargeIn("provider")
		}

	case engine.EventError:
		o.handleError(ev.Err)
	}
}

func (o *Orchestrator) onTranscript(ev engine.Event) {
	if o.turn == nil {
		// Late transcript of a closed realtime turn: forward it, the record
		// is already final.
		o.send(transport.Message{Type: transport.TypeTranscript, Turn: o.seq, Text: ev.Text, IsFinal: ev.Final})
		return
	}
	if o.state != StateListening {
		// Partials during the utterance do not count as transcript latency.
		o.rec.Mark(o.turn.Seq, latency.FirstTranscript, time.Now())
	}
	if ev.Final {
		o.transcripts = append(o.transcripts, ev.Text)
		o.turn.InputTranscript = strings.Join(o.transcripts, " ")
	}
	o.send(transport.Message{Type: transport.TypeTranscript, Turn: o.turn.Seq, Text: ev.Text, IsFinal: ev.Final})
}

// ensureResponding makes sure a turn is open and past its boundary before
// response output is handled. With automatic turn detection providers may
// respond without reporting the boundary first; with manual turns only the
// client ends a turn, so output for an open listening turn is dropped.
func (o *Orchestrator) ensureResponding() bool {
	if o.state == StateInterrupted || o.state.Terminal() {
		return false
	}
	if o.turn == nil {
		if o.state != StateListening {
			return false
		}
		o.openTurn(time.Now())
	} else if o.state == StateListening && o.cfg.TurnDetection.Mode == voice.TurnManual {
		o.log.Debug("response output before end of audio dropped", "turn", o.turn.Seq)
		return false
	}
	if o.state == StateListening {
		o.boundary()
	}
	return o.state == StateThinking || o.state == StateSpeaking
}

// firstUnit moves thinking -> speaking on the first response output.
func (o *Orchestrator) firstUnit() {
	if o.state != StateThinking {
		return
	}
	now := time.Now()
	o.rec.Mark(o.turn.Seq, latency.FirstResponseUnit, now)
	o.turn.AddRole(voice.RoleAgent, now)
	o.transition(StateSpeaking)
}

// ── Turns ─────────────────────────────────────────────────────────────────────

func (o *Orchestrator) currentSeq() int {
	if o.turn != nil {
		return o.turn.Seq
	}
	return o.seq
}

// openTurn opens turn seq+1. At most one turn is open at a time.
func (o *Orchestrator) openTurn(at time.Time) bool {
	if o.turn != nil {
		o.log.Error("open turn refused: a turn is already open", "turn", o.turn.Seq)
		return false
	}
	o.seq++
	o.turn = &voice.Turn{Seq: o.seq, SessionID: o.id, StartedAt: at}
	o.turn.AddRole(voice.RoleUser, at)
	o.transcripts = nil
	o.resetDelivery()
	o.rec.Begin(o.seq, at)
	_, o.turnSpan = observe.StartSpan(o.ctx, "orchestrator.turn",
		trace.WithAttributes(attribute.Int("turn.seq", o.seq)))
	o.send(transport.Message{Type: transport.TypeTurnStarted, Turn: o.seq})
	return true
}

// ensureCascadeTurn opens a turn and its STT stream if none is running.
func (o *Orchestrator) ensureCascadeTurn(preRoll [][]byte) bool {
	if o.turn == nil && !o.openTurn(time.Now()) {
		return false
	}
	if o.cturn != nil {
		return true
	}
	t, err := o.pipeline.BeginTurn(o.ctx, o.turn.Seq, preRoll)
	if err != nil {
		o.handleError(err)
		return false
	}
	o.cturn = t
	go o.forward(t.Events())
	return true
}

// boundary ends the user's input: listening -> thinking.
func (o *Orchestrator) boundary() {
	if o.turn == nil || !o.transition(StateThinking) {
		return
	}
	o.rec.Mark(o.turn.Seq, latency.SpeechEnd, time.Now())
	switch {
	case o.cturn != nil:
		o.cturn.Respond(o.ctx)
	case o.pipeline != nil:
		// No audio reached the pipeline: nothing to answer.
		o.completeTurn()
	}
}

func (o *Orchestrator) resetDelivery() {
	o.genDone = false
	o.firstAudio = time.Time{}
	o.playStart = time.Time{}
	o.playout = 0
	o.stopPlayout()
}

func (o *Orchestrator) playoutC() <-chan time.Time {
	if o.playTimer == nil {
		return nil
	}
	return o.playTimer.C
}

func (o *Orchestrator) stopPlayout() {
	if o.playTimer != nil {
		o.playTimer.Stop()
		o.playTimer = nil
	}
}

// schedulePlayoutEnd completes the turn once the client has had time to play
// everything sent: generation is done and the estimated playout has elapsed.
func (o *Orchestrator) schedulePlayoutEnd() {
	start := o.firstAudio
	if o.playStart.After(start) {
		start = o.playStart
	}
	left := time.Until(start.Add(o.playout))
	if start.IsZero() || left <= 0 {
		o.completeTurn()
		return
	}
	o.stopPlayout()
	o.playTimer = time.NewTimer(left)
}

// completeTurn closes a delivered turn: speaking|thinking -> listening.
func (o *Orchestrator) completeTurn() {
	if o.turn == nil {
		return
	}
	seq := o.turn.Seq
	o.releaseCascadeTurn(false)
	stats := o.closeTurn("completed", false, "")
	o.send(transport.Message{Type: transport.TypeTurnComplete, Turn: seq, LatencyMs: stats.Millis()})
	o.transition(StateListening)
}

// bargeIn interrupts the response in progress and opens the next turn.
func (o *Orchestrator) bargeIn(source string) {
	if o.state != StateThinking && o.state != StateSpeaking {
		// Nothing in flight: the response was fully delivered already.
		o.log.Debug("barge-in after delivery", "source", source,
			"kind", voice.KindInterruptionRace, "state", o.state)
		if o.state == StateListening && o.turn == nil && source == "client" {
			o.nextTurn(source)
		}
		return
	}

	seq := o.turn.Seq
	o.metrics.RecordInterruption(o.ctx, o.mode)
	o.transition(StateInterrupted)

	if o.bridge != nil {
		if err := o.bridge.Interrupt(); err != nil && voice.KindOf(err) != voice.KindInterruptionRace {
			o.log.Warn("provider interrupt failed", "turn", seq, "err", err)
		}
	}
	o.releaseCascadeTurn(true)
	o.stopPlayout()

	o.send(transport.Message{Type: transport.TypeInterrupted, Turn: seq})
	o.closeTurn("interrupted", true, "")
	o.transition(StateListening)
	o.log.Info("barge-in", "turn", seq, "source", source)

	o.nextTurn(source)
}

// nextTurn opens the turn of a user who is already speaking.
func (o *Orchestrator) nextTurn(source string) {
	switch {
	case o.vadSess != nil && source == "vad":
		o.ensureCascadeTurn(o.vadSess.PreRoll())
	case o.vadSess != nil:
		o.openTurn(time.Now())
	case o.pipeline != nil:
		o.ensureCascadeTurn(nil)
	default:
		o.openTurn(time.Now())
	}
}

// releaseCascadeTurn stops the pipeline turn. An interrupted exchange is
// removed from the conversation history.
func (o *Orchestrator) releaseCascadeTurn(interrupted bool) {
	if o.cturn == nil {
		return
	}
	if interrupted {
		o.cturn.Cancel()
	}
	o.cturn.Close()
	o.cturn = nil
}

// closeTurn finalises the open turn, hands a copy to the persister and
// returns its latency.
func (o *Orchestrator) closeTurn(outcome string, interrupted bool, errMsg string) latency.Stats {
	t := o.turn
	now := time.Now()
	t.EndedAt = now
	t.Interrupted = interrupted
	t.Error = errMsg
	o.turn = nil
	o.stopPlayout()

	stats := o.rec.Finish(t.Seq, now)
	o.metrics.RecordTurn(o.ctx, o.mode, outcome)
	if o.turnSpan != nil {
		o.turnSpan.SetAttributes(attribute.String("turn.outcome", outcome))
		o.turnSpan.End()
		o.turnSpan = nil
	}

	rec := t.Clone()
	o.enqueuePersist("turn", func(ctx context.Context, s store.Store) error {
		return s.PersistTurn(ctx, o.id, rec)
	})
	o.log.Debug("turn closed", "turn", t.Seq, "outcome", outcome, "latency_ms", stats.Millis())
	return stats
}

// ── Errors ────────────────────────────────────────────────────────────────────

// handleError routes err by kind: fatal errors end the session, everything
// else fails only the current turn.
func (o *Orchestrator) handleError(err error) {
	if err == nil {
		return
	}
	switch {
	case voice.IsFatal(err):
		o.fail(err)
	case voice.KindOf(err) == voice.KindInterruptionRace:
		o.log.Debug("interruption race", "err", err)
	default:
		o.turnFailed(err)
	}
}

func (o *Orchestrator) turnFailed(err error) {
	seq := o.currentSeq()
	o.log.Warn("turn failed", "turn", seq, "kind", voice.KindOf(err), "err", err)
	o.sendError(seq, err)
	o.releaseCascadeTurn(false)
	if o.turn != nil {
		o.closeTurn("failed", false, err.Error())
	}
	if o.state == StateThinking || o.state == StateSpeaking {
		o.transition(StateListening)
	}
}

// fail ends the session because of a fatal error.
func (o *Orchestrator) fail(err error) {
	o.log.Error("session failed", "kind", voice.KindOf(err), "err", err)
	o.sendError(o.currentSeq(), err)
	status := voice.StatusError
	if voice.KindOf(err) == voice.KindTransport && o.lost != nil {
		status = voice.StatusDisconnected
	}
	o.finish(status, err, "fatal error")
}

// ── Shutdown ──────────────────────────────────────────────────────────────────

// abortedTurn prefixes the Error of a turn cut short by the session ending;
// the session status follows.
const abortedTurn = "aborted: session "

// finish moves the session to its terminal state. It is a no-op on a
// finished session.
func (o *Orchestrator) finish(status voice.Status, err error, reason string) {
	if o.state.Terminal() {
		return
	}
	if o.turn != nil {
		// Interrupted stays reserved for barge-in.
		o.releaseCascadeTurn(o.state == StateThinking || o.state == StateSpeaking)
		o.closeTurn("aborted", false, abortedTurn+string(status))
	}
	o.release()

	target := StateClosed
	if status == voice.StatusError {
		target = StateErrored
	}
	o.transition(target)

	o.mu.Lock()
	o.session.Status = status
	o.session.EndedAt = time.Now()
	if err != nil {
		o.session.Error = err.Error()
		if status == voice.StatusError {
			o.err = err
		}
	}
	sess := o.session
	o.mu.Unlock()

	o.send(transport.Message{Type: transport.TypeSessionClosed, SessionID: o.id, Status: status})

	stats := o.rec.Session()
	o.enqueuePersist("session", func(ctx context.Context, s store.Store) error {
		return s.PersistSession(ctx, sess, stats)
	})
	close(o.persist)

	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	}
	o.span.SetAttributes(attribute.String("session.status", string(status)), attribute.Int("session.turns", stats.Turns))
	o.span.End()
	o.log.Info("session closed", "status", status, "reason", reason, "turns", o.seq)

	close(o.quit)
	o.cancel()
}

// release closes the pipeline resources.
func (o *Orchestrator) release() {
	o.stopPlayout()
	o.releaseCascadeTurn(true)
	if o.bridge != nil {
		_ = o.bridge.Close()
	}
	if o.vadSess != nil {
		_ = o.vadSess.Close()
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func (o *Orchestrator) transition(to State) bool {
	if !canTransition(o.state, to) {
		o.log.Error("illegal state transition refused", "from", o.state, "to", to)
		return false
	}
	o.state = to
	o.stateV.Store(int32(to))
	o.send(transport.Message{Type: transport.TypeState, State: to.String()})
	return true
}

func (o *Orchestrator) send(msg transport.Message) {
	if o.lost != nil {
		return
	}
	if err := o.deps.Sink.Send(o.ctx, msg); err != nil {
		o.lost = voice.Wrap(voice.KindTransport, fmt.Sprintf("orchestrator: send %s", msg.Type), err)
	}
}

func (o *Orchestrator) sendAudio(pcm []byte) {
	if o.lost != nil {
		return
	}
	if err := o.deps.Sink.SendAudio(o.ctx, pcm); err != nil {
		o.lost = voice.Wrap(voice.KindTransport, "orchestrator: send audio", err)
	}
}

func (o *Orchestrator) sendError(turn int, err error) {
	o.send(transport.ErrorMessage(turn, err))
}

// ── Persistence ───────────────────────────────────────────────────────────────

type persistJob struct {
	what string
	run  func(context.Context, store.Store) error
}

// enqueuePersist hands a write to the persister without blocking the actor.
func (o *Orchestrator) enqueuePersist(what string, run func(context.Context, store.Store) error) {
	if o.deps.Store == nil {
		return
	}
	select {
	case o.persist <- persistJob{what: what, run: run}:
	default:
		o.log.Error("store: persist queue full, record dropped", "what", what)
		o.metrics.StoreErrors.Add(context.Background(), 1)
	}
}

func (o *Orchestrator) persistLoop() {
	defer close(o.persistDone)
	for job := range o.persist {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := job.run(ctx, o.deps.Store); err != nil {
			o.log.Error("store: persist failed", "what", job.what, "err", err)
			o.metrics.StoreErrors.Add(ctx, 1)
		}
		cancel()
	}
}
