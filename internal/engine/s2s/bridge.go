// Package s2s bridges a session to a native speech-to-speech provider.
//
// A [Bridge] owns one provider session for the lifetime of a voice session. It
// converts client audio to the provider's input rate, translates provider
// events into the shared [engine.Event] vocabulary and converts response audio
// back to the session rate.
//
// # Interruption
//
// Interrupt discards undelivered response audio locally first and only then
// asks the provider to cancel, so a slow or missing acknowledgement never
// leaks stale audio to the client. Discarding ends when the provider
// acknowledges, when the cancelled response ends, when a new response starts,
// or (for providers with a cancel signal) once the acknowledgement wait has
// elapsed.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package s2s

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbench/internal/engine"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/pkg/audio"
	providers2s "github.com/MrWong99/voxbench/pkg/provider/s2s"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/MrWong99/voxbench/pkg/voice"
)

const (
	// defaultAckWait is how long audio is discarded after a cancel request
	// the provider has not acknowledged.
	defaultAckWait = 2 * time.Second

	// defaultEventBuf is the buffer depth of the translated event channel.
	defaultEventBuf = 128
)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithAckWait sets how long response audio keeps being discarded after an
// interrupt that the provider has not acknowledged. Zero discards until the
// provider acknowledges or a response boundary arrives. Only applies to
// providers with a cancel signal.
func WithAckWait(d time.Duration) Option {
	return func(b *Bridge) { b.ackWait = d }
}

// WithEventBuffer sets the buffer depth of the channel returned by Events.
func WithEventBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.eventBuf = n
		}
	}
}

// WithMetrics records turn-boundary to first-audio latency to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the logger for non-fatal bridge diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// Bridge is the realtime response pipeline of one session.
//
// SendAudio, Commit and Interrupt may be called from any goroutine.
type Bridge struct {
	provider providers2s.Provider
	cfg      voice.Config
	caps     providers2s.Capabilities

	ackWait  time.Duration
	eventBuf int
	metrics  *observe.Metrics
	log      *slog.Logger

	sess    providers2s.SessionHandle
	events  chan engine.Event
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	err       atomic.Pointer[error]

	mu           sync.Mutex
	in           audio.Resampler
	responding   bool // response output seen and not yet done
	pending      bool // boundary signalled, no response seen yet
	discarding   bool
	stale        bool // discarding a response that has not started yet
	discardSince time.Time
	boundaryAt   time.Time
	dropped      int64
}

// NewBridge returns an unopened bridge for cfg. cfg must be a realtime
// configuration.
func NewBridge(provider providers2s.Provider, cfg voice.Config, opts ...Option) *Bridge {
	b := &Bridge{
		provider: provider,
		cfg:      cfg,
		ackWait:  defaultAckWait,
		eventBuf: defaultEventBuf,
		log:      slog.Default(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.events = make(chan engine.Event, b.eventBuf)
	return b
}

// SessionConfig translates a session configuration into the provider
// handshake.
func SessionConfig(cfg voice.Config) providers2s.SessionConfig {
	td := cfg.TurnDetection
	sc := providers2s.SessionConfig{
		Voice: tts.VoiceProfile{
			ID:    cfg.Voice.ID,
			Speed: cfg.Voice.Speed,
			Style: cfg.Voice.Style,
		},
		Instructions: cfg.Instructions,
		Language:     cfg.Language,
		TurnDetection: providers2s.TurnDetection{
			Auto:            td.Mode == voice.TurnAuto,
			SilenceDuration: td.Silence,
		},
	}
	if td.Sensitivity > 0 {
		// Higher sensitivity means a lower activation threshold.
		sc.TurnDetection.Threshold = 1 - td.Sensitivity
	}
	return sc
}

// Open connects the provider session. Connection failures are reported as
// [voice.KindProviderUnavailable]; a configuration the provider cannot serve
// as [voice.KindConfig].
func (b *Bridge) Open(ctx context.Context) error {
	if b.cfg.Mode != voice.ModeRealtime {
		return voice.Errorf(voice.KindConfig, "s2s: open", "mode %q is not realtime", b.cfg.Mode)
	}
	b.caps = b.provider.Capabilities()
	if b.cfg.TurnDetection.Mode == voice.TurnManual && !b.caps.SupportsManualTurns {
		return voice.Errorf(voice.KindConfig, "s2s: open", "provider does not support manual turn detection")
	}

	sess, err := b.provider.Connect(ctx, SessionConfig(b.cfg))
	if err != nil {
		return voice.Wrap(voice.KindProviderUnavailable, "s2s: connect", err)
	}
	b.sess = sess
	b.in = audio.Resampler{From: b.cfg.SampleRate, To: b.caps.InputSampleRate}
	go b.receive()
	return nil
}

// Events returns the translated event stream. It is closed after Close or
// when the provider session ends; an unexpected end is reported first as an
// [engine.EventError] with a fatal kind.
func (b *Bridge) Events() <-chan engine.Event { return b.events }

// SendAudio forwards one frame of session-rate PCM to the provider.
func (b *Bridge) SendAudio(frame []byte) error {
	if b.sess == nil {
		return voice.Errorf(voice.KindConfig, "s2s: send audio", "bridge not open")
	}
	b.mu.Lock()
	pcm := b.in.Process(frame)
	b.mu.Unlock()
	if len(pcm) == 0 {
		return nil
	}
	if err := b.sess.SendAudio(pcm); err != nil {
		return voice.Wrap(voice.KindProviderUnavailable, "s2s: send audio", err)
	}
	return nil
}

// Commit ends the user turn in manual mode. With automatic turn detection it
// is refused with a [voice.KindConfig] error.
func (b *Bridge) Commit() error {
	if b.cfg.TurnDetection.Mode == voice.TurnAuto {
		return voice.Errorf(voice.KindConfig, "s2s: commit", "turn detection is automatic")
	}
	if b.sess == nil {
		return voice.Errorf(voice.KindConfig, "s2s: commit", "bridge not open")
	}
	if err := b.sess.Commit(); err != nil {
		if errors.Is(err, providers2s.ErrAutoTurnDetection) {
			return voice.Wrap(voice.KindConfig, "s2s: commit", err)
		}
		return voice.Wrap(voice.KindProvider, "s2s: commit", err)
	}
	b.mu.Lock()
	b.markBoundary()
	b.mu.Unlock()
	return nil
}

// markBoundary must be called with b.mu held. A new boundary ends any wait
// for the response of an earlier, interrupted one.
func (b *Bridge) markBoundary() {
	b.boundaryAt = time.Now()
	b.pending = true
	if b.stale {
		b.stale = false
		b.discarding = false
	}
}

// Interrupt cancels the response in flight, or the one the provider owes
// for a boundary it was already given. Response output is discarded locally
// before the provider is asked to cancel. With neither it returns a
// [voice.KindInterruptionRace] error and does nothing.
func (b *Bridge) Interrupt() error {
	b.mu.Lock()
	if !b.responding && !b.pending {
		b.mu.Unlock()
		return voice.Errorf(voice.KindInterruptionRace, "s2s: interrupt", "no response in flight")
	}
	b.stale = !b.responding
	b.responding, b.pending = false, false
	b.discarding = true
	b.discardSince = time.Now()
	b.mu.Unlock()

	if !b.caps.SupportsInterrupt || b.sess == nil {
		return nil
	}
	if err := b.sess.Interrupt(); err != nil && !errors.Is(err, providers2s.ErrNotSupported) {
		return voice.Wrap(voice.KindProvider, "s2s: interrupt", err)
	}
	return nil
}

// Discarding reports whether response output is currently being dropped.
func (b *Bridge) Discarding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarding
}

// Dropped returns the number of response audio chunks discarded after
// interrupts.
func (b *Bridge) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Capabilities returns the provider capabilities seen at Open.
func (b *Bridge) Capabilities() providers2s.Capabilities { return b.caps }

// Err returns the error that ended the provider session, if any.
func (b *Bridge) Err() error {
	if p := b.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close ends the provider session and waits for the event translation to
// stop. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closing)
		if b.sess == nil {
			close(b.events)
			close(b.done)
			return
		}
		_ = b.sess.Close()
	})
	<-b.done
	return nil
}

// ── event translation ─────────────────────────────────────────────────────────

func (b *Bridge) receive() {
	defer close(b.done)
	defer close(b.events)

	out := audio.Resampler{From: b.caps.OutputSampleRate, To: b.cfg.SampleRate}
	for ev := range b.sess.Events() {
		tev, ok := b.translate(ev, &out)
		if !ok {
			continue
		}
		if !b.emit(tev) {
			return
		}
	}

	select {
	case <-b.closing:
		return
	default:
	}
	cause := b.sess.Err()
	if cause == nil {
		cause = errors.New("provider closed the session")
	}
	err := voice.Wrap(voice.KindProviderUnavailable, "s2s: session ended", cause)
	b.err.Store(&err)
	b.emit(engine.Event{Type: engine.EventError, Err: err})
}

// translate maps one provider event. ok is false for events that are dropped.
func (b *Bridge) translate(ev providers2s.Event, out *audio.Resampler) (engine.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A stale discard waits for its response or the next boundary instead.
	if b.discarding && !b.stale && b.caps.SupportsInterrupt && b.ackWait > 0 && time.Since(b.discardSince) > b.ackWait {
		b.log.Warn("s2s: interrupt not acknowledged, resuming output", "ack_wait", b.ackWait)
		b.discarding = false
		b.responding = false
	}

	switch ev.Type {
	case providers2s.EventInputTranscript:
		return engine.Event{Type: engine.EventTranscript, Text: ev.Text, Final: ev.Final}, true

	case providers2s.EventSpeechStarted:
		return engine.Event{Type: engine.EventSpeechStarted}, true

	case providers2s.EventSpeechStopped:
		b.markBoundary()
		return engine.Event{Type: engine.EventSpeechStopped}, true

	case providers2s.EventResponseStarted:
		if b.stale {
			// The response to the interrupted boundary; the ack wait runs
			// from here.
			b.stale = false
			b.discardSince = time.Now()
			return engine.Event{}, false
		}
		b.discarding = false
		b.responding, b.pending = true, false
		return engine.Event{Type: engine.EventResponseStarted}, true

	case providers2s.EventTextDelta:
		if b.discarding {
			return engine.Event{}, false
		}
		b.responding, b.pending = true, false
		return engine.Event{Type: engine.EventTextDelta, Text: ev.Text}, true

	case providers2s.EventAudio:
		if b.discarding {
			b.dropped++
			return engine.Event{}, false
		}
		b.responding, b.pending = true, false
		if !b.boundaryAt.IsZero() {
			if b.metrics != nil {
				b.metrics.S2SDuration.Record(context.Background(), time.Since(b.boundaryAt).Seconds())
			}
			b.boundaryAt = time.Time{}
		}
		pcm := out.Process(ev.Audio)
		if len(pcm) == 0 {
			return engine.Event{}, false
		}
		return engine.Event{Type: engine.EventAudio, Audio: pcm, SampleRate: b.cfg.SampleRate}, true

	case providers2s.EventResponseDone:
		b.responding = false
		if b.discarding {
			// End of the cancelled response.
			b.discarding, b.stale = false, false
			return engine.Event{}, false
		}
		return engine.Event{Type: engine.EventResponseDone}, true

	case providers2s.EventInterrupted:
		b.responding = false
		if !b.stale {
			b.discarding = false
		}
		return engine.Event{Type: engine.EventInterrupted}, true

	case providers2s.EventError:
		return engine.Event{Type: engine.EventError, Err: voice.Wrap(voice.KindProvider, "s2s: provider", ev.Err)}, true
	}
	return engine.Event{}, false
}

func (b *Bridge) emit(ev engine.Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.closing:
		return false
	}
}
