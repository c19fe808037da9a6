// Package client is the client side of a voxbench voice session.
//
// A [Session] dials the server, sends setup and waits for ready. Run then
// streams microphone PCM through an [producer.Producer] to the server and
// plays response audio through a [playback.Scheduler], reporting
// playback_started for each turn and flushing playback when the server
// reports an interruption.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/audio/playback"
	"github.com/MrWong99/voxbench/pkg/audio/producer"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

// ErrRefused is returned by Dial when the server answers setup with an error.
var ErrRefused = errors.New("client: session refused")

const defaultReadyTimeout = 10 * time.Second

// Option configures a [Session].
type Option func(*Session)

// WithConfig sets the session configuration sent in setup. Zero fields take
// the server defaults.
func WithConfig(cfg voice.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger sets the session logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithLead sets the playback lead. See [playback.WithLead].
func WithLead(d time.Duration) Option {
	return func(s *Session) { s.lead = d }
}

// WithRealtimeInput paces microphone reads to the wall clock, for sources
// such as files that can be read faster than real time.
func WithRealtimeInput() Option {
	return func(s *Session) { s.realtime = true }
}

// WithHangup ends the session once the input is exhausted and the response
// turn in progress has completed.
func WithHangup() Option {
	return func(s *Session) { s.hangup = true }
}

// OnMessage registers a callback for every control message received after
// ready. It runs on the receive goroutine and must not block.
func OnMessage(fn func(transport.Message)) Option {
	return func(s *Session) { s.onMessage = fn }
}

// WithDialOptions passes options to [transport.Dial].
func WithDialOptions(opts ...transport.Option) Option {
	return func(s *Session) { s.dialOpts = append(s.dialOpts, opts...) }
}

// Session is one open voice session.
type Session struct {
	cfg       voice.Config
	log       *slog.Logger
	lead      time.Duration
	realtime  bool
	hangup    bool
	onMessage func(transport.Message)
	dialOpts  []transport.Option

	conn       *transport.Conn
	id         string
	sampleRate int

	mu        sync.Mutex
	turn      int
	inputDone bool
	status    voice.Status
}

// Dial opens a session at url (ws:// or wss://) and waits for ready.
func Dial(ctx context.Context, url string, opts ...Option) (*Session, error) {
	s := &Session{log: slog.Default(), lead: playback.DefaultLead}
	for _, o := range opts {
		o(s)
	}

	conn, err := transport.Dial(ctx, url, s.dialOpts...)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	setup := transport.Message{Type: transport.TypeSetup, Config: &s.cfg}
	if err := conn.Send(ctx, setup); err != nil {
		_ = conn.Close("setup failed")
		return nil, fmt.Errorf("client: send setup: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()
	for {
		in, err := conn.Receive(rctx)
		if err != nil {
			_ = conn.Close("no ready")
			return nil, fmt.Errorf("client: await ready: %w", err)
		}
		if in.IsAudio() {
			continue
		}
		switch in.Msg.Type {
		case transport.TypeReady:
			s.id = in.Msg.SessionID
			s.sampleRate = in.Msg.SampleRate
			if s.sampleRate == 0 {
				s.sampleRate = voice.DefaultSampleRate
			}
			s.log = s.log.With("session_id", s.id)
			return s, nil
		case transport.TypeError:
			_ = conn.Close("refused")
			return nil, fmt.Errorf("%w: %s: %s", ErrRefused, in.Msg.Kind, in.Msg.Error)
		}
	}
}

// ID returns the server-assigned session id.
func (s *Session) ID() string { return s.id }

// SampleRate returns the session's audio sample rate.
func (s *Session) SampleRate() int { return s.sampleRate }

// Status returns the final status reported by the server, or "" while the
// session is open.
func (s *Session) Status() voice.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run streams mic to the server and plays responses to speaker until the
// server closes the session or ctx is cancelled. mic and speaker carry mono
// PCM16 at [Session.SampleRate]. When mic is exhausted end_of_audio is sent
// if the session uses client turn signals.
func (s *Session) Run(ctx context.Context, mic io.Reader, speaker io.Writer) error {
	defer s.conn.Close("client done")

	sched := playback.New(
		func(pcm []byte) error {
			_, err := speaker.Write(pcm)
			return err
		},
		playback.WithFormat(audio.Format{SampleRate: s.sampleRate, Channels: 1}),
		playback.WithLead(s.lead),
		playback.OnStart(func(turn int) {
			if err := s.conn.Send(ctx, transport.Message{Type: transport.TypePlaybackStarted, Turn: turn}); err != nil {
				s.log.Debug("client: report playback start", "turn", turn, "err", err)
			}
		}),
	)
	defer sched.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receive(gctx, sched) })
	g.Go(func() error { return s.send(gctx, mic) })
	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

// Interrupt asks the server to stop the current response.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.conn.Send(ctx, transport.Message{Type: transport.TypeInterrupt})
}

// End asks the server to close the session.
func (s *Session) End(ctx context.Context) error {
	return s.conn.Send(ctx, transport.Message{Type: transport.TypeEndSession})
}

var errClosed = errors.New("client: session closed")

func (s *Session) send(ctx context.Context, mic io.Reader) error {
	opts := []producer.Option{
		producer.WithSampleRate(s.sampleRate),
		producer.WithFrameSamples(s.sampleRate / 50),
	}
	if s.realtime {
		opts = append(opts, producer.WithRealtime())
	}
	p := producer.New(mic, opts...)
	frames := p.Run(ctx)
	// A read blocked in mic outlives ctx, so frames may never close.
loop:
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				break loop
			}
			if err := s.conn.SendAudio(ctx, f.Data); err != nil {
				return err
			}
		}
	}
	if err := p.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("client: read microphone: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}
	s.log.Debug("client: input finished", "frames", p.Produced(), "dropped", p.Dropped())

	s.mu.Lock()
	s.inputDone = true
	s.mu.Unlock()
	if s.cfg.TurnDetection.ClientSignals() {
		return s.conn.Send(ctx, transport.Message{Type: transport.TypeEndOfAudio})
	}
	return nil
}

func (s *Session) receive(ctx context.Context, sched *playback.Scheduler) error {
	for {
		in, err := s.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: receive: %w", err)
		}
		if in.IsAudio() {
			s.mu.Lock()
			turn := s.turn
			s.mu.Unlock()
			sched.Enqueue(turn, in.Audio)
			continue
		}

		msg := in.Msg
		if s.onMessage != nil {
			s.onMessage(msg)
		}
		switch msg.Type {
		case transport.TypeTurnStarted:
			s.mu.Lock()
			s.turn = msg.Turn
			s.mu.Unlock()
		case transport.TypeInterrupted:
			dropped := sched.Flush(msg.Turn)
			s.log.Debug("client: playback flushed", "turn", msg.Turn, "dropped", dropped)
		case transport.TypeTurnComplete:
			s.mu.Lock()
			done := s.hangup && s.inputDone
			s.mu.Unlock()
			if done {
				s.waitPlayout(ctx, sched)
				if err := s.End(ctx); err != nil {
					return err
				}
			}
		case transport.TypeError:
			s.log.Warn("client: server error", "turn", msg.Turn, "kind", msg.Kind, "err", msg.Error)
		case transport.TypeSessionClosed:
			s.waitPlayout(ctx, sched)
			s.mu.Lock()
			s.status = msg.Status
			s.mu.Unlock()
			return errClosed
		}
	}
}

// waitPlayout blocks until queued audio has been written to the speaker.
func (s *Session) waitPlayout(ctx context.Context, sched *playback.Scheduler) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for sched.Depth() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
