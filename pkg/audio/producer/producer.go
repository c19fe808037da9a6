// Package producer turns a live PCM byte stream (a microphone pipe, a file, a
// network source) into a sequence of fixed-size [audio.Frame] values.
//
// Capture runs on its own goroutine and never blocks on the consumer: when the
// consumer falls behind, new frames are dropped rather than queued. Stale audio
// is worse than a gap in a live conversation.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
)

const (
	defaultSampleRate   = 16000
	defaultFrameSamples = 320
	defaultBuffer       = 8
)

// Option configures a [Producer].
type Option func(*Producer)

// WithSampleRate sets the sample rate of the source in Hz.
func WithSampleRate(hz int) Option {
	return func(p *Producer) { p.format.SampleRate = hz }
}

// WithChannels sets the channel count of the source.
func WithChannels(n int) Option {
	return func(p *Producer) { p.format.Channels = n }
}

// WithFrameSamples sets the number of samples per channel in each frame.
// Smaller frames lower latency but raise the transport message rate.
func WithFrameSamples(n int) Option {
	return func(p *Producer) { p.frameSamples = n }
}

// WithBuffer sets the capacity of the output channel. Frames beyond this depth
// are dropped.
func WithBuffer(n int) Option {
	return func(p *Producer) { p.buffer = n }
}

// WithRealtime paces reads to the wall clock. Use it for sources that can be
// read faster than real time, such as files.
func WithRealtime() Option {
	return func(p *Producer) { p.realtime = true }
}

// Producer reads PCM16 audio from a source and emits fixed-size frames.
type Producer struct {
	src          io.Reader
	format       audio.Format
	frameSamples int
	buffer       int
	realtime     bool

	produced atomic.Uint64
	dropped  atomic.Uint64
	err      atomic.Pointer[error]

	startOnce sync.Once
	warnDrop  sync.Once
}

// New returns a Producer reading from src. Defaults: 16 kHz mono, 320-sample
// (20 ms) frames, a channel buffer of 8 frames.
func New(src io.Reader, opts ...Option) *Producer {
	p := &Producer{
		src:          src,
		format:       audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		frameSamples: defaultFrameSamples,
		buffer:       defaultBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FrameBytes returns the byte size of one frame.
func (p *Producer) FrameBytes() int {
	return p.frameSamples * max(p.format.Channels, 1) * audio.BytesPerSample
}

// FrameDuration returns the playback duration of one frame.
func (p *Producer) FrameDuration() time.Duration {
	return p.format.Duration(p.FrameBytes())
}

// Run starts the capture goroutine and returns the frame channel. The channel
// is closed when the source is exhausted, fails, or ctx is cancelled. Run may
// only be called once; later calls return nil.
//
// A read that is blocked inside the source is not interrupted by ctx; close
// the source to unblock it.
func (p *Producer) Run(ctx context.Context) <-chan audio.Frame {
	var out chan audio.Frame
	p.startOnce.Do(func() {
		out = make(chan audio.Frame, p.buffer)
		go p.loop(ctx, out)
	})
	if out == nil {
		return nil
	}
	return out
}

func (p *Producer) loop(ctx context.Context, out chan<- audio.Frame) {
	defer close(out)

	size := p.FrameBytes()
	frameDur := p.FrameDuration()
	start := time.Now()

	for seq := uint64(0); ; seq++ {
		buf := make([]byte, size)
		if _, err := io.ReadFull(p.src, buf); err != nil {
			// A short trailing read cannot form a full frame and is discarded.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.setErr(fmt.Errorf("producer: read frame %d: %w", seq, err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		ts := time.Duration(seq) * frameDur
		if p.realtime {
			if wait := time.Until(start.Add(ts)); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}

		frame := audio.Frame{
			Seq:        seq,
			Data:       buf,
			SampleRate: p.format.SampleRate,
			Channels:   max(p.format.Channels, 1),
			Timestamp:  ts,
		}

		select {
		case out <- frame:
			p.produced.Add(1)
		default:
			// Consumer is backpressured: drop rather than block capture.
			p.dropped.Add(1)
			p.warnDrop.Do(func() {
				slog.Warn("producer: consumer backpressured, dropping frames",
					"seq", seq,
					"buffer", p.buffer,
				)
			})
		}
	}
}

func (p *Producer) setErr(err error) {
	p.err.Store(&err)
}

// Err returns the read error that ended capture, or nil if the source reached
// EOF or capture was cancelled.
func (p *Producer) Err() error {
	if e := p.err.Load(); e != nil {
		return *e
	}
	return nil
}

// Produced returns the number of frames handed to the consumer.
func (p *Producer) Produced() uint64 { return p.produced.Load() }

// Dropped returns the number of frames discarded because the consumer was
// not keeping up.
func (p *Producer) Dropped() uint64 { return p.dropped.Load() }
