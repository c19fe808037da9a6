// Package playback provides the client-side Playback Scheduler: a queue of
// streamed response audio that is written to an output device back-to-back,
// paced to real time, and can be flushed immediately when the user barges in.
//
// The scheduler keeps at most a small lead of audio ahead of the device so
// that a flush only has that lead left to play out; everything else is still
// in the scheduler's own queue and is discarded synchronously.
package playback

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
)

const (
	// DefaultLead is the amount of audio written ahead of the playhead. It
	// absorbs network jitter on the expected 20-40 ms chunk cadence.
	DefaultLead = 60 * time.Millisecond

	// DefaultPiece bounds how much audio is written to the sink at once, and
	// therefore how much audio a flush can miss.
	DefaultPiece = 20 * time.Millisecond
)

// Sink receives paced PCM16 audio. It is called sequentially from the
// scheduler's dispatch goroutine.
type Sink func(pcm []byte) error

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithFormat sets the audio format of enqueued chunks. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Scheduler) { s.format = f }
}

// WithLead sets how far ahead of real time audio may be written to the sink.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) { s.lead = d }
}

// WithPiece sets the maximum duration written to the sink in one call.
func WithPiece(d time.Duration) Option {
	return func(s *Scheduler) { s.piece = d }
}

// OnStart registers a callback invoked (on the dispatch goroutine) when the
// first audio of a turn is written to the sink.
func OnStart(fn func(turn int)) Option {
	return func(s *Scheduler) { s.onStart = fn }
}

// Scheduler orders, paces and plays response audio.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink    Sink
	format  audio.Format
	lead    time.Duration
	piece   time.Duration
	onStart func(turn int)

	mu        sync.Mutex
	queue     chunkHeap
	queued    int // bytes in queue
	seq       uint64
	flushedTo int // turns <= flushedTo are discarded
	started   int // last turn whose OnStart fired
	playhead  time.Time
	closed    bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a Scheduler writing to sink and starts its dispatch goroutine.
// Call [Scheduler.Close] to stop it.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		format: audio.Format{SampleRate: 16000, Channels: 1},
		lead:   DefaultLead,
		piece:  DefaultPiece,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.queue)
	go s.dispatch()
	return s
}

// Enqueue appends a chunk of audio for turn. Chunks of one turn are played in
// enqueue order; earlier turns play before later ones. Audio for a turn that
// has been flushed is dropped and Enqueue returns false.
func (s *Scheduler) Enqueue(turn int, pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	s.mu.Lock()
	if s.closed || turn <= s.flushedTo {
		s.mu.Unlock()
		return false
	}
	s.seq++
	heap.Push(&s.queue, chunk{turn: turn, seq: s.seq, data: pcm})
	s.queued += len(pcm)
	s.mu.Unlock()

	s.wake()
	return true
}

// Flush discards all queued audio for turns up to and including turn and
// refuses any audio for those turns that arrives later. It returns the
// duration of audio that was discarded. Flush completes synchronously; the
// sink receives at most one more piece of already dequeued audio.
func (s *Scheduler) Flush(turn int) time.Duration {
	s.mu.Lock()
	if turn > s.flushedTo {
		s.flushedTo = turn
	}
	dropped := 0
	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.turn <= s.flushedTo {
			dropped += len(c.data)
			continue
		}
		kept = append(kept, c)
	}
	s.queue = kept
	heap.Init(&s.queue)
	s.queued -= dropped
	// Whatever the device already holds is the only audio still to play.
	s.playhead = time.Time{}
	s.mu.Unlock()

	s.wake()
	return s.format.Duration(dropped)
}

// Depth returns the duration of audio queued but not yet written to the sink.
func (s *Scheduler) Depth() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.queued)
}

// Close stops the dispatch goroutine and discards queued audio. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = s.queue[:0]
	s.queued = 0
	s.mu.Unlock()

	close(s.done)
	<-s.exited
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch pulls pieces off the queue and writes them to the sink, keeping no
// more than lead of audio ahead of real time.
func (s *Scheduler) dispatch() {
	defer close(s.exited)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		c, wait, ok := s.next()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-s.done:
				return
			case <-s.notify:
				// A flush or new chunk may change what plays next.
				if !timer.Stop() {
					<-timer.C
				}
				continue
			case <-timer.C:
			}
		}
		s.write(c)
	}
}

// next peeks at the head of the queue and reports how long to wait before
// writing it.
func (s *Scheduler) next() (chunk, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queue.Len() == 0 {
		return chunk{}, 0, false
	}
	now := time.Now()
	if s.playhead.Before(now) {
		s.playhead = now
	}
	return s.queue[0], s.playhead.Sub(now) - s.lead, true
}

// write pops at most one piece of the head chunk and hands it to the sink.
func (s *Scheduler) write(head chunk) {
	s.mu.Lock()
	if s.closed || s.queue.Len() == 0 || s.queue[0].turn != head.turn || s.queue[0].seq != head.seq {
		s.mu.Unlock()
		return
	}
	c := &s.queue[0]
	n := len(c.data)
	if limit := s.format.Bytes(s.piece); limit > 0 && n > limit {
		n = limit
	}
	piece := c.data[:n]
	if n == len(c.data) {
		heap.Pop(&s.queue)
	} else {
		c.data = c.data[n:]
	}
	s.queued -= n

	now := time.Now()
	if s.playhead.Before(now) {
		s.playhead = now
	}
	s.playhead = s.playhead.Add(s.format.Duration(n))

	fireStart := head.turn > s.started
	if fireStart {
		s.started = head.turn
	}
	onStart := s.onStart
	s.mu.Unlock()

	if fireStart && onStart != nil {
		onStart(head.turn)
	}
	if err := s.sink(piece); err != nil {
		slog.Warn("playback: sink write failed", "turn", head.turn, "err", err)
	}
}
