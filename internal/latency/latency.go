// Package latency timestamps per-turn pipeline milestones and derives latency
// metrics from them.
//
// The Recorder is a pure observer. It never returns errors and recovers from
// its own panics, so a fault in instrumentation cannot affect the session it
// measures. Milestones of a turn are kept monotonic without moving any mark
// earlier than observed, the first mark of each milestone wins, and SpeechEnd
// discards milestones seen before it (see [Recorder.Mark]).
package latency

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/internal/observe"
)

// Milestone is a point in a turn's pipeline.
type Milestone int

const (
	// SpeechEnd is the turn boundary: VAD speech end, provider speech
	// stopped, or the client's end_of_audio.
	SpeechEnd Milestone = iota

	// FirstTranscript is the first partial (or final) input transcript.
	FirstTranscript

	// FirstResponseUnit is the first LLM token or provider response unit.
	FirstResponseUnit

	// FirstAudioByte is the first response audio produced by the server.
	FirstAudioByte

	// PlaybackStart is the client reporting the first response audio played.
	PlaybackStart

	numMilestones
)

var milestoneNames = [numMilestones]string{
	"speech_end", "first_transcript", "first_response_unit", "first_audio_byte", "playback_start",
}

// String returns the snake_case milestone name.
func (m Milestone) String() string {
	if m < 0 || m >= numMilestones {
		return "unknown"
	}
	return milestoneNames[m]
}

// Derived metric names, as used in Stats.Millis and SessionStats.Metrics.
const (
	MetricFirstTranscript   = "first_transcript"
	MetricFirstResponseUnit = "first_response_unit"
	MetricFirstAudioByte    = "first_audio_byte"
	MetricPlaybackStart     = "playback_start"
	MetricTotal             = "total"
)

// Stats are the latency figures of one closed turn. Durations of missing
// milestones are zero.
type Stats struct {
	Turn int `json:"turn"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Marks holds the recorded milestone timestamps; zero if not reached.
	Marks [numMilestones]time.Time `json:"-"`

	// Derived metrics, measured from SpeechEnd (or Start if the turn has no
	// SpeechEnd mark).
	FirstTranscript   time.Duration `json:"first_transcript"`
	FirstResponseUnit time.Duration `json:"first_response_unit"`
	FirstAudioByte    time.Duration `json:"first_audio_byte"`
	PlaybackStart     time.Duration `json:"playback_start"`

	// Total is End - Start.
	Total time.Duration `json:"total"`
}

// Has reports whether milestone m was recorded.
func (s Stats) Has(m Milestone) bool {
	return m >= 0 && m < numMilestones && !s.Marks[m].IsZero()
}

// At returns the timestamp of milestone m, or the zero time.
func (s Stats) At(m Milestone) time.Time {
	if m < 0 || m >= numMilestones {
		return time.Time{}
	}
	return s.Marks[m]
}

// Millis returns the non-zero derived metrics in milliseconds.
func (s Stats) Millis() map[string]float64 {
	out := make(map[string]float64, 5)
	for name, d := range s.metrics() {
		out[name] = float64(d) / float64(time.Millisecond)
	}
	return out
}

func (s Stats) metrics() map[string]time.Duration {
	out := make(map[string]time.Duration, 5)
	add := func(name string, d time.Duration, ok bool) {
		if ok {
			out[name] = d
		}
	}
	add(MetricFirstTranscript, s.FirstTranscript, s.Has(FirstTranscript))
	add(MetricFirstResponseUnit, s.FirstResponseUnit, s.Has(FirstResponseUnit))
	add(MetricFirstAudioByte, s.FirstAudioByte, s.Has(FirstAudioByte))
	add(MetricPlaybackStart, s.PlaybackStart, s.Has(PlaybackStart))
	add(MetricTotal, s.Total, !s.End.IsZero())
	return out
}

// Summary aggregates one metric over all turns of a session.
type Summary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// SessionStats aggregates latency over a session's closed turns.
type SessionStats struct {
	Turns   int                `json:"turns"`
	Metrics map[string]Summary `json:"metrics"`
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Option configures a Recorder.
type Option func(*Recorder)

// WithMetrics exports every finished turn to m, labelled with mode.
func WithMetrics(m *observe.Metrics, mode string) Option {
	return func(r *Recorder) {
		r.metrics = m
		r.mode = mode
	}
}

// Recorder collects milestones for the turns of one session. It is safe for
// concurrent use.
type Recorder struct {
	metrics *observe.Metrics
	mode    string

	mu       sync.Mutex
	open     map[int]*Stats
	finished map[int]Stats
	order    []int
}

// New returns an empty Recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		open:     make(map[int]*Stats),
		finished: make(map[int]Stats),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin starts tracking turn at the given time. Beginning a turn twice keeps
// the first start.
func (r *Recorder) Begin(turn int, at time.Time) {
	defer r.recover("begin")
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[turn]; ok {
		return
	}
	if _, ok := r.finished[turn]; ok {
		return
	}
	r.open[turn] = &Stats{Turn: turn, Start: at}
}

// Mark records milestone m of turn at time t. Marks for unknown or finished
// turns are ignored, as are repeated marks of the same milestone.
//
// SpeechEnd is taken as observed. Later milestones already recorded before
// it were observed during the utterance (a streaming partial, say) and are
// dropped so the next occurrence after the boundary counts. Any other mark
// is raised to its predecessor, and successors recorded earlier than it are
// raised to it; no mark moves before the time it was observed.
func (r *Recorder) Mark(turn int, m Milestone, t time.Time) {
	defer r.recover("mark")
	if m < 0 || m >= numMilestones {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.open[turn]
	if !ok || !s.Marks[m].IsZero() {
		return
	}
	if t.Before(s.Start) {
		t = s.Start
	}
	if m == SpeechEnd {
		for i := m + 1; i < numMilestones; i++ {
			if s.Marks[i].Before(t) {
				s.Marks[i] = time.Time{}
			}
		}
		s.Marks[m] = t
		return
	}
	for i := m - 1; i >= 0; i-- {
		if prev := s.Marks[i]; !prev.IsZero() {
			if t.Before(prev) {
				t = prev
			}
			break
		}
	}
	s.Marks[m] = t
	for i := m + 1; i < numMilestones; i++ {
		if next := s.Marks[i]; !next.IsZero() && next.Before(t) {
			s.Marks[i] = t
		}
	}
}

// Finish closes turn at end and returns its derived stats. Finishing an
// unknown turn returns zero Stats; finishing twice returns the first result.
func (r *Recorder) Finish(turn int, end time.Time) (out Stats) {
	defer r.recover("finish")
	r.mu.Lock()
	s, ok := r.open[turn]
	if !ok {
		out = r.finished[turn]
		r.mu.Unlock()
		return out
	}
	delete(r.open, turn)

	if end.Before(s.Start) {
		end = s.Start
	}
	for _, m := range s.Marks {
		if m.After(end) {
			end = m
		}
	}
	s.End = end
	s.Total = end.Sub(s.Start)

	base := s.Marks[SpeechEnd]
	if base.IsZero() {
		base = s.Start
	}
	since := func(m Milestone) time.Duration {
		if s.Marks[m].IsZero() {
			return 0
		}
		return max(s.Marks[m].Sub(base), 0)
	}
	s.FirstTranscript = since(FirstTranscript)
	s.FirstResponseUnit = since(FirstResponseUnit)
	s.FirstAudioByte = since(FirstAudioByte)
	s.PlaybackStart = since(PlaybackStart)

	out = *s
	r.finished[turn] = out
	r.order = append(r.order, turn)
	r.mu.Unlock()

	r.export(out)
	return out
}

// Turn returns the stats of a finished turn.
func (r *Recorder) Turn(turn int) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.finished[turn]
	return s, ok
}

// Session aggregates all finished turns.
func (r *Recorder) Session() (out SessionStats) {
	defer r.recover("session")
	r.mu.Lock()
	all := make([]Stats, 0, len(r.order))
	for _, t := range r.order {
		all = append(all, r.finished[t])
	}
	r.mu.Unlock()

	samples := make(map[string][]time.Duration)
	for _, s := range all {
		for name, d := range s.metrics() {
			samples[name] = append(samples[name], d)
		}
	}
	out = SessionStats{Turns: len(all), Metrics: make(map[string]Summary, len(samples))}
	for name, ds := range samples {
		out.Metrics[name] = summarize(ds)
	}
	return out
}

func summarize(ds []time.Duration) Summary {
	slices.Sort(ds)
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return Summary{
		Count: len(ds),
		Mean:  sum / time.Duration(len(ds)),
		P50:   percentile(ds, 0.50),
		P95:   percentile(ds, 0.95),
		Max:   ds[len(ds)-1],
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	return sorted[min(max(rank-1, 0), len(sorted)-1)]
}

func (r *Recorder) export(s Stats) {
	if r.metrics == nil {
		return
	}
	ctx := context.Background()
	for name, d := range s.metrics() {
		r.metrics.RecordTurnLatency(ctx, r.mode, name, d)
	}
}

func (r *Recorder) recover(op string) {
	if v := recover(); v != nil {
		slog.Error("latency: recovered panic", "op", op, "panic", v)
	}
}
