// Package cascade implements the locally orchestrated STT → LLM → TTS
// response pipeline.
//
// A [Pipeline] holds the providers and the conversation history of one
// session. Each user turn is a [Turn]: BeginTurn opens a streaming STT session
// as soon as speech starts, the orchestrator feeds it audio, and Respond
// closes the input, waits for the final transcript and streams the LLM reply
// sentence by sentence into streaming synthesis.
//
// Every stage of a turn runs under the turn's context. Cancelling it (barge-in,
// session end) aborts the in-flight provider calls and drops any output that
// has not been emitted yet.
//
// # Dual-model opener
//
// With [WithOpener], a fast model generates only the first sentence of the
// reply so synthesis can start early, while the main model receives the same
// prompt plus the opener as a forced assistant prefix and produces the
// continuation. Both outputs feed one synthesis stream.
package cascade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbench/internal/engine"
	"github.com/MrWong99/voxbench/internal/observe"
	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/llm"
	"github.com/MrWong99/voxbench/pkg/provider/stt"
	"github.com/MrWong99/voxbench/pkg/provider/tts"
	"github.com/MrWong99/voxbench/pkg/voice"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultOpenerSuffix is appended to the fast model's system prompt to
	// constrain it to a brief opening reaction.
	defaultOpenerSuffix = "Reply with one short opening sentence only. Do not answer the question yet."

	defaultHistory = 10

	// eventBuf is the buffer depth of a turn's event channel.
	eventBuf = 64

	// textBuf is the buffer depth of the sentence channel feeding synthesis.
	textBuf = 16
)

// Default stage bounds.
const (
	DefaultSTTTimeout = 3 * time.Second
	DefaultLLMTimeout = 5 * time.Second
	DefaultTTSTimeout = 5 * time.Second
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithVoice sets the synthesis voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithSystemPrompt sets the system prompt of every completion.
func WithSystemPrompt(s string) Option {
	return func(p *Pipeline) { p.systemPrompt = s }
}

// WithStageTimeout bounds each stage. sttWait bounds the wait for the final
// transcript after input is closed, llmWait the wait for each LLM chunk and
// ttsWait the wait for the first audio after the first sentence. Zero disables
// a bound.
func WithStageTimeout(sttWait, llmWait, ttsWait time.Duration) Option {
	return func(p *Pipeline) {
		p.sttTimeout = sttWait
		p.llmTimeout = llmWait
		p.ttsTimeout = ttsWait
	}
}

// WithHistory keeps the last n completed exchanges as LLM context.
func WithHistory(n int) Option {
	return func(p *Pipeline) { p.historyLen = max(n, 0) }
}

// WithOpener enables the dual-model opener with fast as the opener model.
func WithOpener(fast llm.Provider) Option {
	return func(p *Pipeline) { p.fast = fast }
}

// WithOpenerPromptSuffix overrides the instruction appended to the fast
// model's system prompt.
func WithOpenerPromptSuffix(s string) Option {
	return func(p *Pipeline) { p.openerSuffix = s }
}

// WithAudioFormat sets the input sample rate handed to STT and the output rate
// response audio is converted to.
func WithAudioFormat(sampleRate int) Option {
	return func(p *Pipeline) { p.sampleRate = sampleRate }
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) Option {
	return func(p *Pipeline) { p.language = lang }
}

// WithMetrics records stage latencies to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// exchange is one completed user/agent exchange kept as LLM context.
type exchange struct {
	seq   int
	user  string
	agent string
}

// Pipeline runs cascade turns for one session. It is safe for concurrent use,
// though the orchestrator runs at most one responding turn at a time.
type Pipeline struct {
	stt  stt.Provider
	llm  llm.Provider
	fast llm.Provider
	tts  tts.Provider

	voice        tts.VoiceProfile
	systemPrompt string
	openerSuffix string
	language     string
	sampleRate   int

	sttTimeout time.Duration
	llmTimeout time.Duration
	ttsTimeout time.Duration
	historyLen int

	metrics *observe.Metrics

	mu      sync.Mutex
	history []exchange
}

// New constructs a Pipeline from the three stage providers.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		stt:          sttP,
		llm:          llmP,
		tts:          ttsP,
		openerSuffix: defaultOpenerSuffix,
		sampleRate:   voice.DefaultSampleRate,
		sttTimeout:   DefaultSTTTimeout,
		llmTimeout:   DefaultLLMTimeout,
		ttsTimeout:   DefaultTTSTimeout,
		historyLen:   defaultHistory,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// History returns the retained exchanges as LLM messages, oldest first.
func (p *Pipeline) History() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, 0, 2*len(p.history))
	for _, x := range p.history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: x.user},
			llm.Message{Role: llm.RoleAssistant, Content: x.agent},
		)
	}
	return msgs
}

func (p *Pipeline) remember(x exchange) {
	if p.historyLen == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, x)
	if n := len(p.history) - p.historyLen; n > 0 {
		p.history = append(p.history[:0:0], p.history[n:]...)
	}
}

func (p *Pipeline) forget(seq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.history {
		if x.seq == seq {
			p.history = append(p.history[:i:i], p.history[i+1:]...)
			return
		}
	}
}

// BeginTurn opens the STT stream for turn seq and feeds it preRoll, the audio
// captured just before speech was detected. ctx bounds the whole turn.
func (p *Pipeline) BeginTurn(ctx context.Context, seq int, preRoll [][]byte) (*Turn, error) {
	tctx, cancel := context.WithCancel(ctx)
	sess, err := p.stt.StartStream(tctx, stt.StreamConfig{
		SampleRate: p.sampleRate,
		Channels:   1,
		Language:   p.language,
	})
	if err != nil {
		cancel()
		return nil, voice.Wrap(voice.KindProvider, "cascade: stt", err)
	}
	t := &Turn{
		p:         p,
		seq:       seq,
		ctx:       tctx,
		cancel:    cancel,
		sess:      sess,
		events:    make(chan engine.Event, eventBuf),
		collected: make(chan struct{}),
	}
	go t.collect()
	for _, chunk := range preRoll {
		if err := sess.SendAudio(chunk); err != nil {
			t.Close()
			return nil, voice.Wrap(voice.KindProvider, "cascade: stt", err)
		}
	}
	return t, nil
}

// ── Turn ──────────────────────────────────────────────────────────────────────

// Turn is one user turn moving through the pipeline.
type Turn struct {
	p   *Pipeline
	seq int

	ctx    context.Context
	cancel context.CancelFunc
	sess   stt.SessionHandle

	events    chan engine.Event
	collected chan struct{} // closed when the STT output is exhausted
	finalText string        // valid after collected is closed

	startOnce sync.Once
	mu        sync.Mutex
	cancelled bool
}

// Seq returns the turn's sequence number.
func (t *Turn) Seq() int { return t.seq }

// Events returns the turn's event stream. Partial transcripts are emitted as
// soon as the STT provider reports them; the channel is closed after Respond
// finishes or the turn is closed.
func (t *Turn) Events() <-chan engine.Event { return t.events }

// SendAudio forwards a chunk of user audio to STT.
func (t *Turn) SendAudio(chunk []byte) error {
	if err := t.sess.SendAudio(chunk); err != nil {
		return voice.Wrap(voice.KindProvider, "cascade: stt", err)
	}
	return nil
}

// Respond ends the user's input and generates the reply. It returns the same
// channel as Events. Cancelling ctx cancels the turn.
func (t *Turn) Respond(ctx context.Context) <-chan engine.Event {
	t.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, t.cancel)
		go func() {
			defer stop()
			t.respond()
		}()
	})
	return t.events
}

// Cancel aborts the turn. A reply that already completed is removed from the
// conversation history, so interrupted exchanges never become context.
func (t *Turn) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
	t.p.forget(t.seq)
}

// Close cancels the turn and releases the STT session. The event channel is
// closed once every goroutine of the turn has exited. Safe to call more than
// once, with or without a prior Respond.
func (t *Turn) Close() {
	t.cancel()
	t.startOnce.Do(func() {
		go func() {
			<-t.collected
			_ = t.sess.Close()
			close(t.events)
		}()
	})
}

func (t *Turn) emit(ev engine.Event) bool {
	ev.Turn = t.seq
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Turn) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.emit(engine.Event{Type: engine.EventError, Err: err})
}

// collect forwards partial transcripts and accumulates finals until the STT
// session closes its channels or the turn is cancelled.
func (t *Turn) collect() {
	defer close(t.collected)
	partials, finals := t.sess.Partials(), t.sess.Finals()
	var final strings.Builder
	for partials != nil || finals != nil {
		select {
		case <-t.ctx.Done():
			return
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			t.emit(engine.Event{Type: engine.EventTranscript, Text: joinText(final.String(), tr.Text)})
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if tr.Text == "" {
				continue
			}
			if final.Len() > 0 {
				final.WriteByte(' ')
			}
			final.WriteString(strings.TrimSpace(tr.Text))
			t.emit(engine.Event{Type: engine.EventTranscript, Text: final.String()})
		}
	}
	t.finalText = final.String()
}

func (t *Turn) respond() {
	defer close(t.events)
	defer func() {
		t.cancel()
		<-t.collected
	}()
	defer t.sess.Close()

	text, err := t.awaitFinal()
	if err != nil {
		t.fail(err)
		return
	}
	if !t.emit(engine.Event{Type: engine.EventTranscript, Text: text, Final: true}) {
		return
	}
	if strings.TrimSpace(text) == "" {
		t.emit(engine.Event{Type: engine.EventResponseDone})
		return
	}

	reply, err := t.generate(text)
	if err != nil {
		t.fail(err)
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	if !t.cancelled {
		t.p.remember(exchange{seq: t.seq, user: text, agent: reply})
	}
	t.mu.Unlock()
	t.emit(engine.Event{Type: engine.EventResponseDone, Text: reply})
}

func (t *Turn) awaitFinal() (string, error) {
	start := time.Now()
	if err := t.sess.CloseSend(); err != nil {
		return "", voice.Wrap(voice.KindProvider, "cascade: stt", err)
	}
	var timeout <-chan time.Time
	if d := t.p.sttTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-t.collected:
	case <-timeout:
		return "", voice.Errorf(voice.KindProviderTimeout, "cascade: stt", "no final transcript within %s", t.p.sttTimeout)
	case <-t.ctx.Done():
		return "", t.ctx.Err()
	}
	if err := t.ctx.Err(); err != nil {
		return "", err
	}
	if err := t.sess.Err(); err != nil {
		return "", voice.Wrap(voice.KindProvider, "cascade: stt", err)
	}
	if m := t.p.metrics; m != nil {
		m.STTDuration.Record(t.ctx, time.Since(start).Seconds())
	}
	return t.finalText, nil
}

// generate streams the LLM reply into synthesis and forwards the audio. It
// returns the full reply text.
func (t *Turn) generate(userText string) (string, error) {
	p := t.p
	g, gctx := errgroup.WithContext(t.ctx)

	textCh := make(chan string, textBuf)
	stream, err := p.tts.SynthesizeStream(gctx, textCh, p.voice)
	if err != nil {
		close(textCh)
		return "", voice.Wrap(voice.KindProvider, "cascade: tts", err)
	}

	w := &sentenceWriter{turn: t, ctx: gctx, out: textCh, first: make(chan struct{})}
	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt,
		Messages:     append(p.History(), llm.Message{Role: llm.RoleUser, Content: userText}),
	}

	g.Go(func() error {
		defer close(textCh)
		if p.fast != nil {
			return t.streamWithOpener(gctx, req, w)
		}
		return t.streamReply(gctx, p.llm, req, w)
	})
	g.Go(func() error {
		return t.forwardAudio(gctx, stream, w.first)
	})

	if err := g.Wait(); err != nil {
		audio.Drain(stream.Audio)
		if t.ctx.Err() != nil {
			return "", t.ctx.Err()
		}
		return "", err
	}
	return w.reply.String(), nil
}

// streamReply forwards one model's output into w.
func (t *Turn) streamReply(ctx context.Context, provider llm.Provider, req llm.CompletionRequest, w *sentenceWriter) error {
	start := time.Now()
	ch, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		return voice.Wrap(voice.KindProvider, "cascade: llm", err)
	}
	defer func() { go audio.Drain(ch) }()

	first := true
	for {
		chunk, ok, err := t.nextChunk(ctx, ch)
		if err != nil {
			return err
		}
		if !ok {
			return w.flush()
		}
		if first && chunk.Text != "" {
			first = false
			t.recordLLM(ctx, start)
		}
		if err := w.write(chunk.Text); err != nil {
			return err
		}
		if chunk.FinishReason != "" {
			return w.flush()
		}
	}
}

// streamWithOpener runs the dual-model opener: the fast model's first
// sentence is spoken immediately and the main model continues from it. If the
// fast model finishes within one sentence, the main model is skipped.
func (t *Turn) streamWithOpener(ctx context.Context, req llm.CompletionRequest, w *sentenceWriter) error {
	start := time.Now()
	fastReq := req
	if t.p.openerSuffix != "" {
		fastReq.SystemPrompt = strings.TrimSpace(req.SystemPrompt + "\n\n" + t.p.openerSuffix)
	}
	fastCh, err := t.p.fast.StreamCompletion(ctx, fastReq)
	if err != nil {
		return voice.Wrap(voice.KindProvider, "cascade: opener", err)
	}
	opener, full, err := t.collectFirstSentence(ctx, fastCh)
	if err != nil {
		return err
	}
	if opener != "" {
		t.recordLLM(ctx, start)
	}
	if err := w.write(opener); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}
	if full {
		return nil
	}

	strongReq := req
	strongReq.Messages = append(append([]llm.Message(nil), req.Messages...),
		llm.Message{Role: llm.RoleAssistant, Content: opener})
	w.separate = true
	return t.streamReply(ctx, t.p.llm, strongReq, w)
}

// collectFirstSentence reads chunks until the first sentence boundary. If the
// stream ends first, the whole text is returned with full=true.
func (t *Turn) collectFirstSentence(ctx context.Context, ch <-chan llm.Chunk) (sentence string, full bool, err error) {
	var buf strings.Builder
	for {
		chunk, ok, err := t.nextChunk(ctx, ch)
		if err != nil {
			go audio.Drain(ch)
			return "", false, err
		}
		if !ok {
			return strings.TrimSpace(buf.String()), true, nil
		}
		buf.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			go audio.Drain(ch)
			return strings.TrimSpace(buf.String()), true, nil
		}
		if idx := firstSentenceBoundary(buf.String()); idx >= 0 {
			go audio.Drain(ch)
			return strings.TrimSpace(buf.String()[:idx+1]), false, nil
		}
	}
}

// nextChunk waits for the next LLM chunk, bounded by the LLM stage timeout.
// ok is false once the stream is closed.
func (t *Turn) nextChunk(ctx context.Context, ch <-chan llm.Chunk) (c llm.Chunk, ok bool, err error) {
	var timeout <-chan time.Time
	if d := t.p.llmTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case c, ok = <-ch:
		if ok && c.FinishReason == llm.FinishError {
			return c, false, voice.Errorf(voice.KindProvider, "cascade: llm", "%s", c.Text)
		}
		return c, ok, nil
	case <-timeout:
		return c, false, voice.Errorf(voice.KindProviderTimeout, "cascade: llm", "no output within %s", t.p.llmTimeout)
	case <-ctx.Done():
		return c, false, ctx.Err()
	}
}

// forwardAudio emits synthesised audio as events, converted to the session
// sample rate. The wait for the first chunk is bounded once text has been
// handed to synthesis.
func (t *Turn) forwardAudio(ctx context.Context, stream *tts.Stream, firstText <-chan struct{}) error {
	rs := &audio.Resampler{From: stream.SampleRate, To: t.p.sampleRate}
	var (
		timeout   <-chan time.Time
		textSent  time.Time
		gotFirst  bool
		timer     *time.Timer
		waitFirst = firstText
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-waitFirst:
			waitFirst = nil
			textSent = time.Now()
			if d := t.p.ttsTimeout; d > 0 && !gotFirst {
				timer = time.NewTimer(d)
				timeout = timer.C
			}
		case <-timeout:
			return voice.Errorf(voice.KindProviderTimeout, "cascade: tts", "no audio within %s", t.p.ttsTimeout)
		case chunk, ok := <-stream.Audio:
			if !ok {
				if err := stream.Err(); err != nil {
					return voice.Wrap(voice.KindProvider, "cascade: tts", err)
				}
				return nil
			}
			if !gotFirst {
				gotFirst = true
				timeout = nil
				if m := t.p.metrics; m != nil && !textSent.IsZero() {
					m.TTSDuration.Record(ctx, time.Since(textSent).Seconds())
				}
			}
			pcm := rs.Process(chunk)
			if len(pcm) == 0 {
				continue
			}
			if !t.emitCtx(ctx, engine.Event{Type: engine.EventAudio, Audio: pcm, SampleRate: t.p.sampleRate}) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Turn) emitCtx(ctx context.Context, ev engine.Event) bool {
	ev.Turn = t.seq
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Turn) recordLLM(ctx context.Context, start time.Time) {
	if m := t.p.metrics; m != nil {
		m.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// ── Sentence splitting ────────────────────────────────────────────────────────

// sentenceWriter accumulates response text, emits it as text deltas and hands
// complete sentences to synthesis.
type sentenceWriter struct {
	turn *Turn
	ctx  context.Context
	out  chan<- string

	// first is closed when the first sentence is handed to synthesis.
	first     chan struct{}
	firstOnce sync.Once

	// separate inserts a space before the next non-empty write.
	separate bool

	buf   strings.Builder
	reply strings.Builder
}

func (w *sentenceWriter) write(s string) error {
	if s == "" {
		return nil
	}
	if w.separate {
		w.separate = false
		if w.reply.Len() > 0 && !strings.HasPrefix(s, " ") {
			s = " " + s
		}
	}
	w.reply.WriteString(s)
	if !w.turn.emitCtx(w.ctx, engine.Event{Type: engine.EventTextDelta, Text: s}) {
		return w.ctx.Err()
	}
	w.buf.WriteString(s)
	for {
		text := w.buf.String()
		idx := firstSentenceBoundary(text)
		if idx < 0 {
			return nil
		}
		w.buf.Reset()
		w.buf.WriteString(strings.TrimLeft(text[idx+1:], " \t\n\r"))
		if err := w.send(strings.TrimSpace(text[:idx+1])); err != nil {
			return err
		}
	}
}

func (w *sentenceWriter) flush() error {
	rest := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if rest == "" {
		return nil
	}
	return w.send(rest)
}

func (w *sentenceWriter) send(sentence string) error {
	if sentence == "" {
		return nil
	}
	select {
	case w.out <- sentence:
		w.firstOnce.Do(func() { close(w.first) })
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character. Returns
// -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

func joinText(a, b string) string {
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
