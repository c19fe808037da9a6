// Command voxclient opens one voice session against a voxbench server.
//
// Microphone audio is read from -in and response audio written to -out. Both
// default to raw mono PCM16 on stdin and stdout at the session sample rate;
// paths ending in .wav are decoded or encoded as WAV instead. Logs go to
// stderr.
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | voxclient | aplay -f S16_LE -r 16000 -c 1
//	voxclient -in question.wav -out answer.wav -manual -hangup
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/client"
	"github.com/MrWong99/voxbench/pkg/transport"
	"github.com/MrWong99/voxbench/pkg/voice"
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8080/v1/session", "session endpoint")
	mode := flag.String("mode", "", "session mode: cascade or realtime (default: server default)")
	stt := flag.String("stt", "", "speech-to-text catalog id")
	llm := flag.String("llm", "", "language model catalog id")
	tts := flag.String("tts", "", "text-to-speech catalog id")
	s2s := flag.String("s2s", "", "speech-to-speech catalog id")
	voiceID := flag.String("voice", "", "voice id")
	instructions := flag.String("instructions", "", "system prompt")
	manual := flag.Bool("manual", false, "end turns with end_of_audio instead of server-side detection")
	in := flag.String("in", "-", "input audio: - for raw PCM on stdin, or a .wav/.pcm path")
	out := flag.String("out", "-", "output audio: - for raw PCM on stdout, or a .wav/.pcm path")
	hangup := flag.Bool("hangup", false, "end the session after the input is exhausted and the last turn completes")
	lead := flag.Duration("lead", 0, "playback lead (default: library default)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := voice.Config{
		Mode: voice.Mode(*mode),
		Providers: voice.Providers{
			STT: *stt,
			LLM: *llm,
			TTS: *tts,
			S2S: *s2s,
		},
		Voice:        voice.VoiceParams{ID: *voiceID},
		Instructions: *instructions,
	}
	if *manual {
		cfg.TurnDetection.Mode = voice.TurnManual
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{
		client.WithConfig(cfg),
		client.WithLogger(log),
		client.OnMessage(logMessage(log)),
	}
	if *lead > 0 {
		opts = append(opts, client.WithLead(*lead))
	}
	if *hangup {
		opts = append(opts, client.WithHangup())
	}
	if *in != "-" {
		// Files read far faster than real time; pace them like a microphone.
		opts = append(opts, client.WithRealtimeInput())
	}

	s, err := client.Dial(ctx, *url, opts...)
	if err != nil {
		log.Error("open session", "err", err)
		return 1
	}
	log.Info("session open", "session_id", s.ID(), "sample_rate", s.SampleRate())

	mic, err := openInput(*in, s.SampleRate())
	if err != nil {
		log.Error("open input", "err", err)
		return 1
	}
	defer mic.Close()

	speaker, err := openOutput(*out, s.SampleRate())
	if err != nil {
		log.Error("open output", "err", err)
		return 1
	}

	runErr := s.Run(ctx, mic, speaker)
	if err := speaker.Close(); err != nil {
		log.Error("write output", "err", err)
		return 1
	}
	if runErr != nil {
		log.Error("session", "err", runErr)
		return 1
	}
	log.Info("session closed", "status", s.Status())
	if st := s.Status(); st != "" && st != voice.StatusCompleted {
		return 2
	}
	return 0
}

func logMessage(log *slog.Logger) func(transport.Message) {
	start := time.Now()
	return func(m transport.Message) {
		switch m.Type {
		case transport.TypeTranscript:
			if m.IsFinal {
				log.Info("user", "turn", m.Turn, "text", m.Text)
			}
		case transport.TypeTurnComplete:
			log.Info("turn complete", "turn", m.Turn, "latency_ms", m.LatencyMs, "t", time.Since(start).Round(time.Millisecond))
		case transport.TypeInterrupted:
			log.Info("interrupted", "turn", m.Turn)
		case transport.TypeState:
			log.Debug("state", "state", m.State)
		case transport.TypeResponseTextDelta:
			log.Debug("agent", "turn", m.Turn, "delta", m.Text)
		}
	}
}

// ── Audio endpoints ───────────────────────────────────────────────────────────

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

// openInput returns mono PCM16 at rate. WAV files are converted on load.
func openInput(path string, rate int) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	if !isWAV(path) {
		return os.Open(path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, pcm, err := audio.ParseWAV(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pcm = audio.Convert(pcm, f, audio.Format{SampleRate: rate, Channels: 1})
	return io.NopCloser(bytes.NewReader(pcm)), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// wavWriter buffers PCM and writes a WAV file on Close.
type wavWriter struct {
	path   string
	format audio.Format

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *wavWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *wavWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return os.WriteFile(w.path, audio.WAV(w.buf.Bytes(), w.format), 0o644)
}

func openOutput(path string, rate int) (io.WriteCloser, error) {
	switch {
	case path == "-":
		return nopWriteCloser{os.Stdout}, nil
	case isWAV(path):
		return &wavWriter{path: path, format: audio.Format{SampleRate: rate, Channels: 1}}, nil
	default:
		return os.Create(path)
	}
}
