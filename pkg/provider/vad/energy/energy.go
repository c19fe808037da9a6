// Package energy implements an RMS-energy voice activity detector.
//
// Each frame's level in dBFS is compared with a threshold. Speech starts after
// MinSpeechFrames consecutive loud frames and ends once the configured
// hangover has passed without a loud frame, so short pauses inside an
// utterance do not close the turn.
package energy

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
	"github.com/MrWong99/voxbench/pkg/provider/vad"
)

// floorDB is the level mapped to probability zero.
const floorDB = -60.0

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d ms", cfg.FrameSizeMs)
	}
	if cfg.ThresholdDB >= 0 || cfg.ThresholdDB < audio.SilenceDBFS {
		return nil, fmt.Errorf("energy: threshold %.1f dBFS out of range", cfg.ThresholdDB)
	}
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = 1
	}

	frame := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	hangover := int((cfg.Hangover + frame - 1) / frame)
	preRoll := int(cfg.PreRoll / frame)

	return &Session{
		cfg:            cfg,
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * audio.BytesPerSample,
		hangoverFrames: max(hangover, 1),
		ring:           make([][]byte, 0, preRoll+cfg.MinSpeechFrames),
		ringCap:        preRoll + cfg.MinSpeechFrames,
	}, nil
}

// Session is one stream's detection state.
type Session struct {
	cfg            vad.Config
	frameBytes     int
	hangoverFrames int

	speaking bool
	loudRun  int
	quietRun int

	ring    [][]byte
	ringCap int
	preRoll [][]byte

	closed atomic.Bool
}

// ProcessFrame classifies one PCM16 mono frame.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed.Load() {
		return vad.Event{}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := audio.Level(frame)
	ev := vad.Event{
		LevelDB:     level,
		Probability: min(max((level-floorDB)/-floorDB, 0), 1),
	}
	loud := level >= s.cfg.ThresholdDB
	s.remember(frame)

	if !s.speaking {
		if !loud {
			s.loudRun = 0
			ev.Type = vad.EventSilence
			return ev, nil
		}
		s.loudRun++
		if s.loudRun < s.cfg.MinSpeechFrames {
			ev.Type = vad.EventSilence
			return ev, nil
		}
		s.speaking = true
		s.quietRun = 0
		s.preRoll = append([][]byte(nil), s.ring...)
		ev.Type = vad.EventSpeechStart
		return ev, nil
	}

	if loud {
		s.quietRun = 0
		ev.Type = vad.EventSpeechContinue
		return ev, nil
	}
	s.quietRun++
	if s.quietRun < s.hangoverFrames {
		ev.Type = vad.EventSpeechContinue
		return ev, nil
	}
	s.speaking = false
	s.loudRun = 0
	s.quietRun = 0
	ev.Type = vad.EventSpeechEnd
	return ev, nil
}

// remember keeps the most recent frames for pre-roll.
func (s *Session) remember(frame []byte) {
	if s.ringCap == 0 {
		return
	}
	if len(s.ring) == s.ringCap {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
	}
	s.ring = append(s.ring, frame)
}

// PreRoll returns the frames captured up to and including the last
// speech-start.
func (s *Session) PreRoll() [][]byte {
	return s.preRoll
}

// Speaking reports whether the session is currently inside a speech segment.
func (s *Session) Speaking() bool { return s.speaking }

// Reset clears all detection state.
func (s *Session) Reset() {
	s.speaking = false
	s.loudRun = 0
	s.quietRun = 0
	s.ring = s.ring[:0]
	s.preRoll = nil
}

// Close marks the session closed. It is idempotent.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
