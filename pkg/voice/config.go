package voice

import (
	"errors"
	"fmt"
	"time"
)

// TurnDetectionMode selects who decides where a user turn ends.
type TurnDetectionMode string

const (
	// TurnAuto lets a detector decide: the local VAD in cascade mode, the
	// provider's built-in detector in realtime mode.
	TurnAuto TurnDetectionMode = "auto"

	// TurnManual makes the client responsible for ending each turn with an
	// end_of_audio message.
	TurnManual TurnDetectionMode = "manual"
)

// Default audio and detection parameters applied by [Config.WithDefaults].
const (
	DefaultSampleRate      = 16000
	DefaultFrameSamples    = 320 // 20 ms at 16 kHz
	DefaultSensitivity     = 0.5
	DefaultSilence         = 700 * time.Millisecond
	DefaultMinSpeechFrames = 3
)

// TurnDetection configures turn-boundary signalling for a session.
type TurnDetection struct {
	Mode TurnDetectionMode `json:"mode" yaml:"mode"`

	// ClientEndOfAudio records whether the client promises to send end_of_audio
	// signals. Nil means "follow Mode". An explicit value that contradicts Mode
	// is rejected, since running two boundary detectors yields unpredictable
	// turn timing.
	ClientEndOfAudio *bool `json:"client_end_of_audio,omitempty" yaml:"client_end_of_audio,omitempty"`

	// Sensitivity in [0,1]. Higher values trigger on quieter speech.
	Sensitivity float64 `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`

	// Silence is the hangover: trailing silence required before speech is
	// considered ended.
	Silence time.Duration `json:"silence,omitempty" yaml:"silence,omitempty"`

	// MinSpeechFrames is the number of consecutive loud frames that start
	// speech. Cascade mode only.
	MinSpeechFrames int `json:"min_speech_frames,omitempty" yaml:"min_speech_frames,omitempty"`
}

// ClientSignals reports whether end_of_audio messages drive turn boundaries.
func (td TurnDetection) ClientSignals() bool {
	if td.ClientEndOfAudio != nil {
		return *td.ClientEndOfAudio
	}
	return td.Mode == TurnManual
}

// VoiceParams selects the agent voice and speaking style.
type VoiceParams struct {
	ID    string  `json:"id,omitempty" yaml:"id,omitempty"`
	Speed float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Style string  `json:"style,omitempty" yaml:"style,omitempty"`
}

// Config is the immutable configuration of a session, resolved once at open.
type Config struct {
	Mode      Mode      `json:"mode"`
	Providers Providers `json:"providers"`

	TurnDetection TurnDetection `json:"turn_detection"`
	Voice         VoiceParams   `json:"voice"`

	// Instructions is the system prompt given to the LLM or S2S model.
	Instructions string `json:"instructions,omitempty"`

	// Language is a BCP-47 hint for transcription.
	Language string `json:"language,omitempty"`

	SampleRate   int `json:"sample_rate,omitempty"`
	FrameSamples int `json:"frame_samples,omitempty"`
}

// WithDefaults returns a copy of c with zero-valued tunables filled in.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSamples == 0 {
		c.FrameSamples = c.SampleRate / 50
	}
	if c.TurnDetection.Mode == "" {
		c.TurnDetection.Mode = TurnAuto
	}
	if c.TurnDetection.Sensitivity == 0 {
		c.TurnDetection.Sensitivity = DefaultSensitivity
	}
	if c.TurnDetection.Silence == 0 {
		c.TurnDetection.Silence = DefaultSilence
	}
	if c.TurnDetection.MinSpeechFrames == 0 {
		c.TurnDetection.MinSpeechFrames = DefaultMinSpeechFrames
	}
	return c
}

// FrameDuration returns the duration of one audio frame.
func (c Config) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.SampleRate)
}

// Validate checks the configuration for internal consistency. All problems are
// reported together, wrapped in a single [KindConfig] error.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeCascade:
		if c.Providers.STT == "" || c.Providers.LLM == "" || c.Providers.TTS == "" {
			errs = append(errs, errors.New("cascade mode requires stt, llm and tts providers"))
		}
		if c.Providers.S2S != "" {
			errs = append(errs, errors.New("cascade mode must not select an s2s provider"))
		}
	case ModeRealtime:
		if c.Providers.S2S == "" {
			errs = append(errs, errors.New("realtime mode requires an s2s provider"))
		}
		if c.Providers.STT != "" || c.Providers.LLM != "" || c.Providers.TTS != "" {
			errs = append(errs, errors.New("realtime mode must not select cascade providers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	td := c.TurnDetection
	switch td.Mode {
	case TurnAuto:
		if td.ClientEndOfAudio != nil && *td.ClientEndOfAudio {
			errs = append(errs, errors.New("automatic turn detection cannot be combined with client end_of_audio signals"))
		}
	case TurnManual:
		if td.ClientEndOfAudio != nil && !*td.ClientEndOfAudio {
			errs = append(errs, errors.New("manual turn detection requires client end_of_audio signals"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown turn detection mode %q", td.Mode))
	}
	if td.Sensitivity < 0 || td.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("turn_detection.sensitivity %.2f out of range [0,1]", td.Sensitivity))
	}
	if td.Silence < 0 {
		errs = append(errs, errors.New("turn_detection.silence must not be negative"))
	}
	if td.MinSpeechFrames < 0 {
		errs = append(errs, errors.New("turn_detection.min_speech_frames must not be negative"))
	}

	switch c.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("unsupported sample rate %d", c.SampleRate))
	}
	if c.FrameSamples <= 0 {
		errs = append(errs, errors.New("frame_samples must be positive"))
	} else if d := c.FrameDuration(); d < 5*time.Millisecond || d > 200*time.Millisecond {
		errs = append(errs, fmt.Errorf("frame duration %s out of range [5ms,200ms]", d))
	}
	if c.Voice.Speed < 0 {
		errs = append(errs, errors.New("voice.speed must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return &Error{Kind: KindConfig, Op: "voice: validate config", Err: errors.Join(errs...)}
}
