package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxbench/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxbench/pkg/provider/tts/mock"
)

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}, SampleRate: 24000}
	f := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	f.AddFallback("openai", secondary)

	text := make(chan string, 1)
	text <- "Hello there."
	close(text)
	s, err := f.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "rachel"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n int
	for c := range s.Audio {
		n += len(c)
	}
	if n != 4 || s.SampleRate != 24000 || s.Err() != nil {
		t.Errorf("stream: %d bytes at %d Hz, err %v", n, s.SampleRate, s.Err())
	}
	if got := secondary.ReceivedText(); len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("fallback received %v", got)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errTest}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "alloy", Name: "Alloy"}}}
	f := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	f.AddFallback("openai", secondary)

	voices, err := f.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "alloy" {
		t.Errorf("voices = %+v", voices)
	}
}
