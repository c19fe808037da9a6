package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxbench/pkg/audio"
)

// sine returns n samples of a full-scale-fraction sine wave at freq Hz.
func sine(n, rate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestSamplesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	got := audio.Samples(audio.PCM(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	if got := audio.Level(nil); got != audio.SilenceDBFS {
		t.Errorf("Level(nil) = %.1f, want %.1f", got, audio.SilenceDBFS)
	}
	if got := audio.Level(make([]byte, 640)); got != audio.SilenceDBFS {
		t.Errorf("Level(zeros) = %.1f, want %.1f", got, audio.SilenceDBFS)
	}

	// A sine at amplitude A has RMS A/sqrt(2): 0.5 → about -9 dBFS.
	loud := audio.PCM(sine(1600, 16000, 440, 0.5))
	if got := audio.Level(loud); got < -10 || got > -8 {
		t.Errorf("Level(sine 0.5) = %.2f dBFS, want about -9", got)
	}
	quiet := audio.PCM(sine(1600, 16000, 440, 0.005))
	if got := audio.Level(quiet); got > -45 {
		t.Errorf("Level(sine 0.005) = %.2f dBFS, want below -45", got)
	}
}

func TestToMono(t *testing.T) {
	t.Parallel()

	stereo := audio.PCM([]int16{100, 200, -100, -200, math.MaxInt16, math.MaxInt16})
	got := audio.Samples(audio.ToMono(stereo, 2))
	want := []int16{150, -150, math.MaxInt16}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}

	mono := audio.PCM([]int16{1, 2, 3})
	if out := audio.ToMono(mono, 1); &out[0] != &mono[0] {
		t.Error("ToMono on mono input should return the input slice")
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		from, to int
		in       int
		want     int
	}{
		{"same rate", 16000, 16000, 320, 320},
		{"24k to 16k", 24000, 16000, 480, 320},
		{"16k to 48k", 16000, 48000, 320, 960},
		{"8k to 16k", 8000, 16000, 160, 320},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := audio.PCM(sine(tc.in, tc.from, 300, 0.3))
			out := audio.Resample(in, tc.from, tc.to)
			if got := len(out) / 2; got != tc.want {
				t.Errorf("samples = %d, want %d", got, tc.want)
			}
		})
	}

	if out := audio.Resample(nil, 24000, 16000); out != nil {
		t.Errorf("Resample(nil) = %v, want nil", out)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.ByteRate(); got != 32000 {
		t.Errorf("ByteRate = %d, want 32000", got)
	}
	if got := f.Duration(640); got != 20*time.Millisecond {
		t.Errorf("Duration(640) = %s, want 20ms", got)
	}
	if got := f.Bytes(20 * time.Millisecond); got != 640 {
		t.Errorf("Bytes(20ms) = %d, want 640", got)
	}

	fr := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if got := fr.Duration(); got != 20*time.Millisecond {
		t.Errorf("Frame.Duration = %s, want 20ms", got)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan []byte, 3)
	ch <- []byte{1}
	ch <- []byte{2}
	close(ch)
	audio.Drain(ch)
	if _, ok := <-ch; ok {
		t.Error("channel not drained")
	}
}

func TestResampler_CarriesSplitSample(t *testing.T) {
	t.Parallel()

	pcm := audio.PCM([]int16{100, -200, 300, -400})
	r := &audio.Resampler{From: 16000, To: 16000}

	var out []byte
	for _, chunk := range [][]byte{pcm[:3], pcm[3:5], pcm[5:]} {
		out = append(out, r.Process(chunk)...)
	}
	got := audio.Samples(out)
	want := []int16{100, -200, 300, -400}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampler_ConvertsRate(t *testing.T) {
	t.Parallel()

	r := &audio.Resampler{From: 24000, To: 16000}
	out := r.Process(audio.PCM(sine(2400, 24000, 440, 0.5)))
	if got := len(audio.Samples(out)); got != 1600 {
		t.Errorf("got %d samples, want 1600", got)
	}
}
