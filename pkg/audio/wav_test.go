package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/voxbench/pkg/audio"
)

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := audio.PCM([]int16{0, 1000, -1000, 32767})
	f := audio.Format{SampleRate: 16000, Channels: 1}
	wav := audio.WAV(pcm, f)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}

	gotF, data, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if gotF != f {
		t.Errorf("format = %+v, want %+v", gotF, f)
	}
	if !bytes.Equal(data, pcm) {
		t.Error("data mismatch")
	}
}

func TestParseWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	wav := audio.WAV(pcm, audio.Format{SampleRate: 24000, Channels: 2})
	// Insert an odd-sized LIST chunk between fmt and data.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	f, data, err := audio.ParseWAV(withList)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if f.SampleRate != 24000 || f.Channels != 2 || !bytes.Equal(data, pcm) {
		t.Errorf("got %+v %v", f, data)
	}
}

func TestParseWAV_Rejects(t *testing.T) {
	t.Parallel()

	float := audio.WAV([]byte{0, 0}, audio.Format{SampleRate: 16000, Channels: 1})
	binary.LittleEndian.PutUint16(float[20:22], 3)

	for name, b := range map[string][]byte{
		"empty":   nil,
		"riff":    []byte("RIFX0000WAVE"),
		"float":   float,
		"no data": audio.WAV(nil, audio.Format{SampleRate: 16000})[:36],
	} {
		if _, _, err := audio.ParseWAV(b); !errors.Is(err, audio.ErrNotWAV) {
			t.Errorf("%s: err = %v, want ErrNotWAV", name, err)
		}
	}
}
