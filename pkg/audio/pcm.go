package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDBFS is the level reported for an empty or all-zero buffer.
const SilenceDBFS = -96.0

// Samples decodes little-endian PCM16 bytes into samples. A trailing odd byte
// is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM encodes samples as little-endian PCM16 bytes.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square amplitude of PCM16 audio, normalised to
// [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Level returns the RMS level of PCM16 audio in dBFS. Silence is clamped to
// [SilenceDBFS].
func Level(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= 0 {
		return SilenceDBFS
	}
	return max(20*math.Log10(rms), SilenceDBFS)
}

// ToMono averages interleaved channels down to one. Mono input is returned
// unchanged.
func ToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for f := range frames {
		var sum int32
		for c := range channels {
			off := f*frameBytes + c*BytesPerSample
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[f*2:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// Resample converts mono PCM16 from one sample rate to another by linear
// interpolation. Equal rates or non-positive rates return the input unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	src := Samples(pcm)
	if len(src) == 0 {
		return nil
	}
	n := int(int64(len(src)) * int64(to) / int64(from))
	dst := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range dst {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a := float64(src[j])
		b := a
		if j+1 < len(src) {
			b = float64(src[j+1])
		}
		dst[i] = int16(a + (b-a)*frac)
	}
	return PCM(dst)
}

// Convert returns pcm converted from src to mono PCM16 at dst.SampleRate.
// Only mono targets are supported; dst.Channels is ignored.
func Convert(pcm []byte, src Format, dst Format) []byte {
	return Resample(ToMono(pcm, src.Channels), src.SampleRate, dst.SampleRate)
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Resampler converts a stream of mono PCM16 chunks between sample rates. An
// odd trailing byte is carried over to the next chunk so a split sample is
// never lost. The zero value passes audio through unchanged.
type Resampler struct {
	From, To int

	carry []byte
}

// Process converts one chunk. The result may be shorter than a whole chunk
// when a byte is carried over.
func (r *Resampler) Process(chunk []byte) []byte {
	if len(r.carry) > 0 {
		chunk = append(r.carry, chunk...)
		r.carry = nil
	}
	if len(chunk)%BytesPerSample != 0 {
		r.carry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	if len(chunk) == 0 {
		return nil
	}
	return Resample(chunk, r.From, r.To)
}
