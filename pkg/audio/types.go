// Package audio holds the PCM primitives shared by the client and the server:
// the Frame type that flows from the producer through the transport to the
// VAD, plus conversion and level helpers for signed 16-bit little-endian PCM.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// ByteRate returns the number of PCM16 bytes per second of audio.
func (f Format) ByteRate() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleRate * ch * BytesPerSample
}

// Duration returns how long n bytes of PCM16 audio in this format play for.
func (f Format) Duration(n int) time.Duration {
	br := f.ByteRate()
	if br <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(br))
}

// Bytes returns the byte length of d worth of PCM16 audio, rounded down to a
// whole sample frame.
func (f Format) Bytes(d time.Duration) int {
	ch := max(f.Channels, 1)
	samples := int(int64(d) * int64(f.SampleRate) / int64(time.Second))
	return samples * ch * BytesPerSample
}

// Frame is one fixed-size buffer of captured PCM audio.
//
// Frames are immutable once produced. Ownership moves from the producer to the
// transport to a single consumer; nobody writes to Data after handoff.
type Frame struct {
	// Seq is the capture index, starting at 0 and increasing by one per frame
	// read from the source, including frames that were later dropped.
	Seq uint64

	// Data is mono or interleaved PCM16 little-endian audio.
	Data []byte

	SampleRate int
	Channels   int

	// Timestamp is the capture offset relative to the start of the stream.
	Timestamp time.Duration
}

// Format returns the frame's audio format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}
