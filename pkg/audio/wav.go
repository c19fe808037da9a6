package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderLen = 44

// WAV wraps 16-bit little-endian PCM in a canonical RIFF/WAVE container.
func WAV(pcm []byte, f Format) []byte {
	channels := max(f.Channels, 1)
	dataLen := len(pcm)

	buf := make([]byte, wavHeaderLen+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*channels*BytesPerSample))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*BytesPerSample))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[wavHeaderLen:], pcm)
	return buf
}

// ErrNotWAV is returned by ParseWAV for input that is not 16-bit PCM WAVE.
var ErrNotWAV = errors.New("audio: not a 16-bit PCM WAV file")

// ParseWAV returns the format and sample data of a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func ParseWAV(b []byte) (Format, []byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}
	var (
		f      Format
		gotFmt bool
	)
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			// Streaming writers leave the data size unset; take the rest.
			if id != "data" {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if binary.LittleEndian.Uint16(b[body:]) != 1 || binary.LittleEndian.Uint16(b[body+14:]) != 16 {
				return Format{}, nil, ErrNotWAV
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return f, b[body : body+size], nil
		}
		off = body + size + size&1
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
