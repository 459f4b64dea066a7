package audio

import (
	"encoding/binary"

	"github.com/MrWong99/loquax/pkg/fault"
)

const wavHeaderMin = 12

// isWAV reports whether data starts with a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= wavHeaderMin &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// ParseWAV extracts the PCM payload from a RIFF/WAVE container.
// Only uncompressed 16-bit PCM (format tag 1) is supported.
func ParseWAV(data []byte) (Blob, error) {
	if !isWAV(data) {
		return Blob{}, fault.New(fault.KindInputInvalid, "Audio is not a valid WAV file.")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		haveFmt    bool
		pcm        []byte
	)

	// Walk the chunk list after the 12-byte RIFF header.
	off := wavHeaderMin
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return Blob{}, fault.New(fault.KindInputInvalid, "WAV file is truncated.")
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Blob{}, fault.New(fault.KindInputInvalid, "WAV fmt chunk is too short.")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return Blob{}, fault.Errorf(fault.KindInputInvalid,
					"WAV format tag %d is not supported; only 16-bit PCM is accepted.", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || pcm == nil {
		return Blob{}, fault.New(fault.KindInputInvalid, "WAV file is missing fmt or data chunk.")
	}
	if bits != 16 {
		return Blob{}, fault.Errorf(fault.KindInputInvalid,
			"WAV bit depth %d is not supported; only 16-bit PCM is accepted.", bits)
	}
	if channels != 1 && channels != 2 {
		return Blob{}, fault.Errorf(fault.KindInputInvalid,
			"WAV channel count %d is not supported; use mono or stereo.", channels)
	}
	if sampleRate <= 0 {
		return Blob{}, fault.New(fault.KindInputInvalid, "WAV sample rate is invalid.")
	}

	return Blob{PCM: pcm, SampleRate: sampleRate, Channels: channels}, nil
}

// EncodeWAV wraps PCM16 samples in a minimal RIFF/WAVE container. Used by the
// audio response endpoints so a non-streaming reply plays directly.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)

	return out
}
