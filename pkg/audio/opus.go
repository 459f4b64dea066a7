package audio

import (
	"encoding/binary"

	"layeh.com/gopus"

	"github.com/MrWong99/loquax/pkg/fault"
)

// Opus packets on the wire are 48 kHz mono with 20 ms frames, the profile
// live-capture clients produce. Each packet is prefixed with its length as a
// big-endian uint16 so a blob can carry a whole utterance worth of frames.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameSize  = 960 // samples per 20 ms frame at 48 kHz
)

// DecodeOpusStream decodes a length-prefixed Opus packet stream into PCM.
// The result is 48 kHz mono; callers resample via [Blob.ToMono16].
func DecodeOpusStream(data []byte) (Blob, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return Blob{}, fault.Wrap(fault.KindInternal, "Audio decoding failed.", err)
	}

	var pcm []int16
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return Blob{}, fault.New(fault.KindInputInvalid, "Opus stream is truncated.")
		}
		n := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if n == 0 || off+n > len(data) {
			return Blob{}, fault.New(fault.KindInputInvalid, "Opus packet length is invalid.")
		}

		samples, err := dec.Decode(data[off:off+n], opusFrameSize, false)
		if err != nil {
			return Blob{}, fault.Wrap(fault.KindInputInvalid, "Opus packet could not be decoded.", err)
		}
		pcm = append(pcm, samples...)
		off += n
	}

	if len(pcm) == 0 {
		return Blob{}, fault.New(fault.KindInputInvalid, "Opus stream contains no packets.")
	}

	return Blob{PCM: int16sToBytes(pcm), SampleRate: opusSampleRate, Channels: opusChannels}, nil
}

// int16sToBytes converts int16 samples to little-endian bytes.
func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// bytesToInt16s converts little-endian bytes to int16 samples.
func bytesToInt16s(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
