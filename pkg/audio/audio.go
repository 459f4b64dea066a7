// Package audio decodes client-supplied audio blobs and converts them to the
// PCM profile the STT providers expect.
//
// Three input formats are accepted: RIFF/WAVE containers with 16-bit PCM
// payloads, raw little-endian 16-bit PCM, and framed Opus packet streams (the
// live-mic wire format on the duplex socket). The declared format is a hint;
// WAV is always sniffed from the magic bytes so a mislabeled upload still
// decodes. All paths converge on [Blob.ToMono16], which yields 16 kHz mono
// PCM16.
package audio

import (
	"fmt"

	"github.com/MrWong99/loquax/pkg/fault"
)

// STT providers want 16 kHz mono 16-bit PCM.
const (
	STTSampleRate = 16000
	STTChannels   = 1
)

// Declared input formats accepted by the decoder.
const (
	FormatWAV   = "wav"
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"
)

// Blob is decoded audio: raw PCM16 samples plus their format.
type Blob struct {
	// PCM is little-endian 16-bit PCM, interleaved when Channels > 1.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 mono, 2 stereo.
	Channels int
}

// Decode parses data according to the declared format and returns the
// contained PCM. WAV magic bytes override the declaration. rate and channels
// describe raw PCM16 input and are ignored for the other formats (pass zero
// to use 16 kHz mono defaults).
func Decode(data []byte, declared string, rate, channels int) (Blob, error) {
	if len(data) == 0 {
		return Blob{}, fault.New(fault.KindInputInvalid, "Audio data is empty.")
	}

	// Sniff WAV regardless of the declared format.
	if isWAV(data) {
		return ParseWAV(data)
	}

	switch declared {
	case FormatWAV:
		// Declared WAV but no RIFF header.
		return Blob{}, fault.New(fault.KindInputInvalid, "Audio is not a valid WAV file.")

	case FormatPCM16, "":
		if len(data)%2 != 0 {
			return Blob{}, fault.New(fault.KindInputInvalid, "PCM audio has an odd byte count.")
		}
		if rate <= 0 {
			rate = STTSampleRate
		}
		if channels <= 0 {
			channels = STTChannels
		}
		return Blob{PCM: data, SampleRate: rate, Channels: channels}, nil

	case FormatOpus:
		return DecodeOpusStream(data)

	default:
		return Blob{}, fault.Errorf(fault.KindInputInvalid, "Unsupported audio format %q.", declared)
	}
}

// ToMono16 converts the blob to 16 kHz mono PCM16 for STT consumption.
// Stereo is downmixed first, then the result is resampled.
func (b Blob) ToMono16() ([]byte, error) {
	if b.Channels != 1 && b.Channels != 2 {
		return nil, fmt.Errorf("audio: unsupported channel count %d", b.Channels)
	}
	pcm := b.PCM
	if b.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, b.SampleRate, STTSampleRate), nil
}

// Duration returns the play length of the blob.
func (b Blob) Duration() float64 {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	samples := len(b.PCM) / 2 / b.Channels
	return float64(samples) / float64(b.SampleRate)
}
