// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., an OpenAI-compatible
// API or a local Whisper server) and exposes a uniform batch interface: a
// complete utterance goes in as 16 kHz mono PCM16 and a [types.Transcript]
// comes out. Audio format normalization happens upstream in pkg/audio, so
// implementations may assume the agreed PCM profile.
//
// Implementations must be safe for concurrent use; the conversation service
// transcribes utterances from many sessions in parallel.
package stt

import (
	"context"

	"github.com/MrWong99/loquax/pkg/types"
)

// Request carries one utterance to transcribe.
type Request struct {
	// PCM is the utterance audio as 16 kHz mono little-endian 16-bit PCM.
	PCM []byte

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts the utterance in req to text. An empty transcript
	// with a nil error means the provider heard nothing intelligible; callers
	// decide how to surface that to the user.
	//
	// Returns an error if the backend is unreachable or if ctx is cancelled
	// before the result arrives.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)
}
