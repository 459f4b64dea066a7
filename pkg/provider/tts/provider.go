// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Piper instance) and presents a uniform streaming interface. The
// primary entry point is SynthesizeStream, which accepts a channel of text
// fragments and returns a channel of raw PCM audio bytes as they become
// available, letting the conversation service pipe LLM output straight into
// synthesis without waiting for the full reply.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/loquax/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised, plus an error channel for mid-synthesis failures.
	//
	// The audio channel is closed by the implementation when all text has
	// been synthesised or when ctx is cancelled. The error channel receives
	// at most one value, after the audio channel closes, and is then closed:
	// a provider failure that truncated the stream. A clean finish and plain
	// cancellation close it empty. The caller must drain the audio channel
	// and then receive from the error channel.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not available.
	//
	// The trailing error return is non-nil only if the stream cannot be
	// started; in that case both channels are nil.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

// Synthesize is a convenience wrapper over SynthesizeStream for callers that
// already hold the complete text. It blocks until synthesis finishes and
// returns the concatenated PCM.
func Synthesize(ctx context.Context, p Provider, text string, voice types.VoiceProfile) ([]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	out, errs, err := p.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return nil, err
	}

	var pcm []byte
	for chunk := range out {
		pcm = append(pcm, chunk...)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pcm, nil
}
