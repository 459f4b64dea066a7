// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/loquax/pkg/provider/tts"
	"github.com/MrWong99/loquax/pkg/types"
)

// Provider is a mock implementation of tts.Provider. Each consumed text
// fragment produces one PCM chunk: ChunkFor(fragment) when set, otherwise
// ChunkSize zero bytes (default 320). Consumed fragments are recorded in
// Fragments for later assertions.
type Provider struct {
	mu sync.Mutex

	// ChunkFor, if set, maps a text fragment to the PCM chunk emitted for it.
	ChunkFor func(fragment string) []byte

	// ChunkSize is the size of the zero-filled chunk emitted per fragment when
	// ChunkFor is nil. Defaults to 320 bytes (10 ms at 16 kHz mono).
	ChunkSize int

	// Err, if non-nil, is returned by SynthesizeStream before any synthesis.
	Err error

	// StreamFailure, if non-nil, is delivered on the error channel once the
	// audio channel closes, simulating a provider dropping mid-synthesis.
	StreamFailure error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// Fragments records every text fragment consumed, across all streams.
	Fragments []string

	// StreamCount is the number of SynthesizeStream invocations.
	StreamCount int
}

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream emits one PCM chunk per consumed text fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, <-chan error, error) {
	p.mu.Lock()
	p.StreamCount++
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	errs := make(chan error, 1)
	go func() {
		defer func() {
			close(out)
			p.mu.Lock()
			failure := p.StreamFailure
			p.mu.Unlock()
			if failure != nil {
				errs <- failure
			}
			close(errs)
		}()
		for {
			select {
			case frag, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Fragments = append(p.Fragments, frag)
				fn := p.ChunkFor
				size := p.ChunkSize
				p.mu.Unlock()

				var chunk []byte
				if fn != nil {
					chunk = fn(frag)
				} else {
					if size <= 0 {
						size = 320
					}
					chunk = make([]byte, size)
				}
				if len(chunk) == 0 {
					continue
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs, nil
}

// ListVoices returns the configured Voices list.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// ConsumedFragments returns a copy of all fragments consumed so far.
func (p *Provider) ConsumedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Fragments))
	copy(out, p.Fragments)
	return out
}
