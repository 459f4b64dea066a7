// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/loquax/pkg/provider/stt"
	"github.com/MrWong99/loquax/pkg/types"
)

// Provider is a mock implementation of stt.Provider. Successive Transcribe
// calls consume Transcripts in order; the last entry repeats once the script
// is exhausted. Zero values return an empty transcript and nil error.
type Provider struct {
	mu sync.Mutex

	// Transcripts is the scripted sequence of results.
	Transcripts []types.Transcript

	// Err, if non-nil, is returned as the error from every Transcribe.
	Err error

	// Calls records every Transcribe request in order.
	Calls []stt.Request
}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.Calls)
	p.Calls = append(p.Calls, req)

	if p.Err != nil {
		return types.Transcript{}, p.Err
	}
	if len(p.Transcripts) == 0 {
		return types.Transcript{}, nil
	}
	if idx >= len(p.Transcripts) {
		idx = len(p.Transcripts) - 1
	}
	return p.Transcripts[idx], nil
}

// CallCount returns the number of Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
