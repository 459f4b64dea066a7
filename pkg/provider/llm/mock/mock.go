// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the orchestrator sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. Responses are scripted: each call consumes the next entry of
// Responses (or StreamScripts for streaming); when the script runs out the
// last entry repeats. All fields are safe to set before calling any method;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []*llm.CompletionResponse{
//	        {ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"go"}`}}},
//	        {Content: "Summary: …"},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/loquax/pkg/provider/llm"
	"github.com/MrWong99/loquax/pkg/types"
)

// Call records a single invocation of Complete or StreamCompletion.
type Call struct {
	// Ctx is the context passed to the method.
	Ctx context.Context
	// Req is the CompletionRequest passed to the method.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses is the scripted sequence returned by successive Complete
	// calls. The last entry repeats once the script is exhausted.
	Responses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from every Complete.
	CompleteErr error

	// StreamScripts is the scripted sequence of chunk lists emitted by
	// successive StreamCompletion calls. The last script repeats once
	// exhausted.
	StreamScripts [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of opening a channel.
	StreamErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// ModelCapabilities is returned by Capabilities. The zero value reports
	// tool calling, streaming, and sampling params as supported.
	ModelCapabilities *types.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []Call

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []Call
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})

	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	return p.Responses[idx], nil
}

// StreamCompletion records the call and returns a channel that emits the next
// scripted chunk list. If StreamErr is set, it returns nil, StreamErr without
// opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	idx := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})

	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}

	var script []llm.Chunk
	if len(p.StreamScripts) > 0 {
		if idx >= len(p.StreamScripts) {
			idx = len(p.StreamScripts) - 1
		}
		script = make([]llm.Chunk, len(p.StreamScripts[idx]))
		copy(script, p.StreamScripts[idx])
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(script))
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, nil
}

// Capabilities returns ModelCapabilities, or a fully-capable default.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelCapabilities != nil {
		return *p.ModelCapabilities
	}
	return types.ModelCapabilities{
		ContextWindow:          128_000,
		MaxOutputTokens:        8_192,
		SupportsToolCalling:    true,
		SupportsStreaming:      true,
		SupportsSamplingParams: true,
	}
}

// CallCount returns the total number of Complete and StreamCompletion calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls) + len(p.StreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
