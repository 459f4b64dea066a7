package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/provider/llm"
	"github.com/MrWong99/loquax/pkg/types"
)

// GuardedLLM wraps an [llm.Provider] with a circuit breaker and one retry for
// transient failures. An open breaker surfaces as KindExternalUnavailable so
// callers report the provider as down instead of an internal error.
type GuardedLLM struct {
	inner   llm.Provider
	breaker *CircuitBreaker

	// attempts counts total tries per call, including the first.
	attempts int
	backoff  time.Duration
}

// Compile-time interface assertion.
var _ llm.Provider = (*GuardedLLM)(nil)

// GuardOption configures a GuardedLLM.
type GuardOption func(*GuardedLLM)

// WithAttempts sets total tries per call. Default 2 (one retry).
func WithAttempts(n int) GuardOption {
	return func(g *GuardedLLM) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithBackoff sets the base retry delay.
func WithBackoff(d time.Duration) GuardOption {
	return func(g *GuardedLLM) {
		if d > 0 {
			g.backoff = d
		}
	}
}

// NewGuardedLLM wraps inner with a breaker named name.
func NewGuardedLLM(inner llm.Provider, name string, opts ...GuardOption) *GuardedLLM {
	g := &GuardedLLM{
		inner:    inner,
		breaker:  NewCircuitBreaker(BreakerConfig{Name: name}),
		attempts: 2,
		backoff:  DefaultRetryBackoff,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Complete implements llm.Provider.
func (g *GuardedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := Retry(ctx, g.attempts, g.backoff, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			var err error
			resp, err = g.inner.Complete(ctx, req)
			return err
		})
	})
	if err != nil {
		return nil, classifyGuardError(err)
	}
	return resp, nil
}

// StreamCompletion implements llm.Provider. Only stream establishment is
// guarded; mid-stream errors arrive as chunks and are the caller's to handle.
func (g *GuardedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := Retry(ctx, g.attempts, g.backoff, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			var err error
			ch, err = g.inner.StreamCompletion(ctx, req)
			return err
		})
	})
	if err != nil {
		return nil, classifyGuardError(err)
	}
	return ch, nil
}

// CountTokens implements llm.Provider. Token estimation is local; it bypasses
// the breaker.
func (g *GuardedLLM) CountTokens(messages []types.Message) (int, error) {
	return g.inner.CountTokens(messages)
}

// Capabilities implements llm.Provider.
func (g *GuardedLLM) Capabilities() types.ModelCapabilities {
	return g.inner.Capabilities()
}

// BreakerState exposes the breaker for health reporting.
func (g *GuardedLLM) BreakerState() State {
	return g.breaker.State()
}

func classifyGuardError(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fault.Wrap(fault.KindExternalUnavailable,
			"The language model is temporarily unavailable.", err)
	}
	return err
}
