package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
	"github.com/MrWong99/loquax/pkg/provider/llm"
	llmmock "github.com/MrWong99/loquax/pkg/provider/llm/mock"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", MaxFailures: 3})
	boom := errors.New("boom")

	for range 3 {
		cb.Execute(func() error { return boom })
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %s after 3 failures, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute on open breaker: err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was called while the breaker was open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2})
	boom := errors.New("boom")

	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return boom })

	if cb.State() != StateClosed {
		t.Errorf("State() = %s, want closed (success in between resets the count)", cb.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		ProbeCount:   2,
	})

	cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != StateOpen {
		t.Fatal("breaker did not open")
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %s after reset timeout, want half-open", cb.State())
	}

	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return nil })
	if cb.State() != StateClosed {
		t.Errorf("State() = %s after successful probes, want closed", cb.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})

	cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	cb.Execute(func() error { return errors.New("still broken") })

	if cb.State() != StateOpen {
		t.Errorf("State() = %s after failed probe, want open", cb.State())
	}
}

func TestRetryRetriesTransientOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{
			name:      "transient retried",
			err:       fault.New(fault.KindExternalUnavailable, "down"),
			wantCalls: 3,
		},
		{
			name:      "permanent not retried",
			err:       fault.New(fault.KindInputInvalid, "bad"),
			wantCalls: 1,
		},
		{
			name:      "plain error not retried",
			err:       errors.New("boom"),
			wantCalls: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
				calls++
				return tc.err
			})
			if calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return fault.New(fault.KindTimeout, "slow")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, 50*time.Millisecond, func(ctx context.Context) error {
		calls++
		cancel()
		return fault.New(fault.KindExternalUnavailable, "down")
	})
	if err == nil {
		t.Fatal("Retry returned nil after context cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// flakyLLM fails its first failUntil Complete calls, then delegates to the
// embedded mock.
type flakyLLM struct {
	*llmmock.Provider
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (f *flakyLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failUntil
	f.mu.Unlock()
	if fail {
		return nil, fault.New(fault.KindExternalUnavailable, "down")
	}
	return f.Provider.Complete(ctx, req)
}

func TestGuardedLLMRetriesTransientCompletion(t *testing.T) {
	t.Parallel()
	m := &flakyLLM{
		Provider: &llmmock.Provider{
			Responses: []*llm.CompletionResponse{{Content: "ok"}},
		},
		failUntil: 1,
	}

	g := NewGuardedLLM(m, "test", WithBackoff(time.Millisecond))
	resp, err := g.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if m.calls != 2 {
		t.Errorf("provider calls = %d, want 2", m.calls)
	}
}

func TestGuardedLLMOpenBreakerReportsUnavailable(t *testing.T) {
	t.Parallel()
	m := &llmmock.Provider{
		CompleteErr: fault.New(fault.KindExternalUnavailable, "down"),
	}

	g := NewGuardedLLM(m, "test", WithAttempts(1))
	// Exhaust the breaker.
	for range 6 {
		g.Complete(context.Background(), llm.CompletionRequest{})
	}

	_, err := g.Complete(context.Background(), llm.CompletionRequest{})
	if fault.KindOf(err) != fault.KindExternalUnavailable {
		t.Errorf("KindOf(err) = %s, want external_unavailable", fault.KindOf(err))
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want wrapped ErrCircuitOpen", err)
	}
}
