package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/loquax/pkg/fault"
)

// DefaultRetryBackoff is the base delay before a retry attempt.
const DefaultRetryBackoff = 500 * time.Millisecond

// Retry runs fn and, when it fails with a clearly transient error (see
// [fault.Retriable]), retries up to attempts-1 more times with exponentially
// growing, jittered backoff. Non-transient errors and context cancellation
// return immediately.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = DefaultRetryBackoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !sleepWithJitter(ctx, base<<(attempt-1)) {
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !fault.Retriable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// sleepWithJitter waits for d plus up to 50% random jitter, returning false
// if ctx ended first.
func sleepWithJitter(ctx context.Context, d time.Duration) bool {
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
