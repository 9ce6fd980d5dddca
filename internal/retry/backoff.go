// Package retry runs one site task with bounded retries and capped
// exponential backoff, consulting and updating the circuit breaker.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	// DefaultBaseDelay is the wait before the second attempt.
	DefaultBaseDelay = time.Second
	// DefaultDelayCap bounds every backoff wait.
	DefaultDelayCap = 30 * time.Second
)

// Backoff returns the wait after the given failed attempt (1-based):
// min(base*2^(attempt-1), limit). It never decreases as attempt grows.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if limit > 0 && delay > float64(limit) {
		return limit
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	}
}
