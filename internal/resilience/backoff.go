package resilience

import (
	"math"
	"time"
)

// Backoff returns the delay before reconnect attempt number attempt
// (zero-based): base * 2^attempt, capped at max. A non-positive base or max
// falls back to 1s / 30s.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
