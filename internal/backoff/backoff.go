package backoff

import (
	"math"
	"math/rand"
	"time"
)

// WithJitter returns an exponential delay for attempt (1-based) capped at
// max, with the upper half randomised.
func WithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
