// Package ratelimit admits submissions per client address. Every client
// owns a token bucket of Capacity tokens refilled at Refill tokens per
// second; a submission costs one token.
package ratelimit

import (
	"math"
	"time"
)

// KeyPrefix namespaces the per-client buckets in Redis.
const KeyPrefix = "rl:submit:"

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token, zero when Allowed.
	RetryAfter time.Duration
}

type bucketConfig struct {
	capacity int
	refill   float64
}

// decide builds the Decision for a bucket left holding remaining tokens.
func (c bucketConfig) decide(allowed bool, remaining float64) Decision {
	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed && c.refill > 0 {
		wait := (1 - remaining) / c.refill
		d.RetryAfter = time.Duration(math.Ceil(wait * float64(time.Second)))
	}
	return d
}

// refillTime is how long an empty bucket takes to fill up. A bucket idle
// for longer is indistinguishable from a fresh one.
func (c bucketConfig) refillTime() time.Duration {
	if c.refill <= 0 {
		return time.Hour
	}
	d := time.Duration(float64(c.capacity) / c.refill * float64(time.Second))
	if d < time.Second {
		return time.Second
	}
	return d
}
