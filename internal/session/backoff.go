package session

import (
	"math/rand"
	"time"
)

// backoff computes the capped exponential delay for a retry attempt
// (0-indexed): base doubling per attempt, capped, with ±25% jitter so
// simultaneous clients do not retry in lockstep.
//
// With base 2s and cap 15s: attempt 0 ≈ 2s, 1 ≈ 4s, 2 ≈ 8s, then 15s.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.25 * float64(delay))
	return delay + jitter
}
