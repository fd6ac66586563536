package conn

import (
	"math/rand"
	"time"
)

// backoffDelay returns the deterministic part of the delay before retry
// attempt n (zero-based): base*2^n, capped at limit. The first retry of a
// cycle waits base, the second 2*base, and so on.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// jitterDuration returns a uniform random duration in [0, max). Jitter
// spreads reconnect stampedes when many clients lose the same server.
func jitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
