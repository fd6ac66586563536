package signaling

import (
	"sync"
	"time"
)

// slidingLimiter implements a sliding window rate limiter with
// per-target and global limits.
type slidingLimiter struct {
	mu        sync.Mutex
	perTarget map[string][]time.Time
	global    []time.Time
	targetMax int
	globalMax int
	window    time.Duration
}

func newSlidingLimiter(perTargetPerMin, globalPerMin int) *slidingLimiter {
	return &slidingLimiter{
		perTarget: make(map[string][]time.Time),
		targetMax: perTargetPerMin,
		globalMax: globalPerMin,
		window:    time.Minute,
	}
}

// Allow checks both limits and records the send when it passes.
func (r *slidingLimiter) Allow(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	r.global = pruneOld(r.global, cutoff)
	if r.globalMax > 0 && len(r.global) >= r.globalMax {
		return false
	}

	r.perTarget[target] = pruneOld(r.perTarget[target], cutoff)
	if r.targetMax > 0 && len(r.perTarget[target]) >= r.targetMax {
		return false
	}

	r.global = append(r.global, now)
	r.perTarget[target] = append(r.perTarget[target], now)
	return true
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
