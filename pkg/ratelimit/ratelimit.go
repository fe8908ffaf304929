// Package ratelimit bounds the rate of repeated events against a
// single key: the message router's request/response probes per
// destination worker, and the lock manager's stale-lock warnings per
// resource.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token-bucket limiter per key, created lazily on
// first use. Callers that probe the same destination repeatedly (router
// send_with_response retries, lock manager stale-lock warnings) share a
// bucket so the probe rate is bounded regardless of caller count.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewKeyedLimiter builds a limiter allowing rps events per second per key,
// with burst headroom for the first wave of probes.
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether an event for key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.rps, k.burst)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Forget drops the bucket for key, e.g. once a destination is no longer
// being probed, to avoid unbounded growth of limiters.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
