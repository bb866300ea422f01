package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients caps the limiter map so rotating source addresses
// cannot exhaust memory.
const maxTrackedClients = 4096

// RateLimiter enforces a per-client requests-per-minute budget on the
// execute endpoint. A zero or negative RPM disables it.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
	}
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.visitors != nil }

// Allow reports whether the client identified by key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.visitors == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[key]
	if !ok {
		if len(rl.visitors) >= maxTrackedClients {
			rl.prune(now)
		}
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// prune removes clients idle long enough for their bucket to have refilled.
// Caller holds mu.
func (rl *RateLimiter) prune(now time.Time) {
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, key)
		}
	}
	// Still at the cap: evict arbitrarily rather than grow without bound.
	for len(rl.visitors) >= maxTrackedClients {
		for key := range rl.visitors {
			delete(rl.visitors, key)
			break
		}
	}
}
