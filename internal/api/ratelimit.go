package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per operator. Buckets idle for longer
// than idleTTL are dropped by Run.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters: map[string]*limiterEntry{},
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastAccess = now
	rl.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanup() int {
	cutoff := rl.now().Add(-rl.idleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, e := range rl.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) Run(ctx context.Context) error {
	t := time.NewTicker(rl.idleTTL)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			rl.cleanup()
		}
	}
}
