package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces operations evenly: a rate of perMinute means one call
// every 60s/perMinute, with no bursting. Venue adapters share one per
// connection so order traffic stays under gateway quotas.
type RateLimiter struct {
	interval time.Duration

	mu     sync.Mutex
	nextAt time.Time
}

// NewRateLimiter creates a RateLimiter allowing perMinute operations per
// minute. A non-positive rate disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{}
	if perMinute > 0 {
		rl.interval = time.Minute / time.Duration(perMinute)
	}
	return rl
}

// Wait blocks until the caller's slot arrives or ctx is cancelled. The
// first call never waits.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.interval <= 0 {
		return ctx.Err()
	}

	rl.mu.Lock()
	now := time.Now()
	if rl.nextAt.Before(now) {
		rl.nextAt = now
	}
	wait := rl.nextAt.Sub(now)
	rl.nextAt = rl.nextAt.Add(rl.interval)
	rl.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
