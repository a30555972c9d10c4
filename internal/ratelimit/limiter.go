package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window limiter keyed by client id. It guards session
// creation, where no persisted counter exists yet. Keying by client rather
// than session stops callers from dodging the limit by minting new sessions.
type Limiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewLimiter creates a limiter. Call Run to evict idle keys.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *Limiter) Allow(key string) bool {
	if r.limit <= 0 || r.window <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.fresh(r.requests[key], now)
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Run evicts expired keys every window until ctx is done, preventing
// unbounded memory growth.
func (r *Limiter) Run(ctx context.Context) {
	if r.window <= 0 {
		return
	}
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evict()
		}
	}
}

func (r *Limiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, times := range r.requests {
		if fresh := r.fresh(times, now); len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

func (r *Limiter) fresh(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
