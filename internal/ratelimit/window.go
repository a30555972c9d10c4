// Package ratelimit throttles requests and scores session health.
//
// Window and Observe operate on the counters persisted inside the session
// document. Limiter is an in-memory per-key limiter for requests that have
// no session yet.
package ratelimit

import (
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// Policy is a fixed-window allowance. A non-positive Limit disables it.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Allow counts one request against rl at now and reports whether it fits.
// A rejected request leaves the count unchanged.
func (p Policy) Allow(rl *domain.RateLimit, now time.Time) bool {
	if p.Limit <= 0 || p.Window <= 0 {
		return true
	}
	p.roll(rl, now)
	if rl.Count >= p.Limit {
		rl.Remaining = 0
		return false
	}
	rl.Count++
	rl.Remaining = p.Limit - rl.Count
	return true
}

// Peek reports whether a request would fit without counting it.
func (p Policy) Peek(rl domain.RateLimit, now time.Time) bool {
	if p.Limit <= 0 || p.Window <= 0 {
		return true
	}
	p.roll(&rl, now)
	return rl.Count < p.Limit
}

// roll starts a fresh window when the current one has elapsed.
func (p Policy) roll(rl *domain.RateLimit, now time.Time) {
	rl.Limit = p.Limit
	if rl.WindowStart.IsZero() || !now.Before(rl.ResetAt) {
		rl.WindowStart = now
		rl.ResetAt = now.Add(p.Window)
		rl.Count = 0
	}
	rl.Remaining = p.Limit - rl.Count
	if rl.Remaining < 0 {
		rl.Remaining = 0
	}
}
