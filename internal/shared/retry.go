package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BusyRetry bounds the retries spent on SQLite lock contention.
type BusyRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultBusyRetry backs off 50ms, 100ms, 200ms.
var DefaultBusyRetry = BusyRetry{MaxAttempts: 4, BaseDelay: 50 * time.Millisecond}

// Do runs fn, retrying with exponential backoff while it fails with a
// SQLite busy/locked error. Any other error is returned immediately.
func (r BusyRetry) Do(ctx context.Context, op string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := r.BaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, attempts, err)
}
