// Package janitor runs the background sweep that physically removes expired
// sessions. Expiry itself is enforced on read by the store, so the sweep only
// reclaims space.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

const sweepTimeout = 30 * time.Second

// Purger deletes expired rows and reports how many sessions went.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Start runs a goroutine that sweeps every interval until ctx is done. A
// non-positive interval disables the worker. The returned channel closes when
// the worker exits.
func Start(ctx context.Context, repo Purger, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Info("Purge worker disabled")
		close(done)
		return done
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		logger.Info("Purge worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, logger)
			case <-ctx.Done():
				logger.Info("Purge worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep runs one purge pass and returns the number of sessions removed.
func Sweep(ctx context.Context, repo Purger, logger *slog.Logger) int64 {
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	deleted, err := repo.PurgeExpired(sctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Purge interrupted by shutdown", "error", err)
			return 0
		}
		logger.Error("Purge worker failed to remove expired sessions", "error", err)
		return 0
	}
	if deleted > 0 {
		logger.Info("Purge worker removed expired sessions", "count", deleted, "duration", time.Since(start))
	}
	return deleted
}
