package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := Start(ctx, p, 5*time.Millisecond, quiet)
	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	after := p.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no sweeps after shutdown")
}

func TestStartDisabled(t *testing.T) {
	p := &countingPurger{}
	done := Start(context.Background(), p, 0, quiet)

	select {
	case <-done:
	default:
		t.Fatal("disabled worker should report done immediately")
	}
	assert.Zero(t, p.calls.Load())
}

func TestSweepSwallowsErrors(t *testing.T) {
	p := &countingPurger{err: errors.New("database is locked")}
	assert.Zero(t, Sweep(context.Background(), p, quiet))
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "janitor.db"), store.Options{
		SessionTTL: time.Hour,
		Now:        clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	_, err = repo.Create(ctx, domain.NewSession("old", domain.UserContext{Locale: "en-US"}, domain.Product{}, 300))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	_, err = repo.Create(ctx, domain.NewSession("fresh", domain.UserContext{Locale: "en-US"}, domain.Product{}, 300))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(45 * time.Minute)
	mu.Unlock()

	assert.EqualValues(t, 1, Sweep(ctx, repo, quiet))

	_, err = repo.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.Get(ctx, "fresh")
	assert.NoError(t, err)
}
