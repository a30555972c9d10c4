package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, opts Options) Repository

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, opts Options) Repository {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"bolt": func(t *testing.T, opts Options) Repository {
			s, err := NewBolt(filepath.Join(t.TempDir(), "sessions.bolt"), opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// forEachBackend runs fn against every Repository implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, factory)
		})
	}
}

func sampleSession(id string) *domain.Session {
	joined := time.Date(2026, 5, 1, 11, 59, 0, 0, time.UTC)
	return domain.NewSession(id, domain.UserContext{
		Locale:       "en-US",
		Preferences:  map[string]string{"tone": "playful"},
		JoinedAt:     joined,
		LastActivity: joined,
	}, domain.Product{AssetRef: "upload://mug.png", Description: "ceramic mug"}, 300)
}

func TestRoundTripPersistence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{SessionTTL: 24 * time.Hour, Now: clock.Now})
		ctx := context.Background()

		in := sampleSession("s-roundtrip")
		created, err := repo.Create(ctx, in)
		require.NoError(t, err)

		got, err := repo.Get(ctx, "s-roundtrip")
		require.NoError(t, err)
		assert.Equal(t, created, got)

		// Everything but store-assigned metadata matches the input.
		expected := in.Clone()
		expected.Metadata = got.Metadata
		assert.Equal(t, expected, got)

		assert.False(t, got.Metadata.UpdatedAt.Before(got.Metadata.CreatedAt))
		assert.Equal(t, got.Metadata.CreatedAt.Add(24*time.Hour), got.Metadata.ExpiresAt)
		assert.Equal(t, int64(1), got.Metadata.Version)
		assert.Equal(t, domain.SchemaVersion, got.Metadata.SchemaVersion)
	})
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("dup"))
		require.NoError(t, err)
		_, err = repo.Create(ctx, sampleSession("dup"))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})
}

func TestCreateReplacesExpiredSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{SessionTTL: time.Minute, Now: clock.Now})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("reuse"))
		require.NoError(t, err)
		require.NoError(t, repo.AppendMessage(ctx, &domain.ChatMessage{SessionID: "reuse", Type: domain.MessageUser, Content: "old"}))

		clock.Advance(2 * time.Minute)
		_, err = repo.Create(ctx, sampleSession("reuse"))
		require.NoError(t, err)

		msgs, err := repo.ListMessages(ctx, "reuse")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestGetAfterExpiryIsNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{SessionTTL: time.Second, Now: clock.Now})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("ttl"))
		require.NoError(t, err)

		clock.Advance(time.Second)
		_, err = repo.Get(ctx, "ttl")
		require.NoError(t, err, "exactly at expiresAt the session is still live")

		clock.Advance(time.Millisecond)
		_, err = repo.Get(ctx, "ttl")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.Update(ctx, "ttl", 1, nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		err = repo.AppendMessage(ctx, &domain.ChatMessage{SessionID: "ttl", Type: domain.MessageUser, Content: "hi"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		err = repo.StoreAnalysisSnapshot(ctx, "ttl", &domain.ProductAnalysis{Summary: "x"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestGetAfterExpiryWallClock(t *testing.T) {
	t.Parallel()

	repo, err := NewSQLite(filepath.Join(t.TempDir(), "wall.db"), Options{SessionTTL: time.Second})
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	_, err = repo.Create(ctx, sampleSession("wall"))
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = repo.Get(ctx, "wall")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		_, err := repo.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestUpdateOptimisticLocking(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{Now: clock.Now})
		ctx := context.Background()

		created, err := repo.Create(ctx, sampleSession("cas"))
		require.NoError(t, err)

		clock.Advance(5 * time.Second)
		updated, err := repo.Update(ctx, "cas", created.Metadata.Version, func(s *domain.Session) error {
			s.Status = domain.StatusChatting
			s.Metadata.ExpiresAt = time.Time{}
			s.Metadata.CreatedAt = time.Time{}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusChatting, updated.Status)
		assert.Equal(t, int64(2), updated.Metadata.Version)
		assert.Equal(t, created.Metadata.ExpiresAt, updated.Metadata.ExpiresAt, "TTL survives updates")
		assert.Equal(t, created.Metadata.CreatedAt, updated.Metadata.CreatedAt)
		assert.True(t, updated.Metadata.UpdatedAt.After(created.Metadata.UpdatedAt))

		_, err = repo.Update(ctx, "cas", created.Metadata.Version, func(s *domain.Session) error {
			s.Status = domain.StatusError
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		got, err := repo.Get(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusChatting, got.Status)
		assert.Equal(t, updated.Metadata, got.Metadata)
	})
}

func TestUpdateMutateErrorAbortsWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		ctx := context.Background()

		created, err := repo.Create(ctx, sampleSession("abort"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = repo.Update(ctx, "abort", created.Metadata.Version, func(s *domain.Session) error {
			s.Status = domain.StatusError
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := repo.Get(ctx, "abort")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusInitializing, got.Status)
		assert.Equal(t, int64(1), got.Metadata.Version)
	})
}

func TestConcurrentUpdatesOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		ctx := context.Background()

		created, err := repo.Create(ctx, sampleSession("race"))
		require.NoError(t, err)

		const writers = 6
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Update(ctx, "race", created.Metadata.Version, func(s *domain.Session) error {
					s.Conversation.MessageCount++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		wins, conflicts := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConcurrentModification):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)

		got, err := repo.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Conversation.MessageCount)
	})
}

func TestMessagesAppendOnlyOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{Now: clock.Now})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("chat"))
		require.NoError(t, err)

		// Two messages share a timestamp; insertion order breaks the tie.
		for _, content := range []string{"first", "second"} {
			msg := &domain.ChatMessage{SessionID: "chat", Type: domain.MessageUser, Content: content}
			require.NoError(t, repo.AppendMessage(ctx, msg))
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, clock.Now(), msg.Timestamp)
		}
		clock.Advance(time.Second)
		require.NoError(t, repo.AppendMessage(ctx, &domain.ChatMessage{
			SessionID: "chat",
			Type:      domain.MessageAgent,
			Content:   "third",
			AgentName: "Product Analyst",
			Metadata:  map[string]string{"topic": "product_features"},
		}))

		msgs, err := repo.ListMessages(ctx, "chat")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Content)
		assert.Equal(t, "second", msgs[1].Content)
		assert.Equal(t, "third", msgs[2].Content)
		assert.Equal(t, domain.MessageAgent, msgs[2].Type)
		assert.Equal(t, "Product Analyst", msgs[2].AgentName)
		assert.Equal(t, "product_features", msgs[2].Metadata["topic"])

		// Message appends never touch the session document.
		got, err := repo.Get(ctx, "chat")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Metadata.Version)
	})
}

func TestAppendMessageUnknownSession(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		err := repo.AppendMessage(context.Background(), &domain.ChatMessage{SessionID: "ghost", Type: domain.MessageUser})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestCommitHandoffIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		repo := newStore(t, Options{})
		ctx := context.Background()

		created, err := repo.Create(ctx, sampleSession("handoff"))
		require.NoError(t, err)

		record := &domain.HandoffAuditRecord{
			SessionID:      "handoff",
			FromAgent:      domain.AgentAnalysis,
			ToAgent:        domain.AgentCreativeDirection,
			SerializedData: []byte(`{"k":"v"}`),
			Status:         domain.HandoffCompleted,
			ValidationResults: domain.ValidationResult{
				IsValid:  true,
				Errors:   []string{},
				Warnings: []string{"low confidence"},
			},
			Metadata: domain.HandoffMetadata{DataSize: 9, Confidence: 0.8},
		}

		// A stale version writes neither the record nor the session.
		_, err = repo.CommitHandoff(ctx, record, created.Metadata.Version+5, func(s *domain.Session) error {
			s.CurrentAgent = domain.AgentCreativeDirection
			return nil
		})
		require.ErrorIs(t, err, domain.ErrConcurrentModification)
		audits, err := repo.ListHandoffs(ctx, "handoff")
		require.NoError(t, err)
		assert.Empty(t, audits)

		// A failing mutation also rolls back the audit insert.
		_, err = repo.CommitHandoff(ctx, &domain.HandoffAuditRecord{SessionID: "handoff", Status: domain.HandoffCompleted}, created.Metadata.Version, func(*domain.Session) error {
			return errors.New("session update failed")
		})
		require.Error(t, err)
		audits, err = repo.ListHandoffs(ctx, "handoff")
		require.NoError(t, err)
		assert.Empty(t, audits)

		updated, err := repo.CommitHandoff(ctx, record, created.Metadata.Version, func(s *domain.Session) error {
			s.CurrentAgent = domain.AgentCreativeDirection
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.AgentCreativeDirection, updated.CurrentAgent)
		assert.NotEmpty(t, record.ID)

		audits, err = repo.ListHandoffs(ctx, "handoff")
		require.NoError(t, err)
		require.Len(t, audits, 1)
		assert.Equal(t, record.ID, audits[0].ID)
		assert.Equal(t, domain.HandoffCompleted, audits[0].Status)
		assert.Equal(t, domain.AgentAnalysis, audits[0].FromAgent)
		assert.Equal(t, domain.AgentCreativeDirection, audits[0].ToAgent)
		assert.Equal(t, []byte(`{"k":"v"}`), audits[0].SerializedData)
		assert.Equal(t, []string{"low confidence"}, audits[0].ValidationResults.Warnings)
		assert.Equal(t, 9, audits[0].Metadata.DataSize)
	})
}

func TestAnalysisSnapshotHasOwnTTL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{SessionTTL: time.Hour, AnalysisTTL: 10 * time.Minute, Now: clock.Now})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("snap"))
		require.NoError(t, err)

		_, err = repo.LatestAnalysisSnapshot(ctx, "snap")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, repo.StoreAnalysisSnapshot(ctx, "snap", &domain.ProductAnalysis{Summary: "v1", Confidence: 0.5}))
		clock.Advance(time.Minute)
		require.NoError(t, repo.StoreAnalysisSnapshot(ctx, "snap", &domain.ProductAnalysis{Summary: "v2", Confidence: 0.9}))

		latest, err := repo.LatestAnalysisSnapshot(ctx, "snap")
		require.NoError(t, err)
		assert.Equal(t, "v2", latest.Summary)

		clock.Advance(11 * time.Minute)
		_, err = repo.LatestAnalysisSnapshot(ctx, "snap")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.Get(ctx, "snap")
		assert.NoError(t, err, "session outlives its analysis snapshot")
	})
}

func TestPurgeExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := newFakeClock()
		repo := newStore(t, Options{SessionTTL: time.Minute, Now: clock.Now})
		ctx := context.Background()

		_, err := repo.Create(ctx, sampleSession("old"))
		require.NoError(t, err)
		clock.Advance(30 * time.Second)
		_, err = repo.Create(ctx, sampleSession("young"))
		require.NoError(t, err)

		clock.Advance(45 * time.Second)
		purged, err := repo.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = repo.Get(ctx, "young")
		assert.NoError(t, err)
		assert.NoError(t, repo.Ping(ctx))
	})
}
