// Package store provides session persistence over TTL-bound document stores.
package store

import (
	"context"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
)

// MutateFunc edits a session inside a store transaction. Returning an error
// aborts the write.
type MutateFunc func(s *domain.Session) error

// Repository defines the persistence contract for sessions, their chat log,
// handoff audit trail and analysis snapshots.
//
// Expired sessions are indistinguishable from missing ones: every read or
// write addressing a session past its expiresAt returns domain.ErrNotFound.
type Repository interface {
	// Create inserts a new session. createdAt, updatedAt and expiresAt are
	// assigned by the store; a live session with the same id yields
	// domain.ErrAlreadyExists.
	Create(ctx context.Context, session *domain.Session) (*domain.Session, error)

	// Get returns the session or domain.ErrNotFound.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Update applies mutate to the stored session if its version equals
	// expectedVersion (optimistic locking), bumps the version and rewrites
	// updatedAt. createdAt and expiresAt are never changed.
	// A version mismatch yields domain.ErrConcurrentModification.
	Update(ctx context.Context, sessionID string, expectedVersion int64, mutate MutateFunc) (*domain.Session, error)

	// CommitHandoff writes the audit record and applies mutate to the session
	// in one transaction.
	CommitHandoff(ctx context.Context, record *domain.HandoffAuditRecord, expectedVersion int64, mutate MutateFunc) (*domain.Session, error)

	// ListHandoffs returns the session's audit records oldest first.
	ListHandoffs(ctx context.Context, sessionID string) ([]*domain.HandoffAuditRecord, error)

	// AppendMessage inserts a chat message. Messages are never updated.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListMessages returns messages ordered by timestamp, ties by insertion.
	ListMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)

	// StoreAnalysisSnapshot keeps the analysis outside the session document
	// with its own TTL, bounded by the session's expiry.
	StoreAnalysisSnapshot(ctx context.Context, sessionID string, analysis *domain.ProductAnalysis) error

	// LatestAnalysisSnapshot returns the newest live snapshot or domain.ErrNotFound.
	LatestAnalysisSnapshot(ctx context.Context, sessionID string) (*domain.ProductAnalysis, error)

	// PurgeExpired physically removes expired rows and returns how many
	// sessions were dropped. Correctness never depends on it.
	PurgeExpired(ctx context.Context) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// Options configures store-side TTLs and the server clock.
type Options struct {
	SessionTTL  time.Duration
	AnalysisTTL time.Duration
	// Now overrides the store clock; tests use it to step past expiry.
	Now func() time.Time
}

// DefaultSessionTTL is the fixed session lifetime.
const DefaultSessionTTL = 24 * time.Hour

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.AnalysisTTL <= 0 || o.AnalysisTTL > o.SessionTTL {
		o.AnalysisTTL = o.SessionTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// now returns the store clock truncated to the persisted precision.
func (o Options) now() time.Time {
	return FromMillis(ToMillis(o.Now()))
}

// snapshotExpiry bounds an analysis snapshot by both TTLs.
func (o Options) snapshotExpiry(now, sessionExpiresAt time.Time) time.Time {
	exp := now.Add(o.AnalysisTTL)
	if exp.After(sessionExpiresAt) {
		return sessionExpiresAt
	}
	return exp
}

// stamp assigns store-owned metadata on create.
func (o Options) stamp(s *domain.Session, now time.Time) {
	s.Metadata.CreatedAt = now
	s.Metadata.UpdatedAt = now
	s.Metadata.ExpiresAt = now.Add(o.SessionTTL)
	s.Metadata.SchemaVersion = domain.SchemaVersion
	s.Metadata.Version = 1
}

// applyMutation runs mutate on a clone of current and restores the fields
// the store owns.
func applyMutation(current *domain.Session, now time.Time, mutate MutateFunc) (*domain.Session, error) {
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.SessionID = current.SessionID
	next.Metadata.CreatedAt = current.Metadata.CreatedAt
	next.Metadata.ExpiresAt = current.Metadata.ExpiresAt
	next.Metadata.SchemaVersion = domain.SchemaVersion
	next.Metadata.Version = current.Metadata.Version + 1
	updated := now
	if updated.Before(current.Metadata.UpdatedAt) {
		updated = current.Metadata.UpdatedAt
	}
	next.Metadata.UpdatedAt = updated
	return next, nil
}
