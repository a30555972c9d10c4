package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSessions = []byte("sessions")
	bucketMessages = []byte("chat_messages")
	bucketHandoffs = []byte("handoff_audits")
	bucketAnalysis = []byte("analysis_snapshots")
)

// BoltStore implements Repository on an embedded bbolt file. Logical datasets
// live in separate top-level buckets; per-session logs are nested buckets
// keyed by a monotonic sequence, so every multi-record write is one bbolt
// transaction.
type BoltStore struct {
	db   *bolt.DB
	opts Options
}

type boltEnvelope struct {
	Document  json.RawMessage `json:"document"`
	Version   int64           `json:"version"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	ExpiresAt int64           `json:"expires_at"`
}

type boltMessage struct {
	Message   domain.ChatMessage `json:"message"`
	CreatedAt int64              `json:"created_at"`
}

type boltAudit struct {
	Record    domain.HandoffAuditRecord `json:"record"`
	CreatedAt int64                     `json:"created_at"`
}

type boltSnapshot struct {
	Analysis  domain.ProductAnalysis `json:"analysis"`
	CreatedAt int64                  `json:"created_at"`
	ExpiresAt int64                  `json:"expires_at"`
}

// NewBolt opens (or creates) a bbolt-backed repository.
func NewBolt(path string, opts Options) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketMessages, bucketHandoffs, bucketAnalysis} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return &BoltStore{db: db, opts: opts.withDefaults()}, nil
}

// Ping verifies the database file is open.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions) == nil {
			return errors.New("sessions bucket missing")
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bolt database: %w", err)
	}
	return nil
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func readSession(tx *bolt.Tx, sessionID string, now time.Time) (*domain.Session, error) {
	raw := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if raw == nil {
		return nil, domain.ErrNotFound
	}
	var env boltEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode session envelope %s: %v: %w", sessionID, err, domain.ErrSerialization)
	}
	if now.After(FromMillis(env.ExpiresAt)) {
		return nil, domain.ErrNotFound
	}
	var session domain.Session
	if err := json.Unmarshal(env.Document, &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %v: %w", sessionID, err, domain.ErrSerialization)
	}
	session.SessionID = sessionID
	session.Metadata.Version = env.Version
	session.Metadata.CreatedAt = FromMillis(env.CreatedAt)
	session.Metadata.UpdatedAt = FromMillis(env.UpdatedAt)
	session.Metadata.ExpiresAt = FromMillis(env.ExpiresAt)
	return &session, nil
}

func writeSession(tx *bolt.Tx, session *domain.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %v: %w", err, domain.ErrSerialization)
	}
	env, err := json.Marshal(boltEnvelope{
		Document:  doc,
		Version:   session.Metadata.Version,
		CreatedAt: ToMillis(session.Metadata.CreatedAt),
		UpdatedAt: ToMillis(session.Metadata.UpdatedAt),
		ExpiresAt: ToMillis(session.Metadata.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("encode session envelope: %v: %w", err, domain.ErrSerialization)
	}
	return tx.Bucket(bucketSessions).Put([]byte(session.SessionID), env)
}

func dropSessionBuckets(tx *bolt.Tx, sessionID string) error {
	key := []byte(sessionID)
	for _, name := range [][]byte{bucketMessages, bucketHandoffs, bucketAnalysis} {
		parent := tx.Bucket(name)
		if parent.Bucket(key) == nil {
			continue
		}
		if err := parent.DeleteBucket(key); err != nil {
			return fmt.Errorf("delete %s for %s: %w", name, sessionID, err)
		}
	}
	return nil
}

// Create inserts a new session document.
func (s *BoltStore) Create(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if session == nil || session.SessionID == "" {
		return nil, fmt.Errorf("create session: missing session id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.opts.now()
	created := session.Clone()
	s.opts.stamp(created, now)

	err := s.db.Update(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSessions).Get([]byte(session.SessionID)); raw != nil {
			_, err := readSession(tx, session.SessionID, now)
			if err == nil {
				return domain.ErrAlreadyExists
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if err := dropSessionBuckets(tx, session.SessionID); err != nil {
				return err
			}
		}
		return writeSession(tx, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get retrieves a live session.
func (s *BoltStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var session *domain.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		session, err = readSession(tx, sessionID, s.opts.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Update applies mutate under optimistic locking.
func (s *BoltStore) Update(ctx context.Context, sessionID string, expectedVersion int64, mutate MutateFunc) (*domain.Session, error) {
	return s.update(ctx, sessionID, expectedVersion, mutate, nil)
}

// CommitHandoff writes the audit record and the session change in one transaction.
func (s *BoltStore) CommitHandoff(ctx context.Context, record *domain.HandoffAuditRecord, expectedVersion int64, mutate MutateFunc) (*domain.Session, error) {
	if record == nil || record.SessionID == "" {
		return nil, fmt.Errorf("commit handoff: missing audit record")
	}
	return s.update(ctx, record.SessionID, expectedVersion, mutate, record)
}

func (s *BoltStore) update(ctx context.Context, sessionID string, expectedVersion int64, mutate MutateFunc, record *domain.HandoffAuditRecord) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var next *domain.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := readSession(tx, sessionID, now)
		if err != nil {
			return err
		}
		if current.Metadata.Version != expectedVersion {
			return domain.ErrConcurrentModification
		}
		next, err = applyMutation(current, now, mutate)
		if err != nil {
			return err
		}
		if record != nil {
			if err := appendAudit(tx, record, now); err != nil {
				return err
			}
		}
		return writeSession(tx, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func appendAudit(tx *bolt.Tx, record *domain.HandoffAuditRecord, now time.Time) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Timestamp = now
	b, err := tx.Bucket(bucketHandoffs).CreateBucketIfNotExists([]byte(record.SessionID))
	if err != nil {
		return fmt.Errorf("open handoff bucket: %w", err)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("next handoff sequence: %w", err)
	}
	val, err := json.Marshal(boltAudit{Record: *record, CreatedAt: ToMillis(now)})
	if err != nil {
		return fmt.Errorf("encode handoff audit: %v: %w", err, domain.ErrSerialization)
	}
	return b.Put(seqKey(seq), val)
}

// ListHandoffs returns the audit trail oldest first.
func (s *BoltStore) ListHandoffs(ctx context.Context, sessionID string) ([]*domain.HandoffAuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []*domain.HandoffAuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := readSession(tx, sessionID, s.opts.now()); err != nil {
			return err
		}
		b := tx.Bucket(bucketHandoffs).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var a boltAudit
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode handoff audit: %v: %w", err, domain.ErrSerialization)
			}
			rec := a.Record
			rec.Timestamp = FromMillis(a.CreatedAt)
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AppendMessage inserts a chat message into the session's log bucket.
func (s *BoltStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil || msg.SessionID == "" {
		return fmt.Errorf("append message: missing session id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.opts.now()
	msg.Timestamp = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := readSession(tx, msg.SessionID, now); err != nil {
			return err
		}
		b, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.SessionID))
		if err != nil {
			return fmt.Errorf("open message bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next message sequence: %w", err)
		}
		val, err := json.Marshal(boltMessage{Message: *msg, CreatedAt: ToMillis(now)})
		if err != nil {
			return fmt.Errorf("encode chat message: %v: %w", err, domain.ErrSerialization)
		}
		return b.Put(seqKey(seq), val)
	})
}

// ListMessages returns the chat log ordered by timestamp then insertion.
func (s *BoltStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msgs []*domain.ChatMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := readSession(tx, sessionID, s.opts.now()); err != nil {
			return err
		}
		b := tx.Bucket(bucketMessages).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m boltMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode chat message: %v: %w", err, domain.ErrSerialization)
			}
			msg := m.Message
			msg.Timestamp = FromMillis(m.CreatedAt)
			msgs = append(msgs, &msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are insertion order; a stable sort keeps it for equal timestamps.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// StoreAnalysisSnapshot persists the analysis with its own TTL.
func (s *BoltStore) StoreAnalysisSnapshot(ctx context.Context, sessionID string, analysis *domain.ProductAnalysis) error {
	if analysis == nil {
		return fmt.Errorf("store analysis snapshot: nil analysis")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.opts.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		session, err := readSession(tx, sessionID, now)
		if err != nil {
			return err
		}
		b, err := tx.Bucket(bucketAnalysis).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return fmt.Errorf("open analysis bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next analysis sequence: %w", err)
		}
		val, err := json.Marshal(boltSnapshot{
			Analysis:  *analysis,
			CreatedAt: ToMillis(now),
			ExpiresAt: ToMillis(s.opts.snapshotExpiry(now, session.Metadata.ExpiresAt)),
		})
		if err != nil {
			return fmt.Errorf("encode analysis: %v: %w", err, domain.ErrSerialization)
		}
		return b.Put(seqKey(seq), val)
	})
}

// LatestAnalysisSnapshot returns the newest unexpired snapshot.
func (s *BoltStore) LatestAnalysisSnapshot(ctx context.Context, sessionID string) (*domain.ProductAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.opts.now()
	var found *domain.ProductAnalysis
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := readSession(tx, sessionID, now); err != nil {
			return err
		}
		b := tx.Bucket(bucketAnalysis).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var snap boltSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decode analysis: %v: %w", err, domain.ErrSerialization)
			}
			if now.After(FromMillis(snap.ExpiresAt)) {
				continue
			}
			a := snap.Analysis
			found = &a
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

// PurgeExpired deletes expired sessions along with their logs.
func (s *BoltStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.opts.now()
	var purged int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []string
		err := tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var env boltEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode session envelope: %v: %w", err, domain.ErrSerialization)
			}
			if now.After(FromMillis(env.ExpiresAt)) {
				expired = append(expired, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Deleting during ForEach is unsafe in bbolt, hence the second pass.
		for _, id := range expired {
			if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
				return fmt.Errorf("delete session %s: %w", id, err)
			}
			if err := dropSessionBuckets(tx, id); err != nil {
				return err
			}
		}
		purged = int64(len(expired))
		return nil
	})
	return purged, err
}

var _ Repository = (*BoltStore)(nil)
