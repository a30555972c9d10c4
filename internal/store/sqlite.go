package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/adstudio/internal/domain"
	"github.com/ashureev/adstudio/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository on SQLite, keeping each session as a
// JSON document next to the columns the store owns (version, timestamps).
type SQLiteStore struct {
	db      *sql.DB
	opts    Options
	retry   shared.BusyRetry
	writeMu sync.Mutex // serializes in-process writers to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so read-modify-write
	// never has to upgrade a read lock.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts.withDefaults(), retry: shared.DefaultBusyRetry}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_name TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS handoff_audits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		status TEXT NOT NULL,
		serialized_data BLOB,
		validation_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoff_audits_session ON handoff_audits(session_id, seq);

	CREATE TABLE IF NOT EXISTS analysis_snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_snapshots_session ON analysis_snapshots(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadSession reads a live session row. Expired rows are reported as missing.
func (s *SQLiteStore) loadSession(ctx context.Context, q queryer, sessionID string, now time.Time) (*domain.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT document, version, created_at, updated_at, expires_at
		FROM sessions WHERE session_id = ?`, sessionID)

	var document string
	var version, createdAt, updatedAt, expiresAt int64
	err := row.Scan(&document, &version, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	if now.After(FromMillis(expiresAt)) {
		return nil, domain.ErrNotFound
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(document), &session); err != nil {
		return nil, fmt.Errorf("decode session %s: %v: %w", sessionID, err, domain.ErrSerialization)
	}
	session.SessionID = sessionID
	session.Metadata.Version = version
	session.Metadata.CreatedAt = FromMillis(createdAt)
	session.Metadata.UpdatedAt = FromMillis(updatedAt)
	session.Metadata.ExpiresAt = FromMillis(expiresAt)
	return &session, nil
}

// Create inserts a new session document.
func (s *SQLiteStore) Create(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	if session == nil || session.SessionID == "" {
		return nil, fmt.Errorf("create session: missing session id")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var created *domain.Session
	err := s.retry.Do(ctx, "create session", func() error {
		var err error
		created, err = s.createOnce(ctx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLiteStore) createOnce(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	now := s.opts.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer rollback(tx)

	var expiresAt int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM sessions WHERE session_id = ?`, session.SessionID).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("check existing session: %w", err)
	case !now.After(FromMillis(expiresAt)):
		return nil, domain.ErrAlreadyExists
	default:
		// The id belongs to an expired session; its rows are dead weight.
		if err := deleteSessionRows(ctx, tx, session.SessionID); err != nil {
			return nil, err
		}
	}

	created := session.Clone()
	s.opts.stamp(created, now)
	doc, err := json.Marshal(created)
	if err != nil {
		return nil, fmt.Errorf("encode session: %v: %w", err, domain.ErrSerialization)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, document, version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		created.SessionID, string(doc), created.Metadata.Version,
		ToMillis(created.Metadata.CreatedAt), ToMillis(created.Metadata.UpdatedAt), ToMillis(created.Metadata.ExpiresAt),
	)
	if shared.IsSQLiteConstraintError(err) {
		return nil, domain.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return created, nil
}

func deleteSessionRows(ctx context.Context, tx *sql.Tx, sessionID string) error {
	for _, table := range []string{"sessions", "chat_messages", "handoff_audits", "analysis_snapshots"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete expired %s rows: %w", table, err)
		}
	}
	return nil
}

// Get retrieves a live session.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.loadSession(ctx, s.db, sessionID, s.opts.now())
}

// Update applies mutate under optimistic locking.
func (s *SQLiteStore) Update(ctx context.Context, sessionID string, expectedVersion int64, mutate MutateFunc) (*domain.Session, error) {
	return s.writeSession(ctx, "update session", sessionID, expectedVersion, mutate, nil)
}

// CommitHandoff writes the audit record and the session change atomically.
func (s *SQLiteStore) CommitHandoff(ctx context.Context, record *domain.HandoffAuditRecord, expectedVersion int64, mutate MutateFunc) (*domain.Session, error) {
	if record == nil || record.SessionID == "" {
		return nil, fmt.Errorf("commit handoff: missing audit record")
	}
	return s.writeSession(ctx, "commit handoff", record.SessionID, expectedVersion, mutate, record)
}

func (s *SQLiteStore) writeSession(ctx context.Context, op, sessionID string, expectedVersion int64, mutate MutateFunc, record *domain.HandoffAuditRecord) (*domain.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var updated *domain.Session
	err := s.retry.Do(ctx, op, func() error {
		var err error
		updated, err = s.writeSessionOnce(ctx, sessionID, expectedVersion, mutate, record)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) writeSessionOnce(ctx context.Context, sessionID string, expectedVersion int64, mutate MutateFunc, record *domain.HandoffAuditRecord) (*domain.Session, error) {
	now := s.opts.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin write: %w", err)
	}
	defer rollback(tx)

	current, err := s.loadSession(ctx, tx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if current.Metadata.Version != expectedVersion {
		return nil, domain.ErrConcurrentModification
	}

	next, err := applyMutation(current, now, mutate)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode session: %v: %w", err, domain.ErrSerialization)
	}

	if record != nil {
		if err := insertAudit(ctx, tx, record, now, current.Metadata.ExpiresAt); err != nil {
			return nil, err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET document = ?, version = ?, updated_at = ?
		WHERE session_id = ? AND version = ?`,
		string(doc), next.Metadata.Version, ToMillis(next.Metadata.UpdatedAt), sessionID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, domain.ErrConcurrentModification
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit write: %w", err)
	}
	return next, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, record *domain.HandoffAuditRecord, now, expiresAt time.Time) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Timestamp = now

	validation, err := json.Marshal(record.ValidationResults)
	if err != nil {
		return fmt.Errorf("encode validation results: %v: %w", err, domain.ErrSerialization)
	}
	meta, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %v: %w", err, domain.ErrSerialization)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handoff_audits (id, session_id, from_agent, to_agent, status,
			serialized_data, validation_json, metadata_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.SessionID, string(record.FromAgent), string(record.ToAgent), string(record.Status),
		record.SerializedData, string(validation), string(meta), ToMillis(now), ToMillis(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert handoff audit: %w", err)
	}
	return nil
}

// ListHandoffs returns the audit trail oldest first.
func (s *SQLiteStore) ListHandoffs(ctx context.Context, sessionID string) ([]*domain.HandoffAuditRecord, error) {
	now := s.opts.now()
	if _, err := s.loadSession(ctx, s.db, sessionID, now); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_agent, to_agent, status, serialized_data, validation_json, metadata_json, created_at
		FROM handoff_audits WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query handoff audits: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close handoff audit rows", "error", closeErr)
		}
	}()

	var records []*domain.HandoffAuditRecord
	for rows.Next() {
		rec := &domain.HandoffAuditRecord{SessionID: sessionID}
		var from, to, status, validation, meta string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &from, &to, &status, &rec.SerializedData, &validation, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan handoff audit row: %w", err)
		}
		rec.FromAgent = domain.Agent(from)
		rec.ToAgent = domain.Agent(to)
		rec.Status = domain.HandoffStatus(status)
		rec.Timestamp = FromMillis(createdAt)
		if err := json.Unmarshal([]byte(validation), &rec.ValidationResults); err != nil {
			return nil, fmt.Errorf("decode validation results: %v: %w", err, domain.ErrSerialization)
		}
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %v: %w", err, domain.ErrSerialization)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoff audits: %w", err)
	}
	return records, nil
}

// AppendMessage inserts a chat message, stamping id and timestamp.
// It bypasses the session document entirely.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg == nil || msg.SessionID == "" {
		return fmt.Errorf("append message: missing session id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.opts.now()
	msg.Timestamp = now

	var meta any
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %v: %w", err, domain.ErrSerialization)
		}
		meta = string(b)
	}

	return s.retry.Do(ctx, "append message", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, type, content, agent_name, metadata_json, created_at, expires_at)
			SELECT ?, session_id, ?, ?, ?, ?, ?, expires_at
			FROM sessions WHERE session_id = ? AND expires_at >= ?`,
			msg.ID, string(msg.Type), msg.Content, msg.AgentName, meta, ToMillis(now),
			msg.SessionID, ToMillis(now),
		)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// ListMessages returns the chat log ordered by timestamp then insertion.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	now := s.opts.now()
	if _, err := s.loadSession(ctx, s.db, sessionID, now); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, content, agent_name, metadata_json, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		msg := &domain.ChatMessage{SessionID: sessionID}
		var typ string
		var agentName, meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &typ, &msg.Content, &agentName, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		msg.Type = domain.MessageType(typ)
		msg.AgentName = agentName.String
		msg.Timestamp = FromMillis(createdAt)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %v: %w", err, domain.ErrSerialization)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// StoreAnalysisSnapshot persists the analysis with its own TTL.
func (s *SQLiteStore) StoreAnalysisSnapshot(ctx context.Context, sessionID string, analysis *domain.ProductAnalysis) error {
	if analysis == nil {
		return fmt.Errorf("store analysis snapshot: nil analysis")
	}
	payload, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %v: %w", err, domain.ErrSerialization)
	}

	now := s.opts.now()
	session, err := s.loadSession(ctx, s.db, sessionID, now)
	if err != nil {
		return err
	}
	expiresAt := s.opts.snapshotExpiry(now, session.Metadata.ExpiresAt)

	return s.retry.Do(ctx, "store analysis snapshot", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO analysis_snapshots (session_id, payload, created_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			sessionID, string(payload), ToMillis(now), ToMillis(expiresAt),
		)
		if err != nil {
			return fmt.Errorf("insert analysis snapshot: %w", err)
		}
		return nil
	})
}

// LatestAnalysisSnapshot returns the newest unexpired snapshot.
func (s *SQLiteStore) LatestAnalysisSnapshot(ctx context.Context, sessionID string) (*domain.ProductAnalysis, error) {
	now := s.opts.now()
	if _, err := s.loadSession(ctx, s.db, sessionID, now); err != nil {
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM analysis_snapshots
		WHERE session_id = ? AND expires_at >= ?
		ORDER BY seq DESC LIMIT 1`, sessionID, ToMillis(now)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query analysis snapshot: %w", err)
	}

	var analysis domain.ProductAnalysis
	if err := json.Unmarshal([]byte(payload), &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %v: %w", err, domain.ErrSerialization)
	}
	return &analysis, nil
}

// PurgeExpired deletes rows whose TTL has elapsed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := ToMillis(s.opts.now())
	var sessions int64
	err := s.retry.Do(ctx, "purge expired", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge: %w", err)
		}
		defer rollback(tx)

		for _, table := range []string{"chat_messages", "handoff_audits", "analysis_snapshots"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < ?`, threshold); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		if sessions, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return tx.Commit()
	})
	return sessions, err
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

var _ Repository = (*SQLiteStore)(nil)
