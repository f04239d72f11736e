package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evse-go/evsecore/pkg/session"
)

// SQLiteStore is the durable PersistentStore + session/transaction
// history adapter named in SPEC_FULL.md §2 item 16. Schema and access
// pattern (foreign_keys + WAL pragmas, migrate-on-open, prepared
// parameterized statements, RWMutex around the *sql.DB) are grounded
// on cmd/mash-web/api/store.go's SQLite Store.
//
// Besides the flat key-value surface required by ports.PersistentStore
// (used by the Charger for the "current_session" crash-recovery
// pointer, original_source's PersistentStore.cpp), SQLiteStore also
// records the full SessionRecord/TransactionRecord history so a host
// can audit completed sessions after restart — the JSON file store
// deliberately does not, since that history has no crash-recovery
// purpose and the spec scopes JSON to the embedded/no-DB case.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating and migrating if necessary) a SQLite
// database at dbPath. Use ":memory:" for an ephemeral store, e.g. in
// tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure sqlite3: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		uuid        TEXT PRIMARY KEY,
		started_at  DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id                 TEXT PRIMARY KEY,
		session_uuid       TEXT NOT NULL REFERENCES sessions(uuid) ON DELETE CASCADE,
		meter_id           TEXT NOT NULL,
		start_signed_value TEXT,
		stop_signed_value  TEXT,
		started_at         DATETIME NOT NULL,
		stopped_at         DATETIME,
		reason             INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_session ON transactions(session_uuid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Store implements ports.PersistentStore.
func (s *SQLiteStore) Store(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Load implements ports.PersistentStore.
func (s *SQLiteStore) Load(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete implements ports.PersistentStore.
func (s *SQLiteStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// StartSession records the opening of a new session.
func (s *SQLiteStore) StartSession(_ context.Context, uuid string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO sessions (uuid, started_at) VALUES (?, ?)
		ON CONFLICT(uuid) DO NOTHING
	`, uuid, startedAt)
	return err
}

// FinishSession records a session's completion timestamp.
func (s *SQLiteStore) FinishSession(_ context.Context, uuid string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET finished_at = ? WHERE uuid = ?`, finishedAt, uuid)
	return err
}

// AddTransaction records a transaction under its session in one atomic
// write, matching the real transactional semantics called out in
// SPEC_FULL.md §2 item 16 (the JSON store cannot offer this).
func (s *SQLiteStore) AddTransaction(ctx context.Context, tx session.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	_, err = dbTx.Exec(`
		INSERT INTO transactions
			(id, session_uuid, meter_id, start_signed_value, stop_signed_value, started_at, stopped_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stop_signed_value = excluded.stop_signed_value,
			stopped_at        = excluded.stopped_at,
			reason            = excluded.reason
	`, tx.ID, tx.SessionUUID, tx.MeterID, tx.StartSignedValue, tx.StopSignedValue,
		tx.StartedAt, nullableTime(tx.StoppedAt), uint8(tx.Reason))
	if err != nil {
		return err
	}
	return dbTx.Commit()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// LoadSession reconstructs a SessionRecord and its transactions.
// Returns ok=false if no session with that UUID has been recorded.
func (s *SQLiteStore) LoadSession(ctx context.Context, uuid string) (session.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec session.SessionRecord
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, started_at, finished_at FROM sessions WHERE uuid = ?
	`, uuid).Scan(&rec.UUID, &rec.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return session.SessionRecord{}, false, nil
	}
	if err != nil {
		return session.SessionRecord{}, false, err
	}
	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_uuid, meter_id, start_signed_value, stop_signed_value,
		       started_at, stopped_at, reason
		FROM transactions WHERE session_uuid = ? ORDER BY started_at
	`, uuid)
	if err != nil {
		return session.SessionRecord{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var t session.TransactionRecord
		var stoppedAt sql.NullTime
		var reason uint8
		if err := rows.Scan(&t.ID, &t.SessionUUID, &t.MeterID, &t.StartSignedValue,
			&t.StopSignedValue, &t.StartedAt, &stoppedAt, &reason); err != nil {
			return session.SessionRecord{}, false, err
		}
		if stoppedAt.Valid {
			t.StoppedAt = stoppedAt.Time
		}
		t.Reason = session.StopReason(reason)
		rec.Transactions = append(rec.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return session.SessionRecord{}, false, err
	}

	return rec, true, nil
}
