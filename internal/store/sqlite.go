// Package store provides SQLite persistence for cooldown state and the
// payment thread ledger.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
)

// opTimeout bounds the context-free cooldown.Store calls.
const opTimeout = 5 * time.Second

// SQLite implements cooldown.Store and payment.Ledger.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_threads (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		name TEXT NOT NULL,
		time TEXT NOT NULL,
		status TEXT NOT NULL,
		amount TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		tx_ref TEXT,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payment_threads_session ON payment_threads(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load implements cooldown.Store.
func (s *SQLite) Load(key string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load %s: %w", key, err)
	}
	return v, true, nil
}

// Save implements cooldown.Store.
func (s *SQLite) Save(key string, value int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Remove implements cooldown.Store.
func (s *SQLite) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Append implements payment.Ledger.
func (s *SQLite) Append(ctx context.Context, t model.PaymentThread) error {
	query := `
	INSERT INTO payment_threads (id, session_id, request_id, name, time, status, amount, endpoint, tx_ref, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.SessionID, t.RequestID, t.Name, t.Time, string(t.Status),
		t.Amount, t.Endpoint, nullString(t.TxRef), nullString(t.Error),
		t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert payment thread: %w", err)
	}
	return nil
}

// List implements payment.Ledger.
func (s *SQLite) List(ctx context.Context, sessionID string) ([]model.PaymentThread, error) {
	query := `
		SELECT id, session_id, request_id, name, time, status, amount, endpoint, tx_ref, error, created_at
		FROM payment_threads WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query payment threads: %w", err)
	}
	defer rows.Close()

	threads := make([]model.PaymentThread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment threads: %w", err)
	}
	return threads, nil
}

// Get implements payment.Ledger.
func (s *SQLite) Get(ctx context.Context, id string) (*model.PaymentThread, error) {
	query := `
		SELECT id, session_id, request_id, name, time, status, amount, endpoint, tx_ref, error, created_at
		FROM payment_threads WHERE id = ?`

	t, err := scanThread(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, payment.ErrThreadNotFound)
	}
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*model.PaymentThread, error) {
	var (
		t         model.PaymentThread
		status    string
		txRef     sql.NullString
		errText   sql.NullString
		createdAt int64
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.RequestID, &t.Name, &t.Time, &status,
		&t.Amount, &t.Endpoint, &txRef, &errText, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment thread: %w", err)
	}
	t.Status = model.PaymentStatus(status)
	t.TxRef = txRef.String
	t.Error = errText.String
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ cooldown.Store = (*SQLite)(nil)
	_ payment.Ledger = (*SQLite)(nil)
)
