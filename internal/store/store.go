// Package store provides the durable persistence layer: adapter
// configurations, workflows, execution records, and skill installations in a
// single SQLite database. Collaborators receive a SessionFactory and open
// their own short-lived transactional sessions; live sessions are never
// handed across concurrency units.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SessionFactory opens transactional sessions. Every concurrency unit that
// needs persistence asks the factory for its own session; passing a live
// Session into a spawned goroutine is a bug.
type SessionFactory interface {
	NewSession(ctx context.Context) (*Session, error)
}

// Store owns the database handle and implements SessionFactory.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One open connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if dsn == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSession begins a transaction and wraps it in a Session. The pool holds
// a single connection, so a goroutine must Commit or Rollback its session
// before opening another one or BeginTx blocks.
func (s *Store) NewSession(ctx context.Context) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Session{ctx: ctx, tx: tx}, nil
}

// Session is one transaction. Commit or Rollback exactly once; Rollback
// after Commit is a no-op so `defer sess.Rollback()` is always safe.
type Session struct {
	ctx  context.Context
	tx   *sql.Tx
	done bool
}

// Commit commits the transaction.
func (s *Session) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Commit()
}

// Rollback aborts the transaction unless it was already committed.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}

// marshalJSON encodes v for an opaque TEXT column, defaulting empties.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON decodes an opaque TEXT column into out, tolerating empties.
func unmarshalJSON(data string, out interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// formatNullableTime renders an optional timestamp.
func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullableTime reads an optional stored timestamp.
func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
