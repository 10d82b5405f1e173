// Package sqlitedb opens the SQLite database shared by the outbox, dedup and
// saga stores of one bounded context.
//
// Keeping every table in one database file is what makes an aggregate state
// change, its outbox records and a saga transition commit atomically.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// migrations run in order on every Open. Each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		envelope BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		published_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_seq ON outbox(status, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox(aggregate_id, status, seq)`,
	`CREATE TABLE IF NOT EXISTS aggregate_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		consumer_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		lease_until INTEGER NOT NULL DEFAULT 0,
		processed_at INTEGER,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (consumer_id, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, processed_at)`,
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id TEXT PRIMARY KEY,
		saga_type TEXT NOT NULL,
		state TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sagas_state ON sagas(state, updated_at)`,
}

// Open opens (or creates) the database at path and applies the migrations.
// Use ":memory:" for tests.
//
// The pool is limited to one connection: SQLite serializes writers anyway and
// an in-memory database only exists on the connection that created it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Enable WAL mode for better concurrent read performance
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema to an already open database.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// UnixNano converts t to the integer representation stored in the tables.
// The zero time is stored as 0.
func UnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Time converts a stored integer back to a UTC time.
func Time(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// NullTime converts a nullable stored integer back to a UTC time.
func NullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return Time(n.Int64)
}
