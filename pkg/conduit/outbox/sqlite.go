package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

// SQLiteStore persists the outbox and aggregate state to SQLite.
// It is suitable for single-process production use.
//
// The database is opened by the caller with sqlitedb.Open and may be shared
// with the dedup and saga stores; Close does not close it.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates an outbox on db.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: applyOptions(opts)}
}

// SQLiteTx is the Tx handed to state changes by SQLiteStore.
type SQLiteTx struct {
	tx       *sql.Tx
	store    *SQLiteStore
	hooks    []func()
	appended []string
}

// SQL returns the underlying transaction so callers can write their own
// tables atomically with the outbox.
func (t *SQLiteTx) SQL() *sql.Tx { return t.tx }

// Get implements Tx.
func (t *SQLiteTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(ctx, `SELECT value FROM aggregate_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// Put implements Tx.
func (t *SQLiteTx) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO aggregate_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// Delete implements Tx.
func (t *SQLiteTx) Delete(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM aggregate_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// Append implements Tx.
func (t *SQLiteTx) Append(ctx context.Context, evt event.Event) error {
	if err := t.store.opts.validate(evt); err != nil {
		return err
	}
	envelope, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := sqlitedb.UnixNano(t.store.opts.now())
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, event_type, aggregate_id, aggregate_type, correlation_id,
			envelope, status, attempts, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?)
	`, evt.ID(), evt.Type(), evt.AggregateID(), evt.AggregateType(), evt.CorrelationID(),
		envelope, string(StatusPending), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, evt.ID())
		}
		return fmt.Errorf("insert outbox record: %w", err)
	}
	t.appended = append(t.appended, evt.ID())
	return nil
}

// AfterCommit implements Tx.
func (t *SQLiteTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// CommitWithEvent implements Store.
func (s *SQLiteStore) CommitWithEvent(ctx context.Context, change StateChange, events ...event.Event) ([]Record, error) {
	if s.isClosed() {
		return nil, commitFailure(ErrStoreClosed)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, commitFailure(fmt.Errorf("begin: %w", err))
	}
	tx := &SQLiteTx{tx: sqlTx, store: s}

	if err := s.runTx(ctx, tx, change, events); err != nil {
		_ = sqlTx.Rollback()
		return nil, commitFailure(err)
	}

	// Read back within the transaction so Seq and timestamps are the stored ones.
	committed, err := s.recordsByID(ctx, sqlTx, tx.appended)
	if err != nil {
		_ = sqlTx.Rollback()
		return nil, commitFailure(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, commitFailure(fmt.Errorf("commit: %w", err))
	}

	runHooks(s.opts.logger, tx.hooks)
	return committed, nil
}

func (s *SQLiteStore) runTx(ctx context.Context, tx *SQLiteTx, change StateChange, events []event.Event) error {
	if change != nil {
		if err := change(ctx, tx); err != nil {
			return err
		}
	}
	for _, evt := range events {
		if err := tx.Append(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteColumns = `seq, envelope, status, attempts, next_retry_at, last_error, created_at, published_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec         Record
		envelope    []byte
		status      string
		nextRetryAt int64
		createdAt   int64
		publishedAt sql.NullInt64
	)
	if err := row.Scan(&rec.Seq, &envelope, &status, &rec.Attempts, &nextRetryAt, &rec.LastError, &createdAt, &publishedAt); err != nil {
		return Record{}, err
	}
	evt, err := event.Decode(envelope)
	if err != nil {
		return Record{}, err
	}
	rec.Event = evt
	rec.Status = Status(status)
	rec.NextRetryAt = sqlitedb.Time(nextRetryAt)
	rec.CreatedAt = sqlitedb.Time(createdAt)
	rec.PublishedAt = sqlitedb.NullTime(publishedAt)
	return rec, nil
}

func (s *SQLiteStore) recordsByID(ctx context.Context, tx *sql.Tx, ids []string) ([]Record, error) {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM outbox WHERE event_id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("read back %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DrainPending implements Store.
func (s *SQLiteStore) DrainPending(ctx context.Context, batchSize int) iter.Seq2[Record, error] {
	return drain(ctx, batchSize, s.fetchDue)
}

func (s *SQLiteStore) fetchDue(ctx context.Context, limit int) ([]Record, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	// Rows are fully read before returning: the pool has a single connection
	// and the caller marks records while iterating.
	return s.query(ctx, `
		SELECT `+sqliteColumns+`
		FROM outbox o
		WHERE o.status = ? AND o.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.status <> ? AND p.seq < o.seq
		  )
		ORDER BY o.seq
		LIMIT ?
	`, string(StatusPending), sqlitedb.UnixNano(s.opts.now()), string(StatusPublished), limit)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkPublished implements Store.
func (s *SQLiteStore) MarkPublished(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, published_at = ?
		WHERE event_id = ? AND status != ?
	`, string(StatusPublished), sqlitedb.UnixNano(s.opts.now()), eventID, string(StatusPublished))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.exists(ctx, eventID)
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, eventID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM outbox WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return err
}

// MarkFailedAttempt implements Store.
func (s *SQLiteStore) MarkFailedAttempt(ctx context.Context, eventID string, cause error, policy cerrors.RetryConfig) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM outbox WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load record: %w", err)
	}
	if rec.Status != StatusPending {
		return rec, nil
	}

	rec = nextAttempt(rec, cause, policy, s.opts.now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?
		WHERE event_id = ?
	`, string(rec.Status), rec.Attempts, sqlitedb.UnixNano(rec.NextRetryAt), rec.LastError, eventID); err != nil {
		return Record{}, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Requeue implements Store.
func (s *SQLiteStore) Requeue(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = 0, next_retry_at = ?
		WHERE event_id = ? AND status = ?
	`, string(StatusPending), sqlitedb.UnixNano(s.opts.now()), eventID, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.exists(ctx, eventID)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (Record, error) {
	if s.isClosed() {
		return Record{}, ErrStoreClosed
	}
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM outbox WHERE event_id = ?`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListByStatus implements Store.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	before := int64(1<<63 - 1)
	if !createdBefore.IsZero() {
		before = sqlitedb.UnixNano(createdBefore)
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return s.query(ctx, `
		SELECT `+sqliteColumns+` FROM outbox
		WHERE status = ? AND created_at < ?
		ORDER BY seq
		LIMIT ?
	`, string(status), before, limit)
}

// CountByStatus implements Store.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusPublished: 0, StatusFailed: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = ? AND published_at < ?
	`, string(StatusPublished), sqlitedb.UnixNano(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
