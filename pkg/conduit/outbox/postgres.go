package outbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// PostgresSchema creates the outbox and aggregate state tables.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	seq BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	envelope JSONB NOT NULL,
	status TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_seq ON outbox(status, seq);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox(aggregate_id, status, seq);
CREATE TABLE IF NOT EXISTS aggregate_state (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
`

// PostgresStore persists the outbox to PostgreSQL with pgx.
// Several publisher replicas can drain the same table: a batch is claimed
// with FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   options
	closed atomic.Bool
}

// NewPostgresStore creates an outbox on pool. Call Migrate once before use.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: applyOptions(opts)}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// PostgresTx is the Tx handed to state changes by PostgresStore.
type PostgresTx struct {
	tx       pgx.Tx
	store    *PostgresStore
	hooks    []func()
	appended []string
}

// Pgx returns the underlying transaction so callers can write their own
// tables atomically with the outbox.
func (t *PostgresTx) Pgx() pgx.Tx { return t.tx }

// Get implements Tx.
func (t *PostgresTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRow(ctx, `SELECT value FROM aggregate_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// Put implements Tx.
func (t *PostgresTx) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO aggregate_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// Delete implements Tx.
func (t *PostgresTx) Delete(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM aggregate_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// Append implements Tx.
func (t *PostgresTx) Append(ctx context.Context, evt event.Event) error {
	if err := t.store.opts.validate(evt); err != nil {
		return err
	}
	envelope, err := event.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := t.store.opts.now()
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox (event_id, event_type, aggregate_id, aggregate_type, correlation_id,
			envelope, status, attempts, next_retry_at, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, '', $8)
	`, evt.ID(), evt.Type(), evt.AggregateID(), evt.AggregateType(), evt.CorrelationID(),
		envelope, string(StatusPending), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, evt.ID())
		}
		return fmt.Errorf("insert outbox record: %w", err)
	}
	t.appended = append(t.appended, evt.ID())
	return nil
}

// AfterCommit implements Tx.
func (t *PostgresTx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// CommitWithEvent implements Store.
func (s *PostgresStore) CommitWithEvent(ctx context.Context, change StateChange, events ...event.Event) ([]Record, error) {
	if s.closed.Load() {
		return nil, commitFailure(ErrStoreClosed)
	}

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, commitFailure(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	tx := &PostgresTx{tx: pgTx, store: s}
	if change != nil {
		if err := change(ctx, tx); err != nil {
			return nil, commitFailure(err)
		}
	}
	for _, evt := range events {
		if err := tx.Append(ctx, evt); err != nil {
			return nil, commitFailure(err)
		}
	}

	committed := make([]Record, 0, len(tx.appended))
	for _, id := range tx.appended {
		rec, err := scanPostgresRecord(pgTx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM outbox WHERE event_id = $1`, id))
		if err != nil {
			return nil, commitFailure(fmt.Errorf("read back %s: %w", id, err))
		}
		committed = append(committed, rec)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return nil, commitFailure(fmt.Errorf("commit: %w", err))
	}

	runHooks(s.opts.logger, tx.hooks)
	return committed, nil
}

const postgresColumns = `seq, envelope, status, attempts, next_retry_at, last_error, created_at, published_at`

func scanPostgresRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		envelope    []byte
		status      string
		publishedAt *time.Time
	)
	if err := row.Scan(&rec.Seq, &envelope, &status, &rec.Attempts, &rec.NextRetryAt, &rec.LastError, &rec.CreatedAt, &publishedAt); err != nil {
		return Record{}, err
	}
	evt, err := event.Decode(envelope)
	if err != nil {
		return Record{}, err
	}
	rec.Event = evt
	rec.Status = Status(status)
	rec.NextRetryAt = rec.NextRetryAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	if publishedAt != nil {
		rec.PublishedAt = publishedAt.UTC()
	}
	return rec, nil
}

func collectPostgresRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DrainPending implements Store.
func (s *PostgresStore) DrainPending(ctx context.Context, batchSize int) iter.Seq2[Record, error] {
	return drain(ctx, batchSize, s.fetchDue)
}

func (s *PostgresStore) fetchDue(ctx context.Context, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM outbox o
		WHERE o.status = $1 AND o.next_retry_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.status <> $4 AND p.seq < o.seq
		  )
		ORDER BY o.seq
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(StatusPending), s.opts.now(), limit, string(StatusPublished))
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	batch, err := collectPostgresRecords(rows)
	if err != nil {
		return nil, err
	}
	return batch, tx.Commit(ctx)
}

// MarkPublished implements Store.
func (s *PostgresStore) MarkPublished(ctx context.Context, eventID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, published_at = $3
		WHERE event_id = $1 AND status <> $2
	`, eventID, string(StatusPublished), s.opts.now())
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, eventID)
	}
	return nil
}

func (s *PostgresStore) exists(ctx context.Context, eventID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM outbox WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return err
}

// MarkFailedAttempt implements Store.
func (s *PostgresStore) MarkFailedAttempt(ctx context.Context, eventID string, cause error, policy cerrors.RetryConfig) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanPostgresRecord(tx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM outbox WHERE event_id = $1 FOR UPDATE`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load record: %w", err)
	}
	if rec.Status != StatusPending {
		return rec, nil
	}

	rec = nextAttempt(rec, cause, policy, s.opts.now())
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5
		WHERE event_id = $1
	`, eventID, string(rec.Status), rec.Attempts, rec.NextRetryAt, rec.LastError); err != nil {
		return Record{}, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// Requeue implements Store.
func (s *PostgresStore) Requeue(ctx context.Context, eventID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = 0, next_retry_at = $3
		WHERE event_id = $1 AND status = $4
	`, eventID, string(StatusPending), s.opts.now(), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, eventID)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, eventID string) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	rec, err := scanPostgresRecord(s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM outbox WHERE event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListByStatus implements Store.
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var before *time.Time
	if !createdBefore.IsZero() {
		before = &createdBefore
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+` FROM outbox
		WHERE status = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY seq
		LIMIT $3
	`, string(status), before, lim)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return collectPostgresRecords(rows)
}

// CountByStatus implements Store.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
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
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox WHERE status = $1 AND published_at < $2
	`, string(StatusPublished), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close implements Store. The pool belongs to the caller.
func (s *PostgresStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
