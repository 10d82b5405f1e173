package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

// SQLiteStore keeps delivery records in the deliveries table of a database
// opened with sqlitedb.Open. Close does not close the database.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a dedup store on db.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: applyOptions(opts)}
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// TryClaim implements Store. The insert only overwrites an existing row
// whose lease is unfinalized and expired, so the affected row count is the
// compare-and-set result.
func (s *SQLiteStore) TryClaim(ctx context.Context, consumerID, eventID, correlationID string, ttl time.Duration) (Claim, bool, error) {
	if err := s.checkOpen(); err != nil {
		return Claim{}, false, err
	}

	now := s.opts.now()
	claim := Claim{
		ConsumerID:    consumerID,
		EventID:       eventID,
		CorrelationID: correlationID,
		Token:         uuid.NewString(),
		LeaseUntil:    now.Add(leaseTTL(ttl)),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (consumer_id, event_id, correlation_id, status, token, lease_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(consumer_id, event_id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			token = excluded.token,
			lease_until = excluded.lease_until,
			error = ''
		WHERE deliveries.status = ? AND deliveries.lease_until <= ?
	`, consumerID, eventID, correlationID, string(OutcomeClaimed), claim.Token,
		sqlitedb.UnixNano(claim.LeaseUntil), string(OutcomeClaimed), sqlitedb.UnixNano(now))
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim %s/%s: %w", consumerID, eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Claim{}, false, fmt.Errorf("claim %s/%s: %w", consumerID, eventID, err)
	}
	if n == 0 {
		return Claim{}, false, nil
	}
	return claim, true, nil
}

// Finalize implements Store.
func (s *SQLiteStore) Finalize(ctx context.Context, claim Claim, outcome Outcome, errMsg string) error {
	if err := checkFinal(outcome); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET status = ?, processed_at = ?, lease_until = 0, error = ?
		WHERE consumer_id = ? AND event_id = ? AND token = ?
	`, string(outcome), sqlitedb.UnixNano(s.opts.now()), errMsg, claim.ConsumerID, claim.EventID, claim.Token)
	if err != nil {
		return fmt.Errorf("finalize %s/%s: %w", claim.ConsumerID, claim.EventID, err)
	}
	return leaseResult(res)
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, claim Claim) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deliveries
		WHERE consumer_id = ? AND event_id = ? AND token = ? AND status = ?
	`, claim.ConsumerID, claim.EventID, claim.Token, string(OutcomeClaimed))
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", claim.ConsumerID, claim.EventID, err)
	}
	return leaseResult(res)
}

func leaseResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

const selectDelivery = `SELECT consumer_id, event_id, correlation_id, status, lease_until, processed_at, error FROM deliveries`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, consumerID, eventID string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, selectDelivery+` WHERE consumer_id = ? AND event_id = ?`, consumerID, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ListTerminal implements Store.
func (s *SQLiteStore) ListTerminal(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.db.QueryContext(ctx, selectDelivery+`
		WHERE status = ? AND processed_at >= ?
		ORDER BY processed_at, consumer_id, event_id
		LIMIT ?
	`, string(OutcomeFailedTerminal), sqlitedb.UnixNano(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal deliveries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec         Record
		status      string
		leaseUntil  int64
		processedAt sql.NullInt64
	)
	if err := sc.Scan(&rec.ConsumerID, &rec.EventID, &rec.CorrelationID, &status, &leaseUntil, &processedAt, &rec.Error); err != nil {
		return Record{}, err
	}
	rec.Outcome = Outcome(status)
	rec.LeaseUntil = sqlitedb.Time(leaseUntil)
	rec.ProcessedAt = sqlitedb.NullTime(processedAt)
	return rec, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
