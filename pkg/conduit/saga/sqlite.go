package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/sqlitedb"
)

// sqlTx is implemented by the transaction of outbox.SQLiteStore.
type sqlTx interface {
	SQL() *sql.Tx
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore keeps instances in the sagas table of a database opened with
// sqlitedb.Open. Save must run inside an outbox.SQLiteStore transaction on the
// same database (or with a nil tx).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a saga store on db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sagas WHERE saga_id = ?`, sagaID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", sagaID, err)
	}
	return decodeInstance(data)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, tx outbox.Tx, inst *Instance) error {
	var db execer = s.db
	if tx != nil {
		st, ok := tx.(sqlTx)
		if !ok {
			return fmt.Errorf("saga sqlite store needs a SQL transaction, got %T", tx)
		}
		db = st.SQL()
	}

	next := inst.Clone()
	next.Version = inst.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", inst.ID, err)
	}

	var res sql.Result
	if inst.Version == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO sagas (saga_id, saga_type, state, current_step, version, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(saga_id) DO NOTHING
		`, next.ID, next.Type, string(next.State), next.CurrentStep, next.Version, data,
			sqlitedb.UnixNano(next.CreatedAt), sqlitedb.UnixNano(next.UpdatedAt))
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE sagas SET state = ?, current_step = ?, version = ?, data = ?, updated_at = ?
			WHERE saga_id = ? AND version = ?
		`, string(next.State), next.CurrentStep, next.Version, data, sqlitedb.UnixNano(next.UpdatedAt),
			next.ID, inst.Version)
	}
	if err != nil {
		return fmt.Errorf("save saga %s: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save saga %s: %w", inst.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, inst.ID)
	}
	inst.Version = next.Version
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "saga_type = ?")
		args = append(args, filter.Type)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN (?"+strings.Repeat(", ?", len(filter.States)-1)+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, sqlitedb.UnixNano(filter.UpdatedBefore))
	}
	query := `SELECT data FROM sagas`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query += ` ORDER BY updated_at, saga_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Archive implements Store. Completed instances keep their finish time as
// the last update, so updated_at bounds the deletion.
func (s *SQLiteStore) Archive(ctx context.Context, finishedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sagas WHERE state IN (?, ?) AND updated_at < ?
	`, string(StateCompleted), string(StateFailed), sqlitedb.UnixNano(finishedBefore))
	if err != nil {
		return 0, fmt.Errorf("archive sagas: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func decodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	return &inst, nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
