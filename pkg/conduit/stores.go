package conduit

import (
	"database/sql"
	"errors"

	"github.com/randalmurphal/conduit/pkg/conduit/dedup"
	"github.com/randalmurphal/conduit/pkg/conduit/outbox"
	"github.com/randalmurphal/conduit/pkg/conduit/saga"
)

// Stores are the durable state of one bounded context.
type Stores struct {
	Outbox outbox.Store
	Dedup  dedup.Store

	// Sagas is required only when the runtime coordinates sagas.
	Sagas saga.Store
}

// NewMemoryStores returns in-memory stores for tests and single-process use.
func NewMemoryStores() Stores {
	return Stores{
		Outbox: outbox.NewMemoryStore(),
		Dedup:  dedup.NewMemoryStore(),
		Sagas:  saga.NewMemoryStore(),
	}
}

// NewSQLiteStores returns stores sharing one database opened with
// sqlitedb.Open, so saga updates commit with the events they emit.
func NewSQLiteStores(db *sql.DB, opts ...outbox.Option) Stores {
	return Stores{
		Outbox: outbox.NewSQLiteStore(db, opts...),
		Dedup:  dedup.NewSQLiteStore(db),
		Sagas:  saga.NewSQLiteStore(db),
	}
}

// Close closes the outbox and dedup stores.
func (s Stores) Close() error {
	var errs []error
	if s.Outbox != nil {
		errs = append(errs, s.Outbox.Close())
	}
	if s.Dedup != nil {
		errs = append(errs, s.Dedup.Close())
	}
	return errors.Join(errs...)
}
