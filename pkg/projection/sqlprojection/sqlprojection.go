// Package sqlprojection is a transactional-handler helper for projections
// backed by database/sql: it opens one transaction per notification, hands
// it to a user callback alongside the tracking insert, and commits both
// together. The atomic insert of the tracking row with the handler's
// side-effects is the commit barrier that makes redelivery safe.
package sqlprojection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corestream/eventcore/pkg/event"
)

// Handler receives the open transaction a notification's side-effects and
// tracking row must share. It must not call tx.Commit or tx.Rollback
// itself — TxProjection does that once the handler returns.
type Handler func(ctx context.Context, tx *sql.Tx, e event.DomainEvent, t event.Tracking) error

// TxProjection adapts a Handler into a projection.Projection by wrapping
// each call in a transaction that also carries the tracking insert,
// matching the shape pkg/projection.Runner expects without requiring
// sqlprojection to import it (avoiding an import cycle back from
// pkg/projection into this package).
type TxProjection struct {
	db          *sql.DB
	handle      Handler
	insertTrack func(ctx context.Context, tx *sql.Tx, t event.Tracking) error
}

// New binds db, handle, and insertTrack. insertTrack is supplied by the
// caller because the tracking table's shape (and any schema qualifier) is a
// datastore concern, not sqlprojection's — see the createTables DDL in
// pkg/recorder/sqlite and pkg/recorder/postgres for the tracking table
// this must match.
func New(db *sql.DB, handle Handler, insertTrack func(ctx context.Context, tx *sql.Tx, t event.Tracking) error) *TxProjection {
	return &TxProjection{db: db, handle: handle, insertTrack: insertTrack}
}

// ProcessEvent implements projection.Projection. It begins a transaction,
// calls handle, inserts the tracking row in the same transaction, and
// commits both atomically. An error from insertTrack, such as a duplicate
// tracking id, is returned unchanged and the transaction is rolled back,
// so a re-delivered notification's handler writes are discarded rather
// than double-applied. Whether that error is an IntegrityError{Tracking}
// depends on the caller's insertTrack.
func (p *TxProjection) ProcessEvent(ctx context.Context, e event.DomainEvent, t event.Tracking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlprojection: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := p.handle(ctx, tx, e, t); err != nil {
		return fmt.Errorf("sqlprojection: handler: %w", err)
	}
	if err := p.insertTrack(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlprojection: commit: %w", err)
	}
	return nil
}
