// Package postgres is the server-based Datastore: a connection pool with
// configurable size, overflow, max age, and health checking. It owns
// pgxpool.Pool construction from config.DatastoreConfig — the one
// axis pkg/recorder/postgres leaves to its caller, since a pool is shared
// infrastructure a process may also hand to other consumers — and otherwise
// defers entirely to pkg/recorder/postgres for schema and recorder
// semantics.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
	"github.com/corestream/eventcore/pkg/recorder/postgres"
)

// Datastore wraps a pgxpool.Pool and the recorder.ProcessRecorder built
// over it.
type Datastore struct {
	pool *pgxpool.Pool
	rec  *postgres.Recorder
}

// Open parses cfg into a pgxpool.Config — mapping PoolSize+MaxOverflow to
// MaxConns, ConnMaxAge to MaxConnLifetime, and PrePing to the pool's
// built-in connection health check — connects, and opens a
// recorder.ProcessRecorder over the result. MaxWaiting is not applied:
// pgxpool has no wait-queue bound, and a caller waiting for a connection
// blocks until one frees or its context ends.
func Open(ctx context.Context, cfg config.DatastoreConfig) (*Datastore, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable&connect_timeout=%d",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		int(cfg.ConnectTimeout.Seconds()),
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}
	poolConfig.MaxConns = int32(cfg.PoolSize + cfg.MaxOverflow)
	poolConfig.MaxConnLifetime = cfg.ConnMaxAge
	if cfg.PrePing {
		poolConfig.HealthCheckPeriod = cfg.ConnectTimeout
	}
	if cfg.IdleInTransactionTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] =
			fmt.Sprintf("%d", cfg.IdleInTransactionTimeout.Milliseconds())
	}
	if cfg.LockTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["lock_timeout"] =
			fmt.Sprintf("%d", cfg.LockTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: err}
	}

	rec, err := postgres.New(ctx, pool,
		postgres.WithCreateTables(cfg.CreateTables),
		postgres.WithSchema(cfg.Schema),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Datastore{pool: pool, rec: rec}, nil
}

func (d *Datastore) Recorder() recorder.ProcessRecorder { return d.rec }

// Close closes the recorder and releases the pool.
func (d *Datastore) Close(ctx context.Context) error {
	err := d.rec.Close(ctx)
	d.pool.Close()
	return err
}
