// Package sqlite is the file-backed single-writer Datastore, translating
// config.DatastoreConfig into the functional options
// pkg/recorder/sqlite already exposes. It owns exactly the axes that are
// sqlite's concern: the DSN, WAL mode, and the create_tables and schema
// axes common to every backend.
package sqlite

import (
	"context"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/recorder"
	"github.com/corestream/eventcore/pkg/recorder/sqlite"
)

// Datastore wraps a SQLite-backed recorder.ProcessRecorder.
type Datastore struct {
	rec *sqlite.Recorder
}

// Open opens (and, unless cfg.CreateTables is false, migrates) a SQLite
// datastore at cfg.DBFile. cfg.LockTimeout bounds the writer's wait on the
// database-level lock; cfg.PoolSize and the other server-pooling axes of
// DatastoreConfig do not apply to a single-writer file store and are
// ignored here.
func Open(_ context.Context, cfg config.DatastoreConfig) (*Datastore, error) {
	rec, err := sqlite.New(
		sqlite.WithDSN(cfg.DBFile),
		sqlite.WithWALMode(true),
		sqlite.WithCreateTables(cfg.CreateTables),
		sqlite.WithSchema(cfg.Schema),
		sqlite.WithLockTimeout(cfg.LockTimeout),
	)
	if err != nil {
		return nil, err
	}
	return &Datastore{rec: rec}, nil
}

func (d *Datastore) Recorder() recorder.ProcessRecorder { return d.rec }

func (d *Datastore) Close(ctx context.Context) error { return d.rec.Close(ctx) }
