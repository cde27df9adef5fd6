// Package memory is the in-memory Datastore: a process-local structure
// guarded by a single writer lock. It has
// no connection to bootstrap and no schema to create — it exists purely so
// callers can select a backend uniformly through config.DatastoreConfig
// regardless of which one they end up running.
package memory

import (
	"context"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/recorder"
	"github.com/corestream/eventcore/pkg/recorder/memory"
)

// Datastore wraps an in-memory recorder.ProcessRecorder.
type Datastore struct {
	rec *memory.Recorder
}

// Open constructs a fresh in-memory datastore. cfg is accepted for
// interface symmetry with the sqlite and postgres backends but carries no
// axis memory.Recorder honors — there is no connection, pool, or schema.
func Open(_ context.Context, _ config.DatastoreConfig) (*Datastore, error) {
	return &Datastore{rec: memory.New()}, nil
}

func (d *Datastore) Recorder() recorder.ProcessRecorder { return d.rec }

// Close discards the in-memory recorder's state.
func (d *Datastore) Close(ctx context.Context) error { return d.rec.Close(ctx) }
