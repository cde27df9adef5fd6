// Package datastore is the backing-store abstraction: given a
// config.DatastoreConfig, it bootstraps the connection (or in-process
// structure) and schema for one of the three supported storage
// technologies and hands back the matching recorder.ProcessRecorder. Each
// backend subpackage (memory, sqlite, postgres) owns the configuration
// axes specific to its transport — pooling for postgres, a single writer
// connection for sqlite, nothing for memory — while deferring
// insert/select/subscribe semantics entirely to its pkg/recorder/*
// counterpart.
package datastore

import (
	"context"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/observability"
	"github.com/corestream/eventcore/pkg/recorder"

	memorystore "github.com/corestream/eventcore/pkg/datastore/memory"
	postgresstore "github.com/corestream/eventcore/pkg/datastore/postgres"
	sqlitestore "github.com/corestream/eventcore/pkg/datastore/sqlite"
)

// Datastore bootstraps a recorder.ProcessRecorder for one storage
// technology from a config.DatastoreConfig, and owns its lifetime.
type Datastore interface {
	// Recorder returns the process recorder this datastore backs. It is
	// valid only between a successful Open and Close.
	Recorder() recorder.ProcessRecorder
	// Close releases the datastore's connection or in-process resources,
	// moving the recorder to its closed state.
	Close(ctx context.Context) error
}

// ErrUnknownPersistenceModule is returned by Open when
// config.DatastoreConfig.PersistenceModule names a backend this package
// does not implement.
type ErrUnknownPersistenceModule struct {
	Module string
}

func (e *ErrUnknownPersistenceModule) Error() string {
	return "datastore: unknown persistence module " + e.Module
}

// Open dispatches on cfg.PersistenceModule ("memory", "sqlite", or
// "postgres") to the matching backend's Open, so callers that
// select a backend purely through configuration never need a type switch
// of their own.
func Open(ctx context.Context, cfg config.DatastoreConfig) (Datastore, error) {
	switch cfg.PersistenceModule {
	case "memory":
		return memorystore.Open(ctx, cfg)
	case "sqlite":
		return sqlitestore.Open(ctx, cfg)
	case "postgres":
		return postgresstore.Open(ctx, cfg)
	default:
		return nil, &ErrUnknownPersistenceModule{Module: cfg.PersistenceModule}
	}
}

// instrumentedDatastore wraps a Datastore's recorder with
// observability.InstrumentedRecorder, leaving Close delegated to the
// embedded Datastore.
type instrumentedDatastore struct {
	Datastore
	rec recorder.ProcessRecorder
}

func (d *instrumentedDatastore) Recorder() recorder.ProcessRecorder { return d.rec }

// OpenInstrumented is Open, with the returned Datastore's recorder wrapped in
// observability.InstrumentedRecorder when tel is non-nil, tagging every span
// and metric with cfg.PersistenceModule as the backend name. Pass a nil tel
// to get Open's plain, uninstrumented behavior.
func OpenInstrumented(ctx context.Context, cfg config.DatastoreConfig, tel *observability.Telemetry) (Datastore, error) {
	ds, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if tel == nil {
		return ds, nil
	}
	rec := observability.WrapRecorder(tel, cfg.PersistenceModule, ds.Recorder())
	return &instrumentedDatastore{Datastore: ds, rec: rec}, nil
}
