package datastore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/datastore"
	"github.com/corestream/eventcore/pkg/event"
)

func TestOpenDispatchesToMemoryBackend(t *testing.T) {
	ctx := context.Background()
	ds, err := datastore.Open(ctx, config.DatastoreConfig{PersistenceModule: "memory"})
	require.NoError(t, err)
	defer ds.Close(ctx)

	rec := ds.Recorder()
	_, err = rec.InsertEvents(ctx, []event.StoredEvent{{OriginatorID: "a", OriginatorVersion: 0, Topic: "t", State: []byte("{}")}})
	require.NoError(t, err)
}

func TestOpenDispatchesToSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	ds, err := datastore.Open(ctx, config.DatastoreConfig{PersistenceModule: "sqlite", DBFile: ":memory:", CreateTables: true})
	require.NoError(t, err)
	defer ds.Close(ctx)

	rec := ds.Recorder()
	_, err = rec.InsertEvents(ctx, []event.StoredEvent{{OriginatorID: "a", OriginatorVersion: 0, Topic: "t", State: []byte("{}")}})
	require.NoError(t, err)
}

func TestOpenRejectsUnknownPersistenceModule(t *testing.T) {
	_, err := datastore.Open(context.Background(), config.DatastoreConfig{PersistenceModule: "dbase3"})
	require.Error(t, err)

	var unknownErr *datastore.ErrUnknownPersistenceModule
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "dbase3", unknownErr.Module)
}
