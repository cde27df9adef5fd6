package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
	"github.com/corestream/eventcore/pkg/recorder/postgres"
)

// These tests exercise the Postgres-backed recorder against a live database
// and are skipped unless EVENTCORE_TEST_POSTGRES_DSN points at one, since no
// server is available in this environment.
func requireDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EVENTCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EVENTCORE_TEST_POSTGRES_DSN not set, skipping live Postgres recorder tests")
	}
	return dsn
}

func newTestRecorder(t *testing.T) *postgres.Recorder {
	t.Helper()
	dsn := requireDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema := "test_" + t.Name()
	r, err := postgres.New(ctx, pool, postgres.WithSchema(schema), postgres.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func se(originatorID string, version int64, topic string) event.StoredEvent {
	return event.StoredEvent{OriginatorID: originatorID, OriginatorVersion: version, Topic: topic, State: []byte("{}")}
}

func TestPostgresInsertAndSelectEventsRoundTrip(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	recordings, err := r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t"), se("a", 1, "t")})
	require.NoError(t, err)
	require.Len(t, recordings, 2)
	assert.Equal(t, int64(1), recordings[0].NotificationID)
	assert.Equal(t, int64(2), recordings[1].NotificationID)

	got, err := r.SelectEvents(ctx, "a", recorder.SelectOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].OriginatorVersion)
	assert.Equal(t, int64(1), got[1].OriginatorVersion)
}

func TestPostgresInsertEventsRejectsVersionCollision(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	_, err := r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t")})
	require.NoError(t, err)
	_, err = r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t")})
	require.Error(t, err)

	var integrityErr *eventerr.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, eventerr.IntegrityVersion, integrityErr.Kind)
}

func TestPostgresSubscribeDeliversNotifyDrivenUpdates(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, 0, nil)
	require.NoError(t, err)
	defer sub.Stop()

	_, err = r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t")})
	require.NoError(t, err)

	n, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), n.ID)
}

func TestPostgresWaitTimesOut(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	err := r.Wait(ctx, "proj", 1, 50*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *eventerr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}
