package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
	"github.com/corestream/eventcore/pkg/recorder/sqlite"
)

func newTestRecorder(t *testing.T) *sqlite.Recorder {
	t.Helper()
	r, err := sqlite.New(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false), sqlite.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func se(originatorID string, version int64, topic string) event.StoredEvent {
	return event.StoredEvent{OriginatorID: originatorID, OriginatorVersion: version, Topic: topic, State: []byte("{}")}
}

func mustInsert(t *testing.T, r *sqlite.Recorder, events ...event.StoredEvent) []event.Recording {
	t.Helper()
	recordings, err := r.InsertEvents(context.Background(), events)
	require.NoError(t, err)
	return recordings
}

func TestSQLiteInsertAndSelectEventsRoundTrip(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	mustInsert(t, r, se("a", 0, "t"), se("a", 1, "t"))

	got, err := r.SelectEvents(ctx, "a", recorder.SelectOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].OriginatorVersion)
	assert.Equal(t, int64(1), got[1].OriginatorVersion)
}

func TestSQLiteInsertEventsReturnsAssignedNotificationIDs(t *testing.T) {
	r := newTestRecorder(t)

	recordings := mustInsert(t, r, se("a", 0, "t"), se("b", 0, "t"))

	require.Len(t, recordings, 2)
	assert.Equal(t, int64(1), recordings[0].NotificationID)
	assert.Equal(t, int64(2), recordings[1].NotificationID)
	assert.Equal(t, "a", recordings[0].OriginatorID)
	assert.Equal(t, "b", recordings[1].OriginatorID)
}

func TestSQLiteInsertEventsRejectsVersionCollision(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	mustInsert(t, r, se("a", 0, "t"))
	_, err := r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t")})
	require.Error(t, err)

	var integrityErr *eventerr.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, eventerr.IntegrityVersion, integrityErr.Kind)
}

func TestSQLiteInsertEventsWithTrackingRejectsDuplicateTracking(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	tracking := &event.Tracking{ApplicationName: "proj", NotificationID: 1}
	_, err := r.InsertEventsWithTracking(ctx, []event.StoredEvent{se("a", 0, "t")}, tracking)
	require.NoError(t, err)

	_, err = r.InsertEventsWithTracking(ctx, []event.StoredEvent{se("b", 0, "t")}, tracking)
	require.Error(t, err)

	var integrityErr *eventerr.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, eventerr.IntegrityTracking, integrityErr.Kind)

	got, err := r.SelectEvents(ctx, "b", recorder.SelectOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteSelectNotificationsAppliesBoundsAndTopics(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	mustInsert(t, r, se("a", 0, "wanted"), se("a", 1, "ignored"), se("a", 2, "wanted"))

	notifications, err := r.SelectNotifications(ctx, recorder.NotificationOptions{Start: 1, Limit: 10, Topics: []string{"wanted"}})
	require.NoError(t, err)
	require.Len(t, notifications, 2)
	assert.Equal(t, int64(1), notifications[0].ID)
	assert.Equal(t, int64(3), notifications[1].ID)
}

func TestSQLiteMaxNotificationID(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	_, ok, err := r.MaxNotificationID(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mustInsert(t, r, se("a", 0, "t"), se("a", 1, "t"))

	maxID, ok, err := r.MaxNotificationID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), maxID)
}

func TestSQLiteConcurrentWritersProduceDenseMonotonicNotificationIDs(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	const writers = 2
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				originator := fmt.Sprintf("agg-%d-%d", w, i)
				_, err := r.InsertEvents(ctx, []event.StoredEvent{se(originator, 0, "t")})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	notifications, err := r.SelectNotifications(ctx, recorder.NotificationOptions{Start: 1, Limit: 1000})
	require.NoError(t, err)
	require.Len(t, notifications, writers*perWriter)
	for i, n := range notifications {
		require.Equal(t, int64(i+1), n.ID, "committed ids must be dense and in order")
	}
}

func TestSQLiteSubscribeCatchesUpThenPolls(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	mustInsert(t, r, se("a", 0, "t"))

	sub, err := r.Subscribe(ctx, 0, nil)
	require.NoError(t, err)
	defer sub.Stop()

	n, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), n.ID)

	mustInsert(t, r, se("b", 0, "t"))

	n, ok = sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(2), n.ID)
}

func TestSQLiteSubscriptionStopUnblocksNext(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, 0, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, ok := sub.Next(context.Background())
		assert.False(t, ok)
		close(done)
	}()

	sub.Stop()
	sub.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock within 2s of Stop")
	}
}

func TestSQLiteWaitReturnsOnceTrackingCommitted(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(ctx, "proj", 1, time.Second)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.InsertTracking(ctx, event.Tracking{ApplicationName: "proj", NotificationID: 1}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after tracking was committed")
	}
}

func TestSQLiteWaitTimesOut(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	err := r.Wait(ctx, "proj", 1, 50*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *eventerr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestSQLiteHasTrackingID(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	has, err := r.HasTrackingID(ctx, "proj", 1)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, r.InsertTracking(ctx, event.Tracking{ApplicationName: "proj", NotificationID: 1}))

	has, err = r.HasTrackingID(ctx, "proj", 1)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteCloseTerminatesPendingSubscriptionsAndRejectsUse(t *testing.T) {
	r, err := sqlite.New(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false), sqlite.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, 0, nil)
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx))

	_, ok := sub.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, recorder.StateClosed, r.State())

	_, err = r.InsertEvents(ctx, []event.StoredEvent{se("a", 0, "t")})
	require.Error(t, err)
}
