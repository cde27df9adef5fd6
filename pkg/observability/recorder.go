package observability

import (
	"context"
	"time"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/recorder"
)

// InstrumentedRecorder wraps a recorder.ProcessRecorder with tracing and
// metrics via RecorderMiddleware, so a datastore backend's recorder can be
// made observable without each backend (memory, sqlite, postgres)
// reimplementing span/metric bookkeeping itself.
type InstrumentedRecorder struct {
	inner recorder.ProcessRecorder
	mw    *RecorderMiddleware
}

// WrapRecorder instruments rec with tel, tagging every span and metric with
// backend (e.g. "memory", "sqlite", "postgres").
func WrapRecorder(tel *Telemetry, backend string, rec recorder.ProcessRecorder) *InstrumentedRecorder {
	return &InstrumentedRecorder{inner: rec, mw: NewRecorderMiddleware(tel, backend)}
}

func (r *InstrumentedRecorder) InsertEvents(ctx context.Context, events []event.StoredEvent) ([]event.Recording, error) {
	var recordings []event.Recording
	err := r.mw.WrapInsert(ctx, firstOriginatorID(events), len(events), func(ctx context.Context) error {
		var err error
		recordings, err = r.inner.InsertEvents(ctx, events)
		return err
	})
	return recordings, err
}

func (r *InstrumentedRecorder) InsertEventsWithTracking(ctx context.Context, events []event.StoredEvent, tracking *event.Tracking) ([]event.Recording, error) {
	var recordings []event.Recording
	err := r.mw.WrapInsert(ctx, firstOriginatorID(events), len(events), func(ctx context.Context) error {
		var err error
		recordings, err = r.inner.InsertEventsWithTracking(ctx, events, tracking)
		return err
	})
	return recordings, err
}

func (r *InstrumentedRecorder) SelectEvents(ctx context.Context, originatorID string, opts recorder.SelectOptions) ([]event.StoredEvent, error) {
	var out []event.StoredEvent
	_, err := r.mw.WrapSelect(ctx, originatorID, func(ctx context.Context) (int, error) {
		events, err := r.inner.SelectEvents(ctx, originatorID, opts)
		if err != nil {
			return 0, err
		}
		out = events
		return len(out), nil
	})
	return out, err
}

func (r *InstrumentedRecorder) SelectNotifications(ctx context.Context, opts recorder.NotificationOptions) ([]event.Notification, error) {
	return r.inner.SelectNotifications(ctx, opts)
}

func (r *InstrumentedRecorder) MaxNotificationID(ctx context.Context) (int64, bool, error) {
	return r.inner.MaxNotificationID(ctx)
}

func (r *InstrumentedRecorder) Subscribe(ctx context.Context, gt int64, topics []string) (*recorder.Subscription, error) {
	return r.inner.Subscribe(ctx, gt, topics)
}

func (r *InstrumentedRecorder) InsertTracking(ctx context.Context, t event.Tracking) error {
	return r.inner.InsertTracking(ctx, t)
}

func (r *InstrumentedRecorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	return r.inner.MaxTrackingID(ctx, applicationName)
}

func (r *InstrumentedRecorder) HasTrackingID(ctx context.Context, applicationName string, id int64) (bool, error) {
	return r.inner.HasTrackingID(ctx, applicationName, id)
}

func (r *InstrumentedRecorder) Wait(ctx context.Context, applicationName string, id int64, timeout time.Duration) error {
	return r.inner.Wait(ctx, applicationName, id, timeout)
}

func (r *InstrumentedRecorder) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}

func firstOriginatorID(events []event.StoredEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].OriginatorID
}

var _ recorder.ProcessRecorder = (*InstrumentedRecorder)(nil)
