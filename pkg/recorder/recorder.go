// Package recorder defines the four recorder variants (aggregate /
// application / tracking / process) as narrow Go interfaces, each exposing
// exactly the operations that variant supports, plus the shared lifecycle
// state machine and Subscription type.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/corestream/eventcore/pkg/event"
)

// SelectOptions bounds a SelectEvents call. Bounds are applied before
// ordering, which is applied before Limit.
type SelectOptions struct {
	GT    *int64 // strict lower bound on originator_version
	LTE   *int64 // inclusive upper bound on originator_version
	Desc  bool
	Limit int // 0 means unbounded
}

// NotificationOptions bounds a SelectNotifications call.
type NotificationOptions struct {
	Start  int64 // inclusive lower bound on notification id
	Limit  int   // positive cap
	Stop   *int64
	Topics []string
}

// AggregateRecorder is the narrowest variant: per-aggregate insert and
// select only, no application sequence. InsertEvents commits the whole
// batch in one transaction and returns one Recording per input event, in
// input order; variants without an application sequence leave
// Recording.NotificationID zero.
type AggregateRecorder interface {
	InsertEvents(ctx context.Context, events []event.StoredEvent) ([]event.Recording, error)
	SelectEvents(ctx context.Context, originatorID string, opts SelectOptions) ([]event.StoredEvent, error)
	Close(ctx context.Context) error
}

// ApplicationRecorder extends AggregateRecorder with the global
// notification sequence: select_notifications, max_notification_id, and
// subscribe.
type ApplicationRecorder interface {
	AggregateRecorder
	SelectNotifications(ctx context.Context, opts NotificationOptions) ([]event.Notification, error)
	MaxNotificationID(ctx context.Context) (int64, bool, error)
	Subscribe(ctx context.Context, gt int64, topics []string) (*Subscription, error)
}

// TrackingRecorder owns the tracking table exclusively.
type TrackingRecorder interface {
	InsertTracking(ctx context.Context, t event.Tracking) error
	MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error)
	HasTrackingID(ctx context.Context, applicationName string, id int64) (bool, error)
	Wait(ctx context.Context, applicationName string, id int64, timeout time.Duration) error
	Close(ctx context.Context) error
}

// ProcessRecorder is the join of ApplicationRecorder and TrackingRecorder:
// insert_events optionally carries a tracking row, committed in the same
// transaction as the events: one transaction, both tables.
type ProcessRecorder interface {
	ApplicationRecorder
	TrackingRecorder
	InsertEventsWithTracking(ctx context.Context, events []event.StoredEvent, tracking *event.Tracking) ([]event.Recording, error)
}

// State is the recorder lifecycle state machine.
type State int32

const (
	StateUninitialized State = iota
	StateSchemaReady
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSchemaReady:
		return "schema_ready"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is a scoped live-tailing iterator over the application
// sequence, yielding event.Notification values in ascending notification
// order starting after gt. Next blocks when
// no further notification is yet available. Stop is idempotent and safe to
// call from any goroutine; a blocked Next wakes and returns (zero, false)
// promptly after Stop (target: within 100ms).
type Subscription struct {
	Items    chan event.Notification
	stopCh   chan struct{}
	stopOnce *sync.Once
	closer   func()
}

// NewSubscription constructs a Subscription fed by a producer goroutine the
// caller owns. items and stopCh are the producer/consumer rendezvous
// channels; stopOnce guards the closing of stopCh so that both an explicit
// Stop() and a backend-initiated shutdown (e.g. Recorder.Close closing
// every live subscriber at once) can race safely — the backend must use
// the same *sync.Once when it also wants to close stopCh directly. closer
// runs after stopCh closes, for additional bookkeeping (e.g. removing the
// subscriber from a registry); it must itself be safe to call more than
// once, since it is invoked both from Stop() and, independently, from
// whatever cleanup the backend performs on its own shutdown path.
func NewSubscription(items chan event.Notification, stopCh chan struct{}, stopOnce *sync.Once, closer func()) *Subscription {
	return &Subscription{Items: items, stopCh: stopCh, stopOnce: stopOnce, closer: closer}
}

// Next blocks until a notification is available, the subscription is
// stopped, or ctx is cancelled. ok is false when the subscription has
// terminated (explicit stop, scope exit, or fatal error) and no more items
// will ever be delivered.
func (s *Subscription) Next(ctx context.Context) (event.Notification, bool) {
	select {
	case item, open := <-s.Items:
		if !open {
			return event.Notification{}, false
		}
		return item, true
	case <-s.stopCh:
		return event.Notification{}, false
	case <-ctx.Done():
		return event.Notification{}, false
	}
}

// StopChannel exposes the stop signal so a producer goroutine can select
// on it alongside its own work.
func (s *Subscription) StopChannel() <-chan struct{} {
	return s.stopCh
}

// Stop is idempotent: stopCh is closed only once, by whichever of this call
// or the backend's own shutdown path comes first. closer runs on every
// Stop call, which is why it must tolerate being called more than once.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.closer != nil {
		s.closer()
	}
}
