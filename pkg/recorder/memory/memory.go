// Package memory implements a process-local recorder backend: a single
// writer lock guarding plain Go slices and maps, with live subscriptions
// driven by per-subscriber cursor pumps over the notification log.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
)

// Recorder is an in-memory ProcessRecorder: it owns both the stored-events
// table and the tracking table, guarded by a single mutex that doubles as
// the writer-serialization lock.
type Recorder struct {
	mu    sync.Mutex
	state atomic.Int32

	byOriginator map[string][]event.StoredEvent // ordered by originator_version
	notifications []event.Notification          // ordered by id, dense
	tracking      map[string]map[int64]bool      // application_name -> set of notification_id
	maxTracking   map[string]int64

	// broadcast is closed and replaced under mu on every committed insert;
	// subscription pumps wait on the channel they captured before sleeping,
	// so a commit wakes every pump exactly once.
	broadcast chan struct{}

	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	stopCh   chan struct{}
	stopOnce *sync.Once
}

// New constructs an empty in-memory recorder, already in StateOpen: an
// in-process structure needs no schema bootstrap or connection handshake.
func New() *Recorder {
	r := &Recorder{
		byOriginator: make(map[string][]event.StoredEvent),
		tracking:     make(map[string]map[int64]bool),
		maxTracking:  make(map[string]int64),
		broadcast:    make(chan struct{}),
		subscribers:  make(map[*subscriber]struct{}),
	}
	r.state.Store(int32(recorder.StateOpen))
	return r
}

func (r *Recorder) State() recorder.State { return recorder.State(r.state.Load()) }

var errClosed = errors.New("memory: recorder is closed")

// InsertEvents implements AggregateRecorder/ApplicationRecorder, with no
// tracking row.
func (r *Recorder) InsertEvents(ctx context.Context, events []event.StoredEvent) ([]event.Recording, error) {
	return r.InsertEventsWithTracking(ctx, events, nil)
}

// InsertEventsWithTracking implements ProcessRecorder's atomic insert: all
// events plus the optional tracking row commit in a single critical
// section, which for this backend is the only writer lock there is. The
// returned recordings carry the notification ids assigned, in input order.
func (r *Recorder) InsertEventsWithTracking(ctx context.Context, events []event.StoredEvent, tracking *event.Tracking) ([]event.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if recorder.State(r.state.Load()) == recorder.StateClosed {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: errClosed}
	}

	// Reject only true (originator_id, originator_version) duplicates,
	// matching the unique constraint the SQL backends enforce; gaps and
	// out-of-order versions are not a uniqueness violation.
	seenInBatch := make(map[string]map[int64]bool, len(events))
	for _, e := range events {
		for _, ex := range r.byOriginator[e.OriginatorID] {
			if ex.OriginatorVersion == e.OriginatorVersion {
				return nil, &eventerr.IntegrityError{
					Kind:              eventerr.IntegrityVersion,
					OriginatorID:      e.OriginatorID,
					OriginatorVersion: e.OriginatorVersion,
				}
			}
		}
		versions, ok := seenInBatch[e.OriginatorID]
		if !ok {
			versions = make(map[int64]bool)
			seenInBatch[e.OriginatorID] = versions
		}
		if versions[e.OriginatorVersion] {
			return nil, &eventerr.IntegrityError{
				Kind:              eventerr.IntegrityVersion,
				OriginatorID:      e.OriginatorID,
				OriginatorVersion: e.OriginatorVersion,
			}
		}
		versions[e.OriginatorVersion] = true
	}

	if tracking != nil {
		if set, ok := r.tracking[tracking.ApplicationName]; ok && set[tracking.NotificationID] {
			return nil, &eventerr.IntegrityError{
				Kind:            eventerr.IntegrityTracking,
				ApplicationName: tracking.ApplicationName,
				NotificationID:  tracking.NotificationID,
			}
		}
	}

	nextID := int64(len(r.notifications)) + 1
	newNotifications := make([]event.Notification, 0, len(events))
	recordings := make([]event.Recording, 0, len(events))
	for i, e := range events {
		r.byOriginator[e.OriginatorID] = append(r.byOriginator[e.OriginatorID], e)
		n := event.Notification{StoredEvent: e, ID: nextID + int64(i)}
		r.notifications = append(r.notifications, n)
		newNotifications = append(newNotifications, n)
		recordings = append(recordings, event.Recording{
			OriginatorID:      e.OriginatorID,
			OriginatorVersion: e.OriginatorVersion,
			NotificationID:    n.ID,
		})
	}

	if tracking != nil {
		set, ok := r.tracking[tracking.ApplicationName]
		if !ok {
			set = make(map[int64]bool)
			r.tracking[tracking.ApplicationName] = set
		}
		set[tracking.NotificationID] = true
		if tracking.NotificationID > r.maxTracking[tracking.ApplicationName] {
			r.maxTracking[tracking.ApplicationName] = tracking.NotificationID
		}
	}

	if len(newNotifications) > 0 {
		close(r.broadcast)
		r.broadcast = make(chan struct{})
	}

	return recordings, nil
}

// SelectEvents returns originatorID's events within the requested bounds.
func (r *Recorder) SelectEvents(ctx context.Context, originatorID string, opts recorder.SelectOptions) ([]event.StoredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.byOriginator[originatorID]
	out := make([]event.StoredEvent, 0, len(all))
	for _, e := range all {
		if opts.GT != nil && e.OriginatorVersion <= *opts.GT {
			continue
		}
		if opts.LTE != nil && e.OriginatorVersion > *opts.LTE {
			continue
		}
		out = append(out, e)
	}
	if opts.Desc {
		sort.SliceStable(out, func(i, j int) bool { return out[i].OriginatorVersion > out[j].OriginatorVersion })
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SelectNotifications returns committed notifications in ascending id
// order.
func (r *Recorder) SelectNotifications(ctx context.Context, opts recorder.NotificationOptions) ([]event.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var topicSet map[string]bool
	if len(opts.Topics) > 0 {
		topicSet = make(map[string]bool, len(opts.Topics))
		for _, t := range opts.Topics {
			topicSet[t] = true
		}
	}

	out := make([]event.Notification, 0, opts.Limit)
	for _, n := range r.notifications {
		if n.ID < opts.Start {
			continue
		}
		if opts.Stop != nil && n.ID > *opts.Stop {
			break
		}
		if topicSet != nil && !topicSet[n.Topic] {
			continue
		}
		out = append(out, n)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// MaxNotificationID returns the highest assigned notification id.
func (r *Recorder) MaxNotificationID(ctx context.Context) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notifications) == 0 {
		return 0, false, nil
	}
	return r.notifications[len(r.notifications)-1].ID, true, nil
}

// Subscribe opens a live-tailing iterator: a pump goroutine
// walks the notification log from gt by cursor, delivering in strictly
// ascending id order with no gaps, and sleeps on the writer's broadcast
// channel when it has caught up. Because the pump re-reads the log rather
// than receiving fan-out sends, a slow consumer delays only itself and
// never loses a notification.
func (r *Recorder) Subscribe(ctx context.Context, gt int64, topics []string) (*recorder.Subscription, error) {
	if recorder.State(r.state.Load()) == recorder.StateClosed {
		return nil, &eventerr.PersistenceError{Kind: eventerr.PersistenceTransport, Err: errClosed}
	}
	var topicSet map[string]bool
	if len(topics) > 0 {
		topicSet = make(map[string]bool, len(topics))
		for _, t := range topics {
			topicSet[t] = true
		}
	}

	items := make(chan event.Notification)
	stopCh := make(chan struct{})
	stopOnce := &sync.Once{}
	sub := &subscriber{stopCh: stopCh, stopOnce: stopOnce}

	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		cursor := gt
		for {
			r.mu.Lock()
			var pending []event.Notification
			for _, n := range r.notifications {
				if n.ID > cursor && (topicSet == nil || topicSet[n.Topic]) {
					pending = append(pending, n)
				}
			}
			if len(r.notifications) > 0 {
				if last := r.notifications[len(r.notifications)-1].ID; last > cursor && len(pending) == 0 {
					// All newer notifications were filtered out by topic;
					// advance past them so the pump sleeps instead of
					// re-scanning them on every wake.
					cursor = last
				}
			}
			wake := r.broadcast
			r.mu.Unlock()

			for _, n := range pending {
				select {
				case items <- n:
					cursor = n.ID
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-wake:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	closer := func() {
		r.mu.Lock()
		delete(r.subscribers, sub)
		r.mu.Unlock()
	}

	return recorder.NewSubscription(items, stopCh, stopOnce, closer), nil
}

// InsertTracking implements TrackingRecorder on a process recorder whose
// caller only wants to manage tracking independently of event insertion.
func (r *Recorder) InsertTracking(ctx context.Context, t event.Tracking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.tracking[t.ApplicationName]
	if !ok {
		set = make(map[int64]bool)
		r.tracking[t.ApplicationName] = set
	}
	if set[t.NotificationID] {
		return &eventerr.IntegrityError{Kind: eventerr.IntegrityTracking, ApplicationName: t.ApplicationName, NotificationID: t.NotificationID}
	}
	set[t.NotificationID] = true
	if t.NotificationID > r.maxTracking[t.ApplicationName] {
		r.maxTracking[t.ApplicationName] = t.NotificationID
	}
	return nil
}

// MaxTrackingID returns the highest notification id tracked for app.
func (r *Recorder) MaxTrackingID(ctx context.Context, applicationName string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.maxTracking[applicationName]
	return id, ok, nil
}

// HasTrackingID reports whether app has recorded notification id.
func (r *Recorder) HasTrackingID(ctx context.Context, applicationName string, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.tracking[applicationName]
	if !ok {
		return false, nil
	}
	return set[id], nil
}

// Wait blocks until HasTrackingID(applicationName, id) is true or timeout
// elapses. Implemented as bounded polling rather than a
// condition-variable wait so the wait can be cleanly bounded by both
// timeout and ctx cancellation without cross-goroutine lock juggling.
func (r *Recorder) Wait(ctx context.Context, applicationName string, id int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 10 * time.Millisecond

	for {
		r.mu.Lock()
		set, ok := r.tracking[applicationName]
		done := ok && set[id]
		r.mu.Unlock()
		if done {
			return nil
		}

		if time.Now().After(deadline) {
			return &eventerr.TimeoutError{Operation: "wait"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Close transitions the recorder to StateClosed and terminates any
// pending subscriptions.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(int32(recorder.StateClosed))
	for sub := range r.subscribers {
		sub.stopOnce.Do(func() { close(sub.stopCh) })
	}
	r.subscribers = make(map[*subscriber]struct{})
	return nil
}

var (
	_ recorder.ProcessRecorder = (*Recorder)(nil)
)
