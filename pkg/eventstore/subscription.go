package eventstore

import (
	"context"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/recorder"
)

// Subscription is the event store's live-tailing iterator: the recorder's
// notification stream demapped into domain terms. Next yields
// (DomainEvent, Tracking) pairs in ascending notification order, blocking
// while no further notification is available.
type Subscription struct {
	inner   *recorder.Subscription
	mapper  *mapper.Mapper
	appName string

	err error
}

// Subscribe opens a live subscription over the application sequence,
// starting after gt, optionally filtered by topics. It returns the
// CapabilityError{NoSubscribe} fixed at construction when the bound
// recorder has no application sequence — the same error CanSubscribe
// reports.
func (s *Store) Subscribe(ctx context.Context, gt int64, topics []string) (*Subscription, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	app := s.rec.(recorder.ApplicationRecorder)
	inner, err := app.Subscribe(ctx, gt, topics)
	if err != nil {
		return nil, err
	}
	return &Subscription{inner: inner, mapper: s.mapper, appName: s.name}, nil
}

// Next blocks until a notification is available, then demaps it. ok is
// false once the subscription has terminated (explicit Stop, scope exit,
// or a demap failure recorded in Err) and no more pairs will be delivered.
func (sub *Subscription) Next(ctx context.Context) (event.DomainEvent, event.Tracking, bool) {
	n, ok := sub.inner.Next(ctx)
	if !ok {
		return nil, event.Tracking{}, false
	}
	de, err := sub.mapper.ToDomain(n.StoredEvent)
	if err != nil {
		sub.err = err
		sub.inner.Stop()
		return nil, event.Tracking{}, false
	}
	return de, event.Tracking{ApplicationName: sub.appName, NotificationID: n.ID}, true
}

// Err returns the demap error that terminated the subscription, if any.
func (sub *Subscription) Err() error { return sub.err }

// Stop ends the subscription. Idempotent; a blocked Next wakes promptly.
func (sub *Subscription) Stop() { sub.inner.Stop() }
