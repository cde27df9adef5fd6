// Package eventstore binds a mapper to a recorder and exposes Put/Get in
// domain terms. It does not cache and does not batch across calls — it is
// the narrow, typed waist between domain events and the persistence core.
package eventstore

import (
	"context"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/observability"
	"github.com/corestream/eventcore/pkg/recorder"
)

// Store is an EventStore: it maps domain events to stored events on the
// way in, and back on the way out, delegating storage to the recorder it
// borrows rather than owns.
type Store struct {
	mapper *mapper.Mapper
	rec    recorder.AggregateRecorder
	mw     *observability.EventStoreMiddleware
	name   string

	// subscribeErr is fixed at construction: nil when the bound recorder
	// supports live subscriptions, CapabilityError{NoSubscribe} otherwise,
	// so the capability mismatch is reportable before the first Subscribe.
	subscribeErr error
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithApplicationName names the upstream application whose sequence this
// store records, used as the ApplicationName on Tracking values yielded by
// Subscribe.
func WithApplicationName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithTelemetry wraps every Put/Get call with tracing and metrics via
// observability.EventStoreMiddleware. Omit it (or pass a nil tel) to get an
// uninstrumented Store, as every pre-existing caller does.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(s *Store) {
		if tel != nil {
			s.mw = observability.NewEventStoreMiddleware(tel)
		}
	}
}

// New binds mapper to rec. rec may be any recorder variant wide enough to
// support insert_events/select_events — aggregate, application, or
// process — since all three satisfy AggregateRecorder. Whether rec can
// serve live subscriptions is determined here, at construction: check
// CanSubscribe before relying on Subscribe.
func New(m *mapper.Mapper, rec recorder.AggregateRecorder, opts ...Option) *Store {
	s := &Store{mapper: m, rec: rec}
	if _, ok := rec.(recorder.ApplicationRecorder); !ok {
		s.subscribeErr = &eventerr.CapabilityError{Kind: eventerr.CapabilityNoSubscribe}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanSubscribe reports whether the bound recorder supports live
// subscriptions. It returns nil, or the CapabilityError{NoSubscribe} that
// any Subscribe call would also return, fixed when the store was
// constructed.
func (s *Store) CanSubscribe() error { return s.subscribeErr }

// Put maps each event to a stored event and delegates to
// recorder.InsertEvents in one call. Any mapping failure
// aborts the whole batch before anything is inserted — no partial writes.
// The returned recordings carry the notification ids assigned, in input
// order.
func (s *Store) Put(ctx context.Context, events ...event.DomainEvent) ([]event.Recording, error) {
	var recordings []event.Recording
	do := func(ctx context.Context) error {
		stored, err := s.toStoredBatch(events)
		if err != nil {
			return err
		}
		recordings, err = s.rec.InsertEvents(ctx, stored)
		return err
	}
	var err error
	if s.mw == nil {
		err = do(ctx)
	} else {
		err = s.mw.WrapPut(ctx, originatorIDOf(events), len(events), do)
	}
	return recordings, err
}

// PutWithTracking maps events and commits them atomically with a tracking
// row. It requires the bound
// recorder to be a ProcessRecorder; any other recorder gets a plain error
// that does not match eventerr.ErrCapability, since that mismatch is a
// wiring bug caught at the call site, not a runtime capability the caller
// probes for.
func (s *Store) PutWithTracking(ctx context.Context, tracking *event.Tracking, events ...event.DomainEvent) ([]event.Recording, error) {
	proc, ok := s.rec.(recorder.ProcessRecorder)
	if !ok {
		return nil, errNotAProcessRecorder
	}
	stored, err := s.toStoredBatch(events)
	if err != nil {
		return nil, err
	}
	return proc.InsertEventsWithTracking(ctx, stored, tracking)
}

func (s *Store) toStoredBatch(events []event.DomainEvent) ([]event.StoredEvent, error) {
	stored := make([]event.StoredEvent, len(events))
	for i, e := range events {
		se, err := s.mapper.ToStored(e)
		if err != nil {
			return nil, err
		}
		stored[i] = se
	}
	return stored, nil
}

// Get returns originatorID's events in the order and bounds the recorder
// applies — ascending or descending per opts.Desc. Every selected event is
// demapped before Get returns; the result is a fully built slice, not a
// lazy sequence.
func (s *Store) Get(ctx context.Context, originatorID string, opts recorder.SelectOptions) ([]event.DomainEvent, error) {
	var out []event.DomainEvent
	do := func(ctx context.Context) (int, error) {
		stored, err := s.rec.SelectEvents(ctx, originatorID, opts)
		if err != nil {
			return 0, err
		}
		out = make([]event.DomainEvent, len(stored))
		for i, se := range stored {
			de, err := s.mapper.ToDomain(se)
			if err != nil {
				return 0, err
			}
			out[i] = de
		}
		return len(out), nil
	}
	if s.mw == nil {
		_, err := do(ctx)
		return out, err
	}
	_, err := s.mw.WrapGet(ctx, originatorID, do)
	return out, err
}

// originatorIDOf returns the first event's originator id, or "" for an
// empty batch, for use as a span/metric attribute.
func originatorIDOf(events []event.DomainEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].OriginatorID()
}

type capabilityMismatch struct{ msg string }

func (e *capabilityMismatch) Error() string { return e.msg }

var errNotAProcessRecorder = &capabilityMismatch{msg: "eventstore: PutWithTracking requires a ProcessRecorder"}
