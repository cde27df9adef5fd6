package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/recorder"
)

// ErrAggregateNotFound is returned by Repository.Load when an originator
// has no recorded events.
var ErrAggregateNotFound = errors.New("eventstore: aggregate not found")

// Aggregate is the narrow contract Repository needs from a user aggregate
// type: fold events into state, and surface events produced but not yet
// persisted.
type Aggregate interface {
	ID() string
	Apply(e event.DomainEvent) error
	UncommittedEvents() []event.DomainEvent
	ClearUncommittedEvents()
}

// Repository loads and saves aggregates of type T against a Store:
// replay a stream into an aggregate, save uncommitted events, and retry
// on the optimistic-concurrency conflict the recorder's
// (originator_id, originator_version) uniqueness constraint reports.
type Repository[T Aggregate] struct {
	store   *Store
	factory func(id string) T
}

// NewRepository binds store and a factory that constructs a zero-valued
// aggregate of type T for a given id, ready to have history folded into it.
func NewRepository[T Aggregate](store *Store, factory func(id string) T) *Repository[T] {
	return &Repository[T]{store: store, factory: factory}
}

// Load replays id's full event history into a freshly constructed
// aggregate. Returns ErrAggregateNotFound if id has no recorded events.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	var zero T

	events, err := r.store.Get(ctx, id, recorder.SelectOptions{})
	if err != nil {
		return zero, fmt.Errorf("eventstore: load events for %s: %w", id, err)
	}
	if len(events) == 0 {
		return zero, ErrAggregateNotFound
	}

	agg := r.factory(id)
	for _, e := range events {
		if err := agg.Apply(e); err != nil {
			return zero, fmt.Errorf("eventstore: apply event to %s: %w", id, err)
		}
	}
	return agg, nil
}

// Save persists agg's uncommitted events in one call and clears them on
// success. A version conflict surfaces as eventerr.IntegrityError{Kind:
// IntegrityVersion} unchanged, for the caller to retry via RetryOnConflict
// or its own reload-and-retry loop.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	uncommitted := agg.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}
	if _, err := r.store.Put(ctx, uncommitted...); err != nil {
		return err
	}
	agg.ClearUncommittedEvents()
	return nil
}

// RetryOnConflict loads a fresh aggregate, applies fn (which is expected
// to call domain methods that record new uncommitted events), and saves —
// retrying from a fresh Load, with exponential backoff, when Save fails
// with IntegrityError{Kind: IntegrityVersion}.
func (r *Repository[T]) RetryOnConflict(ctx context.Context, id string, maxRetries int, fn func(T) error) error {
	for attempt := 0; ; attempt++ {
		agg, err := r.Load(ctx, id)
		if err != nil && !errors.Is(err, ErrAggregateNotFound) {
			return err
		}
		if errors.Is(err, ErrAggregateNotFound) {
			agg = r.factory(id)
		}

		if err := fn(agg); err != nil {
			return err
		}

		err = r.Save(ctx, agg)
		if err == nil {
			return nil
		}

		var integrityErr *eventerr.IntegrityError
		if !errors.As(err, &integrityErr) || integrityErr.Kind != eventerr.IntegrityVersion {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		time.Sleep(time.Duration(10*(1<<uint(attempt))) * time.Millisecond)
	}
}
