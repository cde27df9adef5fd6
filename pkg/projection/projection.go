// Package projection drives a user-supplied Projection against an
// application subscription, recovering its cursor from the projection's
// own tracking recorder on start.
package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/idgen"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/observability"
	"github.com/corestream/eventcore/pkg/recorder"
)

// Projection is the single-method contract a read-model policy implements.
// ProcessEvent MUST be idempotent with respect to re-delivery of the same
// tracking id, and MUST persist any side-effects atomically with tracking
// via a tracking- or process-recorder it controls — Runner does not do this
// for it. See pkg/projection/sqlprojection for a transactional helper.
type Projection interface {
	ProcessEvent(ctx context.Context, e event.DomainEvent, t event.Tracking) error
}

// TopicFilterer is implemented by projections that only want a subset of
// topics delivered. A nil or empty return means no filter.
type TopicFilterer interface {
	Topics() []string
}

// Named is implemented by projections that want to scope environment
// configuration and derived storage names by name.
type Named interface {
	Name() string
}

// Runner drives a Projection against an upstream application sequence,
// recovering and advancing a durable cursor via the projection's own
// tracking recorder. It owns its subscription and worker goroutine for
// their lifetime.
type Runner struct {
	upstreamName string
	upstream     recorder.ApplicationRecorder
	view         recorder.TrackingRecorder
	mapper       *mapper.Mapper
	projection   Projection

	mw   *observability.ProjectionMiddleware
	name string

	mu         sync.Mutex
	sub        *recorder.Subscription
	cancel     context.CancelFunc
	workerDone chan struct{}
	workerErr  error
	started    bool
	runID      string
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithTelemetry wraps every ProcessEvent call with tracing and a cursor/error
// metric via observability.ProjectionMiddleware. Omit it (or pass a nil tel)
// for an uninstrumented Runner, as every pre-existing caller does.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(r *Runner) {
		if tel != nil {
			r.mw = observability.NewProjectionMiddleware(tel, r.name)
		}
	}
}

// New binds a Runner to upstreamName's notification sequence. upstream
// supplies the subscription; view supplies cursor recovery and is normally
// the same storage the projection itself writes tracking rows to, so that
// MaxTrackingID reflects exactly what ProcessEvent has durably committed.
// m demaps each notification's StoredEvent back to a DomainEvent before it
// reaches the projection. If p implements Named, its name scopes telemetry
// instead of upstreamName; error messages still name upstreamName and the
// run id.
func New(upstreamName string, upstream recorder.ApplicationRecorder, view recorder.TrackingRecorder, m *mapper.Mapper, p Projection, opts ...Option) *Runner {
	name := upstreamName
	if n, ok := p.(Named); ok {
		name = n.Name()
	}
	r := &Runner{
		upstreamName: upstreamName,
		upstream:     upstream,
		view:         view,
		mapper:       m,
		projection:   p,
		name:         name,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start recovers the cursor, opens the subscription, and launches the
// worker goroutine. It returns once the subscription is open; ProcessEvent
// calls happen asynchronously on the worker.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("projection: runner for %s already started", r.upstreamName)
	}

	cursor, _, err := r.view.MaxTrackingID(ctx, r.upstreamName)
	if err != nil {
		return fmt.Errorf("projection: recover cursor for %s: %w", r.upstreamName, err)
	}

	var topics []string
	if tf, ok := r.projection.(TopicFilterer); ok {
		topics = tf.Topics()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := r.upstream.Subscribe(runCtx, cursor, topics)
	if err != nil {
		cancel()
		return fmt.Errorf("projection: subscribe for %s: %w", r.upstreamName, err)
	}

	// runID is a sortable, per-Start correlation id distinct from the
	// originator_id UUIDs in the stream itself, surfaced in error messages so
	// repeated Start/Stop cycles for the same projection can be told apart in
	// logs.
	r.runID = idgen.MustGenerateSortableID()
	r.sub = sub
	r.cancel = cancel
	r.workerDone = make(chan struct{})
	r.started = true

	go r.loop(runCtx, sub)
	return nil
}

// loop is step 3 of the runner algorithm: for each delivered notification,
// demap it and call projection.ProcessEvent. The first error stops the
// subscription, records the error, and ends the worker — surfaced later by
// RunForever or Err.
func (r *Runner) loop(ctx context.Context, sub *recorder.Subscription) {
	defer close(r.workerDone)
	defer sub.Stop()

	for {
		n, ok := sub.Next(ctx)
		if !ok {
			return
		}

		de, err := r.mapper.ToDomain(n.StoredEvent)
		if err != nil {
			r.fail(fmt.Errorf("projection: decode notification %d for %s (run %s): %w", n.ID, r.upstreamName, r.runID, err))
			return
		}

		t := event.Tracking{ApplicationName: r.upstreamName, NotificationID: n.ID}
		process := func(ctx context.Context) error { return r.projection.ProcessEvent(ctx, de, t) }
		if r.mw != nil {
			err = r.mw.WrapProcessEvent(ctx, n.Topic, n.ID, process)
		} else {
			err = process(ctx)
		}
		if err != nil {
			r.fail(fmt.Errorf("projection: process notification %d for %s (run %s): %w", n.ID, r.upstreamName, r.runID, err))
			return
		}
	}
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.workerErr == nil {
		r.workerErr = err
	}
	r.mu.Unlock()
}

// Err returns the error that stopped the worker, if any. It is safe to call
// at any time, including before Start or after Stop.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerErr
}

// RunForever is step 4 of the runner algorithm: it blocks until the worker
// stops with an error, timeout elapses (timeout <= 0 disables the timeout),
// ctx is cancelled, or Stop is called from another goroutine.
func (r *Runner) RunForever(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	done := r.workerDone
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("projection: runner for %s not started", r.upstreamName)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-done:
		return r.Err()
	case <-timeoutCh:
		return nil
	case <-ctx.Done():
		r.Stop(context.Background())
		return ctx.Err()
	}
}

// Stop ends the subscription and waits for the worker to exit, or for ctx to
// expire first. It is idempotent: calling it more than once, or before
// Start, is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	sub := r.sub
	cancel := r.cancel
	done := r.workerDone
	r.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
