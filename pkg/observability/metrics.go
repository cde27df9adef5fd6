package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments a recorder, event store, and
// projection runner report through.
type Metrics struct {
	// Recorder write path
	InsertDuration metric.Float64Histogram
	InsertCount    metric.Int64Counter
	InsertErrors   metric.Int64Counter

	// Recorder read path
	SelectDuration metric.Float64Histogram
	SelectCount    metric.Int64Counter

	// Subscription / tracking
	SubscriptionLag   metric.Float64Gauge
	SubscriptionWakes metric.Int64Counter
	WaitDuration      metric.Float64Histogram

	// Projection runner
	ProjectionCursor metric.Int64Gauge
	ProjectionErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InsertDuration, err = meter.Float64Histogram(
		"eventcore.insert.duration",
		metric.WithDescription("insert_events/insert_events_with_tracking transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating insert.duration: %w", err)
	}

	m.InsertCount, err = meter.Int64Counter(
		"eventcore.insert.count",
		metric.WithDescription("Total stored events committed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating insert.count: %w", err)
	}

	m.InsertErrors, err = meter.Int64Counter(
		"eventcore.insert.errors",
		metric.WithDescription("Total insert_events failures, by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating insert.errors: %w", err)
	}

	m.SelectDuration, err = meter.Float64Histogram(
		"eventcore.select.duration",
		metric.WithDescription("select_events/select_notifications duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating select.duration: %w", err)
	}

	m.SelectCount, err = meter.Int64Counter(
		"eventcore.select.count",
		metric.WithDescription("Total events returned by select calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating select.count: %w", err)
	}

	m.SubscriptionLag, err = meter.Float64Gauge(
		"eventcore.subscription.lag",
		metric.WithDescription("Notifications between a subscription's last delivered id and the current max_notification_id"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscription.lag: %w", err)
	}

	m.SubscriptionWakes, err = meter.Int64Counter(
		"eventcore.subscription.wakes",
		metric.WithDescription("Total subscription wakeups, by source (notify or poll)"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating subscription.wakes: %w", err)
	}

	m.WaitDuration, err = meter.Float64Histogram(
		"eventcore.wait.duration",
		metric.WithDescription("tracking_recorder.wait blocking duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating wait.duration: %w", err)
	}

	m.ProjectionCursor, err = meter.Int64Gauge(
		"eventcore.projection.cursor",
		metric.WithDescription("A projection's last-committed tracking notification id"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.cursor: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"eventcore.projection.errors",
		metric.WithDescription("Total projection_runner worker failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	return m, nil
}

// RecordInsert records one insert_events (or insert_events_with_tracking)
// call: its duration, the count of stored events committed, and, on
// failure, an errors increment tagged with the error's concrete type.
func (m *Metrics) RecordInsert(ctx context.Context, backend string, duration time.Duration, eventCount int, err error) {
	attrs := []attribute.KeyValue{attribute.String("backend", backend)}

	m.InsertDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		errAttrs := append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		m.InsertErrors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		return
	}
	m.InsertCount.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
}

// RecordSelect records one select_events or select_notifications call.
func (m *Metrics) RecordSelect(ctx context.Context, backend string, duration time.Duration, resultCount int) {
	attrs := []attribute.KeyValue{attribute.String("backend", backend)}
	m.SelectDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.SelectCount.Add(ctx, int64(resultCount), metric.WithAttributes(attrs...))
}

// RecordSubscriptionLag records the gap between a subscription's most
// recently delivered notification id and the application's current
// max_notification_id.
func (m *Metrics) RecordSubscriptionLag(ctx context.Context, backend string, lag int64) {
	attrs := []attribute.KeyValue{attribute.String("backend", backend)}
	m.SubscriptionLag.Record(ctx, float64(lag), metric.WithAttributes(attrs...))
}

// RecordSubscriptionWake records a subscription iterator waking up, tagged
// by whether it woke from a push notification or a poll-interval fallback.
func (m *Metrics) RecordSubscriptionWake(ctx context.Context, source string) {
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	m.SubscriptionWakes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWait records one tracking_recorder.wait call's blocking duration.
func (m *Metrics) RecordWait(ctx context.Context, applicationName string, duration time.Duration, timedOut bool) {
	attrs := []attribute.KeyValue{
		attribute.String("application_name", applicationName),
		attribute.Bool("timed_out", timedOut),
	}
	m.WaitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordProjectionCursor records a projection's current committed tracking
// position after a successful process_event.
func (m *Metrics) RecordProjectionCursor(ctx context.Context, projectionName string, notificationID int64) {
	attrs := []attribute.KeyValue{attribute.String("projection", projectionName)}
	m.ProjectionCursor.Record(ctx, notificationID, metric.WithAttributes(attrs...))
}

// RecordProjectionError records a projection_runner worker failure.
func (m *Metrics) RecordProjectionError(ctx context.Context, projectionName string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("projection", projectionName),
		attribute.String("error_type", errorType),
	}
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}
