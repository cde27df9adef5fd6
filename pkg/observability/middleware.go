package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecorderMiddleware wraps a recorder's insert/select operations with
// tracing and metrics, independent of which backend (memory, sqlite,
// postgres) it wraps — recorder implementations call these directly rather
// than each reimplementing span/metric bookkeeping.
type RecorderMiddleware struct {
	tel     *Telemetry
	backend string
}

// NewRecorderMiddleware creates a middleware tagging every span and metric
// it records with backend (e.g. "memory", "sqlite", "postgres").
func NewRecorderMiddleware(tel *Telemetry, backend string) *RecorderMiddleware {
	return &RecorderMiddleware{tel: tel, backend: backend}
}

// WrapInsert wraps an insert_events (or insert_events_with_tracking) call.
func (m *RecorderMiddleware) WrapInsert(ctx context.Context, originatorID string, eventCount int, operation func(context.Context) error) error {
	tracer := m.tel.Tracer("eventcore.recorder")

	ctx, span := tracer.Start(ctx, "recorder.insert_events",
		trace.WithAttributes(
			AttrOriginatorID.String(originatorID),
			AttrEventCount.Int(eventCount),
			AttrBackend.String(m.backend),
		),
	)
	defer span.End()

	start := time.Now()
	err := operation(ctx)
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordInsert(ctx, m.backend, duration, eventCount, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

	return err
}

// WrapSelect wraps a select_events or select_notifications call.
func (m *RecorderMiddleware) WrapSelect(ctx context.Context, originatorID string, operation func(context.Context) (int, error)) (int, error) {
	tracer := m.tel.Tracer("eventcore.recorder")

	ctx, span := tracer.Start(ctx, "recorder.select_events",
		trace.WithAttributes(
			AttrOriginatorID.String(originatorID),
			AttrBackend.String(m.backend),
		),
	)
	defer span.End()

	start := time.Now()
	resultCount, err := operation(ctx)
	duration := time.Since(start)

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordSelect(ctx, m.backend, duration, resultCount)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(AttrEventCount.Int(resultCount))
	}
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Milliseconds())))

	return resultCount, err
}

// EventStoreMiddleware provides observability for eventstore.Store's
// Put/Get, one layer above the raw recorder (after mapper encode/decode).
type EventStoreMiddleware struct {
	tel *Telemetry
}

// NewEventStoreMiddleware creates a new event store middleware.
func NewEventStoreMiddleware(tel *Telemetry) *EventStoreMiddleware {
	return &EventStoreMiddleware{tel: tel}
}

// WrapPut wraps an eventstore.Store.Put call.
func (m *EventStoreMiddleware) WrapPut(ctx context.Context, originatorID string, eventCount int, operation func(context.Context) error) error {
	tracer := m.tel.Tracer("eventcore.eventstore")

	ctx, span := tracer.Start(ctx, "eventstore.put",
		trace.WithAttributes(
			AttrOriginatorID.String(originatorID),
			AttrEventCount.Int(eventCount),
		),
	)
	defer span.End()

	err := operation(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// WrapGet wraps an eventstore.Store.Get call.
func (m *EventStoreMiddleware) WrapGet(ctx context.Context, originatorID string, operation func(context.Context) (int, error)) (int, error) {
	tracer := m.tel.Tracer("eventcore.eventstore")

	ctx, span := tracer.Start(ctx, "eventstore.get",
		trace.WithAttributes(AttrOriginatorID.String(originatorID)),
	)
	defer span.End()

	eventCount, err := operation(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(AttrEventCount.Int(eventCount))
	}

	return eventCount, err
}

// ProjectionMiddleware provides observability for a projection_runner's
// worker loop: one span and one cursor/error metric update per
// process_event call.
type ProjectionMiddleware struct {
	tel            *Telemetry
	projectionName string
}

// NewProjectionMiddleware creates a middleware tagging every span and
// metric it records with projectionName.
func NewProjectionMiddleware(tel *Telemetry, projectionName string) *ProjectionMiddleware {
	return &ProjectionMiddleware{tel: tel, projectionName: projectionName}
}

// WrapProcessEvent wraps one Projection.ProcessEvent call, recording the
// notification's cursor position on success and an error metric on
// failure.
func (m *ProjectionMiddleware) WrapProcessEvent(ctx context.Context, topic string, notificationID int64, operation func(context.Context) error) error {
	tracer := m.tel.Tracer("eventcore.projection")

	ctx, span := tracer.Start(ctx, "projection.process_event",
		trace.WithAttributes(
			AttrProjectionName.String(m.projectionName),
			AttrTopic.String(topic),
			AttrNotificationID.Int64(notificationID),
		),
	)
	defer span.End()

	err := operation(ctx)

	if m.tel.Metrics != nil {
		if err != nil {
			m.tel.Metrics.RecordProjectionError(ctx, m.projectionName, fmt.Sprintf("%T", err))
		} else {
			m.tel.Metrics.RecordProjectionCursor(ctx, m.projectionName, notificationID)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}
