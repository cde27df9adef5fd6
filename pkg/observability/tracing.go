package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// WithError marks a span as errored
func WithError(err error) SpanOption {
	return func(span trace.Span) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// StartSpan starts a new span with the given name and options
// Returns the span and a context containing the span
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)

	for _, opt := range opts {
		opt(span)
	}

	return ctx, span
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SpanID extracts the span ID from context as a string
func SpanID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.SpanID().String()
	}
	return ""
}

// SetSpanAttributes adds attributes to the current span in the context
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// SetSpanError records an error on the current span in the context
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the persistence core.
var (
	// Originator (per-aggregate stream) attributes
	AttrOriginatorID      = attribute.Key("originator.id")
	AttrOriginatorVersion = attribute.Key("originator.version")
	AttrTopic             = attribute.Key("event.topic")
	AttrEventCount        = attribute.Key("event.count")

	// Application-sequence / tracking attributes
	AttrNotificationID  = attribute.Key("notification.id")
	AttrApplicationName = attribute.Key("application.name")
	AttrProjectionName  = attribute.Key("projection.name")

	// Recorder attributes
	AttrBackend   = attribute.Key("recorder.backend")
	AttrOperation = attribute.Key("recorder.operation")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrErrorCode = attribute.Key("error.code")
)

// Helper functions for common attributes

// OriginatorAttrs returns common originator (per-aggregate stream) attributes.
func OriginatorAttrs(originatorID string, originatorVersion int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOriginatorID.String(originatorID),
		AttrOriginatorVersion.Int64(originatorVersion),
	}
}

// TopicAttrs returns the topic attribute, plus notification id when known.
func TopicAttrs(topic string, notificationID int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrTopic.String(topic)}
	if notificationID != 0 {
		attrs = append(attrs, AttrNotificationID.Int64(notificationID))
	}
	return attrs
}

// TrackingAttrs returns common tracking attributes for a named consumer.
func TrackingAttrs(applicationName string, notificationID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrApplicationName.String(applicationName),
		AttrNotificationID.Int64(notificationID),
	}
}

// ErrorAttrs returns common error attributes.
func ErrorAttrs(err error, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrErrorType.String(fmt.Sprintf("%T", err)),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}
