// Package observability provides OpenTelemetry tracing and metrics for the
// persistence core: recorder inserts and selects, event-store put/get, and
// projection workers all report through one Telemetry value, with
// exporters left pluggable so a host process decides where spans and
// metrics go.
package observability

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName scopes every tracer and meter this module creates.
const instrumentationName = "eventcore"

// Config selects what telemetry is emitted and where it goes. A nil
// TraceExporter disables tracing (spans become no-ops); a nil MetricReader
// disables metrics (Telemetry.Metrics stays nil and callers skip
// recording). Both nil yields a Telemetry that is safe to thread through
// every constructor at zero cost.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // dev, staging, prod

	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64 // 0 never samples, 1 always, in between is ratio-based

	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry is the observability handle shared by recorders, event stores,
// and projection runners. Metrics is nil when no MetricReader was
// configured; every RecordX call site checks for that.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
}

// Init builds a Telemetry from cfg. Degradation is graceful: missing
// exporters disable their half of the stack rather than failing, so a
// library consumer that never touches observability still gets a working
// no-op handle.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	tel := &Telemetry{Logger: cfg.Logger}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(samplerFor(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing enabled", "service", cfg.ServiceName)
	} else {
		tel.TracerProvider = trace.NewNoopTracerProvider()
		cfg.Logger.Info("tracing disabled, no exporter configured")
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(instrumentationName))
		if err != nil {
			return nil, errors.Join(err, mp.Shutdown(ctx))
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		tel.shutdown = append(tel.shutdown, mp.Shutdown)
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics enabled", "service", cfg.ServiceName)
	} else {
		tel.MeterProvider = sdkmetric.NewMeterProvider()
		cfg.Logger.Info("metrics disabled, no reader configured")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tel, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops the configured providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range t.shutdown {
		errs = append(errs, stop(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns a tracer scoped to name under this module's
// instrumentation.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter scoped to name under this module's
// instrumentation.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
