// Package runner hosts the long-lived pieces of an event-sourced process:
// the datastore a host opens at boot and the projection workers that tail
// it. A downstream binary composes DatastoreService and ProjectionService
// values into one Runner, which starts them in order, stops them in
// reverse on shutdown, and translates SIGINT/SIGTERM into a graceful stop.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Service is one long-lived component under the Runner's control. Start
// must block until the service is ready; Stop must honor ctx's deadline.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report liveness beyond
// "Start returned nil".
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// Runner starts services in registration order and stops them in reverse.
type Runner struct {
	services        []Service
	log             *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger the Runner reports through.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithStartupTimeout bounds each service's Start call. Default one minute.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = d }
}

// WithShutdownTimeout bounds the whole reverse-order stop. Default 30s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = d }
}

// New builds a Runner over services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		log:             slog.Default(),
		startupTimeout:  time.Minute,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service, blocks until ctx is cancelled or an interrupt
// or termination signal arrives, then stops the started services in
// reverse order. A Start failure stops the services already running and
// returns the failure.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var started []Service
	for _, svc := range r.services {
		r.log.Info("starting service", "service", svc.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		startCancel()
		if err != nil {
			r.log.Error("service failed to start", "service", svc.Name(), "error", err)
			r.stopAll(started)
			return fmt.Errorf("runner: start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	r.log.Info("all services started", "count", len(started))

	<-ctx.Done()
	r.log.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stopAll(started)
}

// stopAll stops services one at a time in reverse registration order,
// bounded as a whole by the shutdown timeout.
func (r *Runner) stopAll(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := len(services) - 1; i >= 0; i-- {
			svc := services[i]
			if err := svc.Stop(ctx); err != nil {
				r.log.Error("service failed to stop", "service", svc.Name(), "error", err)
				errCh <- fmt.Errorf("runner: stop %s: %w", svc.Name(), err)
				continue
			}
			r.log.Info("service stopped", "service", svc.Name())
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("runner: shutdown errors: %v", errs)
		}
		return nil
	case <-ctx.Done():
		r.log.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return fmt.Errorf("runner: shutdown timeout exceeded")
	}
}

// HealthCheck asks every HealthChecker service for its liveness and
// returns the first failure.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("runner: service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}
