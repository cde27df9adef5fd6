package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/runner"
)

type fakeService struct {
	name      string
	startErr  error
	mu        sync.Mutex
	started   bool
	stopped   bool
	healthErr error
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeService) HealthCheck(ctx context.Context) error { return s.healthErr }

func (s *fakeService) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *fakeService) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func TestRunStopsAllServicesOnContextCancellation(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	r := runner.New([]runner.Service{a, b}, runner.WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, a.isStarted, time.Second, 5*time.Millisecond)
	require.Eventually(t, b.isStarted, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.True(t, a.isStopped())
	assert.True(t, b.isStopped())
}

func TestRunStopsAlreadyStartedServicesWhenAServiceFailsToStart(t *testing.T) {
	a := &fakeService{name: "a"}
	failing := &fakeService{name: "b", startErr: errors.New("boom")}
	never := &fakeService{name: "c"}

	r := runner.New([]runner.Service{a, failing, never}, runner.WithShutdownTimeout(time.Second))

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.True(t, a.isStopped())
	assert.False(t, never.isStarted())
}

func TestHealthCheckAggregatesServiceHealth(t *testing.T) {
	healthy := &fakeService{name: "a"}
	unhealthy := &fakeService{name: "b", healthErr: errors.New("degraded")}

	r := runner.New([]runner.Service{healthy, unhealthy})

	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
}

func TestHealthCheckPassesWhenAllServicesHealthy(t *testing.T) {
	healthy := &fakeService{name: "a"}
	r := runner.New([]runner.Service{healthy})

	require.NoError(t, r.HealthCheck(context.Background()))
}
