package runner

import (
	"context"

	"github.com/corestream/eventcore/pkg/projection"
)

// ProjectionService runs a projection.Runner as a Service, so a host
// process can start its projection workers alongside the datastore they
// read from and have them stopped, in reverse order, on shutdown. A
// worker error after startup surfaces through HealthCheck rather than
// crashing the host.
type ProjectionService struct {
	name string
	proj *projection.Runner
}

// NewProjectionService names proj for logging and health reporting.
func NewProjectionService(name string, proj *projection.Runner) *ProjectionService {
	return &ProjectionService{name: name, proj: proj}
}

func (s *ProjectionService) Name() string { return s.name }

// Start recovers the projection's cursor and opens its subscription; the
// worker then processes notifications asynchronously.
func (s *ProjectionService) Start(ctx context.Context) error { return s.proj.Start(ctx) }

// Stop ends the subscription and waits for the worker to drain.
func (s *ProjectionService) Stop(ctx context.Context) error { return s.proj.Stop(ctx) }

// HealthCheck reports the error that stopped the worker, if any.
func (s *ProjectionService) HealthCheck(ctx context.Context) error { return s.proj.Err() }

var _ HealthChecker = (*ProjectionService)(nil)
