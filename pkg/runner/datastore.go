package runner

import (
	"context"
	"fmt"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/datastore"
	"github.com/corestream/eventcore/pkg/recorder"
)

// DatastoreService opens a datastore on Start and closes it on Stop,
// tying the backing store's lifetime to the host's. Registered before the
// ProjectionServices that read from it, reverse-order shutdown stops the
// projections first and closes the store last.
type DatastoreService struct {
	name string
	cfg  config.DatastoreConfig
	ds   datastore.Datastore
}

// NewDatastoreService builds a service that will open the backing store
// cfg selects. The recorder is available from Recorder once started.
func NewDatastoreService(name string, cfg config.DatastoreConfig) *DatastoreService {
	return &DatastoreService{name: name, cfg: cfg}
}

func (s *DatastoreService) Name() string { return s.name }

// Start opens the configured backing store, bootstrapping its schema when
// cfg.CreateTables is set.
func (s *DatastoreService) Start(ctx context.Context) error {
	ds, err := datastore.Open(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.ds = ds
	return nil
}

// Stop closes the backing store and its connections.
func (s *DatastoreService) Stop(ctx context.Context) error {
	if s.ds == nil {
		return nil
	}
	return s.ds.Close(ctx)
}

// Recorder returns the opened store's process recorder. It is valid only
// between a successful Start and Stop.
func (s *DatastoreService) Recorder() recorder.ProcessRecorder {
	if s.ds == nil {
		return nil
	}
	return s.ds.Recorder()
}

// HealthCheck probes the store with a cheap read.
func (s *DatastoreService) HealthCheck(ctx context.Context) error {
	if s.ds == nil {
		return fmt.Errorf("datastore %s not started", s.name)
	}
	_, _, err := s.ds.Recorder().MaxNotificationID(ctx)
	return err
}

var _ HealthChecker = (*DatastoreService)(nil)
