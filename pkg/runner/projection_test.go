package runner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/config"
	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/projection"
	"github.com/corestream/eventcore/pkg/recorder/memory"
	"github.com/corestream/eventcore/pkg/runner"
	"github.com/corestream/eventcore/pkg/transcoder"
)

type pinged struct {
	originatorID      string
	originatorVersion int64
}

func (e pinged) OriginatorID() string     { return e.originatorID }
func (e pinged) OriginatorVersion() int64 { return e.originatorVersion }
func (e pinged) Timestamp() time.Time     { return time.Time{} }
func (e pinged) Payload() any             { return map[string]any{} }

func newPingMapper() *mapper.Mapper {
	topics := mapper.NewTopicRegistry()
	topics.Register("ping:Pinged", pinged{}, func(originatorID string, originatorVersion int64, _ any) (event.DomainEvent, error) {
		return pinged{originatorID: originatorID, originatorVersion: originatorVersion}, nil
	})
	return mapper.New(transcoder.NewDefaultRegistry(), topics)
}

// countingProjection records tracking rows against its own view, the way a
// real read-model policy would.
type countingProjection struct {
	view *memory.Recorder
}

func (p *countingProjection) ProcessEvent(ctx context.Context, _ event.DomainEvent, t event.Tracking) error {
	return p.view.InsertTracking(ctx, t)
}

func TestProjectionServiceStartsAndStopsTheWorker(t *testing.T) {
	upstream := memory.New()
	ctx := context.Background()
	m := newPingMapper()

	stored, err := m.ToStored(pinged{originatorID: "a", originatorVersion: 0})
	require.NoError(t, err)
	_, err = upstream.InsertEvents(ctx, []event.StoredEvent{stored})
	require.NoError(t, err)

	proj := projection.New("pings", upstream, upstream, m, &countingProjection{view: upstream})
	svc := runner.NewProjectionService("pings", proj)

	assert.Equal(t, "pings", svc.Name())
	require.NoError(t, svc.Start(ctx))

	require.Eventually(t, func() bool {
		has, err := upstream.HasTrackingID(ctx, "pings", 1)
		return err == nil && has
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.HealthCheck(ctx))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestDatastoreServiceOpensAndClosesTheStore(t *testing.T) {
	svc := runner.NewDatastoreService("store", config.DatastoreConfig{PersistenceModule: "memory"})
	ctx := context.Background()

	assert.Nil(t, svc.Recorder())
	require.Error(t, svc.HealthCheck(ctx))

	require.NoError(t, svc.Start(ctx))
	require.NotNil(t, svc.Recorder())
	require.NoError(t, svc.HealthCheck(ctx))

	_, err := svc.Recorder().InsertEvents(ctx, []event.StoredEvent{{OriginatorID: "a", OriginatorVersion: 0, Topic: "t", State: []byte("{}")}})
	require.NoError(t, err)

	require.NoError(t, svc.Stop(ctx))
}
