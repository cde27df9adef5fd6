package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventstore"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/recorder/memory"
	"github.com/corestream/eventcore/pkg/transcoder"
)

type deposited struct {
	originatorID      string
	originatorVersion int64
	Amount            int64
}

func (e deposited) OriginatorID() string     { return e.originatorID }
func (e deposited) OriginatorVersion() int64 { return e.originatorVersion }
func (e deposited) Timestamp() time.Time     { return time.Time{} }
func (e deposited) Payload() any             { return map[string]any{"amount": e.Amount} }

const depositedTopic = "account:Deposited"

func newAccountMapper() *mapper.Mapper {
	topics := mapper.NewTopicRegistry()
	topics.Register(depositedTopic, deposited{}, func(originatorID string, originatorVersion int64, payload any) (event.DomainEvent, error) {
		p := payload.(map[string]any)
		amt, err := p["amount"].(json.Number).Int64()
		if err != nil {
			return nil, err
		}
		return deposited{originatorID: originatorID, originatorVersion: originatorVersion, Amount: amt}, nil
	})
	return mapper.New(transcoder.NewDefaultRegistry(), topics)
}

// account is a minimal eventstore.Aggregate: folds deposited events into a
// running balance and buffers uncommitted ones until Save clears them.
type account struct {
	id          string
	version     int64
	balance     int64
	uncommitted []event.DomainEvent
}

func newAccount(id string) *account {
	return &account{id: id, version: -1}
}

func (a *account) ID() string { return a.id }

func (a *account) Apply(e event.DomainEvent) error {
	d, ok := e.(deposited)
	if !ok {
		return errors.New("account: unexpected event type")
	}
	a.balance += d.Amount
	a.version = d.OriginatorVersion()
	return nil
}

func (a *account) UncommittedEvents() []event.DomainEvent { return a.uncommitted }

func (a *account) ClearUncommittedEvents() { a.uncommitted = nil }

func (a *account) Deposit(amount int64) {
	a.uncommitted = append(a.uncommitted, deposited{
		originatorID:      a.id,
		originatorVersion: a.version + 1,
		Amount:            amount,
	})
	a.version++
	a.balance += amount
}

func TestRepositoryLoadReturnsNotFoundForUnknownID(t *testing.T) {
	store := eventstore.New(newAccountMapper(), memory.New())
	repo := eventstore.NewRepository(store, newAccount)

	_, err := repo.Load(context.Background(), "missing")
	require.ErrorIs(t, err, eventstore.ErrAggregateNotFound)
}

func TestRepositorySaveThenLoadReplaysHistory(t *testing.T) {
	store := eventstore.New(newAccountMapper(), memory.New())
	repo := eventstore.NewRepository(store, newAccount)
	ctx := context.Background()

	a := newAccount("acct-1")
	a.Deposit(100)
	a.Deposit(50)
	require.NoError(t, repo.Save(ctx, a))
	assert.Empty(t, a.UncommittedEvents())

	loaded, err := repo.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), loaded.balance)
	assert.Equal(t, int64(1), loaded.version)
}

func TestRepositoryRetryOnConflictRetriesAfterConcurrentSave(t *testing.T) {
	store := eventstore.New(newAccountMapper(), memory.New())
	repo := eventstore.NewRepository(store, newAccount)
	ctx := context.Background()

	seed := newAccount("acct-1")
	seed.Deposit(10)
	require.NoError(t, repo.Save(ctx, seed))

	attempts := 0
	err := repo.RetryOnConflict(ctx, "acct-1", 3, func(a *account) error {
		attempts++
		if attempts == 1 {
			// Simulate a concurrent writer landing a conflicting version
			// between this Load and this Save by inserting directly before
			// the retried attempt applies its own change.
			intruder := newAccount("acct-1")
			intruder.version = a.version
			intruder.Deposit(5)
			if err := repo.Save(ctx, intruder); err != nil {
				return err
			}
		}
		a.Deposit(1)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)

	final, err := repo.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(16), final.balance)
}
