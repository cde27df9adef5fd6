package mapper_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/cipher"
	"github.com/corestream/eventcore/pkg/compressor"
	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/mapper"
	"github.com/corestream/eventcore/pkg/transcoder"
)

type itemAdded struct {
	originatorID      string
	originatorVersion int64
	timestamp         time.Time
	SKU               string
	Quantity          int64
}

func (e itemAdded) OriginatorID() string        { return e.originatorID }
func (e itemAdded) OriginatorVersion() int64     { return e.originatorVersion }
func (e itemAdded) Timestamp() time.Time         { return e.timestamp }
func (e itemAdded) Payload() any {
	return map[string]any{"sku": e.SKU, "quantity": e.Quantity}
}

const itemAddedTopic = "cart:ItemAdded"

func newTestMapper(opts ...mapper.Option) *mapper.Mapper {
	topics := mapper.NewTopicRegistry()
	topics.Register(itemAddedTopic, itemAdded{}, func(originatorID string, originatorVersion int64, payload any) (event.DomainEvent, error) {
		p := payload.(map[string]any)
		qty, err := p["quantity"].(json.Number).Int64()
		if err != nil {
			return nil, err
		}
		return itemAdded{
			originatorID:      originatorID,
			originatorVersion: originatorVersion,
			SKU:               p["sku"].(string),
			Quantity:          qty,
		}, nil
	})
	return mapper.New(transcoder.NewDefaultRegistry(), topics, opts...)
}

func sampleEvent() itemAdded {
	return itemAdded{
		originatorID:      "cart-1",
		originatorVersion: 1,
		timestamp:         time.Now(),
		SKU:               "widget",
		Quantity:          3,
	}
}

func TestToStoredToDomainRoundTripBareline(t *testing.T) {
	m := newTestMapper()
	e := sampleEvent()

	stored, err := m.ToStored(e)
	require.NoError(t, err)
	assert.Equal(t, "cart-1", stored.OriginatorID)
	assert.Equal(t, int64(1), stored.OriginatorVersion)
	assert.Equal(t, itemAddedTopic, stored.Topic)

	back, err := m.ToDomain(stored)
	require.NoError(t, err)
	got := back.(itemAdded)
	assert.Equal(t, e.SKU, got.SKU)
	assert.Equal(t, e.Quantity, got.Quantity)
	assert.Equal(t, e.OriginatorID(), got.OriginatorID())
	assert.Equal(t, e.OriginatorVersion(), got.OriginatorVersion())
}

func TestToStoredToDomainRoundTripWithCompressionAndCipher(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("super secret key material"), nil, nil)
	require.NoError(t, err)

	m := newTestMapper(
		mapper.WithCompressor(compressor.NewZlib(0)),
		mapper.WithCipher(c),
	)
	e := sampleEvent()

	stored, err := m.ToStored(e)
	require.NoError(t, err)

	back, err := m.ToDomain(stored)
	require.NoError(t, err)
	got := back.(itemAdded)
	assert.Equal(t, e.SKU, got.SKU)
	assert.Equal(t, e.Quantity, got.Quantity)
}

type bulkNoted struct {
	originatorID      string
	originatorVersion int64
	Body              string
}

func (e bulkNoted) OriginatorID() string     { return e.originatorID }
func (e bulkNoted) OriginatorVersion() int64 { return e.originatorVersion }
func (e bulkNoted) Timestamp() time.Time     { return time.Time{} }
func (e bulkNoted) Payload() any             { return map[string]any{"body": e.Body} }

const bulkNotedTopic = "note:BulkNoted"

func newBulkMapper(opts ...mapper.Option) *mapper.Mapper {
	topics := mapper.NewTopicRegistry()
	topics.Register(bulkNotedTopic, bulkNoted{}, func(originatorID string, originatorVersion int64, payload any) (event.DomainEvent, error) {
		p := payload.(map[string]any)
		return bulkNoted{originatorID: originatorID, originatorVersion: originatorVersion, Body: p["body"].(string)}, nil
	})
	return mapper.New(transcoder.NewDefaultRegistry(), topics, opts...)
}

func TestStatePipelineSizeRelationsForLargeBody(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("pipeline key"), nil, nil)
	require.NoError(t, err)

	// A repetitive ~10KB body, the shape compression pays off for.
	e := bulkNoted{originatorID: "doc-1", originatorVersion: 0, Body: strings.Repeat("lorem ipsum dolor sit amet ", 400)}

	plain := newBulkMapper()
	compressed := newBulkMapper(mapper.WithCompressor(compressor.NewZlib(0)))
	full := newBulkMapper(mapper.WithCompressor(compressor.NewZlib(0)), mapper.WithCipher(c))

	sPlain, err := plain.ToStored(e)
	require.NoError(t, err)
	sCompressed, err := compressed.ToStored(e)
	require.NoError(t, err)
	sFull, err := full.ToStored(e)
	require.NoError(t, err)

	assert.Less(t, len(sFull.State), len(sPlain.State), "compressed+encrypted must beat plain for a repetitive body")
	assert.Greater(t, len(sFull.State), len(sCompressed.State), "encryption adds nonce and tag overhead")

	back, err := full.ToDomain(sFull)
	require.NoError(t, err)
	assert.Equal(t, e.Body, back.(bulkNoted).Body)
}

func TestTamperedStateFailsAuthenticationOnRead(t *testing.T) {
	c, err := cipher.NewAESGCM([]byte("pipeline key"), nil, nil)
	require.NoError(t, err)
	m := newBulkMapper(mapper.WithCompressor(compressor.NewZlib(0)), mapper.WithCipher(c))

	stored, err := m.ToStored(bulkNoted{originatorID: "doc-1", originatorVersion: 0, Body: "body"})
	require.NoError(t, err)

	stored.State[len(stored.State)/2] ^= 0x01

	_, err = m.ToDomain(stored)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventerr.ErrDecryption)
}

type unregisteredEvent struct{ itemAdded }

func TestToStoredUnregisteredTypeFails(t *testing.T) {
	m := newTestMapper()
	_, err := m.ToStored(unregisteredEvent{sampleEvent()})
	require.Error(t, err)

	var mapErr *eventerr.MapperError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, eventerr.MapperUnknownTopic, mapErr.Kind)
}

func TestToDomainUnknownTopicFails(t *testing.T) {
	m := newTestMapper()
	_, err := m.ToDomain(event.StoredEvent{Topic: "nonexistent:Topic", State: []byte(`{}`)})
	require.Error(t, err)

	var mapErr *eventerr.MapperError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, eventerr.MapperUnknownTopic, mapErr.Kind)
}

func TestToDomainWrongCipherFailsAuthentication(t *testing.T) {
	writerCipher, err := cipher.NewAESGCM([]byte("key one"), nil, nil)
	require.NoError(t, err)
	readerCipher, err := cipher.NewAESGCM([]byte("key two"), nil, nil)
	require.NoError(t, err)

	writer := newTestMapper(mapper.WithCipher(writerCipher))
	reader := newTestMapper(mapper.WithCipher(readerCipher))

	stored, err := writer.ToStored(sampleEvent())
	require.NoError(t, err)

	_, err = reader.ToDomain(stored)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventerr.ErrDecryption)
}
