// Package mapper composes a transcoder, an optional compressor, and an
// optional cipher to convert between event.DomainEvent and
// event.StoredEvent.
package mapper

import (
	"github.com/corestream/eventcore/pkg/cipher"
	"github.com/corestream/eventcore/pkg/compressor"
	"github.com/corestream/eventcore/pkg/event"
	"github.com/corestream/eventcore/pkg/eventerr"
	"github.com/corestream/eventcore/pkg/transcoder"
)

// Mapper converts DomainEvent <-> StoredEvent. It has no mutable state
// once constructed and is safe for concurrent use by multiple goroutines.
type Mapper struct {
	transcoder *transcoder.Registry
	compressor compressor.Compressor // nil disables compression
	cipher     cipher.Cipher         // nil disables encryption
	topics     *TopicRegistry
}

// Option configures a Mapper at construction time.
type Option func(*Mapper)

// WithCompressor enables the compression stage of the state pipeline.
func WithCompressor(c compressor.Compressor) Option {
	return func(m *Mapper) { m.compressor = c }
}

// WithCipher enables the encryption stage of the state pipeline.
func WithCipher(c cipher.Cipher) Option {
	return func(m *Mapper) { m.cipher = c }
}

// New constructs a Mapper over the given transcoder registry and topic
// registry, with compression and encryption disabled unless enabled via
// options.
func New(transcoderRegistry *transcoder.Registry, topics *TopicRegistry, opts ...Option) *Mapper {
	m := &Mapper{transcoder: transcoderRegistry, topics: topics}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ToStored extracts originator_id/originator_version, computes topic from
// e's concrete type, and runs the payload through
// serialize -> compress -> encrypt. The order is fixed; changing it would
// make existing stored state unreadable.
func (m *Mapper) ToStored(e event.DomainEvent) (event.StoredEvent, error) {
	topic, ok := m.topics.TopicOf(e)
	if !ok {
		return event.StoredEvent{}, &eventerr.MapperError{Kind: eventerr.MapperUnknownTopic}
	}

	var payload any
	if p, ok := e.(Payloader); ok {
		payload = p.Payload()
	}

	state, err := m.transcoder.Encode(payload)
	if err != nil {
		return event.StoredEvent{}, err
	}

	if m.compressor != nil {
		state, err = m.compressor.Compress(state)
		if err != nil {
			return event.StoredEvent{}, err
		}
	}

	if m.cipher != nil {
		state, err = m.cipher.Encrypt(state)
		if err != nil {
			return event.StoredEvent{}, err
		}
	}

	return event.StoredEvent{
		OriginatorID:      e.OriginatorID(),
		OriginatorVersion: e.OriginatorVersion(),
		Topic:             topic,
		State:             state,
	}, nil
}

// ToDomain reverses ToStored: resolves topic to a constructor (failure ->
// MapperError{UnknownTopic}), reverses decrypt -> decompress -> decode, and
// instantiates the domain event (failure -> MapperError{Incompatible}).
func (m *Mapper) ToDomain(s event.StoredEvent) (event.DomainEvent, error) {
	ctor, ok := m.topics.Lookup(s.Topic)
	if !ok {
		return nil, &eventerr.MapperError{Kind: eventerr.MapperUnknownTopic, Topic: s.Topic}
	}

	state := s.State

	if m.cipher != nil {
		var err error
		state, err = m.cipher.Decrypt(state)
		if err != nil {
			return nil, err
		}
	}

	if m.compressor != nil {
		var err error
		state, err = m.compressor.Decompress(state)
		if err != nil {
			return nil, &eventerr.MapperError{Kind: eventerr.MapperIncompatible, Topic: s.Topic}
		}
	}

	payload, err := m.transcoder.Decode(state)
	if err != nil {
		return nil, err
	}

	domainEvent, err := ctor(s.OriginatorID, s.OriginatorVersion, payload)
	if err != nil {
		return nil, &eventerr.MapperError{Kind: eventerr.MapperIncompatible, Topic: s.Topic}
	}
	return domainEvent, nil
}
