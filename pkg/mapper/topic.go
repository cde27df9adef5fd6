package mapper

import (
	"fmt"
	"reflect"

	"github.com/corestream/eventcore/pkg/event"
)

// Payloader is implemented by domain events that carry a residual payload
// beyond originator_id/originator_version/timestamp — the part the
// transcoder actually serializes.
type Payloader interface {
	event.DomainEvent
	Payload() any
}

// Constructor rebuilds a concrete domain event from its decoded payload
// plus the originator facts the core itself tracks. A timestamp is not one
// of StoredEvent's persisted fields; event types that need one on
// reconstruction must carry it as part of their own payload.
type Constructor func(originatorID string, originatorVersion int64, payload any) (event.DomainEvent, error)

// TopicRegistry maps topic strings to the constructors that reconstruct a
// domain event, and the reverse: concrete Go type to topic string. Built
// during composition so duplicate registrations fail fast at wiring time
// rather than decode time.
type TopicRegistry struct {
	ctors  map[string]Constructor
	topics map[reflect.Type]string
}

// NewTopicRegistry returns an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		ctors:  make(map[string]Constructor),
		topics: make(map[reflect.Type]string),
	}
}

// Register associates topic with events of sample's concrete type,
// reconstructed via ctor. Re-registering an existing topic, or registering
// the same type under two topics, panics: both are wiring bugs caught at
// construction time, not at runtime.
func (t *TopicRegistry) Register(topic string, sample event.DomainEvent, ctor Constructor) {
	if _, exists := t.ctors[topic]; exists {
		panic(fmt.Sprintf("mapper: topic %q already registered", topic))
	}
	typ := reflect.TypeOf(sample)
	if existing, ok := t.topics[typ]; ok {
		panic(fmt.Sprintf("mapper: type %s already registered under topic %q", typ, existing))
	}
	t.ctors[topic] = ctor
	t.topics[typ] = topic
}

// Lookup returns the constructor registered for topic, or false if none
// was registered. An unknown topic discovered this way at decode time is
// the caller's cue to return MapperError{UnknownTopic}.
func (t *TopicRegistry) Lookup(topic string) (Constructor, bool) {
	ctor, ok := t.ctors[topic]
	return ctor, ok
}

// TopicOf returns the topic registered for e's concrete Go type, or false
// if that type was never registered.
func (t *TopicRegistry) TopicOf(e event.DomainEvent) (string, bool) {
	topic, ok := t.topics[reflect.TypeOf(e)]
	return topic, ok
}
