package events

import (
	"fmt"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/internal/codecs"
)

// Serializer converts domain events to and from their stored JSON form.
// Deserialization is driven by a registered type map keyed by event type
// name; the payload passes through the upcaster chain, in map form, before
// it is decoded into the registered type.
type Serializer struct {
	codec     codecs.Codec
	upcasters *UpcasterRegistry
	factories map[string]func() DomainEvent
}

// NewSerializer creates a serializer with the given codec and upcaster chain.
func NewSerializer(codec codecs.Codec, upcasters *UpcasterRegistry) *Serializer {
	return &Serializer{
		codec:     codec,
		upcasters: upcasters,
		factories: make(map[string]func() DomainEvent),
	}
}

// Register maps an event type name to a factory producing an empty instance
// to decode into. Registering the same type twice replaces the factory.
func (s *Serializer) Register(eventType string, factory func() DomainEvent) {
	s.factories[eventType] = factory
}

// Registered reports whether the event type has a registered factory.
func (s *Serializer) Registered(eventType string) bool {
	_, ok := s.factories[eventType]
	return ok
}

// Serialize encodes the event payload. Identifiers flatten to strings,
// timestamps to RFC 3339, and enumerations to their scalar value through the
// events' JSON tags.
func (s *Serializer) Serialize(evt DomainEvent) ([]byte, error) {
	data, err := s.codec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("events: serialize %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Deserialize decodes a stored payload into its registered type, applying
// the upcaster chain first. An unregistered event type is a registration
// defect and fails with ErrUnknownEventType.
func (s *Serializer) Deserialize(eventType string, payload []byte) (DomainEvent, error) {
	factory, ok := s.factories[eventType]
	if !ok {
		return nil, fmt.Errorf("events: deserialize %q: %w", eventType, docsense.ErrUnknownEventType)
	}

	var raw map[string]any
	if err := s.codec.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("events: deserialize %s: decode payload: %w", eventType, err)
	}

	raw = s.upcasters.Apply(eventType, raw)

	upcasted, err := s.codec.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("events: deserialize %s: re-encode payload: %w", eventType, err)
	}

	evt := factory()
	if err := s.codec.Unmarshal(upcasted, evt); err != nil {
		return nil, fmt.Errorf("events: deserialize %s: %w", eventType, err)
	}
	return evt, nil
}
