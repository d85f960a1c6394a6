package events

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a fact produced by an aggregate. Events are immutable once
// appended; the store persists them and projections fold them into read
// models. The schema version is the payload shape version used by upcasting,
// not the event's position in its aggregate stream.
type DomainEvent interface {
	EventID() uuid.UUID
	AggregateID() uuid.UUID
	AggregateType() string
	EventType() string
	SchemaVersion() int
	OccurredAt() time.Time
}

// Base carries the identifiers shared by every domain event. Concrete events
// embed it and add their type identifiers and payload fields.
type Base struct {
	ID        uuid.UUID `json:"event_id"`
	Aggregate uuid.UUID `json:"aggregate_id"`
	Version   int       `json:"version"`
	At        time.Time `json:"occurred_at"`
}

// NewBase populates a Base with a fresh event id and the current UTC time.
func NewBase(aggregateID uuid.UUID, schemaVersion int) Base {
	return Base{
		ID:        uuid.New(),
		Aggregate: aggregateID,
		Version:   schemaVersion,
		At:        time.Now().UTC(),
	}
}

func (b Base) EventID() uuid.UUID     { return b.ID }
func (b Base) AggregateID() uuid.UUID { return b.Aggregate }
func (b Base) SchemaVersion() int     { return b.Version }
func (b Base) OccurredAt() time.Time  { return b.At }
