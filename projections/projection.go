package projections

import (
	"context"

	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// Projection folds events into one denormalized read model. Handle must be
// safe to re-invoke for the same event (idempotent upsert semantics): both
// the retry path and a full rebuild may redeliver it.
type Projection interface {
	Name() string
	Handles() []string
	Handle(ctx context.Context, evt events.DomainEvent) error
}

// EventFilter optionally overrides the default type-membership check, for
// projections that accept events beyond (or regardless of) their Handles
// list. The audit log accepts every event type this way.
type EventFilter interface {
	CanHandle(evt events.DomainEvent) bool
}

// canHandle reports whether the projection wants the event: the EventFilter
// override when implemented, type membership in Handles otherwise.
func canHandle(p Projection, evt events.DomainEvent) bool {
	if f, ok := p.(EventFilter); ok {
		return f.CanHandle(evt)
	}
	for _, t := range p.Handles() {
		if t == evt.EventType() {
			return true
		}
	}
	return false
}
