package docsense

import "errors"

var (
	// ErrNotFound is returned when an event, checkpoint, or failure record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when an append's expected version
	// does not match the aggregate's current version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrUnknownEventType is returned when deserializing an event type that
	// was never registered with the serializer.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrProjectionNotFound is returned when a retry or rebuild references a
	// projection name that is not registered.
	ErrProjectionNotFound = errors.New("projection not found")
)
