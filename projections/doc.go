// Package projections derives queryable read models from the docsense event
// log and keeps them eventually consistent under partial failure. A
// Publisher dispatches each published event to subscribers and projections
// in isolation; a FailureTracker turns projection errors into durable retry
// records with exponential backoff, checkpoints, and health metrics; a
// RetryWorker re-drives due failures from the event store; and a Manager
// rebuilds all read models from the beginning of the log.
package projections
