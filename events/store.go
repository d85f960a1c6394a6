package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
	"github.com/TomRiddelsdell/docsense-sub001/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const storedColumns = "id, aggregate_id, aggregate_type, event_type, event_version, payload, metadata, created_at, global_position"

// StoredEvent is one persisted row of the event log. Rows are immutable:
// never updated, never deleted. event_version is the event's 1-based position
// within its aggregate's stream.
type StoredEvent struct {
	ID             uuid.UUID
	AggregateID    uuid.UUID
	AggregateType  string
	EventType      string
	EventVersion   int
	Payload        []byte
	Metadata       []byte
	CreatedAt      time.Time
	GlobalPosition int64
}

// ConcurrencyError reports an append whose expected version no longer
// matches the aggregate's stream. The caller must reload the aggregate and
// retry the whole command; nothing was written.
type ConcurrencyError struct {
	AggregateID uuid.UUID
	Expected    int
	Actual      int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("events: append %s: expected version %d but stream is at %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == docsense.ErrConcurrencyConflict
}

// AppendOption customizes a single Append call.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata []byte
}

// WithMetadata attaches opaque metadata (correlation ids, actor, origin) to
// every event written by the append. Must be valid JSON.
func WithMetadata(metadata []byte) AppendOption {
	return func(c *appendConfig) { c.metadata = metadata }
}

// Store provides append-only, per-aggregate-ordered event persistence with
// optimistic concurrency control, backed by the docsense_events table.
type Store struct {
	db         *docsense.Store
	exec       pg.Executor
	schema     *schema.Bootstrap
	serializer *Serializer
}

// New creates an event store on the given docsense store.
func New(db *docsense.Store, serializer *Serializer) *Store {
	return &Store{
		db:         db,
		exec:       db.DBExecutor(),
		schema:     db.SchemaBootstrap(),
		serializer: serializer,
	}
}

// Serializer returns the serializer used to encode and decode payloads.
func (es *Store) Serializer() *Serializer { return es.serializer }

// Append writes events to an aggregate's stream in a single transaction.
// The aggregate's stream head is locked and its current version compared to
// expectedVersion; on mismatch nothing is written and a *ConcurrencyError is
// returned (errors.Is-compatible with docsense.ErrConcurrencyConflict).
// Events are stored with versions expectedVersion+1..expectedVersion+n.
// An empty slice is a no-op. Appends to different aggregates never contend.
func (es *Store) Append(ctx context.Context, aggregateID uuid.UUID, evts []DomainEvent, expectedVersion int, opts ...AppendOption) error {
	if len(evts) == 0 {
		return nil
	}

	cfg := appendConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return err
	}

	tx, err := es.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("events: append %s: %w", aggregateID, err)
	}
	defer tx.Rollback(ctx)

	// Lock the stream head so concurrent appends to the same aggregate
	// serialize here. A brand-new stream has no row to lock; the unique
	// constraint on (aggregate_id, event_version) catches that race below.
	var current int
	err = tx.QueryRow(ctx,
		`SELECT event_version FROM docsense_events
		 WHERE aggregate_id = $1
		 ORDER BY event_version DESC LIMIT 1
		 FOR UPDATE`,
		aggregateID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		current = 0
	} else if err != nil {
		return fmt.Errorf("events: append %s: read stream head: %w", aggregateID, err)
	}

	if current != expectedVersion {
		return &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	builder := psql.Insert("docsense_events").
		Columns("id", "aggregate_id", "aggregate_type", "event_type", "event_version", "payload", "metadata")

	for i, evt := range evts {
		payload, serr := es.serializer.Serialize(evt)
		if serr != nil {
			return fmt.Errorf("events: append %s: %w", aggregateID, serr)
		}
		builder = builder.Values(
			evt.EventID(), aggregateID, evt.AggregateType(), evt.EventType(),
			expectedVersion+i+1, payload, cfg.metadata,
		)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("events: append %s: build sql: %w", aggregateID, err)
	}

	if _, err = tx.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &ConcurrencyError{
				AggregateID: aggregateID,
				Expected:    expectedVersion,
				Actual:      es.currentVersion(ctx, aggregateID, expectedVersion+1),
			}
		}
		return fmt.Errorf("events: append %s: %w", aggregateID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("events: append %s: %w", aggregateID, err)
	}
	return nil
}

// currentVersion reads the stream's head version on the pool, for reporting
// the loser of an insert race. The racing transaction is already aborted, so
// the read must not reuse it; on a read error the fallback is returned.
func (es *Store) currentVersion(ctx context.Context, aggregateID uuid.UUID, fallback int) int {
	var v int
	err := es.exec.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_version), 0) FROM docsense_events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&v)
	if err != nil {
		return fallback
	}
	return v
}

// ReadStream returns the aggregate's events with event_version greater than
// fromVersion, ascending, upcast and deserialized. Pass 0 to read the whole
// stream. Returns an empty slice if the stream doesn't exist.
func (es *Store) ReadStream(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]DomainEvent, error) {
	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return nil, err
	}

	builder := psql.
		Select(storedColumns).
		From("docsense_events").
		Where(sq.Eq{"aggregate_id": aggregateID}).
		Where(sq.Gt{"event_version": fromVersion}).
		OrderBy("event_version ASC")

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("events: read %s: build sql: %w", aggregateID, err)
	}

	stored, err := es.queryStored(ctx, sql, args, fmt.Sprintf("read %s", aggregateID))
	if err != nil {
		return nil, err
	}

	result := make([]DomainEvent, 0, len(stored))
	for _, se := range stored {
		evt, derr := es.Decode(se)
		if derr != nil {
			return nil, derr
		}
		result = append(result, evt)
	}
	return result, nil
}

// ReadAll returns events across all aggregates ordered by global_position,
// the best-effort global order used for rebuild pagination. Pass
// afterPosition 0 to start from the beginning. Returns up to limit raw rows;
// decode them with Decode.
func (es *Store) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]StoredEvent, error) {
	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return nil, err
	}
	if err := es.schema.EnsureEventsGlobalPositionIndex(ctx, es.exec); err != nil {
		return nil, err
	}

	builder := psql.
		Select(storedColumns).
		From("docsense_events").
		Where(sq.Gt{"global_position": afterPosition}).
		OrderBy("global_position ASC").
		Limit(uint64(limit))

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("events: read all: build sql: %w", err)
	}

	return es.queryStored(ctx, sql, args, "read all")
}

// ReadByEventID returns a single event by its id, upcast and deserialized.
// The retry worker uses this to re-drive a failed projection from the
// durable failure record. Returns docsense.ErrNotFound if no such event.
func (es *Store) ReadByEventID(ctx context.Context, eventID uuid.UUID) (DomainEvent, error) {
	if err := es.schema.EnsureEvents(ctx, es.exec); err != nil {
		return nil, err
	}

	builder := psql.
		Select(storedColumns).
		From("docsense_events").
		Where(sq.Eq{"id": eventID})

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("events: read event %s: build sql: %w", eventID, err)
	}

	stored, err := es.queryStored(ctx, sql, args, fmt.Sprintf("read event %s", eventID))
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("events: read event %s: %w", eventID, docsense.ErrNotFound)
	}
	return es.Decode(stored[0])
}

// Decode runs a stored row through the upcaster chain and deserializer.
func (es *Store) Decode(se StoredEvent) (DomainEvent, error) {
	return es.serializer.Deserialize(se.EventType, se.Payload)
}

func (es *Store) queryStored(ctx context.Context, sql string, args []any, op string) ([]StoredEvent, error) {
	rows, err := es.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("events: %s: %w", op, err)
	}
	defer rows.Close()

	var result []StoredEvent
	for rows.Next() {
		var se StoredEvent
		if err := rows.Scan(
			&se.ID, &se.AggregateID, &se.AggregateType, &se.EventType,
			&se.EventVersion, &se.Payload, &se.Metadata, &se.CreatedAt, &se.GlobalPosition,
		); err != nil {
			return nil, fmt.Errorf("events: %s: scan: %w", op, err)
		}
		result = append(result, se)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: %s: %w", op, err)
	}
	return result, nil
}
