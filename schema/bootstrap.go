package schema

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
)

var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,54}$`)

// ValidateReadModelName checks that name is a valid read-model identifier
// (alphanumeric + underscores, max 55 characters, starts with a letter).
func ValidateReadModelName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("schema: invalid read model name %q: must be alphanumeric with underscores, max 55 chars", name)
	}
	return nil
}

func eventsDDL() string {
	return `CREATE TABLE IF NOT EXISTS docsense_events (
	id UUID PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_version INTEGER NOT NULL,
	payload JSONB NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	global_position BIGINT GENERATED ALWAYS AS IDENTITY,
	UNIQUE (aggregate_id, event_version)
)`
}

func projectionCheckpointsDDL() string {
	return `CREATE TABLE IF NOT EXISTS docsense_projection_checkpoints (
	projection_name TEXT PRIMARY KEY,
	last_event_id UUID,
	last_event_type TEXT,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	events_processed BIGINT NOT NULL DEFAULT 0,
	checkpoint_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

func projectionFailuresDDL() string {
	return `CREATE TABLE IF NOT EXISTS docsense_projection_failures (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	projection_name TEXT NOT NULL,
	error_message TEXT NOT NULL,
	error_detail TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_retry_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	resolution_method TEXT
)`
}

func projectionHealthMetricsDDL() string {
	return `CREATE TABLE IF NOT EXISTS docsense_projection_health_metrics (
	projection_name TEXT PRIMARY KEY,
	total_events_processed BIGINT NOT NULL DEFAULT 0,
	total_failures BIGINT NOT NULL DEFAULT 0,
	active_failures BIGINT NOT NULL DEFAULT 0,
	last_success_at TIMESTAMPTZ,
	last_failure_at TIMESTAMPTZ,
	health_status TEXT NOT NULL DEFAULT 'healthy'
)`
}

func auditLogDDL() string {
	return `CREATE TABLE IF NOT EXISTS docsense_audit_log (
	event_id UUID PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

// Bootstrap manages idempotent creation of docsense tables and indexes.
// It caches which tables and indexes have been created to avoid repeated DDL.
type Bootstrap struct {
	tables  sync.Map
	indexes sync.Map
}

// New returns a Bootstrap with empty caches.
func New() *Bootstrap {
	return &Bootstrap{}
}

// IsCreated reports whether the named table has been created in this session.
func (b *Bootstrap) IsCreated(table string) bool {
	_, ok := b.tables.Load(table)
	return ok
}

// MarkCreated records that the named table has been created.
func (b *Bootstrap) MarkCreated(table string) {
	b.tables.Store(table, true)
}

// InvalidateTable removes a table from the creation cache so the next Ensure
// call re-runs the DDL. Used by rebuilds after dropping a read-model table.
func (b *Bootstrap) InvalidateTable(table string) {
	b.tables.Delete(table)
}

func (b *Bootstrap) ensure(ctx context.Context, exec pg.Executor, table, ddl string) error {
	if _, ok := b.tables.Load(table); ok {
		return nil
	}
	if _, err := exec.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("schema: create table %s: %w", table, err)
	}
	b.tables.Store(table, true)
	return nil
}

// EnsureEvents creates the docsense_events table if it doesn't exist.
func (b *Bootstrap) EnsureEvents(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "docsense_events", eventsDDL())
}

// EnsureProjectionCheckpoints creates the docsense_projection_checkpoints
// table if it doesn't exist.
func (b *Bootstrap) EnsureProjectionCheckpoints(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "docsense_projection_checkpoints", projectionCheckpointsDDL())
}

// EnsureProjectionFailures creates the docsense_projection_failures table
// if it doesn't exist.
func (b *Bootstrap) EnsureProjectionFailures(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "docsense_projection_failures", projectionFailuresDDL())
}

// EnsureProjectionHealthMetrics creates the docsense_projection_health_metrics
// table if it doesn't exist.
func (b *Bootstrap) EnsureProjectionHealthMetrics(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "docsense_projection_health_metrics", projectionHealthMetricsDDL())
}

// EnsureAuditLog creates the docsense_audit_log table if it doesn't exist.
func (b *Bootstrap) EnsureAuditLog(ctx context.Context, exec pg.Executor) error {
	return b.ensure(ctx, exec, "docsense_audit_log", auditLogDDL())
}

// EnsureEventsGlobalPositionIndex creates an index on global_position for
// ordered reads across all aggregates. Must be called with a pool-level
// executor, not a transaction: CREATE INDEX CONCURRENTLY cannot run inside
// a transaction block.
func (b *Bootstrap) EnsureEventsGlobalPositionIndex(ctx context.Context, exec pg.Executor) error {
	const name = "idx_docsense_events_global_position"
	if _, ok := b.indexes.Load(name); ok {
		return nil
	}
	if t, ok := exec.(pg.Transactional); ok && t.InTransaction() {
		return fmt.Errorf("schema: create events global_position index: cannot run inside a transaction")
	}
	_, err := exec.Exec(ctx,
		`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_docsense_events_global_position ON docsense_events (global_position)`,
	)
	if err != nil {
		return fmt.Errorf("schema: create events global_position index: %w", err)
	}
	b.indexes.Store(name, true)
	return nil
}

// EnsureFailuresRetryIndex creates a partial index over unresolved failures
// so the retry worker's due-failures scan stays cheap as resolved history
// accumulates.
func (b *Bootstrap) EnsureFailuresRetryIndex(ctx context.Context, exec pg.Executor) error {
	const name = "idx_docsense_projection_failures_due"
	if _, ok := b.indexes.Load(name); ok {
		return nil
	}
	_, err := exec.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_docsense_projection_failures_due
		 ON docsense_projection_failures (next_retry_at)
		 WHERE resolved_at IS NULL AND next_retry_at IS NOT NULL`,
	)
	if err != nil {
		return fmt.Errorf("schema: create failures retry index: %w", err)
	}
	b.indexes.Store(name, true)
	return nil
}
