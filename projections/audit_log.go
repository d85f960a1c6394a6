package projections

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
	"github.com/TomRiddelsdell/docsense-sub001/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// AuditLog records every event that flows through the publisher, regardless
// of type, into a flat audit table. It overrides CanHandle to accept
// everything; the conflict-ignoring insert makes redelivery harmless.
type AuditLog struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewAuditLog creates the audit projection on the given backend.
func NewAuditLog(b docsense.Backend) *AuditLog {
	return &AuditLog{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (p *AuditLog) Name() string { return "audit_log" }

// Handles is empty: routing is decided entirely by CanHandle.
func (p *AuditLog) Handles() []string { return nil }

// CanHandle accepts every event type.
func (p *AuditLog) CanHandle(events.DomainEvent) bool { return true }

func (p *AuditLog) Handle(ctx context.Context, evt events.DomainEvent) error {
	if err := p.schema.EnsureAuditLog(ctx, p.exec); err != nil {
		return fmt.Errorf("audit_log: ensure table: %w", err)
	}

	builder := psql.Insert("docsense_audit_log").
		Columns("event_id", "aggregate_id", "aggregate_type", "event_type", "occurred_at").
		Values(evt.EventID(), evt.AggregateID(), evt.AggregateType(), evt.EventType(), evt.OccurredAt()).
		Suffix("ON CONFLICT (event_id) DO NOTHING")

	sql, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("audit_log: build sql: %w", err)
	}

	if _, err := p.exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("audit_log: insert %s: %w", evt.EventID(), err)
	}
	return nil
}
