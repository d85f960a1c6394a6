package projections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// DocumentSummary is one row of the document_summaries read model.
type DocumentSummary struct {
	bun.BaseModel `bun:"table:docsense_document_summaries"`

	DocumentID  uuid.UUID `bun:"document_id,pk,type:uuid"`
	FileName    string    `bun:"file_name,notnull"`
	ContentType string    `bun:"content_type,notnull"`
	SizeBytes   int64     `bun:"size_bytes,notnull,default:0"`
	UploadedBy  string    `bun:"uploaded_by"`
	PageCount   int       `bun:"page_count,notnull,default:0"`
	Language    string    `bun:"language"`
	Status      string    `bun:"status,notnull"`
	UploadedAt  time.Time `bun:"uploaded_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

// DocumentSummaries folds document lifecycle events into a denormalized
// per-document table, via bun over the shared pool. All handlers are
// idempotent upserts; mutation events for a document that was never seen
// (out-of-order delivery) are logged and skipped, leaving retry and rebuild
// as the recovery path.
type DocumentSummaries struct {
	db       *bun.DB
	handlers map[string]func(ctx context.Context, evt events.DomainEvent) error

	mu      sync.Mutex
	ensured bool
}

// NewDocumentSummaries creates the projection on the given store.
func NewDocumentSummaries(store *docsense.Store) *DocumentSummaries {
	p := &DocumentSummaries{
		db: bun.NewDB(store.SQLDB(), pgdialect.New()),
	}
	p.handlers = map[string]func(ctx context.Context, evt events.DomainEvent) error{
		events.EventTypeDocumentUploaded: p.applyUploaded,
		events.EventTypeDocumentParsed:   p.applyParsed,
		events.EventTypeDocumentArchived: p.applyArchived,
	}
	return p
}

func (p *DocumentSummaries) Name() string { return "document_summaries" }

func (p *DocumentSummaries) Handles() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

func (p *DocumentSummaries) Handle(ctx context.Context, evt events.DomainEvent) error {
	if err := p.ensure(ctx); err != nil {
		return fmt.Errorf("document_summaries: ensure table: %w", err)
	}
	fn, ok := p.handlers[evt.EventType()]
	if !ok {
		return nil
	}
	return fn(ctx, evt)
}

func (p *DocumentSummaries) ensure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensured {
		return nil
	}
	_, err := p.db.NewCreateTable().
		Model((*DocumentSummary)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return err
	}
	p.ensured = true
	return nil
}

func (p *DocumentSummaries) applyUploaded(ctx context.Context, evt events.DomainEvent) error {
	e, ok := evt.(*events.DocumentUploaded)
	if !ok {
		return fmt.Errorf("document_summaries: unexpected payload type %T for %s", evt, evt.EventType())
	}

	row := &DocumentSummary{
		DocumentID:  e.AggregateID(),
		FileName:    e.FileName,
		ContentType: e.ContentType,
		SizeBytes:   e.SizeBytes,
		UploadedBy:  e.UploadedBy,
		Status:      "uploaded",
		UploadedAt:  e.OccurredAt(),
		UpdatedAt:   e.OccurredAt(),
	}

	_, err := p.db.NewInsert().
		Model(row).
		On("CONFLICT (document_id) DO UPDATE").
		Set("file_name = EXCLUDED.file_name").
		Set("content_type = EXCLUDED.content_type").
		Set("size_bytes = EXCLUDED.size_bytes").
		Set("uploaded_by = EXCLUDED.uploaded_by").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("document_summaries: upsert %s: %w", e.AggregateID(), err)
	}
	return nil
}

func (p *DocumentSummaries) applyParsed(ctx context.Context, evt events.DomainEvent) error {
	e, ok := evt.(*events.DocumentParsed)
	if !ok {
		return fmt.Errorf("document_summaries: unexpected payload type %T for %s", evt, evt.EventType())
	}

	exists, err := p.db.NewSelect().
		Model((*DocumentSummary)(nil)).
		Where("document_id = ?", e.AggregateID()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("document_summaries: check %s: %w", e.AggregateID(), err)
	}
	if !exists {
		slog.Warn("document_summaries: parsed event for unknown document, skipping",
			"document_id", e.AggregateID(), "event_id", e.EventID())
		return nil
	}

	_, err = p.db.NewUpdate().
		Model((*DocumentSummary)(nil)).
		Set("page_count = ?", e.PageCount).
		Set("language = ?", e.Language).
		Set("status = ?", "parsed").
		Set("updated_at = ?", e.OccurredAt()).
		Where("document_id = ?", e.AggregateID()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("document_summaries: update %s: %w", e.AggregateID(), err)
	}
	return nil
}

func (p *DocumentSummaries) applyArchived(ctx context.Context, evt events.DomainEvent) error {
	e, ok := evt.(*events.DocumentArchived)
	if !ok {
		return fmt.Errorf("document_summaries: unexpected payload type %T for %s", evt, evt.EventType())
	}

	exists, err := p.db.NewSelect().
		Model((*DocumentSummary)(nil)).
		Where("document_id = ?", e.AggregateID()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("document_summaries: check %s: %w", e.AggregateID(), err)
	}
	if !exists {
		slog.Warn("document_summaries: archive event for unknown document, skipping",
			"document_id", e.AggregateID(), "event_id", e.EventID())
		return nil
	}

	_, err = p.db.NewUpdate().
		Model((*DocumentSummary)(nil)).
		Set("status = ?", "archived").
		Set("updated_at = ?", e.OccurredAt()).
		Where("document_id = ?", e.AggregateID()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("document_summaries: archive %s: %w", e.AggregateID(), err)
	}
	return nil
}
