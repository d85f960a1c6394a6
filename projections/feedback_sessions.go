package projections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// FeedbackSession is one row of the feedback_sessions read model.
type FeedbackSession struct {
	SessionID  uuid.UUID `gorm:"column:session_id;primaryKey;type:uuid"`
	DocumentID uuid.UUID `gorm:"column:document_id;type:uuid;not null"`
	ReviewerID uuid.UUID `gorm:"column:reviewer_id;type:uuid;not null"`
	Rating     int       `gorm:"column:rating"`
	Comment    string    `gorm:"column:comment"`
	Submitted  bool      `gorm:"column:submitted;not null;default:false"`
	StartedAt  time.Time `gorm:"column:started_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (FeedbackSession) TableName() string { return "docsense_feedback_sessions" }

// FeedbackSessions folds feedback events into a per-session table, via gorm
// over the shared pool. Handlers are idempotent; a submission for a session
// that was never started is logged and skipped.
type FeedbackSessions struct {
	db       *gorm.DB
	handlers map[string]func(ctx context.Context, evt events.DomainEvent) error

	mu      sync.Mutex
	ensured bool
}

// NewFeedbackSessions creates the projection on the given store.
func NewFeedbackSessions(store *docsense.Store) (*FeedbackSessions, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: store.SQLDB()}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("feedback_sessions: open gorm: %w", err)
	}

	p := &FeedbackSessions{db: db}
	p.handlers = map[string]func(ctx context.Context, evt events.DomainEvent) error{
		events.EventTypeFeedbackSessionStarted: p.applyStarted,
		events.EventTypeFeedbackSubmitted:      p.applySubmitted,
	}
	return p, nil
}

func (p *FeedbackSessions) Name() string { return "feedback_sessions" }

func (p *FeedbackSessions) Handles() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

func (p *FeedbackSessions) Handle(ctx context.Context, evt events.DomainEvent) error {
	if err := p.ensure(); err != nil {
		return fmt.Errorf("feedback_sessions: ensure table: %w", err)
	}
	fn, ok := p.handlers[evt.EventType()]
	if !ok {
		return nil
	}
	return fn(ctx, evt)
}

func (p *FeedbackSessions) ensure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensured {
		return nil
	}
	if err := p.db.AutoMigrate(&FeedbackSession{}); err != nil {
		return err
	}
	p.ensured = true
	return nil
}

func (p *FeedbackSessions) applyStarted(ctx context.Context, evt events.DomainEvent) error {
	e, ok := evt.(*events.FeedbackSessionStarted)
	if !ok {
		return fmt.Errorf("feedback_sessions: unexpected payload type %T for %s", evt, evt.EventType())
	}

	row := FeedbackSession{
		SessionID:  e.AggregateID(),
		DocumentID: e.DocumentID,
		ReviewerID: e.ReviewerID,
		StartedAt:  e.OccurredAt(),
		UpdatedAt:  e.OccurredAt(),
	}

	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document_id", "reviewer_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("feedback_sessions: upsert %s: %w", e.AggregateID(), err)
	}
	return nil
}

func (p *FeedbackSessions) applySubmitted(ctx context.Context, evt events.DomainEvent) error {
	e, ok := evt.(*events.FeedbackSubmitted)
	if !ok {
		return fmt.Errorf("feedback_sessions: unexpected payload type %T for %s", evt, evt.EventType())
	}

	var row FeedbackSession
	err := p.db.WithContext(ctx).First(&row, "session_id = ?", e.AggregateID()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Warn("feedback_sessions: submission for unknown session, skipping",
			"session_id", e.AggregateID(), "event_id", e.EventID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("feedback_sessions: check %s: %w", e.AggregateID(), err)
	}

	err = p.db.WithContext(ctx).
		Model(&FeedbackSession{}).
		Where("session_id = ?", e.AggregateID()).
		Updates(map[string]any{
			"rating":     e.Rating,
			"comment":    e.Comment,
			"submitted":  true,
			"updated_at": e.OccurredAt(),
		}).Error
	if err != nil {
		return fmt.Errorf("feedback_sessions: update %s: %w", e.AggregateID(), err)
	}
	return nil
}
