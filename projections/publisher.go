package projections

import (
	"context"
	"log/slog"
	"time"

	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// Recorder is the slice of the failure tracker the publisher needs: durable
// bookkeeping of per-projection outcomes. *FailureTracker implements it.
type Recorder interface {
	RecordSuccess(ctx context.Context, evt events.DomainEvent, projectionName string) error
	RecordFailure(ctx context.Context, evt events.DomainEvent, projectionName string, cause error) error
}

// SubscriberFunc is a best-effort event callback. Subscriber errors are
// logged and never tracked or retried; projections are the durable path.
type SubscriberFunc func(ctx context.Context, evt events.DomainEvent) error

// DefaultRetryDelay is the base of the publisher's in-line backoff; attempt
// n sleeps DefaultRetryDelay * 2^n before retrying.
const DefaultRetryDelay = 1 * time.Second

type PublisherOption func(*Publisher)

// WithRetryDelay overrides the in-line backoff base delay.
func WithRetryDelay(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.retryDelay = d }
}

// WithMaxAttempts overrides how many times a projection is attempted within
// one publish before the failure is handed to the tracker.
func WithMaxAttempts(n int) PublisherOption {
	return func(p *Publisher) { p.maxAttempts = n }
}

// Publisher drives events through subscribers and projections. Projections
// are isolated from one another: each gets its own retry loop, and one
// projection's exhaustion never blocks another's success nor the processing
// of subsequent events. Publish never returns a projection error.
type Publisher struct {
	recorder    Recorder
	projections []Projection
	byName      map[string]Projection
	global      []SubscriberFunc
	typed       map[string][]SubscriberFunc
	maxAttempts int
	retryDelay  time.Duration
}

// NewPublisher creates a publisher that reports outcomes to the recorder.
func NewPublisher(recorder Recorder, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		recorder:    recorder,
		byName:      make(map[string]Projection),
		typed:       make(map[string][]SubscriberFunc),
		maxAttempts: DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Subscribe registers a handler invoked for every published event.
func (p *Publisher) Subscribe(fn SubscriberFunc) {
	p.global = append(p.global, fn)
}

// SubscribeToEvent registers a handler invoked only for the given event type.
func (p *Publisher) SubscribeToEvent(eventType string, fn SubscriberFunc) {
	p.typed[eventType] = append(p.typed[eventType], fn)
}

// RegisterProjection adds a projection to the dispatch set. Registering a
// projection with a name already in use replaces the previous one.
func (p *Publisher) RegisterProjection(proj Projection) {
	if _, ok := p.byName[proj.Name()]; ok {
		for i, existing := range p.projections {
			if existing.Name() == proj.Name() {
				p.projections[i] = proj
				break
			}
		}
	} else {
		p.projections = append(p.projections, proj)
	}
	p.byName[proj.Name()] = proj
}

// Projection returns a registered projection by name.
func (p *Publisher) Projection(name string) (Projection, bool) {
	proj, ok := p.byName[name]
	return proj, ok
}

// Projections returns the registered projections in registration order.
func (p *Publisher) Projections() []Projection {
	return p.projections
}

// Publish dispatches one event: untyped subscribers, then type-specific
// subscribers, then every projection that can handle it, each with its own
// retry loop. Projection errors are contained here: they become tracker
// records and are never returned. The only error Publish returns is context
// cancellation.
func (p *Publisher) Publish(ctx context.Context, evt events.DomainEvent) error {
	for _, fn := range p.global {
		if err := fn(ctx, evt); err != nil {
			slog.Error("subscriber failed",
				"event_type", evt.EventType(), "event_id", evt.EventID(), "error", err)
		}
	}
	for _, fn := range p.typed[evt.EventType()] {
		if err := fn(ctx, evt); err != nil {
			slog.Error("subscriber failed",
				"event_type", evt.EventType(), "event_id", evt.EventID(), "error", err)
		}
	}

	for _, proj := range p.projections {
		if !canHandle(proj, evt) {
			continue
		}
		if err := p.executeWithRetry(ctx, evt, proj); err != nil {
			return err
		}
	}
	return nil
}

// PublishAll dispatches events strictly sequentially.
func (p *Publisher) PublishAll(ctx context.Context, evts []events.DomainEvent) error {
	for _, evt := range evts {
		if err := p.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// executeWithRetry attempts the projection up to maxAttempts times with
// exponential backoff. The per-attempt outcome is an ordinary error value;
// nothing propagates past this function except context cancellation, and
// even then the failure is recorded first so the retry worker can repair
// the read model later. The backoff sleeps happen between attempts, never
// while holding a connection.
func (p *Publisher) executeWithRetry(ctx context.Context, evt events.DomainEvent, proj Projection) error {
	name := proj.Name()

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// the caller gave up mid-backoff, but the retry worker still
				// needs a durable record of the attempts already failed
				if rerr := p.recorder.RecordFailure(context.WithoutCancel(ctx), evt, name, lastErr); rerr != nil {
					slog.Error("record failure",
						"projection", name, "event_id", evt.EventID(), "error", rerr)
				}
				return ctx.Err()
			}
		}

		err := proj.Handle(ctx, evt)
		if err == nil {
			if rerr := p.recorder.RecordSuccess(ctx, evt, name); rerr != nil {
				slog.Error("record success",
					"projection", name, "event_id", evt.EventID(), "error", rerr)
			}
			return nil
		}
		lastErr = err

		slog.Warn("projection attempt failed",
			"projection", name, "event_type", evt.EventType(), "event_id", evt.EventID(),
			"attempt", attempt+1, "max_attempts", p.maxAttempts, "error", err)
	}

	if rerr := p.recorder.RecordFailure(ctx, evt, name, lastErr); rerr != nil {
		slog.Error("record failure",
			"projection", name, "event_id", evt.EventID(), "error", rerr)
	}
	slog.Error("projection exhausted in-line retries, handed to retry worker",
		"projection", name, "event_type", evt.EventType(), "event_id", evt.EventID(), "error", lastErr)
	return nil
}
