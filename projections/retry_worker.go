package projections

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// EventSource is the slice of the event store the worker needs: re-reading
// the original event behind a durable failure record. *events.Store
// implements it.
type EventSource interface {
	ReadByEventID(ctx context.Context, eventID uuid.UUID) (events.DomainEvent, error)
}

// FailureSource is the slice of the failure tracker the worker needs.
// *FailureTracker implements it.
type FailureSource interface {
	Recorder
	FailuresForRetry(ctx context.Context) ([]Failure, error)
}

// ProjectionLookup resolves a projection by its recorded name. *Publisher
// implements it.
type ProjectionLookup interface {
	Projection(name string) (Projection, bool)
}

// DefaultRetryInterval is how often the worker polls for due failures.
const DefaultRetryInterval = 5 * time.Second

type RetryWorkerOption func(*RetryWorker)

// WithRetryInterval overrides the polling interval.
func WithRetryInterval(d time.Duration) RetryWorkerOption {
	return func(w *RetryWorker) { w.interval = d }
}

// RetryWorker is the background loop that closes the gap between durable
// failure records and eventual read-model consistency: on each tick it
// fetches the due failures, re-reads each original event from the store, and
// re-invokes the named projection once, reporting the outcome back to the
// tracker.
type RetryWorker struct {
	source   EventSource
	tracker  FailureSource
	lookup   ProjectionLookup
	interval time.Duration

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRetryWorker creates a stopped worker; call Start to launch it.
func NewRetryWorker(source EventSource, tracker FailureSource, lookup ProjectionLookup, opts ...RetryWorkerOption) *RetryWorker {
	w := &RetryWorker{
		source:   source,
		tracker:  tracker,
		lookup:   lookup,
		interval: DefaultRetryInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start launches the polling goroutine. Starting twice is a no-op.
func (w *RetryWorker) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

// Stop signals the worker and waits for it to finish its current iteration,
// bounded by ctx. A worker that was never started stops immediately.
func (w *RetryWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.startOnce.Do(func() {
		close(w.done)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("projections: retry worker: shutdown: %w", ctx.Err())
	}
}

func (w *RetryWorker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(context.Background()); err != nil {
				slog.Error("retry worker iteration failed", "error", err)
			}
		}
	}
}

// RunOnce processes every currently-due failure and returns how many were
// re-driven. Per-failure problems are logged and skipped so one poisoned
// record cannot stall the rest of the queue.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.tracker.FailuresForRetry(ctx)
	if err != nil {
		return 0, fmt.Errorf("projections: retry worker: %w", err)
	}

	processed := 0
	for _, f := range due {
		proj, ok := w.lookup.Projection(f.ProjectionName)
		if !ok {
			slog.Error("retry worker: projection not registered",
				"projection", f.ProjectionName, "event_id", f.EventID)
			continue
		}

		evt, err := w.source.ReadByEventID(ctx, f.EventID)
		if err != nil {
			slog.Error("retry worker: read event",
				"projection", f.ProjectionName, "event_id", f.EventID, "error", err)
			continue
		}

		if herr := proj.Handle(ctx, evt); herr != nil {
			if rerr := w.tracker.RecordFailure(ctx, evt, f.ProjectionName, herr); rerr != nil {
				slog.Error("retry worker: record failure",
					"projection", f.ProjectionName, "event_id", f.EventID, "error", rerr)
			}
		} else {
			if rerr := w.tracker.RecordSuccess(ctx, evt, f.ProjectionName); rerr != nil {
				slog.Error("retry worker: record success",
					"projection", f.ProjectionName, "event_id", f.EventID, "error", rerr)
			}
		}
		processed++
	}
	return processed, nil
}
