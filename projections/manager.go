package projections

import (
	"context"
	"fmt"
	"log/slog"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// EventLog is the slice of the event store the manager needs for full
// rebuilds. *events.Store implements it.
type EventLog interface {
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]events.StoredEvent, error)
	Decode(se events.StoredEvent) (events.DomainEvent, error)
}

// CheckpointResetter is the tracker surface a rebuild needs. *FailureTracker
// implements it.
type CheckpointResetter interface {
	Recorder
	ResetCheckpoint(ctx context.Context, projectionName string) error
}

// DefaultRebuildBatchSize bounds how many rows a rebuild loads per page.
const DefaultRebuildBatchSize = 500

// Manager regenerates read models from the event log, for use after a
// projection bug fix or read-model schema change.
type Manager struct {
	log         EventLog
	tracker     CheckpointResetter
	projections []Projection
}

// NewManager creates a manager over the given projections.
func NewManager(log EventLog, tracker CheckpointResetter, projections ...Projection) *Manager {
	return &Manager{
		log:         log,
		tracker:     tracker,
		projections: projections,
	}
}

// Rebuild regenerates a single projection by name. Returns
// docsense.ErrProjectionNotFound if the manager does not know the name.
func (m *Manager) Rebuild(ctx context.Context, projectionName string, batchSize int) (int, error) {
	for _, proj := range m.projections {
		if proj.Name() == projectionName {
			sub := NewManager(m.log, m.tracker, proj)
			return sub.RebuildAll(ctx, batchSize)
		}
	}
	return 0, fmt.Errorf("projections: rebuild %s: %w", projectionName, docsense.ErrProjectionNotFound)
}

// RebuildAll clears every projection's checkpoint, then streams the entire
// event log in globally ordered batches, feeding each event to every
// projection that can handle it. Handler errors are recorded with the
// tracker and skipped; the retry worker repairs them afterwards. Returns
// the number of events processed. Pass batchSize <= 0 for the default.
func (m *Manager) RebuildAll(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultRebuildBatchSize
	}

	for _, proj := range m.projections {
		if err := m.tracker.ResetCheckpoint(ctx, proj.Name()); err != nil {
			return 0, fmt.Errorf("projections: rebuild: %w", err)
		}
	}

	var position int64
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("projections: rebuild: %w", err)
		}

		batch, err := m.log.ReadAll(ctx, position, batchSize)
		if err != nil {
			return total, fmt.Errorf("projections: rebuild: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		for _, se := range batch {
			evt, err := m.log.Decode(se)
			if err != nil {
				// an unregistered type is a deployment defect, not
				// something a rebuild can paper over
				return total, fmt.Errorf("projections: rebuild: %w", err)
			}

			for _, proj := range m.projections {
				if !canHandle(proj, evt) {
					continue
				}
				if herr := proj.Handle(ctx, evt); herr != nil {
					slog.Error("rebuild: projection failed",
						"projection", proj.Name(), "event_type", evt.EventType(),
						"event_id", evt.EventID(), "error", herr)
					if rerr := m.tracker.RecordFailure(ctx, evt, proj.Name(), herr); rerr != nil {
						slog.Error("rebuild: record failure",
							"projection", proj.Name(), "event_id", evt.EventID(), "error", rerr)
					}
					continue
				}
				if rerr := m.tracker.RecordSuccess(ctx, evt, proj.Name()); rerr != nil {
					slog.Error("rebuild: record success",
						"projection", proj.Name(), "event_id", evt.EventID(), "error", rerr)
				}
			}
			total++
		}

		position = batch[len(batch)-1].GlobalPosition
	}
}
