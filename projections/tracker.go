package projections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
	"github.com/TomRiddelsdell/docsense-sub001/internal/pg"
	"github.com/TomRiddelsdell/docsense-sub001/schema"
)

// DefaultMaxRetries is how many times a failed (event, projection) pair is
// re-driven before the failure is exhausted and left for external
// compensation.
const DefaultMaxRetries = 5

// Health statuses derived from the count of distinct open failures.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
	HealthOffline  = "offline"
)

// Resolution methods recorded when a failure terminates.
const (
	ResolutionAutoRetry   = "auto_retry"
	ResolutionManualRetry = "manual_retry"
	ResolutionManualSkip  = "manual_skip"
	ResolutionManualFix   = "manual_fix"
)

var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Backoff returns the delay before the next retry of a failure that has
// already been retried retryCount times. The schedule is fixed and clamps to
// its last entry.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[retryCount]
}

// HealthStatusFor derives the health status from the number of distinct open
// failures.
func HealthStatusFor(activeFailures int64) string {
	switch {
	case activeFailures <= 0:
		return HealthHealthy
	case activeFailures < 10:
		return HealthDegraded
	case activeFailures < 50:
		return HealthCritical
	default:
		return HealthOffline
	}
}

// healthCaseSQL is the SQL twin of HealthStatusFor, applied to expr.
func healthCaseSQL(expr string) string {
	return fmt.Sprintf(`CASE
	WHEN %[1]s <= 0 THEN 'healthy'
	WHEN %[1]s < 10 THEN 'degraded'
	WHEN %[1]s < 50 THEN 'critical'
	ELSE 'offline' END`, expr)
}

// Failure is one durable record of a projection failing to handle an event.
// A record is open while resolved_at is null; it terminates either by a
// later success for the same (event, projection) pair (auto_retry), by a
// manual resolution, or by exhaustion (retry_count == max_retries,
// next_retry_at null).
type Failure struct {
	ID               int64
	EventID          uuid.UUID
	EventType        string
	ProjectionName   string
	ErrorMessage     string
	ErrorDetail      string
	RetryCount       int
	MaxRetries       int
	FailedAt         time.Time
	LastRetryAt      *time.Time
	NextRetryAt      *time.Time
	ResolvedAt       *time.Time
	ResolutionMethod *string
}

// Checkpoint is the last event a projection has durably applied. It advances
// only on a confirmed successful handle, never speculatively.
type Checkpoint struct {
	ProjectionName  string
	LastEventID     uuid.UUID
	LastEventType   string
	LastSequence    int64
	EventsProcessed int64
	CheckpointAt    time.Time
}

// HealthMetrics summarizes a projection's processing history. active_failures
// counts distinct open failure records: it increments when a new failure
// record is created and decrements when one resolves, so repeat failures of
// the same (event, projection) pair do not inflate it.
type HealthMetrics struct {
	ProjectionName       string
	TotalEventsProcessed int64
	TotalFailures        int64
	ActiveFailures       int64
	LastSuccessAt        *time.Time
	LastFailureAt        *time.Time
	HealthStatus         string
}

// FailureTracker records projection failures and successes, maintains
// checkpoints and health metrics, and computes the retry schedule. All state
// lives in PostgreSQL over the shared pool.
type FailureTracker struct {
	exec       pg.Executor
	schema     *schema.Bootstrap
	maxRetries int
}

// NewFailureTracker creates a tracker on the given backend with
// DefaultMaxRetries.
func NewFailureTracker(b docsense.Backend) *FailureTracker {
	return &FailureTracker{
		exec:       b.DBExecutor(),
		schema:     b.SchemaBootstrap(),
		maxRetries: DefaultMaxRetries,
	}
}

// SetMaxRetries overrides the exhaustion threshold for new failure records.
// Non-positive values are ignored.
func (t *FailureTracker) SetMaxRetries(n int) {
	if n <= 0 {
		return
	}
	t.maxRetries = n
}

// MaxRetries returns the exhaustion threshold.
func (t *FailureTracker) MaxRetries() int { return t.maxRetries }

func (t *FailureTracker) ensure(ctx context.Context) error {
	if err := t.schema.EnsureProjectionCheckpoints(ctx, t.exec); err != nil {
		return err
	}
	if err := t.schema.EnsureProjectionFailures(ctx, t.exec); err != nil {
		return err
	}
	if err := t.schema.EnsureProjectionHealthMetrics(ctx, t.exec); err != nil {
		return err
	}
	return t.schema.EnsureFailuresRetryIndex(ctx, t.exec)
}

// RecordFailure creates or advances the open failure record for the
// (event, projection) pair. A new pair starts at retry_count 0 with
// next_retry_at now+Backoff(0); a repeat failure increments retry_count and
// reschedules, until retry_count reaches max_retries and next_retry_at is
// cleared (exhausted). Health metrics are updated either way.
func (t *FailureTracker) RecordFailure(ctx context.Context, evt events.DomainEvent, projectionName string, cause error) error {
	if err := t.ensure(ctx); err != nil {
		return fmt.Errorf("tracker: record failure %s: %w", projectionName, err)
	}

	now := time.Now().UTC()

	var id int64
	var retryCount int
	err := t.exec.QueryRow(ctx,
		`SELECT id, retry_count FROM docsense_projection_failures
		 WHERE event_id = $1 AND projection_name = $2 AND resolved_at IS NULL`,
		evt.EventID(), projectionName,
	).Scan(&id, &retryCount)

	created := false
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created = true
		_, err = t.exec.Exec(ctx,
			`INSERT INTO docsense_projection_failures
			 (event_id, event_type, projection_name, error_message, error_detail, retry_count, max_retries, failed_at, next_retry_at)
			 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
			evt.EventID(), evt.EventType(), projectionName,
			cause.Error(), fmt.Sprintf("%+v", cause),
			t.maxRetries, now, now.Add(Backoff(0)),
		)
	case err != nil:
		return fmt.Errorf("tracker: record failure %s: lookup: %w", projectionName, err)
	default:
		rc := retryCount + 1
		if rc >= t.maxRetries {
			_, err = t.exec.Exec(ctx,
				`UPDATE docsense_projection_failures
				 SET retry_count = $2, error_message = $3, error_detail = $4,
				     last_retry_at = $5, next_retry_at = NULL
				 WHERE id = $1`,
				id, rc, cause.Error(), fmt.Sprintf("%+v", cause), now,
			)
		} else {
			_, err = t.exec.Exec(ctx,
				`UPDATE docsense_projection_failures
				 SET retry_count = $2, error_message = $3, error_detail = $4,
				     last_retry_at = $5, next_retry_at = $6
				 WHERE id = $1`,
				id, rc, cause.Error(), fmt.Sprintf("%+v", cause), now, now.Add(Backoff(rc)),
			)
		}
	}
	if err != nil {
		return fmt.Errorf("tracker: record failure %s: %w", projectionName, err)
	}

	delta := 0
	if created {
		delta = 1
	}
	_, err = t.exec.Exec(ctx, fmt.Sprintf(
		`INSERT INTO docsense_projection_health_metrics
		 (projection_name, total_failures, active_failures, last_failure_at, health_status)
		 VALUES ($1, 1, $2, $3, %s)
		 ON CONFLICT (projection_name) DO UPDATE SET
		  total_failures = docsense_projection_health_metrics.total_failures + 1,
		  active_failures = docsense_projection_health_metrics.active_failures + $2,
		  last_failure_at = $3,
		  health_status = %s`,
		healthCaseSQL("$2"),
		healthCaseSQL("docsense_projection_health_metrics.active_failures + $2"),
	), projectionName, delta, now)
	if err != nil {
		return fmt.Errorf("tracker: record failure %s: health: %w", projectionName, err)
	}
	return nil
}

// RecordSuccess confirms the projection handled the event: the checkpoint
// advances, any open failure for the same (event, projection) pair resolves
// as auto_retry, and health metrics refresh.
func (t *FailureTracker) RecordSuccess(ctx context.Context, evt events.DomainEvent, projectionName string) error {
	if err := t.ensure(ctx); err != nil {
		return fmt.Errorf("tracker: record success %s: %w", projectionName, err)
	}
	if err := t.schema.EnsureEvents(ctx, t.exec); err != nil {
		return fmt.Errorf("tracker: record success %s: %w", projectionName, err)
	}

	now := time.Now().UTC()

	// last_sequence is the event's global position; GREATEST keeps the
	// checkpoint monotonic when a retry redelivers an older event.
	_, err := t.exec.Exec(ctx,
		`INSERT INTO docsense_projection_checkpoints
		 (projection_name, last_event_id, last_event_type, last_sequence, events_processed, checkpoint_at)
		 VALUES ($1, $2, $3, COALESCE((SELECT global_position FROM docsense_events WHERE id = $2), 0), 1, $4)
		 ON CONFLICT (projection_name) DO UPDATE SET
		  last_event_id = $2,
		  last_event_type = $3,
		  last_sequence = GREATEST(docsense_projection_checkpoints.last_sequence,
		                           COALESCE((SELECT global_position FROM docsense_events WHERE id = $2), 0)),
		  events_processed = docsense_projection_checkpoints.events_processed + 1,
		  checkpoint_at = $4`,
		projectionName, evt.EventID(), evt.EventType(), now,
	)
	if err != nil {
		return fmt.Errorf("tracker: record success %s: checkpoint: %w", projectionName, err)
	}

	tag, err := t.exec.Exec(ctx,
		`UPDATE docsense_projection_failures
		 SET resolved_at = $3, resolution_method = $4, next_retry_at = NULL
		 WHERE event_id = $1 AND projection_name = $2 AND resolved_at IS NULL`,
		evt.EventID(), projectionName, now, ResolutionAutoRetry,
	)
	if err != nil {
		return fmt.Errorf("tracker: record success %s: resolve: %w", projectionName, err)
	}
	resolved := tag.RowsAffected()

	_, err = t.exec.Exec(ctx, fmt.Sprintf(
		`INSERT INTO docsense_projection_health_metrics
		 (projection_name, total_events_processed, last_success_at, health_status)
		 VALUES ($1, 1, $2, 'healthy')
		 ON CONFLICT (projection_name) DO UPDATE SET
		  total_events_processed = docsense_projection_health_metrics.total_events_processed + 1,
		  active_failures = GREATEST(docsense_projection_health_metrics.active_failures - $3, 0),
		  last_success_at = $2,
		  health_status = %s`,
		healthCaseSQL("GREATEST(docsense_projection_health_metrics.active_failures - $3, 0)"),
	), projectionName, now, resolved)
	if err != nil {
		return fmt.Errorf("tracker: record success %s: health: %w", projectionName, err)
	}
	return nil
}

// FailuresForRetry returns all open failures that are due (next_retry_at in
// the past) and not exhausted, soonest-due first.
func (t *FailureTracker) FailuresForRetry(ctx context.Context) ([]Failure, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, fmt.Errorf("tracker: failures for retry: %w", err)
	}

	rows, err := t.exec.Query(ctx,
		`SELECT id, event_id, event_type, projection_name, error_message, COALESCE(error_detail, ''),
		        retry_count, max_retries, failed_at, last_retry_at, next_retry_at, resolved_at, resolution_method
		 FROM docsense_projection_failures
		 WHERE resolved_at IS NULL
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= now()
		   AND retry_count < max_retries
		 ORDER BY next_retry_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("tracker: failures for retry: %w", err)
	}
	defer rows.Close()

	var result []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(
			&f.ID, &f.EventID, &f.EventType, &f.ProjectionName, &f.ErrorMessage, &f.ErrorDetail,
			&f.RetryCount, &f.MaxRetries, &f.FailedAt, &f.LastRetryAt, &f.NextRetryAt,
			&f.ResolvedAt, &f.ResolutionMethod,
		); err != nil {
			return nil, fmt.Errorf("tracker: failures for retry: scan: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracker: failures for retry: %w", err)
	}
	return result, nil
}

// ResolveManually terminates an open failure with one of the manual
// resolution methods. Returns docsense.ErrNotFound if no open failure with
// that id exists.
func (t *FailureTracker) ResolveManually(ctx context.Context, failureID int64, method string) error {
	switch method {
	case ResolutionManualRetry, ResolutionManualSkip, ResolutionManualFix:
	default:
		return fmt.Errorf("tracker: resolve failure %d: invalid resolution method %q", failureID, method)
	}

	if err := t.ensure(ctx); err != nil {
		return fmt.Errorf("tracker: resolve failure %d: %w", failureID, err)
	}

	now := time.Now().UTC()

	var projectionName string
	err := t.exec.QueryRow(ctx,
		`UPDATE docsense_projection_failures
		 SET resolved_at = $2, resolution_method = $3, next_retry_at = NULL
		 WHERE id = $1 AND resolved_at IS NULL
		 RETURNING projection_name`,
		failureID, now, method,
	).Scan(&projectionName)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tracker: resolve failure %d: %w", failureID, docsense.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("tracker: resolve failure %d: %w", failureID, err)
	}

	_, err = t.exec.Exec(ctx, fmt.Sprintf(
		`UPDATE docsense_projection_health_metrics
		 SET active_failures = GREATEST(active_failures - 1, 0),
		     health_status = %s
		 WHERE projection_name = $1`,
		healthCaseSQL("GREATEST(active_failures - 1, 0)"),
	), projectionName)
	if err != nil {
		return fmt.Errorf("tracker: resolve failure %d: health: %w", failureID, err)
	}
	return nil
}

// GetCheckpoint returns the named projection's checkpoint, or nil if the
// projection has never confirmed a success.
func (t *FailureTracker) GetCheckpoint(ctx context.Context, projectionName string) (*Checkpoint, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, fmt.Errorf("tracker: checkpoint %s: %w", projectionName, err)
	}

	var cp Checkpoint
	err := t.exec.QueryRow(ctx,
		`SELECT projection_name, last_event_id, last_event_type, last_sequence, events_processed, checkpoint_at
		 FROM docsense_projection_checkpoints
		 WHERE projection_name = $1`,
		projectionName,
	).Scan(&cp.ProjectionName, &cp.LastEventID, &cp.LastEventType, &cp.LastSequence, &cp.EventsProcessed, &cp.CheckpointAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: checkpoint %s: %w", projectionName, err)
	}
	return &cp, nil
}

// ResetCheckpoint removes the projection's checkpoint so a rebuild restarts
// from the beginning of the log.
func (t *FailureTracker) ResetCheckpoint(ctx context.Context, projectionName string) error {
	if err := schema.ValidateReadModelName(projectionName); err != nil {
		return fmt.Errorf("tracker: reset checkpoint: %w", err)
	}
	if err := t.ensure(ctx); err != nil {
		return fmt.Errorf("tracker: reset checkpoint %s: %w", projectionName, err)
	}
	_, err := t.exec.Exec(ctx,
		`DELETE FROM docsense_projection_checkpoints WHERE projection_name = $1`,
		projectionName,
	)
	if err != nil {
		return fmt.Errorf("tracker: reset checkpoint %s: %w", projectionName, err)
	}
	return nil
}

// GetHealthMetrics returns the named projection's health metrics, or nil if
// the projection has never processed or failed an event.
func (t *FailureTracker) GetHealthMetrics(ctx context.Context, projectionName string) (*HealthMetrics, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, fmt.Errorf("tracker: health %s: %w", projectionName, err)
	}

	var m HealthMetrics
	err := t.exec.QueryRow(ctx,
		`SELECT projection_name, total_events_processed, total_failures, active_failures,
		        last_success_at, last_failure_at, health_status
		 FROM docsense_projection_health_metrics
		 WHERE projection_name = $1`,
		projectionName,
	).Scan(&m.ProjectionName, &m.TotalEventsProcessed, &m.TotalFailures, &m.ActiveFailures,
		&m.LastSuccessAt, &m.LastFailureAt, &m.HealthStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: health %s: %w", projectionName, err)
	}
	return &m, nil
}

// AllHealthMetrics returns health metrics for every known projection.
func (t *FailureTracker) AllHealthMetrics(ctx context.Context) ([]HealthMetrics, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, fmt.Errorf("tracker: health: %w", err)
	}

	rows, err := t.exec.Query(ctx,
		`SELECT projection_name, total_events_processed, total_failures, active_failures,
		        last_success_at, last_failure_at, health_status
		 FROM docsense_projection_health_metrics
		 ORDER BY projection_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("tracker: health: %w", err)
	}
	defer rows.Close()

	var result []HealthMetrics
	for rows.Next() {
		var m HealthMetrics
		if err := rows.Scan(&m.ProjectionName, &m.TotalEventsProcessed, &m.TotalFailures, &m.ActiveFailures,
			&m.LastSuccessAt, &m.LastFailureAt, &m.HealthStatus); err != nil {
			return nil, fmt.Errorf("tracker: health: scan: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tracker: health: %w", err)
	}
	return result, nil
}
