package projections

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// fakeEventSource serves events by id from memory.
type fakeEventSource struct {
	byID map[uuid.UUID]events.DomainEvent
}

func (s *fakeEventSource) ReadByEventID(_ context.Context, eventID uuid.UUID) (events.DomainEvent, error) {
	evt, ok := s.byID[eventID]
	if !ok {
		return nil, docsense.ErrNotFound
	}
	return evt, nil
}

// fakeFailureSource hands out a scripted due list and records outcomes.
type fakeFailureSource struct {
	fakeRecorder
	due    []Failure
	dueErr error
}

func (s *fakeFailureSource) FailuresForRetry(context.Context) ([]Failure, error) {
	return s.due, s.dueErr
}

func dueFailure(evt events.DomainEvent, projection string) Failure {
	return Failure{
		EventID:        evt.EventID(),
		EventType:      evt.EventType(),
		ProjectionName: projection,
		RetryCount:     1,
	}
}

func workerFixture(due ...Failure) (*fakeEventSource, *fakeFailureSource, *Publisher) {
	source := &fakeEventSource{byID: make(map[uuid.UUID]events.DomainEvent)}
	tracker := &fakeFailureSource{due: due}
	lookup := NewPublisher(tracker, WithRetryDelay(time.Millisecond))
	return source, tracker, lookup
}

func TestRunOnce_RetriesAndRecordsSuccess(t *testing.T) {
	evt := newUploadedEvent()
	source, tracker, lookup := workerFixture(dueFailure(evt, "summaries"))
	source.byID[evt.EventID()] = evt
	proj := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}
	lookup.RegisterProjection(proj)

	w := NewRetryWorker(source, tracker, lookup)
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Errorf("processed %d, want 1", n)
	}
	if proj.callCount() != 1 {
		t.Errorf("handle called %d times, want 1 (single attempt per tick)", proj.callCount())
	}
	if len(tracker.successes) != 1 || tracker.successes[0].eventID != evt.EventID() {
		t.Errorf("successes = %+v, want one for the retried event", tracker.successes)
	}
	if len(tracker.failures) != 0 {
		t.Errorf("failures = %+v, want none", tracker.failures)
	}
}

func TestRunOnce_StillFailingRecordsFailure(t *testing.T) {
	evt := newUploadedEvent()
	source, tracker, lookup := workerFixture(dueFailure(evt, "summaries"))
	source.byID[evt.EventID()] = evt
	cause := errors.New("still broken")
	proj := &stubProjection{
		name:    "summaries",
		handles: []string{events.EventTypeDocumentUploaded},
		failN:   1 << 30,
		err:     cause,
	}
	lookup.RegisterProjection(proj)

	w := NewRetryWorker(source, tracker, lookup)
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Errorf("processed %d, want 1", n)
	}
	if proj.callCount() != 1 {
		t.Errorf("handle called %d times, want exactly 1 (backoff lives in the tracker)", proj.callCount())
	}
	if len(tracker.failures) != 1 || !errors.Is(tracker.failures[0].cause, cause) {
		t.Errorf("failures = %+v, want one carrying the handler error", tracker.failures)
	}
}

func TestRunOnce_SkipsUnknownProjection(t *testing.T) {
	evt := newUploadedEvent()
	source, tracker, lookup := workerFixture(dueFailure(evt, "deleted_projection"))
	source.byID[evt.EventID()] = evt

	w := NewRetryWorker(source, tracker, lookup)
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Errorf("processed %d, want 0", n)
	}
	if len(tracker.successes)+len(tracker.failures) != 0 {
		t.Error("no tracker calls expected for an unregistered projection")
	}
}

func TestRunOnce_SkipsMissingEvent(t *testing.T) {
	evt := newUploadedEvent()
	source, tracker, lookup := workerFixture(dueFailure(evt, "summaries"))
	proj := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}
	lookup.RegisterProjection(proj)

	w := NewRetryWorker(source, tracker, lookup)
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Errorf("processed %d, want 0", n)
	}
	if proj.callCount() != 0 {
		t.Error("handle must not run when the event cannot be read")
	}
}

func TestRunOnce_QueryErrorPropagates(t *testing.T) {
	source, tracker, lookup := workerFixture()
	tracker.dueErr = errors.New("connection refused")

	w := NewRetryWorker(source, tracker, lookup)
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failure query")
	}
}

func TestRunOnce_OnePoisonedRecordDoesNotStallTheRest(t *testing.T) {
	good := newUploadedEvent()
	missing := newUploadedEvent()
	source, tracker, lookup := workerFixture(
		dueFailure(missing, "summaries"),
		dueFailure(good, "summaries"),
	)
	source.byID[good.EventID()] = good
	proj := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}
	lookup.RegisterProjection(proj)

	w := NewRetryWorker(source, tracker, lookup)
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Errorf("processed %d, want 1", n)
	}
	if len(tracker.successes) != 1 || tracker.successes[0].eventID != good.EventID() {
		t.Errorf("successes = %+v, want one for the readable event", tracker.successes)
	}
}

func TestWorker_StartStop(t *testing.T) {
	source, tracker, lookup := workerFixture()
	w := NewRetryWorker(source, tracker, lookup, WithRetryInterval(time.Millisecond))

	w.Start()
	w.Start() // idempotent
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	source, tracker, lookup := workerFixture()
	w := NewRetryWorker(source, tracker, lookup)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop without start: %v", err)
	}
}
