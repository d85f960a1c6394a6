package projections

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	docsense "github.com/TomRiddelsdell/docsense-sub001"
	"github.com/TomRiddelsdell/docsense-sub001/events"
)

// fakeEventLog replays a fixed, globally ordered slice of events.
type fakeEventLog struct {
	stored  []events.StoredEvent
	decoded map[uuid.UUID]events.DomainEvent
	readErr error
}

func newFakeEventLog(evts ...events.DomainEvent) *fakeEventLog {
	log := &fakeEventLog{decoded: make(map[uuid.UUID]events.DomainEvent)}
	for i, evt := range evts {
		log.stored = append(log.stored, events.StoredEvent{
			ID:             evt.EventID(),
			AggregateID:    evt.AggregateID(),
			AggregateType:  evt.AggregateType(),
			EventType:      evt.EventType(),
			GlobalPosition: int64(i + 1),
		})
		log.decoded[evt.EventID()] = evt
	}
	return log
}

func (l *fakeEventLog) ReadAll(_ context.Context, afterPosition int64, limit int) ([]events.StoredEvent, error) {
	if l.readErr != nil {
		return nil, l.readErr
	}
	var out []events.StoredEvent
	for _, se := range l.stored {
		if se.GlobalPosition > afterPosition {
			out = append(out, se)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (l *fakeEventLog) Decode(se events.StoredEvent) (events.DomainEvent, error) {
	evt, ok := l.decoded[se.ID]
	if !ok {
		return nil, errors.New("unknown event type")
	}
	return evt, nil
}

// fakeResetter tracks checkpoint resets on top of the in-memory recorder.
type fakeResetter struct {
	fakeRecorder
	resets []string
}

func (r *fakeResetter) ResetCheckpoint(_ context.Context, projectionName string) error {
	r.resets = append(r.resets, projectionName)
	return nil
}

func TestRebuildAll_ReplaysEverythingInOrder(t *testing.T) {
	docID := uuid.New()
	evts := []events.DomainEvent{
		events.NewDocumentUploaded(docID, "a.pdf", "application/pdf", 1, "tom"),
		events.NewDocumentParsed(docID, 4, "tika", "en"),
		events.NewDocumentArchived(docID, "done"),
	}
	log := newFakeEventLog(evts...)
	tracker := &fakeResetter{}
	proj := &stubProjection{
		name: "summaries",
		handles: []string{
			events.EventTypeDocumentUploaded,
			events.EventTypeDocumentParsed,
			events.EventTypeDocumentArchived,
		},
	}

	// batch size 2 forces pagination
	total, err := NewManager(log, tracker, proj).RebuildAll(context.Background(), 2)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(tracker.resets) != 1 || tracker.resets[0] != "summaries" {
		t.Errorf("resets = %v, want [summaries]", tracker.resets)
	}

	handled := proj.handledEvents()
	if len(handled) != 3 {
		t.Fatalf("handled %d events, want 3", len(handled))
	}
	for i, evt := range handled {
		if evt.EventID() != evts[i].EventID() {
			t.Errorf("event %d out of order: got %s, want %s", i, evt.EventID(), evts[i].EventID())
		}
	}
	if len(tracker.successes) != 3 {
		t.Errorf("got %d success records, want 3", len(tracker.successes))
	}
}

func TestRebuildAll_CountsEventsNotHandlerInvocations(t *testing.T) {
	docID := uuid.New()
	log := newFakeEventLog(
		events.NewDocumentUploaded(docID, "a.pdf", "application/pdf", 1, "tom"),
		events.NewFeedbackSubmitted(uuid.New(), 4, "solid"),
	)
	tracker := &fakeResetter{}
	docs := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}
	feedback := &stubProjection{name: "feedback", handles: []string{events.EventTypeFeedbackSubmitted}}

	total, err := NewManager(log, tracker, docs, feedback).RebuildAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2 (events, not handler calls)", total)
	}
	if docs.callCount() != 1 || feedback.callCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", docs.callCount(), feedback.callCount())
	}
}

func TestRebuildAll_FailingProjectionIsRecordedAndSkipped(t *testing.T) {
	docID := uuid.New()
	evts := []events.DomainEvent{
		events.NewDocumentUploaded(docID, "a.pdf", "application/pdf", 1, "tom"),
		events.NewDocumentParsed(docID, 2, "tika", "en"),
	}
	log := newFakeEventLog(evts...)
	tracker := &fakeResetter{}
	broken := &stubProjection{
		name:    "broken",
		handles: []string{events.EventTypeDocumentUploaded},
		failN:   1 << 30,
		err:     errors.New("boom"),
	}
	healthy := &stubProjection{
		name:    "healthy",
		handles: []string{events.EventTypeDocumentUploaded, events.EventTypeDocumentParsed},
	}

	total, err := NewManager(log, tracker, broken, healthy).RebuildAll(context.Background(), 10)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if healthy.callCount() != 2 {
		t.Errorf("healthy called %d times, want 2", healthy.callCount())
	}
	if len(tracker.failures) != 1 || tracker.failures[0].projection != "broken" {
		t.Errorf("failures = %+v, want one for broken", tracker.failures)
	}
}

func TestRebuildAll_DecodeErrorIsFatal(t *testing.T) {
	docID := uuid.New()
	log := newFakeEventLog(events.NewDocumentUploaded(docID, "a.pdf", "application/pdf", 1, "tom"))
	// orphan the payload so Decode fails
	delete(log.decoded, log.stored[0].ID)
	tracker := &fakeResetter{}
	proj := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}

	if _, err := NewManager(log, tracker, proj).RebuildAll(context.Background(), 10); err == nil {
		t.Fatal("expected decode error to abort the rebuild")
	}
	if proj.callCount() != 0 {
		t.Error("no handler should run for an undecodable event")
	}
}

func TestRebuildAll_ReadErrorPropagates(t *testing.T) {
	log := newFakeEventLog()
	log.readErr = errors.New("connection refused")
	tracker := &fakeResetter{}

	if _, err := NewManager(log, tracker, &stubProjection{name: "p"}).RebuildAll(context.Background(), 10); err == nil {
		t.Fatal("expected read error")
	}
}

func TestRebuild_SingleProjection(t *testing.T) {
	docID := uuid.New()
	log := newFakeEventLog(events.NewDocumentUploaded(docID, "a.pdf", "application/pdf", 1, "tom"))
	tracker := &fakeResetter{}
	docs := &stubProjection{name: "summaries", handles: []string{events.EventTypeDocumentUploaded}}
	other := &stubProjection{name: "feedback", handles: []string{events.EventTypeDocumentUploaded}}
	mgr := NewManager(log, tracker, docs, other)

	total, err := mgr.Rebuild(context.Background(), "summaries", 10)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if other.callCount() != 0 {
		t.Error("rebuilding one projection must not touch the others")
	}
	if len(tracker.resets) != 1 || tracker.resets[0] != "summaries" {
		t.Errorf("resets = %v, want [summaries]", tracker.resets)
	}
}

func TestRebuild_UnknownProjection(t *testing.T) {
	mgr := NewManager(newFakeEventLog(), &fakeResetter{}, &stubProjection{name: "summaries"})
	if _, err := mgr.Rebuild(context.Background(), "nope", 10); !errors.Is(err, docsense.ErrProjectionNotFound) {
		t.Fatalf("got %v, want ErrProjectionNotFound", err)
	}
}

func TestRebuildAll_EmptyLog(t *testing.T) {
	tracker := &fakeResetter{}
	total, err := NewManager(newFakeEventLog(), tracker, &stubProjection{name: "p"}).RebuildAll(context.Background(), 10)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if len(tracker.resets) != 1 {
		t.Errorf("checkpoint should still be reset on an empty log, got %v", tracker.resets)
	}
}
