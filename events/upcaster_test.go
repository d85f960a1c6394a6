package events

import (
	"testing"

	"github.com/TomRiddelsdell/docsense-sub001/internal/codecs"
)

func TestUpcasterRegistry_AppliesDefaultForV1(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	v1 := map[string]any{
		"event_id":     "c9d2c7a8-2c2f-4a68-9866-7f4a4f2c9f01",
		"aggregate_id": "6f6a4b6e-9a55-44be-8f6f-0d9c1d4fd2aa",
		"version":      float64(1),
		"file_name":    "legacy.doc",
		"size_bytes":   float64(128),
	}

	got := reg.Apply(EventTypeDocumentUploaded, v1)

	if got["content_type"] != "application/octet-stream" {
		t.Errorf("content_type: got %v, want application/octet-stream", got["content_type"])
	}
	if payloadVersion(got) != 2 {
		t.Errorf("version: got %d, want 2", payloadVersion(got))
	}
	// tolerant reader: original fields survive
	if got["file_name"] != "legacy.doc" {
		t.Errorf("file_name: got %v, want legacy.doc", got["file_name"])
	}
}

func TestUpcasterRegistry_DoesNotMutateInput(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	v1 := map[string]any{"version": float64(1), "file_name": "a.doc"}
	reg.Apply(EventTypeDocumentUploaded, v1)

	if payloadVersion(v1) != 1 {
		t.Errorf("input mutated: version is now %d", payloadVersion(v1))
	}
	if _, ok := v1["content_type"]; ok {
		t.Error("input mutated: content_type added")
	}
}

func TestUpcasterRegistry_IdempotentOnceCurrent(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	v1 := map[string]any{"version": float64(1), "file_name": "a.doc"}
	once := reg.Apply(EventTypeDocumentUploaded, v1)
	twice := reg.Apply(EventTypeDocumentUploaded, once)

	if payloadVersion(twice) != 2 {
		t.Errorf("version after re-apply: got %d, want 2", payloadVersion(twice))
	}
	if twice["content_type"] != once["content_type"] {
		t.Errorf("content_type changed on re-apply: %v vs %v", twice["content_type"], once["content_type"])
	}
}

func TestUpcasterRegistry_PreservesUnrecognizedFields(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	v1 := map[string]any{
		"version":      float64(1),
		"custom_field": "kept",
	}
	got := reg.Apply(EventTypeDocumentUploaded, v1)

	if got["custom_field"] != "kept" {
		t.Errorf("custom_field: got %v, want kept", got["custom_field"])
	}
}

func TestUpcasterRegistry_MissingVersionTreatedAsV1(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	got := reg.Apply(EventTypeDocumentUploaded, map[string]any{"file_name": "old.doc"})

	if got["content_type"] != "application/octet-stream" {
		t.Errorf("content_type: got %v, want default applied", got["content_type"])
	}
}

// stuckUpcaster matches version 1 but never advances it.
type stuckUpcaster struct{}

func (stuckUpcaster) CanUpcast(eventType string, version int) bool {
	return eventType == "Stuck" && version == 1
}

func (stuckUpcaster) Upcast(payload map[string]any) map[string]any {
	out := copyPayload(payload)
	out["touched"] = true
	return out
}

func TestUpcasterRegistry_LoopGuardGivesUp(t *testing.T) {
	reg := NewUpcasterRegistry()
	reg.Register(stuckUpcaster{})

	// must terminate despite the upcaster never advancing the version
	got := reg.Apply("Stuck", map[string]any{"version": float64(1), "field": "x"})

	if payloadVersion(got) != 1 {
		t.Errorf("version: got %d, want 1", payloadVersion(got))
	}
	if got["field"] != "x" {
		t.Errorf("field: got %v, want x", got["field"])
	}
}

func TestUpcasterRegistry_NoMatchReturnsUnchanged(t *testing.T) {
	reg := NewUpcasterRegistry()
	RegisterDocumentUpcasters(reg)

	current := map[string]any{"version": float64(2), "file_name": "a.doc"}
	got := reg.Apply(EventTypeDocumentUploaded, current)

	if payloadVersion(got) != 2 {
		t.Errorf("version: got %d, want 2", payloadVersion(got))
	}
}

func TestSerializer_UpcastsV1PayloadDuringDeserialize(t *testing.T) {
	s := newTestSerializer()

	v1 := []byte(`{
		"event_id": "c9d2c7a8-2c2f-4a68-9866-7f4a4f2c9f01",
		"aggregate_id": "6f6a4b6e-9a55-44be-8f6f-0d9c1d4fd2aa",
		"version": 1,
		"occurred_at": "2024-03-01T10:00:00Z",
		"file_name": "legacy.doc",
		"size_bytes": 128,
		"uploaded_by": "sam"
	}`)

	decoded, err := s.Deserialize(EventTypeDocumentUploaded, v1)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	got, ok := decoded.(*DocumentUploaded)
	if !ok {
		t.Fatalf("got %T, want *DocumentUploaded", decoded)
	}
	if got.ContentType != "application/octet-stream" {
		t.Errorf("content_type: got %q, want default", got.ContentType)
	}
	if got.SchemaVersion() != 2 {
		t.Errorf("schema version: got %d, want 2", got.SchemaVersion())
	}
	if got.FileName != "legacy.doc" {
		t.Errorf("file_name: got %q, want legacy.doc", got.FileName)
	}
}

func TestSerializer_DeserializeWithoutUpcastersStillWorks(t *testing.T) {
	s := NewSerializer(codecs.NewJSONIter(), NewUpcasterRegistry())
	RegisterDocumentEvents(s)

	original := NewDocumentArchived(mustUUID(t), "obsolete")
	payload, err := s.Serialize(original)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	decoded, err := s.Deserialize(EventTypeDocumentArchived, payload)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if decoded.EventID() != original.EventID() {
		t.Errorf("event id: got %s, want %s", decoded.EventID(), original.EventID())
	}
}
