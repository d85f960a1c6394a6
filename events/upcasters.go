package events

// DocumentUploadedV1ToV2 adds the content_type field introduced in schema
// version 2. Version 1 events default to application/octet-stream.
type DocumentUploadedV1ToV2 struct{}

func (DocumentUploadedV1ToV2) CanUpcast(eventType string, version int) bool {
	return eventType == EventTypeDocumentUploaded && version == 1
}

func (DocumentUploadedV1ToV2) Upcast(payload map[string]any) map[string]any {
	out := copyPayload(payload)
	if _, ok := out["content_type"]; !ok {
		out["content_type"] = "application/octet-stream"
	}
	out["version"] = 2
	return out
}

// DocumentParsedV1ToV2 adds the language field introduced in schema version
// 2. Version 1 events default to "und" (undetermined, per BCP 47).
type DocumentParsedV1ToV2 struct{}

func (DocumentParsedV1ToV2) CanUpcast(eventType string, version int) bool {
	return eventType == EventTypeDocumentParsed && version == 1
}

func (DocumentParsedV1ToV2) Upcast(payload map[string]any) map[string]any {
	out := copyPayload(payload)
	if _, ok := out["language"]; !ok {
		out["language"] = "und"
	}
	out["version"] = 2
	return out
}

// RegisterDocumentUpcasters registers the built-in upcaster chain.
func RegisterDocumentUpcasters(r *UpcasterRegistry) {
	r.Register(DocumentUploadedV1ToV2{})
	r.Register(DocumentParsedV1ToV2{})
}

// copyPayload shallow-copies a payload so upcasters never mutate their input.
// Unrecognized fields ride along untouched (tolerant reader).
func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
