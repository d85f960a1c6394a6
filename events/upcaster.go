package events

import "log/slog"

// Upcaster migrates a stored payload from one schema version to the next.
// Implementations must be pure: copy the payload, preserve fields they do
// not recognize, and advance the embedded "version" field.
type Upcaster interface {
	CanUpcast(eventType string, version int) bool
	Upcast(payload map[string]any) map[string]any
}

// maxUpcastPasses bounds the scan-restart loop. A correctly written chain
// needs at most one pass per schema version, so hitting the cap means an
// upcaster is not advancing the version.
const maxUpcastPasses = 32

// UpcasterRegistry holds the upcaster chain and applies it at read time.
// Stored rows are never rewritten.
type UpcasterRegistry struct {
	upcasters []Upcaster
}

func NewUpcasterRegistry() *UpcasterRegistry {
	return &UpcasterRegistry{}
}

func (r *UpcasterRegistry) Register(u Upcaster) {
	r.upcasters = append(r.upcasters, u)
}

// Apply repeatedly scans the registered upcasters, applying the first one
// that matches the payload's current version and restarting the scan, until
// none applies. If the chain does not converge within maxUpcastPasses the
// registry logs a warning and returns the payload as-is rather than looping
// forever.
func (r *UpcasterRegistry) Apply(eventType string, payload map[string]any) map[string]any {
	for pass := 0; pass < maxUpcastPasses; pass++ {
		version := payloadVersion(payload)

		applied := false
		for _, u := range r.upcasters {
			if u.CanUpcast(eventType, version) {
				payload = u.Upcast(payload)
				applied = true
				break
			}
		}
		if !applied {
			return payload
		}
	}

	slog.Warn("upcaster chain did not converge, returning payload unchanged",
		"event_type", eventType, "max_passes", maxUpcastPasses)
	return payload
}

// payloadVersion reads the embedded schema version. Payloads written before
// versioning existed have no version field and are treated as version 1.
func payloadVersion(payload map[string]any) int {
	switch v := payload["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 1
	}
}
