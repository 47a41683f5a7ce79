package servelog

import (
	"encoding/json"
	"fmt"

	"github.com/promptlane/delivery/internal/observability"
)

// DefaultBodyLimit bounds captured request/response bodies. Oversized bodies
// are truncated, not rejected: logging must never fail the serving path.
const DefaultBodyLimit = 64 * 1024

// CaptureBody renders an arbitrary payload as a JSON string suitable for a
// Record body column: credentials scrubbed, size bounded, and values that do
// not serialize cleanly stringified rather than dropped.
func CaptureBody(value any, limit int) string {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}

	var rendered string
	switch typed := value.(type) {
	case nil:
		return "{}"
	case string:
		rendered = typed
	case []byte:
		rendered = string(typed)
	case json.RawMessage:
		rendered = string(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			encoded, _ = json.Marshal(fmt.Sprintf("%v", typed))
		}
		rendered = string(encoded)
	}

	if rendered == "" {
		return "{}"
	}
	if !json.Valid([]byte(rendered)) {
		encoded, _ := json.Marshal(rendered)
		rendered = string(encoded)
	}
	rendered = observability.ScrubCredentials(rendered)
	return truncateBody(rendered, limit)
}

// truncateBody cuts the rendered body at limit bytes. The result may no
// longer be valid JSON; consumers treat stored bodies as opaque text.
func truncateBody(body string, limit int) string {
	if len(body) <= limit {
		return body
	}
	cut := body[:limit]
	// Avoid splitting a multi-byte rune at the boundary.
	for len(cut) > 0 && cut[len(cut)-1] >= 0x80 && cut[len(cut)-1] < 0xC0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
