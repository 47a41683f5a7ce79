package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/promptlane/delivery/internal/servelog"
)

const eventBodyLimit = 16 << 10

type eventRequest struct {
	TraceID  string          `json:"trace_id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Value    *float64        `json:"value"`
	Metadata json.RawMessage `json:"metadata"`
}

type eventResponse struct {
	ID          string `json:"id"`
	TraceID     string `json:"trace_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Attributed  bool   `json:"attributed"`
}

// EventsHandler ingests tracked events. An event referencing an unknown or
// expired trace id is rejected with 404 unless anonymous events are enabled,
// in which case it is stored without workspace attribution.
func EventsHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Logs == nil {
			writeError(w, http.StatusServiceUnavailable, "event storage is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, eventBodyLimit))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		var request eventRequest
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be valid JSON")
			return
		}
		if strings.TrimSpace(request.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		event := &servelog.Event{
			ID:       uuid.NewString(),
			Name:     strings.TrimSpace(request.Name),
			Category: strings.TrimSpace(request.Category),
			Value:    request.Value,
		}
		if len(request.Metadata) > 0 {
			event.Metadata = servelog.CaptureBody(request.Metadata, options.BodyLimit)
		}

		attributed := false
		if traceID := strings.TrimSpace(request.TraceID); traceID != "" && options.Traces != nil {
			if entry, ok := options.Traces.Get(r.Context(), traceID); ok {
				event.TraceID = entry.TraceID
				event.WorkspaceID = entry.WorkspaceID
				attributed = true
			}
		}
		if !attributed && !options.AnonymousEvents {
			writeError(w, http.StatusNotFound, "trace_not_found")
			return
		}

		if err := options.Logs.WriteEvent(r.Context(), event); err != nil {
			if errors.Is(err, servelog.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to store event")
			return
		}
		if options.Counts != nil {
			options.Counts.Invalidate(summaryCountsCacheKey)
		}

		writeJSON(w, http.StatusCreated, eventResponse{
			ID:          event.ID,
			TraceID:     event.TraceID,
			WorkspaceID: event.WorkspaceID,
			Attributed:  attributed,
		})
	})
}
