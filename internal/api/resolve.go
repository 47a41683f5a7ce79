package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/promptlane/delivery/internal/correlation"
	"github.com/promptlane/delivery/internal/resolver"
	"github.com/promptlane/delivery/internal/servelog"
)

type resolveResponse struct {
	PromptID      string             `json:"prompt_id"`
	Slug          string             `json:"slug"`
	VersionID     string             `json:"version_id"`
	VersionNumber int                `json:"version_number"`
	Status        string             `json:"status"`
	Payload       json.RawMessage    `json:"payload"`
	TraceID       string             `json:"trace_id"`
	Experiment    *resolveExperiment `json:"experiment,omitempty"`
}

type resolveExperiment struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Variant string `json:"variant"`
}

// ResolveHandler is the serving path: it selects a version, returns its
// payload with a fresh trace id, and enqueues one request log record. The
// log write never blocks or fails the response.
func ResolveHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Resolver == nil {
			writeError(w, http.StatusServiceUnavailable, "resolver is not configured")
			return
		}

		started := time.Now()
		query := r.URL.Query()
		request := resolver.ResolveRequest{
			OwnerKey: query.Get("owner_key"),
			Slug:     query.Get("content_key"),
			Status:   query.Get("status"),
		}
		if request.OwnerKey == "" || request.Slug == "" {
			writeError(w, http.StatusBadRequest, "owner_key and content_key are required")
			return
		}
		if raw := query.Get("version_number"); raw != "" {
			number, err := strconv.Atoi(raw)
			if err != nil || number <= 0 {
				writeError(w, http.StatusBadRequest, "version_number must be a positive integer")
				return
			}
			request.VersionNumber = number
		}

		resolution, err := options.Resolver.Resolve(r.Context(), request)
		if err != nil {
			status, message := resolveErrorStatus(err)
			writeError(w, status, message)
			logResolve(options, r, query, nil, map[string]string{"error": message}, status, started)
			return
		}

		response := resolveResponse{
			PromptID:      resolution.Prompt.ID,
			Slug:          resolution.Prompt.Slug,
			VersionID:     resolution.Version.ID,
			VersionNumber: resolution.Version.VersionNumber,
			Status:        string(resolution.Version.Status),
			Payload:       payloadJSON(resolution.Version.Payload),
			TraceID:       resolution.TraceID,
		}
		if resolution.Experiment != nil {
			response.Experiment = &resolveExperiment{
				ID:      resolution.Experiment.ExperimentID,
				Name:    resolution.Experiment.ExperimentName,
				Variant: string(resolution.Experiment.Variant),
			}
		}

		writeJSON(w, http.StatusOK, response)
		logResolve(options, r, query, resolution, response, http.StatusOK, started)
	})
}

func resolveErrorStatus(err error) (int, string) {
	var notFound *resolver.NotFoundError
	switch {
	case errors.Is(err, resolver.ErrInvalidFilter):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.Is(err, resolver.ErrNoProductionVersion):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "failed to resolve version"
	}
}

// payloadJSON returns the stored payload as raw JSON, wrapping legacy
// non-JSON payloads as a JSON string instead of corrupting the response.
func payloadJSON(payload string) json.RawMessage {
	if payload == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(quoted)
}

func logResolve(options RouterOptions, r *http.Request, query url.Values, resolution *resolver.Resolution, responsePayload any, status int, started time.Time) {
	if options.Writer == nil || !servelog.MarkLogged(r.Context()) {
		return
	}

	requestFields := make(map[string]string, len(query))
	for key := range query {
		requestFields[key] = query.Get(key)
	}

	latency := time.Since(started).Milliseconds()
	record := &servelog.Record{
		Endpoint:     r.URL.Path,
		Method:       r.Method,
		RequestBody:  servelog.CaptureBody(requestFields, options.BodyLimit),
		ResponseBody: servelog.CaptureBody(responsePayload, options.BodyLimit),
		StatusCode:   status,
		Success:      status < http.StatusBadRequest,
		LatencyMS:    &latency,
		ClientIP:     clientIP(r),
		UserAgent:    r.UserAgent(),
	}
	if id, ok := correlation.FromContext(r.Context()); ok {
		record.CorrelationID = id
	} else {
		record.CorrelationID = correlation.FromHeaders(r.Header)
	}
	if resolution != nil {
		record.TraceID = resolution.TraceID
		record.WorkspaceID = resolution.Prompt.WorkspaceID
		record.PromptID = resolution.Prompt.ID
		record.VersionID = resolution.Version.ID
	}

	if !options.Writer.Enqueue(record) {
		options.Observability.RecordLogQueueDrop(r.URL.Path, status)
		options.Logger.Warn("request log queue full, dropping record",
			slog.String("endpoint", r.URL.Path),
			slog.Int("status", status),
		)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
