package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

type recordsResponse struct {
	Items []recordSummary `json:"items"`
}

type recordSummary struct {
	ID            string    `json:"id"`
	TraceID       string    `json:"trace_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	WorkspaceID   string    `json:"workspace_id"`
	PromptID      string    `json:"prompt_id,omitempty"`
	VersionID     string    `json:"version_id,omitempty"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	StatusCode    int       `json:"status_code"`
	Success       bool      `json:"success"`
	LatencyMS     *int64    `json:"latency_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type recordDetail struct {
	recordSummary
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	ClientIP     string `json:"client_ip,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// RecordsHandler lists request log records, newest first.
func RecordsHandler(store servelog.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "log storage is not configured")
			return
		}

		filter, err := parseRecordFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		records, err := store.QueryRecords(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query records")
			return
		}

		items := make([]recordSummary, 0, len(records))
		for _, record := range records {
			items = append(items, summarizeRecord(record))
		}
		writeJSON(w, http.StatusOK, recordsResponse{Items: items})
	})
}

// RecordDetailHandler serves one record by id, including captured bodies.
func RecordDetailHandler(store servelog.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "log storage is not configured")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/records/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		record, err := store.GetRecord(r.Context(), id)
		if err != nil {
			if errors.Is(err, servelog.ErrNotFound) {
				writeError(w, http.StatusNotFound, "record not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load record")
			return
		}

		writeJSON(w, http.StatusOK, recordDetail{
			recordSummary: summarizeRecord(record),
			RequestBody:   record.RequestBody,
			ResponseBody:  record.ResponseBody,
			ClientIP:      record.ClientIP,
			UserAgent:     record.UserAgent,
		})
	})
}

func parseRecordFilter(r *http.Request) (servelog.RecordFilter, error) {
	query := r.URL.Query()
	filter := servelog.RecordFilter{
		PromptID:  strings.TrimSpace(query.Get("prompt_id")),
		VersionID: strings.TrimSpace(query.Get("version_id")),
		TraceID:   strings.TrimSpace(query.Get("trace_id")),
	}

	if raw := query.Get("status_code"); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil || status < 100 || status > 599 {
			return servelog.RecordFilter{}, fmt.Errorf("status_code must be a valid HTTP status (got %q)", raw)
		}
		filter.StatusCode = status
	}
	if raw := query.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return servelog.RecordFilter{}, fmt.Errorf("from must be RFC 3339: %w", err)
		}
		filter.From = from.UTC()
	}
	if raw := query.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return servelog.RecordFilter{}, fmt.Errorf("to must be RFC 3339: %w", err)
		}
		filter.To = to.UTC()
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return servelog.RecordFilter{}, fmt.Errorf("limit must be a positive integer (got %q)", raw)
		}
		filter.Limit = limit
	}

	return filter, nil
}

func summarizeRecord(record *servelog.Record) recordSummary {
	return recordSummary{
		ID:            record.ID,
		TraceID:       record.TraceID,
		CorrelationID: record.CorrelationID,
		WorkspaceID:   record.WorkspaceID,
		PromptID:      record.PromptID,
		VersionID:     record.VersionID,
		Endpoint:      record.Endpoint,
		Method:        record.Method,
		StatusCode:    record.StatusCode,
		Success:       record.Success,
		LatencyMS:     record.LatencyMS,
		CreatedAt:     record.CreatedAt,
	}
}
