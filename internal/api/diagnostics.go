package api

import (
	"net/http"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

const logPipelineDiagnosticsSchemaVersion = "log-pipeline-diagnostics.v1"

type logPipelineDiagnosticsResponse struct {
	SchemaVersion string                       `json:"schema_version"`
	GeneratedAt   time.Time                    `json:"generated_at"`
	Diagnostics   servelog.PipelineDiagnostics `json:"diagnostics"`
}

// LogPipelineDiagnosticsHandler exposes the async request log writer's queue
// pressure and drop counters.
func LogPipelineDiagnosticsHandler(reader servelog.PipelineDiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "log pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, logPipelineDiagnosticsResponse{
			SchemaVersion: logPipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.PipelineDiagnostics(),
		})
	})
}
