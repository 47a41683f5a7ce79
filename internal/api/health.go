package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Logs          servelog.Store
	Diagnostics   servelog.PipelineDiagnosticsReader
}

type healthResponse struct {
	Status        string                        `json:"status"`
	Version       string                        `json:"version"`
	UptimeSec     int64                         `json:"uptime_sec"`
	StorageDriver string                        `json:"storage_driver"`
	RecordCount   int64                         `json:"record_count"`
	EventCount    int64                         `json:"event_count"`
	DBSizeBytes   int64                         `json:"db_size_bytes,omitempty"`
	LogPipeline   *servelog.PipelineDiagnostics `json:"log_pipeline,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		response := healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
		}

		if options.Logs != nil {
			if counts, err := options.Logs.SummaryCounts(r.Context()); err == nil {
				response.RecordCount = counts.Records
				response.EventCount = counts.Events
			}
		}
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				response.DBSizeBytes = info.Size()
			}
		}
		if options.Diagnostics != nil {
			diagnostics := options.Diagnostics.PipelineDiagnostics()
			response.LogPipeline = &diagnostics
		}

		writeJSON(w, http.StatusOK, response)
	})
}
