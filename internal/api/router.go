// Package api is the thin JSON surface over the delivery core: version
// resolution, event ingestion, aggregation triggers, funnel queries, and the
// operator read endpoints.
package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/cache"
	"github.com/promptlane/delivery/internal/correlation"
	"github.com/promptlane/delivery/internal/catalog"
	"github.com/promptlane/delivery/internal/funnel"
	"github.com/promptlane/delivery/internal/observability"
	"github.com/promptlane/delivery/internal/resolver"
	"github.com/promptlane/delivery/internal/servelog"
	"github.com/promptlane/delivery/internal/stats"
	"github.com/promptlane/delivery/internal/tracectx"
)

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	StoragePath   string

	Resolver   *resolver.Resolver
	Catalog    catalog.Store
	Logs       servelog.Store
	Writer     *servelog.Writer
	Traces     tracectx.Store
	Aggregator *stats.Aggregator
	Funnels    *funnel.Calculator
	Counts     *cache.Cache[servelog.SummaryCounts]

	Observability   *observability.Runtime
	Logger          *slog.Logger
	AnonymousEvents bool
	BodyLimit       int
}

func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.BodyLimit <= 0 {
		options.BodyLimit = servelog.DefaultBodyLimit
	}
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/resolve", ResolveHandler(options))
	mux.Handle("/api/events", EventsHandler(options))
	mux.Handle("/api/aggregate", AggregateHandler(options))
	mux.Handle("/api/conversion", ConversionHandler(options))
	mux.Handle("/api/stats/summary", SummaryHandler(options))
	mux.Handle("/api/experiments", ExperimentsHandler(options.Catalog))
	mux.Handle("/api/records", RecordsHandler(options.Logs))
	mux.Handle("/api/records/", RecordDetailHandler(options.Logs))
	mux.Handle("/api/diagnostics", LogPipelineDiagnosticsHandler(options.Writer))
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Logs:          options.Logs,
		Diagnostics:   options.Writer,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "promptlane delivery",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(withLogMark(mux))
}

// withLogMark installs the per-request logging marker so a request that
// passes through several observation points still produces exactly one
// request log record.
func withLogMark(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(servelog.WithLogMark(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-API-Key", correlation.HeaderName}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
