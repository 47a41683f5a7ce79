package api

import (
	"net/http"
)

const summaryCountsCacheKey = "summary_counts"

// SummaryHandler serves dashboard totals through the count cache so repeated
// dashboard polls do not hit storage on every request. Event ingestion and
// aggregation runs invalidate the cached entry.
func SummaryHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Logs == nil {
			writeError(w, http.StatusServiceUnavailable, "log storage is not configured")
			return
		}

		if options.Counts != nil {
			if counts, ok := options.Counts.Get(summaryCountsCacheKey); ok {
				writeJSON(w, http.StatusOK, counts)
				return
			}
		}

		counts, err := options.Logs.SummaryCounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load summary counts")
			return
		}
		if options.Counts != nil {
			options.Counts.Set(summaryCountsCacheKey, counts)
		}

		writeJSON(w, http.StatusOK, counts)
	})
}
