package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
	"github.com/promptlane/delivery/internal/stats"
)

const aggregateBodyLimit = 4 << 10

type aggregateRequest struct {
	PeriodType  string `json:"period_type"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type aggregateResponse struct {
	PeriodType     servelog.PeriodType `json:"period_type"`
	PeriodStart    time.Time           `json:"period_start"`
	PeriodEnd      time.Time           `json:"period_end"`
	BucketsWritten int                 `json:"buckets_written"`
}

// AggregateHandler triggers one aggregation run. Omitted window bounds
// default to the previous complete period.
func AggregateHandler(options RouterOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Aggregator == nil {
			writeError(w, http.StatusServiceUnavailable, "aggregator is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, aggregateBodyLimit))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		var request aggregateRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &request); err != nil {
				writeError(w, http.StatusBadRequest, "request body must be valid JSON")
				return
			}
		}

		periodType := servelog.PeriodType(request.PeriodType)
		if request.PeriodType == "" {
			periodType = servelog.PeriodHourly
		}
		if !servelog.KnownPeriodType(periodType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("period_type must be %q or %q", servelog.PeriodHourly, servelog.PeriodDaily))
			return
		}

		start, end, err := aggregateWindow(periodType, request.PeriodStart, request.PeriodEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		written, err := options.Aggregator.Aggregate(r.Context(), periodType, start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "aggregation run failed")
			return
		}
		if options.Counts != nil {
			options.Counts.Invalidate(summaryCountsCacheKey)
		}

		writeJSON(w, http.StatusOK, aggregateResponse{
			PeriodType:     periodType,
			PeriodStart:    start,
			PeriodEnd:      end,
			BucketsWritten: written,
		})
	})
}

func aggregateWindow(periodType servelog.PeriodType, rawStart, rawEnd string) (time.Time, time.Time, error) {
	if rawStart == "" && rawEnd == "" {
		if periodType == servelog.PeriodDaily {
			start, end := stats.PreviousDayWindow(time.Now().UTC())
			return start, end, nil
		}
		start, end := stats.PreviousHourWindow(time.Now().UTC())
		return start, end, nil
	}
	if rawStart == "" || rawEnd == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("period_start and period_end must both be set or both be omitted")
	}

	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period_start must be RFC 3339: %w", err)
	}
	end, err := time.Parse(time.RFC3339, rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period_end must be RFC 3339: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("period_end must be after period_start")
	}
	return start.UTC(), end.UTC(), nil
}
