// Package servelog persists the delivery audit trail: one append-only record
// per serving request, externally reported conversion events, and the
// pre-computed aggregate buckets the dashboards read.
package servelog

import "time"

// Record is one serving request. Append-only; rows are never updated.
type Record struct {
	ID            string
	TraceID       string
	CorrelationID string
	WorkspaceID   string
	PromptID      string
	VersionID     string
	APIKeyID      string
	Endpoint      string
	Method        string
	RequestBody   string
	ResponseBody  string
	StatusCode    int
	Success       bool
	// LatencyMS is nil when the request never produced a latency measurement.
	// Such records count toward request totals but not latency statistics.
	LatencyMS *int64
	ClientIP  string
	UserAgent string
	CreatedAt time.Time
}

// Event is an externally reported occurrence (a purchase, a signup) tied back
// to a serving request through its trace id.
type Event struct {
	ID          string
	WorkspaceID string
	TraceID     string
	Name        string
	Category    string
	Value       *float64
	Metadata    string
	CreatedAt   time.Time
}

// PeriodType selects the aggregation window size.
type PeriodType string

const (
	PeriodHourly PeriodType = "hourly"
	PeriodDaily  PeriodType = "daily"
)

// KnownPeriodType reports whether period is a defined aggregation window.
func KnownPeriodType(period PeriodType) bool {
	return period == PeriodHourly || period == PeriodDaily
}

// StatusHistogram counts responses by the status codes the dashboards chart
// individually. Codes outside the tracked set land in Other.
type StatusHistogram struct {
	S200  int64
	S400  int64
	S401  int64
	S403  int64
	S404  int64
	S422  int64
	S500  int64
	Other int64
}

// Observe adds one response with the given status code to the histogram.
func (h *StatusHistogram) Observe(statusCode int) {
	switch statusCode {
	case 200:
		h.S200++
	case 400:
		h.S400++
	case 401:
		h.S401++
	case 403:
		h.S403++
	case 404:
		h.S404++
	case 422:
		h.S422++
	case 500:
		h.S500++
	default:
		h.Other++
	}
}

// Total returns the number of observations across all histogram cells.
func (h StatusHistogram) Total() int64 {
	return h.S200 + h.S400 + h.S401 + h.S403 + h.S404 + h.S422 + h.S500 + h.Other
}

// AggregateBucket is one pre-computed statistics row, keyed by
// (prompt_id, version_id, source_name, period_type, period_start).
// Re-aggregating the same window replaces the row wholesale.
type AggregateBucket struct {
	PromptID           string
	VersionID          string
	SourceName         string
	PeriodType         PeriodType
	PeriodStart        time.Time
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	Statuses           StatusHistogram
	LatencySumMS       int64
	LatencyAvgMS       float64
	LatencyMinMS       int64
	LatencyMaxMS       int64
	UpdatedAt          time.Time
}

// TraceTime is the earliest serving timestamp observed for one trace id.
type TraceTime struct {
	TraceID string
	At      time.Time
}

// EventOccurrence is one tracked event projected down to what funnel
// attribution needs.
type EventOccurrence struct {
	TraceID string
	At      time.Time
	Value   *float64
}
