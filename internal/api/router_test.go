package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/promptlane/delivery/internal/cache"
	"github.com/promptlane/delivery/internal/catalog"
	"github.com/promptlane/delivery/internal/correlation"
	"github.com/promptlane/delivery/internal/funnel"
	"github.com/promptlane/delivery/internal/resolver"
	"github.com/promptlane/delivery/internal/servelog"
	"github.com/promptlane/delivery/internal/stats"
	"github.com/promptlane/delivery/internal/tracectx"
)

type testEnv struct {
	handler http.Handler
	catalog *catalog.SQLiteStore
	logs    *servelog.SQLiteStore
	traces  *tracectx.MemoryStore
	writer  *servelog.Writer
	counts  *cache.Cache[servelog.SummaryCounts]
}

func newTestEnv(t *testing.T, anonymousEvents bool) *testEnv {
	t.Helper()

	dir := t.TempDir()
	catalogStore, err := catalog.NewSQLiteStore(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.NewSQLiteStore() error: %v", err)
	}
	logStore, err := servelog.NewSQLiteStore(filepath.Join(dir, "logs.db"))
	if err != nil {
		t.Fatalf("servelog.NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = catalogStore.Close()
		_ = logStore.Close()
	})

	logger := slog.New(slog.DiscardHandler)
	traces := tracectx.NewMemoryStore(128, time.Hour)
	allocator := &resolver.Allocator{Store: catalogStore, Logger: logger}
	writer := servelog.NewWriter(logStore, 32)
	writer.Start(context.Background())
	t.Cleanup(writer.Stop)

	counts := cache.New[servelog.SummaryCounts](time.Minute, nil)
	env := &testEnv{
		catalog: catalogStore,
		logs:    logStore,
		traces:  traces,
		writer:  writer,
		counts:  counts,
	}
	env.handler = NewRouter(RouterOptions{
		AppVersion:      "test",
		StorageDriver:   "sqlite",
		Resolver:        resolver.New(catalogStore, traces, allocator, logger),
		Catalog:         catalogStore,
		Logs:            logStore,
		Writer:          writer,
		Traces:          traces,
		Aggregator:      stats.NewAggregator(logStore, logger),
		Funnels:         funnel.NewCalculator(logStore),
		Counts:          counts,
		Logger:          logger,
		AnonymousEvents: anonymousEvents,
	})
	return env
}

func (e *testEnv) seedPromptWithProduction(t *testing.T) (*catalog.Prompt, *catalog.Version) {
	t.Helper()
	ctx := context.Background()

	prompt, err := e.catalog.CreatePrompt(ctx, catalog.Prompt{
		WorkspaceID: "workspace-1",
		OwnerKey:    "pk-test",
		Slug:        "welcome-email",
		Name:        "Welcome Email",
	})
	if err != nil {
		t.Fatalf("CreatePrompt() error: %v", err)
	}
	version, err := e.catalog.CreateVersion(ctx, catalog.Version{
		PromptID:      prompt.ID,
		VersionNumber: 1,
		Status:        catalog.VersionStatusProduction,
		Payload:       `{"subject":"Welcome!"}`,
	})
	if err != nil {
		t.Fatalf("CreateVersion() error: %v", err)
	}
	return prompt, version
}

func (e *testEnv) seedRunningExperiment(t *testing.T, prompt *catalog.Prompt, versionA *catalog.Version, cap int64) *catalog.Experiment {
	t.Helper()
	ctx := context.Background()

	versionB, err := e.catalog.CreateVersion(ctx, catalog.Version{
		PromptID:      prompt.ID,
		VersionNumber: versionA.VersionNumber + 1,
		Status:        catalog.VersionStatusTesting,
		Payload:       `{"subject":"Howdy!"}`,
	})
	if err != nil {
		t.Fatalf("CreateVersion() error: %v", err)
	}
	experiment, err := e.catalog.CreateExperiment(ctx, catalog.Experiment{
		PromptID:      prompt.ID,
		Name:          "subject-test",
		VersionAID:    versionA.ID,
		VersionBID:    versionB.ID,
		TotalRequests: cap,
	})
	if err != nil {
		t.Fatalf("CreateExperiment() error: %v", err)
	}
	if err := e.catalog.StartExperiment(ctx, experiment.ID); err != nil {
		t.Fatalf("StartExperiment() error: %v", err)
	}
	return experiment
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestResolveServesProductionVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	prompt, version := env.seedPromptWithProduction(t)

	recorder := env.do(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email&source=email", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", recorder.Code, recorder.Body.String())
	}

	var response resolveResponse
	decodeJSON(t, recorder, &response)
	if response.PromptID != prompt.ID || response.VersionID != version.ID {
		t.Fatalf("resolved %s/%s, want %s/%s", response.PromptID, response.VersionID, prompt.ID, version.ID)
	}
	if response.Status != "production" || response.VersionNumber != 1 {
		t.Fatalf("status/number=%s/%d, want production/1", response.Status, response.VersionNumber)
	}
	if string(response.Payload) != `{"subject":"Welcome!"}` {
		t.Fatalf("payload=%s, want stored payload", response.Payload)
	}
	if response.TraceID == "" {
		t.Fatal("response missing trace_id")
	}
	if response.Experiment != nil {
		t.Fatal("production fallback must not report an experiment")
	}

	if _, ok := env.traces.Get(context.Background(), response.TraceID); !ok {
		t.Fatal("resolution did not register its trace context")
	}
}

func TestResolveEnqueuesRequestLogRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	prompt, version := env.seedPromptWithProduction(t)

	req := httptest.NewRequest(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email&source=email", nil)
	req.Header.Set(correlation.HeaderName, "corr-from-caller")
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}

	// Stop drains the queue so the record is durably visible.
	env.writer.Stop()

	records, err := env.logs.QueryRecords(context.Background(), servelog.RecordFilter{PromptID: prompt.ID})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records)=%d, want 1", len(records))
	}
	record := records[0]
	if record.Endpoint != "/api/resolve" || record.Method != http.MethodGet {
		t.Fatalf("record endpoint=%s %s, want GET /api/resolve", record.Method, record.Endpoint)
	}
	if record.StatusCode != http.StatusOK || !record.Success {
		t.Fatalf("record status=%d success=%v, want 200/true", record.StatusCode, record.Success)
	}
	if record.TraceID == "" {
		t.Fatal("record missing trace id")
	}
	if !strings.Contains(record.RequestBody, `"source":"email"`) {
		t.Fatalf("request body %q missing source field", record.RequestBody)
	}
	if !strings.Contains(record.ResponseBody, version.ID) {
		t.Fatalf("response body %q missing served version %s", record.ResponseBody, version.ID)
	}
	if record.CorrelationID != "corr-from-caller" {
		t.Fatalf("correlation_id=%q, want corr-from-caller", record.CorrelationID)
	}
	if record.LatencyMS == nil {
		t.Fatal("record missing latency")
	}
}

func TestResolveLogsErrorResponseBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.seedPromptWithProduction(t)

	recorder := env.do(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", recorder.Code)
	}

	env.writer.Stop()

	records, err := env.logs.QueryRecords(context.Background(), servelog.RecordFilter{StatusCode: http.StatusNotFound})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records)=%d, want 1", len(records))
	}
	if !strings.Contains(records[0].ResponseBody, `"error"`) {
		t.Fatalf("response body %q missing error payload", records[0].ResponseBody)
	}
}

func TestResolveLogsAtMostOncePerRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	options := RouterOptions{
		Writer:    env.writer,
		Logger:    slog.New(slog.DiscardHandler),
		BodyLimit: servelog.DefaultBodyLimit,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email", nil)
	req = req.WithContext(servelog.WithLogMark(req.Context()))
	started := time.Now()

	payload := map[string]string{"error": "failed to resolve version"}
	logResolve(options, req, req.URL.Query(), nil, payload, http.StatusInternalServerError, started)
	logResolve(options, req, req.URL.Query(), nil, payload, http.StatusInternalServerError, started)

	env.writer.Stop()

	records, err := env.logs.QueryRecords(context.Background(), servelog.RecordFilter{StatusCode: http.StatusInternalServerError})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records)=%d, want exactly 1 after a duplicate logging attempt", len(records))
	}
}

func TestResolveRoutesThroughRunningExperiment(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	prompt, version := env.seedPromptWithProduction(t)
	experiment := env.seedRunningExperiment(t, prompt, version, 4)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		recorder := env.do(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email", nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d status=%d, want 200", i+1, recorder.Code)
		}
		var response resolveResponse
		decodeJSON(t, recorder, &response)
		if response.Experiment == nil {
			t.Fatalf("request %d missing experiment metadata", i+1)
		}
		if response.Experiment.ID != experiment.ID {
			t.Fatalf("experiment id=%s, want %s", response.Experiment.ID, experiment.ID)
		}
		seen[response.Experiment.Variant]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("variant split=%v, want 2/2", seen)
	}

	// Cap reached; the next request falls back to production silently.
	recorder := env.do(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("post-cap status=%d, want 200", recorder.Code)
	}
	var response resolveResponse
	decodeJSON(t, recorder, &response)
	if response.Experiment != nil {
		t.Fatal("exhausted experiment must not serve allocations")
	}
	if response.VersionID != version.ID {
		t.Fatalf("post-cap version=%s, want production %s", response.VersionID, version.ID)
	}
}

func TestResolveErrorTaxonomy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.seedPromptWithProduction(t)

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{name: "missing params", target: "/api/resolve", want: http.StatusBadRequest},
		{name: "invalid status filter", target: "/api/resolve?owner_key=pk-test&content_key=welcome-email&status=bogus", want: http.StatusBadRequest},
		{name: "invalid version number", target: "/api/resolve?owner_key=pk-test&content_key=welcome-email&version_number=zero", want: http.StatusBadRequest},
		{name: "unknown prompt", target: "/api/resolve?owner_key=pk-test&content_key=missing", want: http.StatusNotFound},
		{name: "filter matches nothing", target: "/api/resolve?owner_key=pk-test&content_key=welcome-email&version_number=9", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			recorder := env.do(http.MethodGet, tc.target, nil)
			if recorder.Code != tc.want {
				t.Fatalf("status=%d body=%s, want %d", recorder.Code, recorder.Body.String(), tc.want)
			}
		})
	}
}

func TestEventsRequireKnownTraceContext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.seedPromptWithProduction(t)

	recorder := env.do(http.MethodPost, "/api/events", map[string]any{
		"trace_id": "trace-unknown",
		"name":     "purchase",
	})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404 for unknown trace", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "trace_not_found") {
		t.Fatalf("body=%s, want trace_not_found error", recorder.Body.String())
	}

	resolveRec := env.do(http.MethodGet, "/api/resolve?owner_key=pk-test&content_key=welcome-email", nil)
	var resolution resolveResponse
	decodeJSON(t, resolveRec, &resolution)

	recorder = env.do(http.MethodPost, "/api/events", map[string]any{
		"trace_id": resolution.TraceID,
		"name":     "purchase",
		"category": "revenue",
		"value":    19.99,
		"metadata": map[string]string{"sku": "basic"},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s, want 201", recorder.Code, recorder.Body.String())
	}
	var created eventResponse
	decodeJSON(t, recorder, &created)
	if !created.Attributed || created.TraceID != resolution.TraceID {
		t.Fatalf("event attribution=%+v, want attributed to %s", created, resolution.TraceID)
	}
	if created.WorkspaceID != "workspace-1" {
		t.Fatalf("workspace=%q, want workspace-1", created.WorkspaceID)
	}
}

func TestEventsAnonymousModeStoresUnattributed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)

	recorder := env.do(http.MethodPost, "/api/events", map[string]any{
		"name": "signup",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s, want 201 in anonymous mode", recorder.Code, recorder.Body.String())
	}
	var created eventResponse
	decodeJSON(t, recorder, &created)
	if created.Attributed || created.WorkspaceID != "" {
		t.Fatalf("event=%+v, want unattributed with empty workspace", created)
	}
}

func TestEventsRejectBadPayloads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)

	recorder := env.do(http.MethodPost, "/api/events", map[string]any{"category": "revenue"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for missing name", recorder.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for invalid JSON", raw.Code)
	}
}

func TestAggregateEndpointWritesBuckets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	latency := int64(40)
	records := []*servelog.Record{
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 200, Success: true, LatencyMS: &latency, CreatedAt: start.Add(time.Minute)},
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 500, CreatedAt: start.Add(2 * time.Minute)},
	}
	if err := env.logs.WriteBatch(ctx, records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	recorder := env.do(http.MethodPost, "/api/aggregate", map[string]string{
		"period_type":  "hourly",
		"period_start": start.Format(time.RFC3339),
		"period_end":   start.Add(time.Hour).Format(time.RFC3339),
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", recorder.Code, recorder.Body.String())
	}
	var response aggregateResponse
	decodeJSON(t, recorder, &response)
	if response.BucketsWritten != 1 {
		t.Fatalf("buckets_written=%d, want 1", response.BucketsWritten)
	}

	buckets, err := env.logs.ListBuckets(ctx, servelog.BucketFilter{PromptID: "prompt-1"})
	if err != nil {
		t.Fatalf("ListBuckets() error: %v", err)
	}
	if len(buckets) != 1 || buckets[0].TotalRequests != 2 {
		t.Fatalf("buckets=%+v, want one bucket with 2 requests", buckets)
	}
}

func TestAggregateEndpointRejectsBadWindows(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	cases := []struct {
		name string
		body map[string]string
	}{
		{name: "unknown period", body: map[string]string{"period_type": "weekly"}},
		{name: "half window", body: map[string]string{"period_type": "hourly", "period_start": "2026-03-01T10:00:00Z"}},
		{name: "bad timestamp", body: map[string]string{"period_type": "hourly", "period_start": "yesterday", "period_end": "2026-03-01T11:00:00Z"}},
		{name: "inverted window", body: map[string]string{"period_type": "hourly", "period_start": "2026-03-01T11:00:00Z", "period_end": "2026-03-01T10:00:00Z"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			recorder := env.do(http.MethodPost, "/api/aggregate", tc.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s, want 400", recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestConversionEndpointComputesFunnel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := make([]*servelog.Record, 0, 4)
	for i := 0; i < 4; i++ {
		records = append(records, &servelog.Record{
			TraceID:   fmt.Sprintf("trace-%d", i),
			PromptID:  "prompt-1",
			VersionID: "version-1",
			Method:    http.MethodGet,
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := env.logs.WriteBatch(ctx, records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	value := 25.0
	if err := env.logs.WriteEvent(ctx, &servelog.Event{
		ID:        "event-1",
		TraceID:   "trace-2",
		Name:      "purchase",
		Value:     &value,
		CreatedAt: start.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("WriteEvent() error: %v", err)
	}

	recorder := env.do(http.MethodPost, "/api/conversion", map[string]any{
		"source":                  map[string]string{"type": "prompt_requests", "prompt_id": "prompt-1"},
		"target_event_name":       "purchase",
		"conversion_window_hours": 24,
		"metric":                  map[string]string{"type": "sum", "field": "value"},
		"start":                   start.Format(time.RFC3339),
		"end":                     start.Add(time.Hour).Format(time.RFC3339),
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s, want 200", recorder.Code, recorder.Body.String())
	}

	var result funnel.Result
	decodeJSON(t, recorder, &result)
	if result.SourceCount != 4 || result.TargetCount != 1 {
		t.Fatalf("counts=%d/%d, want 4/1", result.SourceCount, result.TargetCount)
	}
	if result.ConversionRate != 25.0 {
		t.Fatalf("conversion_rate=%v, want 25.0", result.ConversionRate)
	}
	if result.TotalValue == nil || *result.TotalValue != 25.0 {
		t.Fatalf("total_value=%v, want 25.0", result.TotalValue)
	}
}

func TestConversionEndpointRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	recorder := env.do(http.MethodPost, "/api/conversion", map[string]any{
		"source":            map[string]string{"type": "warehouse"},
		"target_event_name": "purchase",
		"start":             "2026-03-01T00:00:00Z",
		"end":               "2026-03-01T01:00:00Z",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for unknown source type", recorder.Code)
	}

	recorder = env.do(http.MethodPost, "/api/conversion", map[string]any{
		"source": map[string]string{"type": "prompt_requests", "prompt_id": "p"},
		"start":  "2026-03-01T00:00:00Z",
		"end":    "2026-03-01T01:00:00Z",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 for missing target", recorder.Code)
	}
}

func TestSummaryEndpointUsesCountCache(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	ctx := context.Background()

	recorder := env.do(http.MethodGet, "/api/stats/summary", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}
	var counts servelog.SummaryCounts
	decodeJSON(t, recorder, &counts)
	if counts.Events != 0 {
		t.Fatalf("events=%d, want 0", counts.Events)
	}

	// A write outside the API leaves the cached zero in place.
	if err := env.logs.WriteEvent(ctx, &servelog.Event{ID: "event-1", Name: "signup"}); err != nil {
		t.Fatalf("WriteEvent() error: %v", err)
	}
	recorder = env.do(http.MethodGet, "/api/stats/summary", nil)
	decodeJSON(t, recorder, &counts)
	if counts.Events != 0 {
		t.Fatalf("events=%d, want cached 0", counts.Events)
	}

	// Ingestion through the API invalidates the cache.
	eventRec := env.do(http.MethodPost, "/api/events", map[string]any{"name": "signup"})
	if eventRec.Code != http.StatusCreated {
		t.Fatalf("event status=%d, want 201", eventRec.Code)
	}
	recorder = env.do(http.MethodGet, "/api/stats/summary", nil)
	decodeJSON(t, recorder, &counts)
	if counts.Events != 2 {
		t.Fatalf("events=%d, want 2 after invalidation", counts.Events)
	}
}

func TestExperimentsEndpointListsPromptExperiments(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	prompt, version := env.seedPromptWithProduction(t)
	experiment := env.seedRunningExperiment(t, prompt, version, 10)

	recorder := env.do(http.MethodGet, "/api/experiments?prompt_id="+prompt.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}
	var response experimentsResponse
	decodeJSON(t, recorder, &response)
	if len(response.Items) != 1 {
		t.Fatalf("len(items)=%d, want 1", len(response.Items))
	}
	item := response.Items[0]
	if item.ID != experiment.ID || item.Status != "running" || item.Remaining != 10 {
		t.Fatalf("item=%+v, want running experiment with 10 remaining", item)
	}

	missing := env.do(http.MethodGet, "/api/experiments", nil)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 without prompt_id", missing.Code)
	}
}

func TestRecordsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	ctx := context.Background()

	record := &servelog.Record{
		ID:          "record-1",
		TraceID:     "trace-1",
		PromptID:    "prompt-1",
		Endpoint:    "/api/resolve",
		Method:      http.MethodGet,
		RequestBody: `{"source":"email"}`,
		StatusCode:  200,
		Success:     true,
	}
	if err := env.logs.WriteRecord(ctx, record); err != nil {
		t.Fatalf("WriteRecord() error: %v", err)
	}

	recorder := env.do(http.MethodGet, "/api/records?prompt_id=prompt-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", recorder.Code)
	}
	var listing recordsResponse
	decodeJSON(t, recorder, &listing)
	if len(listing.Items) != 1 || listing.Items[0].ID != "record-1" {
		t.Fatalf("items=%+v, want record-1", listing.Items)
	}

	detailRec := env.do(http.MethodGet, "/api/records/record-1", nil)
	if detailRec.Code != http.StatusOK {
		t.Fatalf("detail status=%d, want 200", detailRec.Code)
	}
	var detail recordDetail
	decodeJSON(t, detailRec, &detail)
	if detail.RequestBody != `{"source":"email"}` {
		t.Fatalf("detail request body=%q, want captured body", detail.RequestBody)
	}

	if rec := env.do(http.MethodGet, "/api/records/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing record status=%d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/records?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d, want 400", rec.Code)
	}
}

func TestHealthAndDiagnosticsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	recorder := env.do(http.MethodGet, "/api/health", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health status=%d, want 200", recorder.Code)
	}
	var health healthResponse
	decodeJSON(t, recorder, &health)
	if health.Status != "ok" || health.StorageDriver != "sqlite" {
		t.Fatalf("health=%+v, want ok/sqlite", health)
	}
	if health.LogPipeline == nil {
		t.Fatal("health missing log pipeline diagnostics")
	}

	diagRec := env.do(http.MethodGet, "/api/diagnostics", nil)
	if diagRec.Code != http.StatusOK {
		t.Fatalf("diagnostics status=%d, want 200", diagRec.Code)
	}
	var diagnostics logPipelineDiagnosticsResponse
	decodeJSON(t, diagRec, &diagnostics)
	if diagnostics.SchemaVersion != logPipelineDiagnosticsSchemaVersion {
		t.Fatalf("schema_version=%q, want %q", diagnostics.SchemaVersion, logPipelineDiagnosticsSchemaVersion)
	}
}

func TestRouterMethodAndCORSHandling(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	if rec := env.do(http.MethodPost, "/api/resolve?owner_key=a&content_key=b", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/events", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}

	preflight := env.do(http.MethodOptions, "/api/resolve", nil)
	if preflight.Code != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", preflight.Code)
	}
	if preflight.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("preflight missing CORS origin header")
	}

	root := env.do(http.MethodGet, "/", nil)
	if root.Code != http.StatusOK {
		t.Fatalf("root status=%d, want 200", root.Code)
	}
	if unknown := env.do(http.MethodGet, "/nope", nil); unknown.Code != http.StatusNotFound {
		t.Fatalf("unknown path status=%d, want 404", unknown.Code)
	}
}
