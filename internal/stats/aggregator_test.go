package stats

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

type fakeStore struct {
	servelog.Store

	records    []*servelog.Record
	listErr    error
	upserted   [][]servelog.AggregateBucket
	upsertErr  error
	upsertSeen int
}

func (f *fakeStore) ListWindowRecords(_ context.Context, _, _ time.Time) ([]*servelog.Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.records, nil
}

func (f *fakeStore) UpsertBuckets(_ context.Context, buckets []servelog.AggregateBucket) error {
	f.upsertSeen++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, buckets)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func latencyPtr(v int64) *int64 { return &v }

func testWindow() (time.Time, time.Time) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return start, start.Add(time.Hour)
}

func TestAggregateGroupsByPromptVersionAndSource(t *testing.T) {
	t.Parallel()

	start, end := testWindow()
	store := &fakeStore{records: []*servelog.Record{
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 200, Success: true, LatencyMS: latencyPtr(100)},
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 200, Success: true, LatencyMS: latencyPtr(300)},
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"web"}`, StatusCode: 200, Success: true},
		{PromptID: "prompt-1", VersionID: "version-2", RequestBody: `{"source":"email"}`, StatusCode: 500, Success: false},
		{PromptID: "prompt-2", VersionID: "version-9", StatusCode: 200, Success: true},
	}}
	aggregator := NewAggregator(store, testLogger())

	written, err := aggregator.Aggregate(context.Background(), servelog.PeriodHourly, start, end)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if written != 4 {
		t.Fatalf("buckets written=%d, want 4", written)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("upsert calls=%d, want 1 (single transaction)", len(store.upserted))
	}

	buckets := store.upserted[0]
	// Deterministic order: prompt, version, source ascending.
	wantKeys := []struct{ prompt, version, source string }{
		{"prompt-1", "version-1", "email"},
		{"prompt-1", "version-1", "web"},
		{"prompt-1", "version-2", "email"},
		{"prompt-2", "version-9", "unknown"},
	}
	for i, want := range wantKeys {
		got := buckets[i]
		if got.PromptID != want.prompt || got.VersionID != want.version || got.SourceName != want.source {
			t.Fatalf("bucket[%d]=%s/%s/%s, want %s/%s/%s",
				i, got.PromptID, got.VersionID, got.SourceName, want.prompt, want.version, want.source)
		}
		if got.PeriodType != servelog.PeriodHourly || !got.PeriodStart.Equal(start) {
			t.Fatalf("bucket[%d] window=%s/%v, want hourly/%v", i, got.PeriodType, got.PeriodStart, start)
		}
	}

	email := buckets[0]
	if email.TotalRequests != 2 || email.SuccessfulRequests != 2 || email.FailedRequests != 0 {
		t.Fatalf("email bucket totals=%d/%d/%d, want 2/2/0",
			email.TotalRequests, email.SuccessfulRequests, email.FailedRequests)
	}
	if email.LatencySumMS != 400 || email.LatencyAvgMS != 200 || email.LatencyMinMS != 100 || email.LatencyMaxMS != 300 {
		t.Fatalf("email latency sum/avg/min/max=%d/%v/%d/%d, want 400/200/100/300",
			email.LatencySumMS, email.LatencyAvgMS, email.LatencyMinMS, email.LatencyMaxMS)
	}

	web := buckets[1]
	if web.TotalRequests != 1 {
		t.Fatalf("web bucket total=%d, want 1", web.TotalRequests)
	}
	if web.LatencySumMS != 0 || web.LatencyAvgMS != 0 {
		t.Fatalf("web latency sum/avg=%d/%v, want 0/0 (no latency reported)", web.LatencySumMS, web.LatencyAvgMS)
	}
}

func TestAggregateBuildsStatusHistogram(t *testing.T) {
	t.Parallel()

	start, end := testWindow()
	records := make([]*servelog.Record, 0, 7)
	for _, status := range []int{200, 200, 200, 404, 404, 500, 418} {
		records = append(records, &servelog.Record{
			PromptID:   "prompt-1",
			VersionID:  "version-1",
			StatusCode: status,
			Success:    status == 200,
		})
	}
	store := &fakeStore{records: records}
	aggregator := NewAggregator(store, testLogger())

	if _, err := aggregator.Aggregate(context.Background(), servelog.PeriodHourly, start, end); err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}

	bucket := store.upserted[0][0]
	if bucket.TotalRequests != 7 || bucket.SuccessfulRequests != 3 || bucket.FailedRequests != 4 {
		t.Fatalf("totals=%d/%d/%d, want 7/3/4",
			bucket.TotalRequests, bucket.SuccessfulRequests, bucket.FailedRequests)
	}
	if bucket.Statuses.S200 != 3 || bucket.Statuses.S404 != 2 || bucket.Statuses.S500 != 1 || bucket.Statuses.Other != 1 {
		t.Fatalf("histogram=%+v, want S200=3 S404=2 S500=1 Other=1", bucket.Statuses)
	}
	if bucket.Statuses.Total() != bucket.TotalRequests {
		t.Fatalf("histogram total=%d, want %d", bucket.Statuses.Total(), bucket.TotalRequests)
	}
}

func TestAggregateRejectsBadArguments(t *testing.T) {
	t.Parallel()

	start, end := testWindow()
	aggregator := NewAggregator(&fakeStore{}, testLogger())

	if _, err := aggregator.Aggregate(context.Background(), "weekly", start, end); err == nil {
		t.Fatal("unknown period type should be rejected")
	}
	if _, err := aggregator.Aggregate(context.Background(), servelog.PeriodHourly, end, start); err == nil {
		t.Fatal("inverted window should be rejected")
	}
}

func TestAggregateEmptyWindowWritesNothing(t *testing.T) {
	t.Parallel()

	start, end := testWindow()
	store := &fakeStore{}
	aggregator := NewAggregator(store, testLogger())

	written, err := aggregator.Aggregate(context.Background(), servelog.PeriodHourly, start, end)
	if err != nil {
		t.Fatalf("Aggregate() error: %v", err)
	}
	if written != 0 {
		t.Fatalf("buckets written=%d, want 0", written)
	}
	if store.upsertSeen != 0 {
		t.Fatal("empty window should not touch storage")
	}
}

func TestAggregateSurfacesUpsertFailure(t *testing.T) {
	t.Parallel()

	start, end := testWindow()
	store := &fakeStore{
		records:   []*servelog.Record{{PromptID: "prompt-1", StatusCode: 200, Success: true}},
		upsertErr: errors.New("connection refused"),
	}
	aggregator := NewAggregator(store, testLogger())

	written, err := aggregator.Aggregate(context.Background(), servelog.PeriodHourly, start, end)
	if err == nil {
		t.Fatal("upsert failure must fail the run")
	}
	if written != 0 {
		t.Fatalf("buckets written=%d, want 0 on failure", written)
	}
}

func TestAggregateIsIdempotentAgainstSQLite(t *testing.T) {
	t.Parallel()

	store, err := servelog.NewSQLiteStore(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	start, end := testWindow()
	records := []*servelog.Record{
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 200, Success: true, LatencyMS: latencyPtr(50), CreatedAt: start.Add(time.Minute)},
		{PromptID: "prompt-1", VersionID: "version-1", RequestBody: `{"source":"email"}`, StatusCode: 404, CreatedAt: start.Add(2 * time.Minute)},
	}
	if err := store.WriteBatch(ctx, records); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	aggregator := NewAggregator(store, testLogger())
	for run := 0; run < 2; run++ {
		written, err := aggregator.Aggregate(ctx, servelog.PeriodHourly, start, end)
		if err != nil {
			t.Fatalf("Aggregate() run %d error: %v", run+1, err)
		}
		if written != 1 {
			t.Fatalf("run %d buckets written=%d, want 1", run+1, written)
		}
	}

	buckets, err := store.ListBuckets(ctx, servelog.BucketFilter{PromptID: "prompt-1"})
	if err != nil {
		t.Fatalf("ListBuckets() error: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("len(buckets)=%d, want 1 after repeated runs", len(buckets))
	}
	got := buckets[0]
	if got.TotalRequests != 2 || got.SuccessfulRequests != 1 || got.FailedRequests != 1 {
		t.Fatalf("totals=%d/%d/%d, want 2/1/1", got.TotalRequests, got.SuccessfulRequests, got.FailedRequests)
	}
	if got.Statuses.S200 != 1 || got.Statuses.S404 != 1 {
		t.Fatalf("histogram=%+v, want S200=1 S404=1", got.Statuses)
	}
	if got.LatencySumMS != 50 || got.LatencyAvgMS != 50 {
		t.Fatalf("latency sum/avg=%d/%v, want 50/50 (nil latency excluded)", got.LatencySumMS, got.LatencyAvgMS)
	}
}

func TestSourceName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "present", body: `{"source":"email"}`, want: "email"},
		{name: "missing field", body: `{"user":"u1"}`, want: DefaultSourceName},
		{name: "empty body", body: "", want: DefaultSourceName},
		{name: "empty object", body: "{}", want: DefaultSourceName},
		{name: "non-string source", body: `{"source":42}`, want: DefaultSourceName},
		{name: "blank source", body: `{"source":"  "}`, want: DefaultSourceName},
		{name: "invalid json", body: `{"source":"em`, want: DefaultSourceName},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SourceName(tc.body); got != tc.want {
				t.Fatalf("SourceName(%q)=%q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

func TestPreviousWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 42, 17, 0, time.UTC)

	hourStart, hourEnd := PreviousHourWindow(now)
	if !hourStart.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("hour start=%v, want 09:00", hourStart)
	}
	if hourEnd.Sub(hourStart) != time.Hour {
		t.Fatalf("hour window=%v, want 1h", hourEnd.Sub(hourStart))
	}

	dayStart, dayEnd := PreviousDayWindow(now)
	if !dayStart.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day start=%v, want previous midnight", dayStart)
	}
	if dayEnd.Sub(dayStart) != 24*time.Hour {
		t.Fatalf("day window=%v, want 24h", dayEnd.Sub(dayStart))
	}
}
