// Package stats turns raw serving records into the pre-computed aggregate
// buckets the dashboards read, on an hourly and daily cadence.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

// DefaultSourceName labels records whose request body carries no usable
// source field.
const DefaultSourceName = "unknown"

// Aggregator computes aggregate buckets for a time window and replaces them
// in storage. Re-running the same window produces the same rows, so the
// operation is safe to retry.
type Aggregator struct {
	Store  servelog.Store
	Logger *slog.Logger
	nowFn  func() time.Time
}

func NewAggregator(store servelog.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		Store:  store,
		Logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Aggregate computes buckets for records created in [periodStart, periodEnd)
// and upserts them in one transaction. It returns the number of buckets
// written. An empty window writes nothing and returns 0.
func (a *Aggregator) Aggregate(ctx context.Context, periodType servelog.PeriodType, periodStart, periodEnd time.Time) (int, error) {
	if !servelog.KnownPeriodType(periodType) {
		return 0, fmt.Errorf("unknown period type %q", periodType)
	}
	if !periodEnd.After(periodStart) {
		return 0, fmt.Errorf("period end %v must be after start %v", periodEnd, periodStart)
	}

	records, err := a.Store.ListWindowRecords(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, fmt.Errorf("load records for %s window starting %v: %w", periodType, periodStart, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buckets := buildBuckets(records, periodType, periodStart.UTC())
	if err := a.Store.UpsertBuckets(ctx, buckets); err != nil {
		return 0, fmt.Errorf("upsert %d buckets for %s window starting %v: %w", len(buckets), periodType, periodStart, err)
	}
	return len(buckets), nil
}

type bucketKey struct {
	promptID   string
	versionID  string
	sourceName string
}

func buildBuckets(records []*servelog.Record, periodType servelog.PeriodType, periodStart time.Time) []servelog.AggregateBucket {
	grouped := make(map[bucketKey]*servelog.AggregateBucket)
	for _, record := range records {
		if record == nil || record.PromptID == "" {
			continue
		}
		key := bucketKey{
			promptID:   record.PromptID,
			versionID:  record.VersionID,
			sourceName: SourceName(record.RequestBody),
		}
		bucket, ok := grouped[key]
		if !ok {
			bucket = &servelog.AggregateBucket{
				PromptID:    key.promptID,
				VersionID:   key.versionID,
				SourceName:  key.sourceName,
				PeriodType:  periodType,
				PeriodStart: periodStart,
			}
			grouped[key] = bucket
		}
		observe(bucket, record)
	}

	buckets := make([]servelog.AggregateBucket, 0, len(grouped))
	for _, bucket := range grouped {
		finalize(bucket)
		buckets = append(buckets, *bucket)
	}
	// Deterministic output order keeps runs comparable and tests stable.
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].PromptID != buckets[j].PromptID {
			return buckets[i].PromptID < buckets[j].PromptID
		}
		if buckets[i].VersionID != buckets[j].VersionID {
			return buckets[i].VersionID < buckets[j].VersionID
		}
		return buckets[i].SourceName < buckets[j].SourceName
	})
	return buckets
}

func observe(bucket *servelog.AggregateBucket, record *servelog.Record) {
	bucket.TotalRequests++
	if record.Success {
		bucket.SuccessfulRequests++
	} else {
		bucket.FailedRequests++
	}
	bucket.Statuses.Observe(record.StatusCode)

	if record.LatencyMS == nil {
		return
	}
	latency := *record.LatencyMS
	if bucket.LatencyAvgMS == 0 {
		// First latency sample for this bucket.
		bucket.LatencyMinMS = latency
		bucket.LatencyMaxMS = latency
	} else {
		if latency < bucket.LatencyMinMS {
			bucket.LatencyMinMS = latency
		}
		if latency > bucket.LatencyMaxMS {
			bucket.LatencyMaxMS = latency
		}
	}
	bucket.LatencySumMS += latency
	// LatencyAvgMS doubles as the sample count until finalize.
	bucket.LatencyAvgMS++
}

func finalize(bucket *servelog.AggregateBucket) {
	samples := bucket.LatencyAvgMS
	if samples > 0 {
		bucket.LatencyAvgMS = float64(bucket.LatencySumMS) / samples
	} else {
		bucket.LatencyAvgMS = 0
	}
}

// SourceName extracts the traffic source from a captured request body. The
// body is stored text that may not be valid JSON (truncation); anything that
// does not decode to an object with a non-empty string "source" field maps to
// DefaultSourceName.
func SourceName(requestBody string) string {
	if strings.TrimSpace(requestBody) == "" {
		return DefaultSourceName
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(requestBody), &decoded); err != nil {
		return DefaultSourceName
	}
	source, _ := decoded["source"].(string)
	source = strings.TrimSpace(source)
	if source == "" {
		return DefaultSourceName
	}
	return source
}
