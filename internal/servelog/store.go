package servelog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("serving log record not found")

// RecordFilter narrows QueryRecords. Zero values mean "not set".
type RecordFilter struct {
	PromptID   string
	VersionID  string
	TraceID    string
	StatusCode int
	From       time.Time
	To         time.Time
	Limit      int
}

// BucketFilter narrows ListBuckets. Zero values mean "not set".
type BucketFilter struct {
	PromptID   string
	VersionID  string
	SourceName string
	PeriodType PeriodType
	From       time.Time
	To         time.Time
}

// SummaryCounts are the cheap dashboard totals served through the count
// cache.
type SummaryCounts struct {
	Records int64 `json:"records"`
	Events  int64 `json:"events"`
	Buckets int64 `json:"buckets"`
}

// Store is the persistence boundary for serving records, tracked events, and
// aggregate buckets.
//
// WriteRecord and WriteBatch sit on the asynchronous write path behind the
// Writer; everything else is called synchronously by the aggregator, the
// funnel calculator, and the read API.
type Store interface {
	WriteRecord(ctx context.Context, record *Record) error
	WriteBatch(ctx context.Context, records []*Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	QueryRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)

	// ListWindowRecords returns the records created in [from, to) that carry
	// a prompt id, ordered by creation time. The aggregator's input.
	ListWindowRecords(ctx context.Context, from, to time.Time) ([]*Record, error)

	// UpsertBuckets replaces the given buckets by natural key inside one
	// transaction. Either every bucket lands or none do.
	UpsertBuckets(ctx context.Context, buckets []AggregateBucket) error
	ListBuckets(ctx context.Context, filter BucketFilter) ([]AggregateBucket, error)

	WriteEvent(ctx context.Context, event *Event) error

	// ServeTimes returns the earliest serving timestamp per trace id for the
	// prompt's records created in [from, to).
	ServeTimes(ctx context.Context, promptID string, from, to time.Time) ([]TraceTime, error)
	// EventTimes returns occurrences of the named event (optionally filtered
	// by category) created in [from, to).
	EventTimes(ctx context.Context, name, category string, from, to time.Time) ([]EventOccurrence, error)

	SummaryCounts(ctx context.Context) (SummaryCounts, error)

	Close() error
}
