package servelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptlane/delivery/internal/sqliteutil"
	"github.com/promptlane/delivery/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the sqlite-backed serving log store. SQLite allows only one
// writer at a time; writes are serialized through writeMu to avoid
// SQLITE_BUSY contention when the Writer and event ingestion write
// concurrently.
type SQLiteStore struct {
	Path    string
	db      *sql.DB
	writeMu sync.Mutex
	nowFn   func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path:  path,
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordInsert = `
INSERT INTO request_logs (
    id, trace_id, correlation_id, workspace_id, prompt_id, version_id, api_key_id,
    endpoint, method, request_body, response_body,
    status_code, success, latency_ms, client_ip, user_agent, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func normalizeRecord(record *Record, now time.Time) *Record {
	row := *record
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.WorkspaceID == "" {
		row.WorkspaceID = "default"
	}
	if row.RequestBody == "" {
		row.RequestBody = "{}"
	}
	if row.ResponseBody == "" {
		row.ResponseBody = "{}"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.CreatedAt = row.CreatedAt.UTC()
	return &row
}

func recordInsertArgs(row *Record) []any {
	var latency any
	if row.LatencyMS != nil {
		latency = *row.LatencyMS
	}
	return []any{
		row.ID, row.TraceID, row.CorrelationID, row.WorkspaceID, row.PromptID, row.VersionID, row.APIKeyID,
		row.Endpoint, row.Method, row.RequestBody, row.ResponseBody,
		row.StatusCode, row.Success, latency, row.ClientIP, row.UserAgent, row.CreatedAt,
	}
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeRecord(record, s.nowFn())
	err := sqliteutil.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, recordInsert, recordInsertArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.nowFn()
	return sqliteutil.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, recordInsert)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row := normalizeRecord(record, now)
			if _, err := stmt.ExecContext(ctx, recordInsertArgs(row)...); err != nil {
				return fmt.Errorf("write record %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

const recordColumns = `id, trace_id, correlation_id, workspace_id, prompt_id, version_id, api_key_id,
    endpoint, method, request_body, response_body,
    status_code, success, latency_ms, client_ip, user_agent, CAST(created_at AS TEXT)`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM request_logs WHERE id = ? LIMIT 1`, id)
	return scanRecord(row)
}

func (s *SQLiteStore) QueryRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM request_logs WHERE 1=1`
	args := make([]any, 0, 8)
	if filter.PromptID != "" {
		query += ` AND prompt_id = ?`
		args = append(args, filter.PromptID)
	}
	if filter.VersionID != "" {
		query += ` AND version_id = ?`
		args = append(args, filter.VersionID)
	}
	if filter.TraceID != "" {
		query += ` AND trace_id = ?`
		args = append(args, filter.TraceID)
	}
	if filter.StatusCode != 0 {
		query += ` AND status_code = ?`
		args = append(args, filter.StatusCode)
	}
	if !filter.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, filter.To.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) ListWindowRecords(ctx context.Context, from, to time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM request_logs
WHERE prompt_id <> '' AND created_at >= ? AND created_at < ?
ORDER BY created_at ASC, id ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list window records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0)
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window records: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		item          Record
		latency       sql.NullInt64
		createdAtText sql.NullString
	)
	if err := row.Scan(
		&item.ID, &item.TraceID, &item.CorrelationID, &item.WorkspaceID, &item.PromptID, &item.VersionID, &item.APIKeyID,
		&item.Endpoint, &item.Method, &item.RequestBody, &item.ResponseBody,
		&item.StatusCode, &item.Success, &latency, &item.ClientIP, &item.UserAgent, &createdAtText,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if latency.Valid {
		value := latency.Int64
		item.LatencyMS = &value
	}
	if createdAtText.Valid {
		parsed, err := sqliteutil.ParseTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse record created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	return &item, nil
}

func (s *SQLiteStore) WriteEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := *event
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Metadata == "" {
		row.Metadata = "{}"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.nowFn()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.Name == "" {
		return fmt.Errorf("event name is required")
	}

	var value any
	if row.Value != nil {
		value = *row.Value
	}
	err := sqliteutil.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO tracked_events (id, workspace_id, trace_id, name, category, value, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.WorkspaceID, row.TraceID, row.Name, row.Category, value, row.Metadata, row.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("write event %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertBuckets(ctx context.Context, buckets []AggregateBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.nowFn()
	return sqliteutil.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bucket upsert transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO aggregate_buckets (
    prompt_id, version_id, source_name, period_type, period_start,
    total_requests, successful_requests, failed_requests,
    status_200_count, status_400_count, status_401_count, status_403_count,
    status_404_count, status_422_count, status_500_count, status_other_count,
    latency_sum_ms, latency_avg_ms, latency_min_ms, latency_max_ms, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (prompt_id, version_id, source_name, period_type, period_start) DO UPDATE SET
    total_requests = excluded.total_requests,
    successful_requests = excluded.successful_requests,
    failed_requests = excluded.failed_requests,
    status_200_count = excluded.status_200_count,
    status_400_count = excluded.status_400_count,
    status_401_count = excluded.status_401_count,
    status_403_count = excluded.status_403_count,
    status_404_count = excluded.status_404_count,
    status_422_count = excluded.status_422_count,
    status_500_count = excluded.status_500_count,
    status_other_count = excluded.status_other_count,
    latency_sum_ms = excluded.latency_sum_ms,
    latency_avg_ms = excluded.latency_avg_ms,
    latency_min_ms = excluded.latency_min_ms,
    latency_max_ms = excluded.latency_max_ms,
    updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare bucket upsert: %w", err)
		}
		defer stmt.Close()

		for _, bucket := range buckets {
			if _, err := stmt.ExecContext(ctx, bucketUpsertArgs(bucket, now)...); err != nil {
				return fmt.Errorf("upsert bucket %s/%s/%s: %w", bucket.PromptID, bucket.VersionID, bucket.SourceName, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit bucket upsert transaction: %w", err)
		}
		return nil
	})
}

func bucketUpsertArgs(bucket AggregateBucket, now time.Time) []any {
	updatedAt := bucket.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return []any{
		bucket.PromptID, bucket.VersionID, bucket.SourceName, string(bucket.PeriodType), bucket.PeriodStart.UTC(),
		bucket.TotalRequests, bucket.SuccessfulRequests, bucket.FailedRequests,
		bucket.Statuses.S200, bucket.Statuses.S400, bucket.Statuses.S401, bucket.Statuses.S403,
		bucket.Statuses.S404, bucket.Statuses.S422, bucket.Statuses.S500, bucket.Statuses.Other,
		bucket.LatencySumMS, bucket.LatencyAvgMS, bucket.LatencyMinMS, bucket.LatencyMaxMS, updatedAt.UTC(),
	}
}

const bucketColumns = `prompt_id, version_id, source_name, period_type, CAST(period_start AS TEXT),
    total_requests, successful_requests, failed_requests,
    status_200_count, status_400_count, status_401_count, status_403_count,
    status_404_count, status_422_count, status_500_count, status_other_count,
    latency_sum_ms, latency_avg_ms, latency_min_ms, latency_max_ms, CAST(updated_at AS TEXT)`

func (s *SQLiteStore) ListBuckets(ctx context.Context, filter BucketFilter) ([]AggregateBucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM aggregate_buckets WHERE 1=1`
	args := make([]any, 0, 6)
	if filter.PromptID != "" {
		query += ` AND prompt_id = ?`
		args = append(args, filter.PromptID)
	}
	if filter.VersionID != "" {
		query += ` AND version_id = ?`
		args = append(args, filter.VersionID)
	}
	if filter.SourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, filter.SourceName)
	}
	if filter.PeriodType != "" {
		query += ` AND period_type = ?`
		args = append(args, string(filter.PeriodType))
	}
	if !filter.From.IsZero() {
		query += ` AND period_start >= ?`
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query += ` AND period_start < ?`
		args = append(args, filter.To.UTC())
	}
	query += ` ORDER BY period_start ASC, prompt_id ASC, version_id ASC, source_name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	items := make([]AggregateBucket, 0)
	for rows.Next() {
		var (
			item            AggregateBucket
			periodType      string
			periodStartText sql.NullString
			updatedAtText   sql.NullString
		)
		if err := rows.Scan(
			&item.PromptID, &item.VersionID, &item.SourceName, &periodType, &periodStartText,
			&item.TotalRequests, &item.SuccessfulRequests, &item.FailedRequests,
			&item.Statuses.S200, &item.Statuses.S400, &item.Statuses.S401, &item.Statuses.S403,
			&item.Statuses.S404, &item.Statuses.S422, &item.Statuses.S500, &item.Statuses.Other,
			&item.LatencySumMS, &item.LatencyAvgMS, &item.LatencyMinMS, &item.LatencyMaxMS, &updatedAtText,
		); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		item.PeriodType = PeriodType(periodType)
		if periodStartText.Valid {
			parsed, err := sqliteutil.ParseTimestamp(periodStartText.String)
			if err != nil {
				return nil, fmt.Errorf("parse bucket period_start %q: %w", periodStartText.String, err)
			}
			item.PeriodStart = parsed
		}
		if updatedAtText.Valid {
			parsed, err := sqliteutil.ParseTimestamp(updatedAtText.String)
			if err != nil {
				return nil, fmt.Errorf("parse bucket updated_at %q: %w", updatedAtText.String, err)
			}
			item.UpdatedAt = parsed
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) ServeTimes(ctx context.Context, promptID string, from, to time.Time) ([]TraceTime, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trace_id, CAST(MIN(created_at) AS TEXT)
FROM request_logs
WHERE prompt_id = ? AND trace_id <> '' AND created_at >= ? AND created_at < ?
GROUP BY trace_id
ORDER BY trace_id ASC`, promptID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query serve times: %w", err)
	}
	defer rows.Close()

	items := make([]TraceTime, 0)
	for rows.Next() {
		var (
			item   TraceTime
			atText string
		)
		if err := rows.Scan(&item.TraceID, &atText); err != nil {
			return nil, fmt.Errorf("scan serve time: %w", err)
		}
		parsed, err := sqliteutil.ParseTimestamp(atText)
		if err != nil {
			return nil, fmt.Errorf("parse serve time %q: %w", atText, err)
		}
		item.At = parsed
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate serve times: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) EventTimes(ctx context.Context, name, category string, from, to time.Time) ([]EventOccurrence, error) {
	query := `
SELECT trace_id, CAST(created_at AS TEXT), value
FROM tracked_events
WHERE name = ? AND created_at >= ? AND created_at < ?`
	args := []any{name, from.UTC(), to.UTC()}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event times: %w", err)
	}
	defer rows.Close()

	items := make([]EventOccurrence, 0)
	for rows.Next() {
		var (
			item   EventOccurrence
			atText string
			value  sql.NullFloat64
		)
		if err := rows.Scan(&item.TraceID, &atText, &value); err != nil {
			return nil, fmt.Errorf("scan event time: %w", err)
		}
		parsed, err := sqliteutil.ParseTimestamp(atText)
		if err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", atText, err)
		}
		item.At = parsed
		if value.Valid {
			v := value.Float64
			item.Value = &v
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event times: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) SummaryCounts(ctx context.Context) (SummaryCounts, error) {
	var counts SummaryCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&counts.Records); err != nil {
		return SummaryCounts{}, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_events`).Scan(&counts.Events); err != nil {
		return SummaryCounts{}, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aggregate_buckets`).Scan(&counts.Buckets); err != nil {
		return SummaryCounts{}, fmt.Errorf("count buckets: %w", err)
	}
	return counts, nil
}

var _ Store = (*SQLiteStore)(nil)
