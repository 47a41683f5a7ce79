package servelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptlane/delivery/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the postgres-backed serving log store.
type PostgresStore struct {
	DSN   string
	db    *sql.DB
	nowFn func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres serving log store: %w", err)
	}
	store := &PostgresStore{
		DSN:   dsn,
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresRecordInsert = `
INSERT INTO request_logs (
    id, trace_id, correlation_id, workspace_id, prompt_id, version_id, api_key_id,
    endpoint, method, request_body, response_body,
    status_code, success, latency_ms, client_ip, user_agent, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func (s *PostgresStore) WriteRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}

	row := normalizeRecord(record, s.nowFn())
	if _, err := s.db.ExecContext(ctx, postgresRecordInsert, recordInsertArgs(row)...); err != nil {
		return fmt.Errorf("write record %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresRecordInsert)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	now := s.nowFn()
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
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

const postgresRecordColumns = `id, trace_id, correlation_id, workspace_id, prompt_id, version_id, api_key_id,
    endpoint, method, request_body, response_body,
    status_code, success, latency_ms, client_ip, user_agent, created_at`

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+postgresRecordColumns+` FROM request_logs WHERE id = $1 LIMIT 1`, id)
	return scanPostgresRecord(row)
}

func (s *PostgresStore) QueryRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	query := `SELECT ` + postgresRecordColumns + ` FROM request_logs WHERE 1=1`
	args := make([]any, 0, 8)
	if filter.PromptID != "" {
		args = append(args, filter.PromptID)
		query += fmt.Sprintf(" AND prompt_id = $%d", len(args))
	}
	if filter.VersionID != "" {
		args = append(args, filter.VersionID)
		query += fmt.Sprintf(" AND version_id = $%d", len(args))
	}
	if filter.TraceID != "" {
		args = append(args, filter.TraceID)
		query += fmt.Sprintf(" AND trace_id = $%d", len(args))
	}
	if filter.StatusCode != 0 {
		args = append(args, filter.StatusCode)
		query += fmt.Sprintf(" AND status_code = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0)
	for rows.Next() {
		item, err := scanPostgresRecord(rows)
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

func (s *PostgresStore) ListWindowRecords(ctx context.Context, from, to time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postgresRecordColumns+` FROM request_logs
WHERE prompt_id <> '' AND created_at >= $1 AND created_at < $2
ORDER BY created_at ASC, id ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list window records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0)
	for rows.Next() {
		item, err := scanPostgresRecord(rows)
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

func scanPostgresRecord(row rowScanner) (*Record, error) {
	var (
		item    Record
		latency sql.NullInt64
	)
	if err := row.Scan(
		&item.ID, &item.TraceID, &item.CorrelationID, &item.WorkspaceID, &item.PromptID, &item.VersionID, &item.APIKeyID,
		&item.Endpoint, &item.Method, &item.RequestBody, &item.ResponseBody,
		&item.StatusCode, &item.Success, &latency, &item.ClientIP, &item.UserAgent, &item.CreatedAt,
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
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *PostgresStore) WriteEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}

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
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO tracked_events (id, workspace_id, trace_id, name, category, value, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.WorkspaceID, row.TraceID, row.Name, row.Category, value, row.Metadata, row.CreatedAt); err != nil {
		return fmt.Errorf("write event %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertBuckets(ctx context.Context, buckets []AggregateBucket) error {
	if len(buckets) == 0 {
		return nil
	}

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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
ON CONFLICT (prompt_id, version_id, source_name, period_type, period_start) DO UPDATE SET
    total_requests = EXCLUDED.total_requests,
    successful_requests = EXCLUDED.successful_requests,
    failed_requests = EXCLUDED.failed_requests,
    status_200_count = EXCLUDED.status_200_count,
    status_400_count = EXCLUDED.status_400_count,
    status_401_count = EXCLUDED.status_401_count,
    status_403_count = EXCLUDED.status_403_count,
    status_404_count = EXCLUDED.status_404_count,
    status_422_count = EXCLUDED.status_422_count,
    status_500_count = EXCLUDED.status_500_count,
    status_other_count = EXCLUDED.status_other_count,
    latency_sum_ms = EXCLUDED.latency_sum_ms,
    latency_avg_ms = EXCLUDED.latency_avg_ms,
    latency_min_ms = EXCLUDED.latency_min_ms,
    latency_max_ms = EXCLUDED.latency_max_ms,
    updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare bucket upsert: %w", err)
	}
	defer stmt.Close()

	now := s.nowFn()
	for _, bucket := range buckets {
		if _, err := stmt.ExecContext(ctx, bucketUpsertArgs(bucket, now)...); err != nil {
			return fmt.Errorf("upsert bucket %s/%s/%s: %w", bucket.PromptID, bucket.VersionID, bucket.SourceName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bucket upsert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBuckets(ctx context.Context, filter BucketFilter) ([]AggregateBucket, error) {
	query := `
SELECT prompt_id, version_id, source_name, period_type, period_start,
    total_requests, successful_requests, failed_requests,
    status_200_count, status_400_count, status_401_count, status_403_count,
    status_404_count, status_422_count, status_500_count, status_other_count,
    latency_sum_ms, latency_avg_ms, latency_min_ms, latency_max_ms, updated_at
FROM aggregate_buckets WHERE 1=1`
	args := make([]any, 0, 6)
	if filter.PromptID != "" {
		args = append(args, filter.PromptID)
		query += fmt.Sprintf(" AND prompt_id = $%d", len(args))
	}
	if filter.VersionID != "" {
		args = append(args, filter.VersionID)
		query += fmt.Sprintf(" AND version_id = $%d", len(args))
	}
	if filter.SourceName != "" {
		args = append(args, filter.SourceName)
		query += fmt.Sprintf(" AND source_name = $%d", len(args))
	}
	if filter.PeriodType != "" {
		args = append(args, string(filter.PeriodType))
		query += fmt.Sprintf(" AND period_type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		query += fmt.Sprintf(" AND period_start >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		query += fmt.Sprintf(" AND period_start < $%d", len(args))
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
			item       AggregateBucket
			periodType string
		)
		if err := rows.Scan(
			&item.PromptID, &item.VersionID, &item.SourceName, &periodType, &item.PeriodStart,
			&item.TotalRequests, &item.SuccessfulRequests, &item.FailedRequests,
			&item.Statuses.S200, &item.Statuses.S400, &item.Statuses.S401, &item.Statuses.S403,
			&item.Statuses.S404, &item.Statuses.S422, &item.Statuses.S500, &item.Statuses.Other,
			&item.LatencySumMS, &item.LatencyAvgMS, &item.LatencyMinMS, &item.LatencyMaxMS, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		item.PeriodType = PeriodType(periodType)
		item.PeriodStart = item.PeriodStart.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ServeTimes(ctx context.Context, promptID string, from, to time.Time) ([]TraceTime, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trace_id, MIN(created_at)
FROM request_logs
WHERE prompt_id = $1 AND trace_id <> '' AND created_at >= $2 AND created_at < $3
GROUP BY trace_id
ORDER BY trace_id ASC`, promptID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query serve times: %w", err)
	}
	defer rows.Close()

	items := make([]TraceTime, 0)
	for rows.Next() {
		var item TraceTime
		if err := rows.Scan(&item.TraceID, &item.At); err != nil {
			return nil, fmt.Errorf("scan serve time: %w", err)
		}
		item.At = item.At.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate serve times: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) EventTimes(ctx context.Context, name, category string, from, to time.Time) ([]EventOccurrence, error) {
	query := `
SELECT trace_id, created_at, value
FROM tracked_events
WHERE name = $1 AND created_at >= $2 AND created_at < $3`
	args := []any{name, from.UTC(), to.UTC()}
	if category != "" {
		args = append(args, category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
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
			item  EventOccurrence
			value sql.NullFloat64
		)
		if err := rows.Scan(&item.TraceID, &item.At, &value); err != nil {
			return nil, fmt.Errorf("scan event time: %w", err)
		}
		item.At = item.At.UTC()
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

func (s *PostgresStore) SummaryCounts(ctx context.Context) (SummaryCounts, error) {
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

var _ Store = (*PostgresStore)(nil)
