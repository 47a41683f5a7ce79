package catalog

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

// PostgresStore is the postgres-backed catalog store. AllocateVariant relies
// on a row-level lock (SELECT ... FOR UPDATE) instead of a process-wide
// mutex, so multiple delivery processes can allocate against the same
// experiment without overshooting the cap.
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
		return nil, fmt.Errorf("open postgres catalog store: %w", err)
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

func (s *PostgresStore) CreatePrompt(ctx context.Context, prompt Prompt) (*Prompt, error) {
	row := prompt
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.WorkspaceID == "" {
		row.WorkspaceID = "default"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.nowFn()
	}
	if row.OwnerKey == "" || row.Slug == "" {
		return nil, fmt.Errorf("prompt owner_key and slug are required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO prompts (id, workspace_id, owner_key, slug, name, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		row.ID, row.WorkspaceID, row.OwnerKey, row.Slug, row.Name, row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("prompt %s/%s: %w", row.OwnerKey, row.Slug, ErrConflict)
		}
		return nil, fmt.Errorf("create prompt %q: %w", row.ID, err)
	}
	return &row, nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, owner_key, slug, name, created_at
FROM prompts WHERE id = $1 LIMIT 1`, id)
	return scanPostgresPrompt(row)
}

func (s *PostgresStore) GetPromptByKey(ctx context.Context, ownerKey, slug string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workspace_id, owner_key, slug, name, created_at
FROM prompts WHERE owner_key = $1 AND slug = $2 LIMIT 1`, ownerKey, slug)
	return scanPostgresPrompt(row)
}

func scanPostgresPrompt(row rowScanner) (*Prompt, error) {
	var item Prompt
	if err := row.Scan(&item.ID, &item.WorkspaceID, &item.OwnerKey, &item.Slug, &item.Name, &item.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, version Version) (*Version, error) {
	row := version
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = VersionStatusDraft
	}
	if !KnownVersionStatus(row.Status) {
		return nil, fmt.Errorf("unknown version status %q", row.Status)
	}
	if row.Payload == "" {
		row.Payload = "{}"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.nowFn()
	}
	if row.PromptID == "" {
		return nil, fmt.Errorf("version prompt_id is required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO versions (id, prompt_id, version_number, status, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		row.ID, row.PromptID, row.VersionNumber, string(row.Status), row.Payload, row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("version %d of prompt %q: %w", row.VersionNumber, row.PromptID, ErrConflict)
		}
		return nil, fmt.Errorf("create version %q: %w", row.ID, err)
	}
	return &row, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, prompt_id, version_number, status, payload, created_at
FROM versions WHERE id = $1 LIMIT 1`, id)
	return scanPostgresVersion(row)
}

func (s *PostgresStore) FindVersion(ctx context.Context, promptID string, filter VersionFilter) (*Version, error) {
	query := `
SELECT id, prompt_id, version_number, status, payload, created_at
FROM versions WHERE prompt_id = $1`
	args := []any{promptID}
	if filter.VersionNumber > 0 {
		args = append(args, filter.VersionNumber)
		query += fmt.Sprintf(" AND version_number = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanPostgresVersion(row)
}

func (s *PostgresStore) ProductionVersion(ctx context.Context, promptID string) (*Version, error) {
	return s.FindVersion(ctx, promptID, VersionFilter{Status: VersionStatusProduction})
}

func (s *PostgresStore) PromoteVersion(ctx context.Context, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var promptID string
	err = tx.QueryRowContext(ctx, `SELECT prompt_id FROM versions WHERE id = $1 FOR UPDATE`, versionID).Scan(&promptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load version %q: %w", versionID, err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE versions SET status = $1 WHERE prompt_id = $2 AND status = $3 AND id <> $4`,
		string(VersionStatusInactive), promptID, string(VersionStatusProduction), versionID); err != nil {
		return fmt.Errorf("demote previous production version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE versions SET status = $1 WHERE id = $2`,
		string(VersionStatusProduction), versionID); err != nil {
		return fmt.Errorf("promote version %q: %w", versionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote transaction: %w", err)
	}
	return nil
}

func scanPostgresVersion(row rowScanner) (*Version, error) {
	var (
		item   Version
		status string
	)
	if err := row.Scan(&item.ID, &item.PromptID, &item.VersionNumber, &status, &item.Payload, &item.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	item.Status = VersionStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, experiment Experiment) (*Experiment, error) {
	row := experiment
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = ExperimentStatusDraft
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.nowFn()
	}
	if row.PromptID == "" || row.VersionAID == "" || row.VersionBID == "" {
		return nil, fmt.Errorf("experiment prompt_id, version_a_id, and version_b_id are required")
	}
	if row.TotalRequests <= 0 {
		return nil, fmt.Errorf("experiment total_requests must be positive (got %d)", row.TotalRequests)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO experiments (id, prompt_id, name, version_a_id, version_b_id, total_requests, served_a, served_b, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.PromptID, row.Name, row.VersionAID, row.VersionBID,
		row.TotalRequests, row.ServedA, row.ServedB, string(row.Status), row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create experiment %q: %w", row.ID, err)
	}
	return &row, nil
}

const postgresExperimentColumns = `id, prompt_id, name, version_a_id, version_b_id, total_requests, served_a, served_b, status, created_at, completed_at`

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+postgresExperimentColumns+` FROM experiments WHERE id = $1 LIMIT 1`, id)
	return scanPostgresExperiment(row)
}

func (s *PostgresStore) ListExperiments(ctx context.Context, promptID string) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postgresExperimentColumns+` FROM experiments WHERE prompt_id = $1 ORDER BY created_at DESC, id DESC`, promptID)
	if err != nil {
		return nil, fmt.Errorf("list experiments for prompt %q: %w", promptID, err)
	}
	defer rows.Close()

	items := make([]Experiment, 0)
	for rows.Next() {
		item, err := scanPostgresExperiment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) LatestRunningExperiment(ctx context.Context, promptID string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+postgresExperimentColumns+` FROM experiments
WHERE prompt_id = $1 AND status = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, promptID, string(ExperimentStatusRunning))
	return scanPostgresExperiment(row)
}

func (s *PostgresStore) AllocateVariant(ctx context.Context, experimentID string) (*Allocation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin allocation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	allocation, err := allocateInTx(ctx, tx, postgresDialect{}, experimentID, s.nowFn())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit allocation transaction: %w", err)
	}
	return allocation, nil
}

func (s *PostgresStore) StartExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusRunning)
}

func (s *PostgresStore) PauseExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusPaused)
}

func (s *PostgresStore) ResumeExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusRunning)
}

func (s *PostgresStore) CompleteExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusCompleted)
}

func (s *PostgresStore) transition(ctx context.Context, id string, to ExperimentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := transitionInTx(ctx, tx, postgresDialect{}, id, to, s.nowFn()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition transaction: %w", err)
	}
	return nil
}

func scanPostgresExperiment(row rowScanner) (*Experiment, error) {
	var (
		item        Experiment
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.PromptID,
		&item.Name,
		&item.VersionAID,
		&item.VersionBID,
		&item.TotalRequests,
		&item.ServedA,
		&item.ServedB,
		&status,
		&item.CreatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	item.Status = ExperimentStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	if completedAt.Valid {
		item.CompletedAt = completedAt.Time.UTC()
	}
	return &item, nil
}

var _ Store = (*PostgresStore)(nil)
