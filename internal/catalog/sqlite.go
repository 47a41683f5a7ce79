package catalog

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

// SQLiteStore is the sqlite-backed catalog store. SQLite allows only one
// writer at a time, so all mutations are serialized through writeMu to avoid
// SQLITE_BUSY contention; this also makes AllocateVariant's
// read-decide-update transaction atomic with respect to concurrent callers.
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

func (s *SQLiteStore) CreatePrompt(ctx context.Context, prompt Prompt) (*Prompt, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := sqliteutil.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO prompts (id, workspace_id, owner_key, slug, name, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			row.ID, row.WorkspaceID, row.OwnerKey, row.Slug, row.Name, row.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("prompt %s/%s: %w", row.OwnerKey, row.Slug, ErrConflict)
		}
		return nil, fmt.Errorf("create prompt %q: %w", row.ID, err)
	}
	return &row, nil
}

const promptColumns = `id, workspace_id, owner_key, slug, name, CAST(created_at AS TEXT)`

func (s *SQLiteStore) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ? LIMIT 1`, id)
	return scanPrompt(row)
}

func (s *SQLiteStore) GetPromptByKey(ctx context.Context, ownerKey, slug string) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE owner_key = ? AND slug = ? LIMIT 1`, ownerKey, slug)
	return scanPrompt(row)
}

func scanPrompt(row rowScanner) (*Prompt, error) {
	var (
		item          Prompt
		createdAtText sql.NullString
	)
	if err := row.Scan(&item.ID, &item.WorkspaceID, &item.OwnerKey, &item.Slug, &item.Name, &createdAtText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	if createdAtText.Valid {
		parsed, err := sqliteutil.ParseTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse prompt created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	return &item, nil
}

func (s *SQLiteStore) CreateVersion(ctx context.Context, version Version) (*Version, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := sqliteutil.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO versions (id, prompt_id, version_number, status, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			row.ID, row.PromptID, row.VersionNumber, string(row.Status), row.Payload, row.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("version %d of prompt %q: %w", row.VersionNumber, row.PromptID, ErrConflict)
		}
		return nil, fmt.Errorf("create version %q: %w", row.ID, err)
	}
	return &row, nil
}

const versionColumns = `id, prompt_id, version_number, status, payload, CAST(created_at AS TEXT)`

func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = ? LIMIT 1`, id)
	return scanVersion(row)
}

func (s *SQLiteStore) FindVersion(ctx context.Context, promptID string, filter VersionFilter) (*Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE prompt_id = ?`
	args := []any{promptID}
	if filter.VersionNumber > 0 {
		query += ` AND version_number = ?`
		args = append(args, filter.VersionNumber)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanVersion(row)
}

func (s *SQLiteStore) ProductionVersion(ctx context.Context, promptID string) (*Version, error) {
	return s.FindVersion(ctx, promptID, VersionFilter{Status: VersionStatusProduction})
}

func (s *SQLiteStore) PromoteVersion(ctx context.Context, versionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqliteutil.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin promote transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var promptID string
		err = tx.QueryRowContext(ctx, `SELECT prompt_id FROM versions WHERE id = ?`, versionID).Scan(&promptID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load version %q: %w", versionID, err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE versions SET status = ? WHERE prompt_id = ? AND status = ? AND id <> ?`,
			string(VersionStatusInactive), promptID, string(VersionStatusProduction), versionID); err != nil {
			return fmt.Errorf("demote previous production version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE versions SET status = ? WHERE id = ?`,
			string(VersionStatusProduction), versionID); err != nil {
			return fmt.Errorf("promote version %q: %w", versionID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit promote transaction: %w", err)
		}
		return nil
	})
}

func scanVersion(row rowScanner) (*Version, error) {
	var (
		item          Version
		status        string
		createdAtText sql.NullString
	)
	if err := row.Scan(&item.ID, &item.PromptID, &item.VersionNumber, &status, &item.Payload, &createdAtText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	item.Status = VersionStatus(status)
	if createdAtText.Valid {
		parsed, err := sqliteutil.ParseTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse version created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	return &item, nil
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, experiment Experiment) (*Experiment, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := sqliteutil.RetryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO experiments (id, prompt_id, name, version_a_id, version_b_id, total_requests, served_a, served_b, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.PromptID, row.Name, row.VersionAID, row.VersionBID,
			row.TotalRequests, row.ServedA, row.ServedB, string(row.Status), row.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create experiment %q: %w", row.ID, err)
	}
	return &row, nil
}

const experimentColumns = `id, prompt_id, name, version_a_id, version_b_id, total_requests, served_a, served_b, status, CAST(created_at AS TEXT), CAST(completed_at AS TEXT)`

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ? LIMIT 1`, id)
	item, err := scanExperiment(row)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, promptID string) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+experimentColumns+` FROM experiments WHERE prompt_id = ? ORDER BY created_at DESC, id DESC`, promptID)
	if err != nil {
		return nil, fmt.Errorf("list experiments for prompt %q: %w", promptID, err)
	}
	defer rows.Close()

	items := make([]Experiment, 0)
	for rows.Next() {
		item, err := scanExperiment(rows)
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

func (s *SQLiteStore) LatestRunningExperiment(ctx context.Context, promptID string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+experimentColumns+` FROM experiments
WHERE prompt_id = ? AND status = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`, promptID, string(ExperimentStatusRunning))
	return scanExperiment(row)
}

// AllocateVariant runs the read-decide-update cycle inside one transaction
// serialized by writeMu, so concurrent requests cannot jointly overshoot the
// cap or double-complete the experiment.
func (s *SQLiteStore) AllocateVariant(ctx context.Context, experimentID string) (*Allocation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var allocation *Allocation
	err := sqliteutil.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin allocation transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		result, err := allocateInTx(ctx, tx, sqliteDialect{}, experimentID, s.nowFn())
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit allocation transaction: %w", err)
		}
		allocation = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

func (s *SQLiteStore) StartExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusRunning)
}

func (s *SQLiteStore) PauseExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusPaused)
}

func (s *SQLiteStore) ResumeExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusRunning)
}

func (s *SQLiteStore) CompleteExperiment(ctx context.Context, id string) error {
	return s.transition(ctx, id, ExperimentStatusCompleted)
}

func (s *SQLiteStore) transition(ctx context.Context, id string, to ExperimentStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return sqliteutil.RetryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := transitionInTx(ctx, tx, sqliteDialect{}, id, to, s.nowFn()); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition transaction: %w", err)
		}
		return nil
	})
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var (
		item            Experiment
		status          string
		createdAtText   sql.NullString
		completedAtText sql.NullString
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
		&createdAtText,
		&completedAtText,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	item.Status = ExperimentStatus(status)
	if createdAtText.Valid {
		parsed, err := sqliteutil.ParseTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse experiment created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
	if completedAtText.Valid {
		parsed, err := sqliteutil.ParseTimestamp(completedAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse experiment completed_at %q: %w", completedAtText.String, err)
		}
		item.CompletedAt = parsed
	}
	return &item, nil
}

var _ Store = (*SQLiteStore)(nil)
