package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// dialect abstracts the two SQL differences between the backends that matter
// inside shared transaction bodies: placeholder style and row locking.
type dialect interface {
	// rebind converts ?-style placeholders to the driver's native style.
	rebind(query string) string
	// lockClause returns the suffix that locks the selected row for the
	// duration of the transaction ("" when the backend serializes writes
	// externally, as the sqlite store does with its write mutex).
	lockClause() string
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }
func (sqliteDialect) lockClause() string         { return "" }

type postgresDialect struct{}

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	arg := 0
	for _, r := range query {
		if r == '?' {
			arg++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) lockClause() string { return " FOR UPDATE" }

// allocateInTx implements the allocation step shared by both stores. The
// caller provides a transaction that already serializes concurrent access to
// the experiment row (row lock on postgres, package write mutex on sqlite).
func allocateInTx(ctx context.Context, tx *sql.Tx, d dialect, experimentID string, now time.Time) (*Allocation, error) {
	var (
		name       string
		versionAID string
		versionBID string
		total      int64
		servedA    int64
		servedB    int64
		status     string
	)
	err := tx.QueryRowContext(ctx, d.rebind(`
SELECT name, version_a_id, version_b_id, total_requests, served_a, served_b, status
FROM experiments
WHERE id = ?`)+d.lockClause(), experimentID).Scan(
		&name, &versionAID, &versionBID, &total, &servedA, &servedB, &status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load experiment %q: %w", experimentID, err)
	}

	if ExperimentStatus(status) != ExperimentStatusRunning {
		return nil, fmt.Errorf("experiment %q is %s: %w", experimentID, status, ErrInvalidState)
	}

	if servedA+servedB >= total {
		// The cap was reached by an earlier allocation; retire the experiment
		// exactly once and report no remaining capacity.
		if _, err := tx.ExecContext(ctx, d.rebind(`
UPDATE experiments SET status = ?, completed_at = ? WHERE id = ? AND status = ?`),
			string(ExperimentStatusCompleted), now, experimentID, string(ExperimentStatusRunning)); err != nil {
			return nil, fmt.Errorf("complete exhausted experiment %q: %w", experimentID, err)
		}
		return nil, ErrCapExhausted
	}

	variant := VariantA
	versionID := versionAID
	if servedA > servedB {
		variant = VariantB
		versionID = versionBID
	}
	if variant == VariantA {
		servedA++
	} else {
		servedB++
	}

	if servedA+servedB >= total {
		if _, err := tx.ExecContext(ctx, d.rebind(`
UPDATE experiments SET served_a = ?, served_b = ?, status = ?, completed_at = ? WHERE id = ?`),
			servedA, servedB, string(ExperimentStatusCompleted), now, experimentID); err != nil {
			return nil, fmt.Errorf("record final allocation for experiment %q: %w", experimentID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, d.rebind(`
UPDATE experiments SET served_a = ?, served_b = ? WHERE id = ?`),
			servedA, servedB, experimentID); err != nil {
			return nil, fmt.Errorf("record allocation for experiment %q: %w", experimentID, err)
		}
	}

	return &Allocation{
		ExperimentID:   experimentID,
		ExperimentName: name,
		VersionID:      versionID,
		Variant:        variant,
	}, nil
}

// transitionInTx applies a lifecycle transition after validating it against
// the experiment state machine.
func transitionInTx(ctx context.Context, tx *sql.Tx, d dialect, experimentID string, to ExperimentStatus, now time.Time) error {
	var status string
	err := tx.QueryRowContext(ctx, d.rebind(`
SELECT status FROM experiments WHERE id = ?`)+d.lockClause(), experimentID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load experiment %q: %w", experimentID, err)
	}

	from := ExperimentStatus(status)
	if !canTransition(from, to) {
		return fmt.Errorf("experiment %q cannot move %s -> %s: %w", experimentID, from, to, ErrInvalidState)
	}

	if to == ExperimentStatusCompleted {
		_, err = tx.ExecContext(ctx, d.rebind(`
UPDATE experiments SET status = ?, completed_at = ? WHERE id = ?`),
			string(to), now, experimentID)
	} else {
		_, err = tx.ExecContext(ctx, d.rebind(`
UPDATE experiments SET status = ? WHERE id = ?`),
			string(to), experimentID)
	}
	if err != nil {
		return fmt.Errorf("transition experiment %q to %s: %w", experimentID, to, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
