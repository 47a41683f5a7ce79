// Package sqliteutil holds helpers shared by the sqlite-backed stores:
// transient-busy retries and timestamp parsing for values stored through
// database/sql with the modernc driver.
package sqliteutil

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	busyMaxRetries     = 12
	busyInitialBackoff = 5 * time.Millisecond
	busyMaxBackoff     = 250 * time.Millisecond
)

// RetryBusy retries fn while it fails with transient sqlite lock contention.
func RetryBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsBusyError(err) || retries >= busyMaxRetries {
			return err
		}

		wait := busyInitialBackoff << retries
		if wait > busyMaxBackoff {
			wait = busyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsBusyError reports whether err is sqlite lock contention.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

// ParseTimestamp parses the datetime text formats sqlite hands back for
// columns written as Go time.Time values.
func ParseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
