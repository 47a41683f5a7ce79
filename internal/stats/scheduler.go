package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

// dailyRunHour is the UTC hour at which the previous day is aggregated,
// leaving room for late-arriving writes from the async pipeline.
const dailyRunHour = 2

// Scheduler drives the aggregator on its hourly and daily cadence. A failed
// run is logged and retried at the next tick; the same window aggregates
// idempotently.
type Scheduler struct {
	Aggregator *Aggregator
	Logger     *slog.Logger
	nowFn      func() time.Time
}

func NewScheduler(aggregator *Aggregator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Aggregator: aggregator,
		Logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, firing the hourly job at each hour
// boundary and the daily job at the daily run hour.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.nowFn()
		nextHour := now.Truncate(time.Hour).Add(time.Hour)

		timer := time.NewTimer(nextHour.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.runHourly(ctx, nextHour)
		if nextHour.Hour() == dailyRunHour {
			s.runDaily(ctx, nextHour)
		}
	}
}

// runHourly aggregates the hour that just closed.
func (s *Scheduler) runHourly(ctx context.Context, boundary time.Time) {
	periodStart := boundary.Add(-time.Hour)
	written, err := s.Aggregator.Aggregate(ctx, servelog.PeriodHourly, periodStart, boundary)
	if err != nil {
		s.Logger.Error("hourly aggregation failed",
			slog.Time("period_start", periodStart),
			slog.String("error", err.Error()),
		)
		return
	}
	s.Logger.Info("hourly aggregation complete",
		slog.Time("period_start", periodStart),
		slog.Int("buckets_written", written),
	)
}

// runDaily aggregates the previous UTC day.
func (s *Scheduler) runDaily(ctx context.Context, boundary time.Time) {
	dayStart := boundary.Truncate(24 * time.Hour).Add(-24 * time.Hour)
	written, err := s.Aggregator.Aggregate(ctx, servelog.PeriodDaily, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		s.Logger.Error("daily aggregation failed",
			slog.Time("period_start", dayStart),
			slog.String("error", err.Error()),
		)
		return
	}
	s.Logger.Info("daily aggregation complete",
		slog.Time("period_start", dayStart),
		slog.Int("buckets_written", written),
	)
}

// PreviousHourWindow returns the default window for an on-demand hourly run.
func PreviousHourWindow(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(time.Hour).Add(-time.Hour)
	return start, start.Add(time.Hour)
}

// PreviousDayWindow returns the default window for an on-demand daily run.
func PreviousDayWindow(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	return start, start.Add(24 * time.Hour)
}
