package funnel

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/promptlane/delivery/internal/servelog"
)

// Calculator computes funnel results. It only reads; identical inputs over
// identical stored data produce identical outputs.
type Calculator struct {
	Store servelog.Store
}

func NewCalculator(store servelog.Store) *Calculator {
	return &Calculator{Store: store}
}

// Compute evaluates the funnel over source activity in [start, end).
func (c *Calculator) Compute(ctx context.Context, def Definition, start, end time.Time) (*Result, error) {
	if def.TargetEventName == "" {
		return nil, fmt.Errorf("target event name is required: %w", ErrInvalidDefinition)
	}
	if def.ConversionWindowHours < 0 {
		return nil, fmt.Errorf("conversion window must not be negative: %w", ErrInvalidDefinition)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end %v must be after start %v: %w", end, start, ErrInvalidDefinition)
	}

	sourceCount, sourceTimes, err := c.sourceActivity(ctx, def.Source, start, end)
	if err != nil {
		return nil, err
	}

	window := time.Duration(def.ConversionWindowHours) * time.Hour
	targetEnd := end
	if window > 0 {
		// Target events may convert after the query range closes, as long as
		// they stay within the window of their source.
		targetEnd = end.Add(window)
	}
	targets, err := c.Store.EventTimes(ctx, def.TargetEventName, def.TargetCategory, start, targetEnd)
	if err != nil {
		return nil, fmt.Errorf("load target events %q: %w", def.TargetEventName, err)
	}

	var (
		targetCount int64
		totalValue  float64
	)
	for _, target := range targets {
		if window > 0 {
			servedAt, ok := sourceTimes[target.TraceID]
			if !ok {
				continue
			}
			if target.At.Before(servedAt) || target.At.After(servedAt.Add(window)) {
				continue
			}
		}
		targetCount++
		if target.Value != nil {
			totalValue += *target.Value
		}
	}

	result := &Result{
		SourceCount:    sourceCount,
		TargetCount:    targetCount,
		ConversionRate: conversionRate(targetCount, sourceCount),
	}
	if _, ok := def.Metric.(Sum); ok {
		total := round2(totalValue)
		result.TotalValue = &total
		average := 0.0
		if targetCount > 0 {
			average = round2(totalValue / float64(targetCount))
		}
		result.AverageValue = &average
	}
	return result, nil
}

// sourceActivity returns the source count and the earliest source timestamp
// per trace id for windowed attribution.
func (c *Calculator) sourceActivity(ctx context.Context, source Source, start, end time.Time) (int64, map[string]time.Time, error) {
	switch src := source.(type) {
	case PromptRequests:
		if src.PromptID == "" {
			return 0, nil, fmt.Errorf("prompt id is required for a prompt-requests source: %w", ErrInvalidDefinition)
		}
		times, err := c.Store.ServeTimes(ctx, src.PromptID, start, end)
		if err != nil {
			return 0, nil, fmt.Errorf("load serve times for prompt %q: %w", src.PromptID, err)
		}
		byTrace := make(map[string]time.Time, len(times))
		for _, item := range times {
			byTrace[item.TraceID] = item.At
		}
		return int64(len(times)), byTrace, nil

	case EventSource:
		if src.Name == "" {
			return 0, nil, fmt.Errorf("event name is required for an event source: %w", ErrInvalidDefinition)
		}
		occurrences, err := c.Store.EventTimes(ctx, src.Name, src.Category, start, end)
		if err != nil {
			return 0, nil, fmt.Errorf("load source events %q: %w", src.Name, err)
		}
		byTrace := make(map[string]time.Time, len(occurrences))
		for _, item := range occurrences {
			if item.TraceID == "" {
				continue
			}
			if existing, ok := byTrace[item.TraceID]; !ok || item.At.Before(existing) {
				byTrace[item.TraceID] = item.At
			}
		}
		return int64(len(occurrences)), byTrace, nil

	default:
		return 0, nil, fmt.Errorf("a funnel source is required: %w", ErrInvalidDefinition)
	}
}

func conversionRate(target, source int64) float64 {
	if source == 0 {
		return 0
	}
	return round2(float64(target) / float64(source) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
