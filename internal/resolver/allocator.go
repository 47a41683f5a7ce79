package resolver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/promptlane/delivery/internal/catalog"
)

// Fallback reason labels reported when allocation yields no experiment arm.
const (
	FallbackNoExperiment = "no_running_experiment"
	FallbackCapExhausted = "cap_exhausted"
	FallbackInvalidState = "invalid_state"
	FallbackStoreError   = "store_error"
)

// Allocator routes a resolution request through the prompt's latest running
// experiment. It never fails the serving path: any store problem, a missing
// experiment, or an exhausted cap all come back as a nil allocation, and the
// caller falls through to the production version.
type Allocator struct {
	Store  catalog.Store
	Logger *slog.Logger
	// OnFallback is invoked with a reason label whenever allocation yields
	// nothing. Optional; used to feed the fallback counter.
	OnFallback func(reason string)
}

func (a *Allocator) Allocate(ctx context.Context, promptID string) *catalog.Allocation {
	if a == nil || a.Store == nil {
		return nil
	}

	experiment, err := a.Store.LatestRunningExperiment(ctx, promptID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			a.fallback(FallbackNoExperiment)
		} else {
			a.logError("load running experiment", promptID, err)
			a.fallback(FallbackStoreError)
		}
		return nil
	}

	allocation, err := a.Store.AllocateVariant(ctx, experiment.ID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrCapExhausted):
			a.fallback(FallbackCapExhausted)
		case errors.Is(err, catalog.ErrInvalidState), errors.Is(err, catalog.ErrNotFound):
			// The experiment changed state between lookup and allocation.
			a.fallback(FallbackInvalidState)
		default:
			a.logError("allocate variant", promptID, err)
			a.fallback(FallbackStoreError)
		}
		return nil
	}
	return allocation
}

func (a *Allocator) fallback(reason string) {
	if a.OnFallback != nil {
		a.OnFallback(reason)
	}
}

func (a *Allocator) logError(operation, promptID string, err error) {
	if a.Logger == nil {
		return
	}
	a.Logger.Warn("experiment allocation degraded",
		slog.String("operation", operation),
		slog.String("prompt_id", promptID),
		slog.String("error", err.Error()),
	)
}
