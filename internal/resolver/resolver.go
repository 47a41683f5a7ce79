// Package resolver implements variant selection: given a prompt address and
// optional filters, it decides which content version a request receives and
// mints the trace id that ties the serving log, events, and funnels together.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptlane/delivery/internal/catalog"
	"github.com/promptlane/delivery/internal/tracectx"
)

var ErrInvalidFilter = errors.New("invalid version filter")
var ErrNoProductionVersion = errors.New("prompt has no production version")

// NotFoundError reports that no version matched, carrying the applied
// filters so the API can echo them back to the caller.
type NotFoundError struct {
	OwnerKey string
	Slug     string
	Filters  catalog.VersionFilter
}

func (e *NotFoundError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no version found for prompt %s/%s", e.OwnerKey, e.Slug)
	if e.Filters.VersionNumber > 0 {
		fmt.Fprintf(&b, " version_number=%d", e.Filters.VersionNumber)
	}
	if e.Filters.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Filters.Status)
	}
	return b.String()
}

// ResolveRequest addresses a prompt and optionally pins a version.
type ResolveRequest struct {
	OwnerKey      string
	Slug          string
	VersionNumber int
	Status        string
}

// Resolution is a successful variant selection. Experiment is nil when the
// request was served by the production version rather than an experiment arm.
type Resolution struct {
	Prompt     *catalog.Prompt
	Version    *catalog.Version
	TraceID    string
	Experiment *catalog.Allocation
}

// Resolver selects versions. Selection order when no filters are given:
// running experiment first, production version second.
type Resolver struct {
	Catalog   catalog.Store
	Traces    tracectx.Store
	Allocator *Allocator
	Logger    *slog.Logger
	nowFn     func() time.Time
}

func New(store catalog.Store, traces tracectx.Store, allocator *Allocator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Catalog:   store,
		Traces:    traces,
		Allocator: allocator,
		Logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Resolver) Resolve(ctx context.Context, request ResolveRequest) (*Resolution, error) {
	filter := catalog.VersionFilter{VersionNumber: request.VersionNumber}
	if request.Status != "" {
		status := catalog.VersionStatus(request.Status)
		if !catalog.KnownVersionStatus(status) {
			return nil, fmt.Errorf("status %q: %w", request.Status, ErrInvalidFilter)
		}
		filter.Status = status
	}

	prompt, err := r.Catalog.GetPromptByKey(ctx, request.OwnerKey, request.Slug)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, &NotFoundError{OwnerKey: request.OwnerKey, Slug: request.Slug, Filters: filter}
		}
		return nil, fmt.Errorf("load prompt %s/%s: %w", request.OwnerKey, request.Slug, err)
	}

	if !filter.Empty() {
		version, err := r.Catalog.FindVersion(ctx, prompt.ID, filter)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, &NotFoundError{OwnerKey: request.OwnerKey, Slug: request.Slug, Filters: filter}
			}
			return nil, fmt.Errorf("find version for prompt %q: %w", prompt.ID, err)
		}
		return r.finish(ctx, prompt, version, nil)
	}

	if allocation := r.Allocator.Allocate(ctx, prompt.ID); allocation != nil {
		version, err := r.Catalog.GetVersion(ctx, allocation.VersionID)
		if err == nil {
			return r.finish(ctx, prompt, version, allocation)
		}
		// The allocated version could not be loaded; the allocation is spent
		// but serving still falls through to production.
		r.Logger.Warn("allocated version unavailable, falling back to production",
			slog.String("prompt_id", prompt.ID),
			slog.String("version_id", allocation.VersionID),
			slog.String("error", err.Error()),
		)
	}

	version, err := r.Catalog.ProductionVersion(ctx, prompt.ID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("prompt %s/%s: %w", request.OwnerKey, request.Slug, ErrNoProductionVersion)
		}
		return nil, fmt.Errorf("load production version for prompt %q: %w", prompt.ID, err)
	}
	return r.finish(ctx, prompt, version, nil)
}

func (r *Resolver) finish(ctx context.Context, prompt *catalog.Prompt, version *catalog.Version, allocation *catalog.Allocation) (*Resolution, error) {
	resolution := &Resolution{
		Prompt:     prompt,
		Version:    version,
		TraceID:    uuid.NewString(),
		Experiment: allocation,
	}

	if r.Traces != nil {
		entry := tracectx.Context{
			TraceID:     resolution.TraceID,
			WorkspaceID: prompt.WorkspaceID,
			PromptID:    prompt.ID,
			VersionID:   version.ID,
			CreatedAt:   r.nowFn(),
		}
		if allocation != nil {
			entry.ExperimentID = allocation.ExperimentID
			entry.Variant = string(allocation.Variant)
		}
		if err := r.Traces.Put(ctx, entry); err != nil {
			// Attribution is best-effort; the resolution still succeeds.
			r.Logger.Warn("trace context write failed",
				slog.String("trace_id", resolution.TraceID),
				slog.String("error", err.Error()),
			)
		}
	}

	return resolution, nil
}
