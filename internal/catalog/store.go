package catalog

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("catalog record not found")
var ErrConflict = errors.New("catalog record conflicts with existing data")
var ErrInvalidState = errors.New("catalog operation not allowed in current state")
var ErrCapExhausted = errors.New("experiment request cap exhausted")

// VersionFilter narrows version selection. Zero values mean "not set".
type VersionFilter struct {
	VersionNumber int
	Status        VersionStatus
}

// Empty reports whether no filter criteria are set.
func (f VersionFilter) Empty() bool {
	return f.VersionNumber <= 0 && f.Status == ""
}

// Store is the persistence boundary for prompts, versions, and experiments.
//
// AllocateVariant is the one mutation on the serving path. It must be atomic
// with respect to concurrent callers for the same experiment: the cap
// (served_a + served_b <= total_requests) holds exactly, and the transition
// to completed happens exactly once.
type Store interface {
	CreatePrompt(ctx context.Context, prompt Prompt) (*Prompt, error)
	GetPrompt(ctx context.Context, id string) (*Prompt, error)
	GetPromptByKey(ctx context.Context, ownerKey, slug string) (*Prompt, error)

	CreateVersion(ctx context.Context, version Version) (*Version, error)
	GetVersion(ctx context.Context, id string) (*Version, error)
	// FindVersion returns the most recently created version of the prompt
	// matching all set filter criteria, or ErrNotFound.
	FindVersion(ctx context.Context, promptID string, filter VersionFilter) (*Version, error)
	// ProductionVersion returns the prompt's current production version, or
	// ErrNotFound when none exists.
	ProductionVersion(ctx context.Context, promptID string) (*Version, error)
	// PromoteVersion makes the given version the prompt's production version,
	// demoting any previous production version to inactive in the same
	// transaction so the one-production-version precondition holds.
	PromoteVersion(ctx context.Context, versionID string) error

	CreateExperiment(ctx context.Context, experiment Experiment) (*Experiment, error)
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, promptID string) ([]Experiment, error)
	// LatestRunningExperiment returns the most recently created running
	// experiment for the prompt, or ErrNotFound.
	LatestRunningExperiment(ctx context.Context, promptID string) (*Experiment, error)
	// AllocateVariant picks the under-served variant (ties to A), increments
	// its counter, and completes the experiment when the cap is reached.
	// Returns ErrCapExhausted when no capacity remains and ErrInvalidState
	// when the experiment is not running.
	AllocateVariant(ctx context.Context, experimentID string) (*Allocation, error)

	StartExperiment(ctx context.Context, id string) error
	PauseExperiment(ctx context.Context, id string) error
	ResumeExperiment(ctx context.Context, id string) error
	CompleteExperiment(ctx context.Context, id string) error

	Close() error
}

// canTransition encodes the experiment state machine:
// draft -> running <-> paused, running/paused -> completed, completed terminal.
func canTransition(from, to ExperimentStatus) bool {
	switch to {
	case ExperimentStatusRunning:
		return from == ExperimentStatusDraft || from == ExperimentStatusPaused
	case ExperimentStatusPaused:
		return from == ExperimentStatusRunning
	case ExperimentStatusCompleted:
		return from == ExperimentStatusRunning || from == ExperimentStatusPaused
	default:
		return false
	}
}
