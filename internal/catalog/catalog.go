// Package catalog is the read/write boundary for prompts, their content
// versions, and the split-test experiments that route between versions.
package catalog

import "time"

// VersionStatus is a content version's lifecycle stage.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "draft"
	VersionStatusTesting    VersionStatus = "testing"
	VersionStatusProduction VersionStatus = "production"
	VersionStatusInactive   VersionStatus = "inactive"
	VersionStatusDeprecated VersionStatus = "deprecated"
)

// KnownVersionStatus reports whether status is one of the defined lifecycle
// stages.
func KnownVersionStatus(status VersionStatus) bool {
	switch status {
	case VersionStatusDraft, VersionStatusTesting, VersionStatusProduction, VersionStatusInactive, VersionStatusDeprecated:
		return true
	default:
		return false
	}
}

// Prompt is the addressable unit of content. Resolution requests identify it
// by (owner_key, slug).
type Prompt struct {
	ID          string
	WorkspaceID string
	OwnerKey    string
	Slug        string
	Name        string
	CreatedAt   time.Time
}

// Version is one immutable revision of a prompt's content. At most one
// version per prompt holds production status at a time.
type Version struct {
	ID            string
	PromptID      string
	VersionNumber int
	Status        VersionStatus
	Payload       string
	CreatedAt     time.Time
}

// ExperimentStatus is an experiment's lifecycle stage. Allocation only
// happens while running; completed is terminal.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
)

// Experiment is a two-way split test between two versions of one prompt.
// ServedA+ServedB never exceeds TotalRequests.
type Experiment struct {
	ID            string
	PromptID      string
	Name          string
	VersionAID    string
	VersionBID    string
	TotalRequests int64
	ServedA       int64
	ServedB       int64
	Status        ExperimentStatus
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// Remaining reports how many allocations the experiment can still serve.
func (e Experiment) Remaining() int64 {
	remaining := e.TotalRequests - e.ServedA - e.ServedB
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Variant labels which arm of an experiment a request was routed to.
type Variant string

const (
	VariantA Variant = "a"
	VariantB Variant = "b"
)

// Allocation is the outcome of routing one request through a running
// experiment.
type Allocation struct {
	ExperimentID   string
	ExperimentName string
	VersionID      string
	Variant        Variant
}
