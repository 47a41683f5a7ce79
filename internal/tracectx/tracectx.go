// Package tracectx keeps the short-lived mapping from a served trace id back
// to what was served: workspace, prompt, version, and experiment arm. Event
// ingestion uses it to stamp attribution onto tracked events.
//
// The store is best-effort. Entries expire after the configured TTL and may
// be evicted earlier under capacity pressure; losing one degrades attribution
// for that trace, nothing else.
package tracectx

import (
	"context"
	"time"
)

// Context is the serving metadata remembered for one trace id.
type Context struct {
	TraceID      string
	WorkspaceID  string
	PromptID     string
	VersionID    string
	ExperimentID string
	Variant      string
	CreatedAt    time.Time
}

// Store maps trace ids to their serving context. A miss is not an error:
// the entry may have expired, been evicted, or never existed.
type Store interface {
	Put(ctx context.Context, entry Context) error
	Get(ctx context.Context, traceID string) (Context, bool)
}
