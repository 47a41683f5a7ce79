package tracectx

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultTTL keeps attribution available for 30 days of conversion lag.
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultCapacity bounds memory; the oldest entries are evicted first.
	DefaultCapacity = 100_000
)

// MemoryStore is an in-process TTL store backed by an expiring LRU.
type MemoryStore struct {
	entries *expirable.LRU[string, Context]
	nowFn   func() time.Time
}

func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: expirable.NewLRU[string, Context](capacity, nil, ttl),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Put(_ context.Context, entry Context) error {
	if entry.TraceID == "" {
		return fmt.Errorf("trace context requires a trace id")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.nowFn()
	}
	s.entries.Add(entry.TraceID, entry)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, traceID string) (Context, bool) {
	if traceID == "" {
		return Context{}, false
	}
	return s.entries.Get(traceID)
}

// Len returns the number of live entries, for diagnostics.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

var _ Store = (*MemoryStore)(nil)
