package servelog

import (
	"context"
	"sync/atomic"
)

type logMarkKey struct{}

type logMark struct {
	done atomic.Bool
}

// WithLogMark installs a request-scoped logging marker. Install once at the
// edge of the handler chain; a context without a marker never deduplicates.
func WithLogMark(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(logMarkKey{}).(*logMark); ok {
		return ctx
	}
	return context.WithValue(ctx, logMarkKey{}, &logMark{})
}

// MarkLogged claims the request for logging. The first observation point to
// claim wins; later calls on the same request report false so one request
// never produces two records. Without an installed marker every call wins.
func MarkLogged(ctx context.Context) bool {
	if ctx == nil {
		return true
	}
	mark, ok := ctx.Value(logMarkKey{}).(*logMark)
	if !ok {
		return true
	}
	return mark.done.CompareAndSwap(false, true)
}

// AlreadyLogged reports whether the request was already claimed for logging.
func AlreadyLogged(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	mark, ok := ctx.Value(logMarkKey{}).(*logMark)
	return ok && mark.done.Load()
}
