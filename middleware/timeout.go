package middleware

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/daemon"
)

// Timeout returns middleware that enforces an outer deadline on every
// execution, independent of the per-rule command timeout. The command
// runner still applies the rule's own timeout; this bound covers the
// whole chain including field application. Zero disables it.
func Timeout(limit time.Duration) daemon.Middleware {
	return func(ctx context.Context, _ *daemon.Execution, next daemon.Handler) error {
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
