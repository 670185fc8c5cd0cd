package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/taskloom/taskloom/daemon"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) daemon.Middleware {
	return func(ctx context.Context, ex *daemon.Execution, next daemon.Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("execution panicked",
					slog.String("rule", ex.RuleName),
					slog.String("execution_id", ex.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in rule %s: %v", ex.RuleName, r)
			}
		}()
		return next(ctx)
	}
}
