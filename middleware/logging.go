package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskloom/taskloom/daemon"
)

// Logging returns middleware that logs execution start and completion.
func Logging(logger *slog.Logger) daemon.Middleware {
	return func(ctx context.Context, ex *daemon.Execution, next daemon.Handler) error {
		logger.Info("execution started",
			slog.String("rule", ex.RuleName),
			slog.String("execution_id", ex.ID.String()),
			slog.String("task_id", ex.TaskID.String()),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("execution failed",
				slog.String("rule", ex.RuleName),
				slog.String("execution_id", ex.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("execution completed",
				slog.String("rule", ex.RuleName),
				slog.String("execution_id", ex.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
