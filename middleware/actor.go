package middleware

import (
	"context"

	"github.com/taskloom/taskloom/actor"
	"github.com/taskloom/taskloom/daemon"
)

// Actor returns middleware that stamps the daemon actor type into the
// execution context. Task updates made downstream are then attributed
// to the daemon rather than a user.
func Actor() daemon.Middleware {
	return func(ctx context.Context, _ *daemon.Execution, next daemon.Handler) error {
		return next(actor.WithType(ctx, actor.TypeDaemon))
	}
}
