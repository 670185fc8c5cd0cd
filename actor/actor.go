// Package actor tags task mutations with their origin so provenance is
// recorded on every write: a human, the surrounding system, or the
// automation daemon. The tag travels on context.Context between the
// coordination subsystems and the task update collaborator.
package actor

import "context"

// Type identifies who (or what) caused a task mutation.
type Type string

const (
	// TypeUser marks mutations made by a human.
	TypeUser Type = "user"
	// TypeSystem marks mutations made by the executors (webhook, batch).
	TypeSystem Type = "system"
	// TypeDaemon marks mutations made by the automation daemon.
	TypeDaemon Type = "daemon"
)

type ctxKey struct{}

// WithType attaches an actor type to the context.
func WithType(ctx context.Context, t Type) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext extracts the actor type from the context.
// Defaults to TypeSystem when none is present.
func FromContext(ctx context.Context) Type {
	if t, ok := ctx.Value(ctxKey{}).(Type); ok {
		return t
	}
	return TypeSystem
}
