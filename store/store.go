// Package store defines the aggregate persistence interface. Each
// subsystem (task, workflow, daemon, batch) defines its own store
// interface; the composite Store composes them all. Backends:
// Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/task"
	"github.com/taskloom/taskloom/workflow"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	task.Store
	workflow.Store
	daemon.Store
	batch.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
