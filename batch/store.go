package batch

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/id"
)

// Store is the persistence interface for batch jobs and items.
//
// UpsertItem and SealJob carry the correctness-critical atomicity:
// concurrent callbacks for the same key must never double-increment
// receivedCount, and concurrent finalize attempts must seal at most
// once. Backends implement them with whatever conditional-write
// primitive they have (mutex, ON CONFLICT, Lua script).
type Store interface {
	// CreateJob persists a new batch job.
	CreateJob(ctx context.Context, j *Job) error
	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.BatchJobID) (*Job, error)
	// UpdateJob persists the full job document.
	UpdateJob(ctx context.Context, j *Job) error

	// UpsertItem atomically ingests one delivery for (item.BatchJobID,
	// item.ItemKey). If no item exists for the key it is created and
	// the job's receivedCount is incremented; otherwise the existing
	// item's state, resultData, and error are updated in place with no
	// counter increment. Attempts increments on every delivery. The
	// job's processedCount/failedCount track item state transitions
	// within the same atomic operation. Returns the stored item and
	// whether it was newly created.
	UpsertItem(ctx context.Context, item *Item) (*Item, bool, error)
	// GetItem retrieves one item by its deduplication key.
	GetItem(ctx context.Context, jobID id.BatchJobID, itemKey string) (*Item, error)
	// ListItems returns all items of a job.
	ListItems(ctx context.Context, jobID id.BatchJobID) ([]*Item, error)

	// SealJob conditionally finalizes a job: it sets the terminal
	// state, aggregate result, review decision, and isResultSealed in
	// one step, but only if the job is not already sealed. Returns
	// true if this call performed the seal.
	SealJob(ctx context.Context, jobID id.BatchJobID, state JobState, aggregate map[string]any, decision ReviewDecision) (bool, error)

	// ListDueJobs returns unsealed jobs in awaiting_responses whose
	// deadline has passed, for the periodic sweep.
	ListDueJobs(ctx context.Context, now time.Time) ([]*Job, error)
}
