package redis

// Redis key naming conventions for taskloom data.
// All keys are prefixed with "taskloom:" to avoid collisions.

const keyPrefix = "taskloom:"

// ── Task keys ──

// taskKey returns the key for a task entity: taskloom:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// runTasksKey is the Set of task IDs owned by a workflow run.
func runTasksKey(runID string) string { return keyPrefix + "run_tasks:" + runID }

// ── Workflow keys ──

// runKey returns the key for a workflow run entity: taskloom:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// ── Daemon execution keys ──

// execKey returns the key for an execution record: taskloom:exec:{id}
func execKey(id string) string { return keyPrefix + "exec:" + id }

// execIDsKey is the List of execution IDs in creation order.
const execIDsKey = keyPrefix + "exec_ids"

// ── Batch keys ──

// batchJobKey returns the Hash key for a batch job: taskloom:batch:job:{id}
func batchJobKey(id string) string { return keyPrefix + "batch:job:" + id }

// batchItemKey returns the Hash key for one item delivery slot.
func batchItemKey(jobID, itemKey string) string {
	return keyPrefix + "batch:item:" + jobID + ":" + itemKey
}

// batchItemsKey is the Set of item keys ingested for a job.
func batchItemsKey(jobID string) string { return keyPrefix + "batch:items:" + jobID }

// batchDueKey is the Sorted Set of unsealed jobs scored by deadline.
const batchDueKey = keyPrefix + "batch:due"
