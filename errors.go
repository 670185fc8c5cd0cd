package taskloom

import "errors"

var (
	// Store errors.
	ErrNoStore = errors.New("taskloom: no store configured")

	// Not found errors.
	ErrTaskNotFound      = errors.New("taskloom: task not found")
	ErrRunNotFound       = errors.New("taskloom: workflow run not found")
	ErrExecutionNotFound = errors.New("taskloom: daemon execution not found")
	ErrBatchJobNotFound  = errors.New("taskloom: batch job not found")
	ErrBatchItemNotFound = errors.New("taskloom: batch item not found")

	// Conflict errors.
	ErrTaskAlreadyExists     = errors.New("taskloom: task already exists")
	ErrBatchJobAlreadyExists = errors.New("taskloom: batch job already exists")

	// State errors.
	ErrInvalidState  = errors.New("taskloom: invalid state transition")
	ErrResultSealed  = errors.New("taskloom: batch result already sealed")
	ErrNotReviewable = errors.New("taskloom: batch job is not awaiting review")
	ErrNotRetryable  = errors.New("taskloom: task is not in a retryable state")
	ErrBadSecret     = errors.New("taskloom: callback secret mismatch")
	ErrRuleConfig    = errors.New("taskloom: invalid daemon rule configuration")
	ErrExpectedCount = errors.New("taskloom: received count exceeds expected count")
)
