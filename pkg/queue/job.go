package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status constants
const (
	// StatusPending means the job is waiting to be dequeued.
	StatusPending Status = "PENDING"
	// StatusProcessing means the job has been handed to a consumer.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the job was failed without retry. Terminal.
	StatusFailed Status = "FAILED"
	// StatusDeadLetter means the job exhausted its retry budget. Terminal.
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// ErrorEntry records one failed attempt of a job.
type ErrorEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is one unit of work owned by the queue. The queue manages lifecycle,
// ordering, and failure policy; the payload is opaque to it.
type Job struct {
	ID           string         `json:"job_id"`
	Namespace    string         `json:"namespace"`
	Payload      map[string]any `json:"payload"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorHistory []ErrorEntry   `json:"error_history,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	// ExpiresAt is enqueued_at + ttl when a TTL was supplied; zero otherwise.
	// Honored regardless of status so a namespace can double as a cache.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	// NotBefore gates re-eligibility after a retryable failure.
	NotBefore time.Time `json:"not_before,omitzero"`
	// LeaseExpiresAt is the visibility deadline stamped on dequeue. A
	// PROCESSING job past this deadline is presumed abandoned.
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`

	// seq preserves FIFO order within one priority tier.
	seq uint64
}

// Validate checks the fields required before a job is admitted to a store.
func (j *Job) Validate() error {
	if j == nil {
		return queueError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return queueError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.Namespace) == "" {
		return queueError(ErrValidation, "namespace is required")
	}
	if !j.Status.Valid() {
		return queueError(ErrValidation, "job status is invalid")
	}
	if j.RetryCount < 0 {
		return queueError(ErrValidation, "retry count must be >= 0")
	}
	if j.MaxRetries < 0 {
		return queueError(ErrValidation, "max retries must be >= 0")
	}
	return nil
}

// Expired reports whether the job has outlived its TTL at the given instant.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !j.ExpiresAt.After(now)
}

// Eligible reports whether the job can be handed to a consumer at the given
// instant: PENDING, retry gate elapsed, and not past its TTL.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	if !j.NotBefore.IsZero() && j.NotBefore.After(now) {
		return false
	}
	return !j.Expired(now)
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copyJob := *job
	copyJob.Payload = clonePayload(job.Payload)
	copyJob.ErrorHistory = cloneHistory(job.ErrorHistory)
	return &copyJob
}

func clonePayload(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func cloneHistory(input []ErrorEntry) []ErrorEntry {
	if len(input) == 0 {
		return nil
	}
	out := make([]ErrorEntry, len(input))
	copy(out, input)
	return out
}
