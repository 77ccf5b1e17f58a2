package queue

import (
	"context"
	"time"
)

const (
	// DefaultMaxRetries bounds retryable failures per job unless overridden
	// at enqueue time.
	DefaultMaxRetries = 3
	// DefaultLeaseTTL is the visibility window stamped on dequeue. A
	// PROCESSING job past this window is presumed abandoned and becomes a
	// candidate for RequeueStalled.
	DefaultLeaseTTL = 30 * time.Second
)

// StatsSnapshot aggregates current store contents. It is computed fresh on
// every Stats call, never cached.
type StatsSnapshot struct {
	TotalJobs   int            `json:"total_jobs"`
	ByNamespace map[string]int `json:"by_namespace"`
	ByStatus    map[Status]int `json:"by_status"`
}

// DeadLetterEntry is one record in the append-only dead-letter register.
type DeadLetterEntry struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	Namespace    string         `json:"namespace"`
	Payload      map[string]any `json:"payload"`
	ErrorHistory []ErrorEntry   `json:"error_history,omitempty"`
	Reason       string         `json:"reason"`
	FailedAt     time.Time      `json:"failed_at"`
}

// EnqueueOption customizes a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority      int
	ttl           time.Duration
	maxRetries    int
	hasMaxRetries bool
}

// WithPriority sets the job priority. Higher values are served first within
// a namespace.
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithTTL bounds the lifetime of the record. Expired records are removed by
// ClearExpired regardless of status.
func WithTTL(ttl time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.ttl = ttl
	}
}

// WithMaxRetries overrides the engine's retry budget for this job only.
func WithMaxRetries(maxRetries int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxRetries = maxRetries
		o.hasMaxRetries = true
	}
}

// Queue is the storage-agnostic contract shared by every engine. Callers
// program against this interface so a deployment can swap the in-process
// engine for a shared Redis instance without code changes.
//
// Dequeue never blocks: absence of eligible work returns (nil, nil).
type Queue interface {
	// Enqueue creates a PENDING job. Reusing a live job id fails with
	// ErrDuplicateJob.
	Enqueue(ctx context.Context, namespace, jobID string, payload map[string]any, opts ...EnqueueOption) (*Job, error)
	// Dequeue atomically pops the highest-priority eligible PENDING job in
	// the namespace and marks it PROCESSING. Ties break FIFO by enqueue time.
	Dequeue(ctx context.Context, namespace string) (*Job, error)
	// Complete transitions a PROCESSING job to COMPLETED and merges result
	// under the "result" payload key.
	Complete(ctx context.Context, jobID string, result any) error
	// Fail records one failed attempt. With retry the engine arbitrates
	// between a backoff-gated PENDING re-admission and dead-lettering;
	// without retry the job lands in the terminal FAILED state.
	Fail(ctx context.Context, jobID, message string, retry bool) error
	// GetJob returns the current state of one job.
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// NamespaceJobs returns every record currently attributed to the
	// namespace, any status.
	NamespaceJobs(ctx context.Context, namespace string) ([]*Job, error)
	// DeadLetterList dumps the dead-letter register for operator triage.
	DeadLetterList(ctx context.Context) ([]*DeadLetterEntry, error)
	// RequeueDeadLetter explicitly re-admits one dead-lettered job as a new
	// PENDING transition with the retry count reset.
	RequeueDeadLetter(ctx context.Context, jobID string) (*Job, error)
	// ClearExpired removes records whose TTL elapsed at now, regardless of
	// status. A zero now means the current time.
	ClearExpired(ctx context.Context, now time.Time) (int, error)
	// RequeueStalled pushes PROCESSING jobs whose lease elapsed at now back
	// through the failure policy. A zero now means the current time.
	RequeueStalled(ctx context.Context, now time.Time) (int, error)
	// Stats aggregates current store contents.
	Stats(ctx context.Context) (*StatsSnapshot, error)
	// HealthCheck verifies the engine can serve requests.
	HealthCheck(ctx context.Context) error
	// Close releases engine resources. Subsequent calls fail with ErrClosed.
	Close() error
}
