package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/observability/logger"
	"github.com/quarrylabs/quarry/pkg/observability/tracing"
)

const memoryEngineName = "memory"

// MemoryEngineConfig configures the in-process engine.
type MemoryEngineConfig struct {
	// MaxRetries is the retry budget applied when an enqueue call does not
	// override it.
	MaxRetries int
	// LeaseTTL is the visibility window stamped on every dequeue.
	LeaseTTL time.Duration
	// NamespaceTTLs supplies a default record TTL per namespace, for
	// cache-like namespaces. An explicit WithTTL wins.
	NamespaceTTLs map[string]time.Duration
}

func (c *MemoryEngineConfig) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
}

// MemoryEngineOption customizes engine construction.
type MemoryEngineOption func(*MemoryEngine)

// WithClock overrides the engine's time source. Tests use it to drive TTL and
// retry-gate behavior deterministically.
func WithClock(now func() time.Time) MemoryEngineOption {
	return func(e *MemoryEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// MemoryEngine is the in-process Queue implementation. One job map is the
// single source of truth; the per-namespace ready heaps, delayed sets, and
// the dead-letter register are derived views and never diverge from the
// authoritative status field.
type MemoryEngine struct {
	log    logger.Logger
	config MemoryEngineConfig
	now    func() time.Time

	mu              sync.Mutex
	jobs            map[string]*Job
	namespaces      map[string]map[string]struct{}
	ready           map[string]*readyHeap
	delayed         map[string]map[string]struct{}
	deadLetters     []*DeadLetterEntry
	deadLetterByJob map[string]*DeadLetterEntry
	seq             uint64
	closed          bool
}

// NewMemoryEngine creates an empty in-process queue engine.
func NewMemoryEngine(log logger.Logger, cfg MemoryEngineConfig, opts ...MemoryEngineOption) (*MemoryEngine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	engine := &MemoryEngine{
		log:             log,
		config:          cfg,
		now:             time.Now,
		jobs:            map[string]*Job{},
		namespaces:      map[string]map[string]struct{}{},
		ready:           map[string]*readyHeap{},
		delayed:         map[string]map[string]struct{}{},
		deadLetterByJob: map[string]*DeadLetterEntry{},
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Enqueue creates and stores a PENDING job in the namespace.
func (e *MemoryEngine) Enqueue(ctx context.Context, namespace, jobID string, payload map[string]any, opts ...EnqueueOption) (*Job, error) {
	ctx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationEnqueue,
		tracing.WithQueueSystem(memoryEngineName),
		tracing.WithQueueNamespace(namespace),
		tracing.WithQueueJobID(jobID),
	)
	defer span.End()

	job, err := e.enqueue(ctx, namespace, jobID, payload, opts...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	tracing.RecordSuccess(span)
	return job, nil
}

func (e *MemoryEngine) enqueue(_ context.Context, namespace, jobID string, payload map[string]any, opts ...EnqueueOption) (*Job, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, queueError(ErrValidation, "job id is required")
	}

	options := enqueueOptions{maxRetries: e.config.MaxRetries}
	if ttl, ok := e.config.NamespaceTTLs[namespace]; ok {
		options.ttl = ttl
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.hasMaxRetries && options.maxRetries < 0 {
		return nil, queueError(ErrValidation, "max retries must be >= 0")
	}
	if options.ttl < 0 {
		return nil, queueError(ErrValidation, "ttl must be >= 0")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, exists := e.jobs[jobID]; exists {
		return nil, queueError(ErrDuplicateJob, fmt.Sprintf("job %q already exists", jobID))
	}

	now := e.now().UTC()
	e.seq++
	job := &Job{
		ID:         jobID,
		Namespace:  namespace,
		Payload:    clonePayload(payload),
		Status:     StatusPending,
		Priority:   options.priority,
		MaxRetries: options.maxRetries,
		EnqueuedAt: now,
		seq:        e.seq,
	}
	if options.ttl > 0 {
		job.ExpiresAt = now.Add(options.ttl)
	}

	e.jobs[jobID] = job
	members, ok := e.namespaces[namespace]
	if !ok {
		members = map[string]struct{}{}
		e.namespaces[namespace] = members
	}
	members[jobID] = struct{}{}
	e.readyHeapLocked(namespace).push(readyItem{
		jobID:      jobID,
		priority:   job.Priority,
		enqueuedAt: job.EnqueuedAt,
		seq:        job.seq,
	})

	recordJobEnqueued(memoryEngineName, namespace)
	return cloneJob(job), nil
}

// Dequeue pops the highest-priority eligible PENDING job and marks it
// PROCESSING. It returns (nil, nil) when the namespace has no eligible work.
func (e *MemoryEngine) Dequeue(ctx context.Context, namespace string) (*Job, error) {
	ctx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationDequeue,
		tracing.WithQueueSystem(memoryEngineName),
		tracing.WithQueueNamespace(namespace),
	)
	defer span.End()

	job, err := e.dequeue(ctx, namespace)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if job != nil {
		tracing.AddQueueJobID(span, job.ID)
	}
	tracing.RecordSuccess(span)
	return job, nil
}

func (e *MemoryEngine) dequeue(_ context.Context, namespace string) (*Job, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	now := e.now().UTC()
	e.promoteDelayedLocked(namespace, now)

	h, ok := e.ready[namespace]
	if !ok {
		return nil, nil
	}
	for {
		item, ok := h.pop()
		if !ok {
			return nil, nil
		}
		job := e.jobs[item.jobID]
		// Stale heap entries are left behind by the reaper and by retry
		// transitions; the authoritative record decides.
		if job == nil || job.Namespace != namespace || job.Status != StatusPending {
			continue
		}
		if !job.NotBefore.IsZero() && job.NotBefore.After(now) {
			e.delayedSetLocked(namespace)[job.ID] = struct{}{}
			continue
		}
		if job.Expired(now) {
			// Expired records stay in the store until the reaper removes
			// them, but are never handed to a consumer.
			continue
		}

		job.Status = StatusProcessing
		job.StartedAt = now
		job.LeaseExpiresAt = now.Add(e.config.LeaseTTL)
		recordJobDequeued(memoryEngineName, namespace)
		return cloneJob(job), nil
	}
}

// Complete transitions a PROCESSING job to COMPLETED and merges result under
// the "result" payload key.
func (e *MemoryEngine) Complete(_ context.Context, jobID string, result any) error {
	if e == nil {
		return ErrNotInitialized
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return queueError(ErrValidation, "job id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	job, ok := e.jobs[jobID]
	if !ok {
		return queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	}
	if job.Status != StatusProcessing {
		return queueError(ErrInvalidTransition, fmt.Sprintf("complete requires PROCESSING, job %q is %s", jobID, job.Status))
	}

	now := e.now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = now
	job.LeaseExpiresAt = time.Time{}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	job.Payload["result"] = result
	return nil
}

// Fail records one failed attempt. The engine, not the consumer, arbitrates
// between retry re-admission and dead-lettering.
func (e *MemoryEngine) Fail(_ context.Context, jobID, message string, retry bool) error {
	if e == nil {
		return ErrNotInitialized
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return queueError(ErrValidation, "job id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	job, ok := e.jobs[jobID]
	if !ok {
		return queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	}
	if job.Status != StatusProcessing {
		return queueError(ErrInvalidTransition, fmt.Sprintf("fail requires PROCESSING, job %q is %s", jobID, job.Status))
	}

	now := e.now().UTC()
	job.ErrorHistory = append(job.ErrorHistory, ErrorEntry{Message: message, Timestamp: now})
	job.LeaseExpiresAt = time.Time{}

	if !retry {
		job.Status = StatusFailed
		job.CompletedAt = now
		return nil
	}

	e.escalateLocked(job, now)
	return nil
}

// escalateLocked applies the failure-escalation policy to a job that just
// burned an attempt: re-admit behind the backoff gate, or dead-letter once
// the retry budget is exhausted.
func (e *MemoryEngine) escalateLocked(job *Job, now time.Time) {
	job.RetryCount++
	if job.RetryCount > job.MaxRetries {
		job.Status = StatusDeadLetter
		job.CompletedAt = now
		job.NotBefore = time.Time{}
		e.appendDeadLetterLocked(job, now)
		recordJobDeadLetter(memoryEngineName, job.Namespace)
		return
	}

	job.Status = StatusPending
	job.NotBefore = now.Add(Backoff(job.RetryCount))
	e.delayedSetLocked(job.Namespace)[job.ID] = struct{}{}
	recordJobRetry(memoryEngineName, job.Namespace)
}

// GetJob returns the current state of one job.
func (e *MemoryEngine) GetJob(_ context.Context, jobID string) (*Job, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, queueError(ErrValidation, "job id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	job, ok := e.jobs[jobID]
	if !ok {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q", jobID))
	}
	return cloneJob(job), nil
}

// NamespaceJobs returns every record attributed to the namespace, any
// status, ordered by enqueue time. An unknown namespace yields an empty list.
func (e *MemoryEngine) NamespaceJobs(_ context.Context, namespace string) ([]*Job, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, queueError(ErrValidation, "namespace is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	members := e.namespaces[namespace]
	out := make([]*Job, 0, len(members))
	for id := range members {
		if job, ok := e.jobs[id]; ok {
			out = append(out, cloneJob(job))
		}
	}
	sortJobsByAdmission(out)
	return out, nil
}

// HealthCheck reports whether the engine can serve requests.
func (e *MemoryEngine) HealthCheck(context.Context) error {
	if e == nil {
		return ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the engine closed and releases its records.
func (e *MemoryEngine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.jobs = map[string]*Job{}
	e.namespaces = map[string]map[string]struct{}{}
	e.ready = map[string]*readyHeap{}
	e.delayed = map[string]map[string]struct{}{}
	e.deadLetters = nil
	e.deadLetterByJob = map[string]*DeadLetterEntry{}
	return nil
}

func (e *MemoryEngine) promoteDelayedLocked(namespace string, now time.Time) {
	waiting, ok := e.delayed[namespace]
	if !ok {
		return
	}
	for id := range waiting {
		job := e.jobs[id]
		if job == nil || job.Status != StatusPending {
			delete(waiting, id)
			continue
		}
		if job.NotBefore.After(now) {
			continue
		}
		delete(waiting, id)
		e.readyHeapLocked(namespace).push(readyItem{
			jobID:      id,
			priority:   job.Priority,
			enqueuedAt: job.EnqueuedAt,
			seq:        job.seq,
		})
	}
}

func (e *MemoryEngine) readyHeapLocked(namespace string) *readyHeap {
	h, ok := e.ready[namespace]
	if !ok {
		h = newReadyHeap()
		e.ready[namespace] = h
	}
	return h
}

func (e *MemoryEngine) delayedSetLocked(namespace string) map[string]struct{} {
	set, ok := e.delayed[namespace]
	if !ok {
		set = map[string]struct{}{}
		e.delayed[namespace] = set
	}
	return set
}

func sortJobsByAdmission(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].EnqueuedAt.Equal(jobs[j].EnqueuedAt) {
			return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
		}
		return jobs[i].seq < jobs[j].seq
	})
}
