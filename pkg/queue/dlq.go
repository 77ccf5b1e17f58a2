package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// appendDeadLetterLocked records a permanently failed job in the append-only
// register. The job record itself stays in the store; the entry is the
// operator-facing view.
func (e *MemoryEngine) appendDeadLetterLocked(job *Job, now time.Time) {
	reason := ""
	if n := len(job.ErrorHistory); n > 0 {
		reason = job.ErrorHistory[n-1].Message
	}
	entry := &DeadLetterEntry{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		Namespace:    job.Namespace,
		Payload:      clonePayload(job.Payload),
		ErrorHistory: cloneHistory(job.ErrorHistory),
		Reason:       reason,
		FailedAt:     now,
	}
	e.deadLetters = append(e.deadLetters, entry)
	e.deadLetterByJob[job.ID] = entry
	e.log.Warn("job moved to dead-letter register",
		"job_id", job.ID, "namespace", job.Namespace, "retry_count", job.RetryCount, "reason", reason)
}

// DeadLetterList dumps the dead-letter register in arrival order.
func (e *MemoryEngine) DeadLetterList(context.Context) ([]*DeadLetterEntry, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	out := make([]*DeadLetterEntry, 0, len(e.deadLetters))
	for _, entry := range e.deadLetters {
		out = append(out, cloneDeadLetterEntry(entry))
	}
	return out, nil
}

// RequeueDeadLetter explicitly re-admits one dead-lettered job as a fresh
// PENDING transition: retry count reset, error history preserved, register
// entry removed. Dead-lettered jobs are never re-admitted implicitly.
func (e *MemoryEngine) RequeueDeadLetter(_ context.Context, jobID string) (*Job, error) {
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

	entry, ok := e.deadLetterByJob[jobID]
	if !ok {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q is not in the dead-letter register", jobID))
	}
	job, ok := e.jobs[jobID]
	if !ok || job.Status != StatusDeadLetter {
		return nil, queueError(ErrJobNotFound, fmt.Sprintf("job %q is not in the dead-letter register", jobID))
	}

	now := e.now().UTC()
	e.seq++
	job.Status = StatusPending
	job.RetryCount = 0
	job.EnqueuedAt = now
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}
	job.NotBefore = time.Time{}
	job.LeaseExpiresAt = time.Time{}
	job.seq = e.seq

	e.removeDeadLetterLocked(jobID)
	e.readyHeapLocked(job.Namespace).push(readyItem{
		jobID:      job.ID,
		priority:   job.Priority,
		enqueuedAt: job.EnqueuedAt,
		seq:        job.seq,
	})

	e.log.Info("dead-lettered job requeued by operator", "job_id", jobID, "namespace", job.Namespace, "entry_id", entry.ID)
	return cloneJob(job), nil
}

func (e *MemoryEngine) removeDeadLetterLocked(jobID string) {
	entry, ok := e.deadLetterByJob[jobID]
	if !ok {
		return
	}
	delete(e.deadLetterByJob, jobID)
	for i, candidate := range e.deadLetters {
		if candidate == entry {
			e.deadLetters = append(e.deadLetters[:i], e.deadLetters[i+1:]...)
			break
		}
	}
}

func cloneDeadLetterEntry(entry *DeadLetterEntry) *DeadLetterEntry {
	if entry == nil {
		return nil
	}
	copyEntry := *entry
	copyEntry.Payload = clonePayload(entry.Payload)
	copyEntry.ErrorHistory = cloneHistory(entry.ErrorHistory)
	return &copyEntry
}
