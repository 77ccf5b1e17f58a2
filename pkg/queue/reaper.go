package queue

import (
	"context"
	"time"
)

const stalledLeaseMessage = "processing lease expired"

// ClearExpired removes every record whose TTL elapsed at now, regardless of
// status. PROCESSING jobs are removed too; a TTL on a work-queue namespace is
// an explicit operator risk, accepted so cache-like namespaces self-evict.
func (e *MemoryEngine) ClearExpired(_ context.Context, now time.Time) (int, error) {
	if e == nil {
		return 0, ErrNotInitialized
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	removed := 0
	for id, job := range e.jobs {
		if !job.Expired(now) {
			continue
		}
		delete(e.jobs, id)
		e.removeDeadLetterLocked(id)
		if waiting, ok := e.delayed[job.Namespace]; ok {
			delete(waiting, id)
		}
		if members, ok := e.namespaces[job.Namespace]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(e.namespaces, job.Namespace)
				delete(e.ready, job.Namespace)
				delete(e.delayed, job.Namespace)
			}
		}
		removed++
	}
	e.mu.Unlock()

	if removed > 0 {
		recordJobsExpired(memoryEngineName, removed)
		e.log.Debug("expired records removed", "count", removed)
	}
	return removed, nil
}

// RequeueStalled pushes PROCESSING jobs whose lease elapsed at now back
// through the failure policy. The elapsed lease counts as a failed attempt,
// so a crash-looping consumer still escalates to the dead-letter register.
func (e *MemoryEngine) RequeueStalled(_ context.Context, now time.Time) (int, error) {
	if e == nil {
		return 0, ErrNotInitialized
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	requeued := 0
	for _, job := range e.jobs {
		if job.Status != StatusProcessing {
			continue
		}
		if job.LeaseExpiresAt.IsZero() || job.LeaseExpiresAt.After(now) {
			continue
		}
		e.log.Warn(stalledLeaseMessage, "job_id", job.ID, "namespace", job.Namespace, "started_at", job.StartedAt)
		job.ErrorHistory = append(job.ErrorHistory, ErrorEntry{Message: stalledLeaseMessage, Timestamp: now})
		job.LeaseExpiresAt = time.Time{}
		e.escalateLocked(job, now)
		requeued++
	}
	e.mu.Unlock()

	recordJobsStalled(memoryEngineName, requeued)
	return requeued, nil
}
