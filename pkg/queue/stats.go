package queue

import "context"

// Stats aggregates current store contents. The snapshot is computed fresh
// under the store lock on every call: total always equals both the
// per-namespace and the per-status sums.
func (e *MemoryEngine) Stats(context.Context) (*StatsSnapshot, error) {
	if e == nil {
		return nil, ErrNotInitialized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	snapshot := &StatsSnapshot{
		TotalJobs:   len(e.jobs),
		ByNamespace: map[string]int{},
		ByStatus:    map[Status]int{},
	}
	for _, job := range e.jobs {
		snapshot.ByNamespace[job.Namespace]++
		snapshot.ByStatus[job.Status]++
	}
	return snapshot, nil
}
