package queue

import (
	"container/heap"
	"time"
)

// readyItem is one heap entry for an eligible PENDING job. Ordering keys are
// snapshotted at push time; the engine re-validates against the authoritative
// job record on pop, so stale entries are harmless.
type readyItem struct {
	jobID      string
	priority   int
	enqueuedAt time.Time
	seq        uint64
}

// readyHeap orders eligible jobs by priority (higher first), then enqueue
// time (older first), then insertion sequence. The sequence tie-break keeps
// ordering deterministic when enqueue timestamps collide.
type readyHeap struct {
	items []readyItem
}

func newReadyHeap() *readyHeap {
	return &readyHeap{}
}

func (h *readyHeap) Len() int { return len(h.items) }

func (h *readyHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

func (h *readyHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *readyHeap) Push(x any) {
	h.items = append(h.items, x.(readyItem))
}

func (h *readyHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (h *readyHeap) push(item readyItem) {
	heap.Push(h, item)
}

func (h *readyHeap) pop() (readyItem, bool) {
	if h.Len() == 0 {
		return readyItem{}, false
	}
	return heap.Pop(h).(readyItem), true
}
