package session

import (
	"container/heap"
	"time"
)

// deadline is one pending expiry. Entries go stale when a session is
// extended or removed; the sweep skips entries whose deadline no longer
// matches the live session.
type deadline struct {
	tagID string
	at    time.Time
}

// deadlineHeap is a min-heap ordered by expiry time. One heap serves all
// sessions so the registry schedules a single wake-up for the nearest
// deadline instead of one timer per session.
type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *deadlineHeap) push(tagID string, at time.Time) {
	heap.Push(h, deadline{tagID: tagID, at: at})
}

// peek returns the nearest deadline without removing it.
func (h deadlineHeap) peek() (deadline, bool) {
	if len(h) == 0 {
		return deadline{}, false
	}
	return h[0], true
}
