package ratelimit

import (
	"container/heap"
	"time"
)

// waiter is a queued admission request.
type waiter struct {
	priority   int
	enqueuedAt time.Time
	seq        uint64
	ready      chan error // buffered; receives nil on admission or the rejection error
	index      int        // position in the heap, -1 once removed
}

// waitQueue orders waiters by descending priority, then FIFO.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q *waitQueue) remove(w *waiter) bool {
	if w.index < 0 || w.index >= len(*q) || (*q)[w.index] != w {
		return false
	}
	heap.Remove(q, w.index)
	return true
}
