package concurrency

import (
	"container/heap"

	"github.com/fentz26/swarm/internal/models"
)

// waiter is one blocked Acquire call.
type waiter struct {
	key      string
	priority models.Priority
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// before orders waiters by priority, then arrival.
func (w *waiter) before(o *waiter) bool {
	if w.priority != o.priority {
		return w.priority > o.priority
	}
	return w.seq < o.seq
}

// waitQueue is a heap of waiters; the head is the next to admit.
type waitQueue []*waiter

func (q waitQueue) Len() int           { return len(q) }
func (q waitQueue) Less(i, j int) bool { return q[i].before(q[j]) }

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

func (q waitQueue) peek() *waiter {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *waitQueue) push(w *waiter) { heap.Push(q, w) }

func (q *waitQueue) pop() *waiter { return heap.Pop(q).(*waiter) }

func (q *waitQueue) remove(w *waiter) {
	if w.index >= 0 && w.index < len(*q) && (*q)[w.index] == w {
		heap.Remove(q, w.index)
	}
}
