package orchestrator

import (
	"container/heap"
	"sync"
)

// taskQueue is a bounded queue ordered by priority with FIFO order inside a
// priority. Dequeue blocks until a task arrives or the queue closes.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	cap    int
	seq    uint64
	closed bool
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	q := &taskQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task. Returns false on overflow or after close; the caller
// reports rejection to the submitter.
func (q *taskQueue) push(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.heap.Len() >= q.cap {
		return false
	}
	q.seq++
	t.seq = q.seq
	heap.Push(&q.heap, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue closes. Returns nil after
// close once the queue is drained.
func (q *taskQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Task)
}

func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// close wakes all waiters. Queued tasks remain poppable until drained.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// taskHeap orders by priority rank descending, then submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.rank(), h[j].Priority.rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
