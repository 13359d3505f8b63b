package task

import "container/heap"

// waitQueue is a max-heap of tasks waiting for an execution slot, ordered
// by priority, with FIFO tie-break on creation sequence.
type waitQueue []*record

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *waitQueue) Push(x interface{}) {
	*q = append(*q, x.(*record))
}

func (q *waitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return rec
}

var _ heap.Interface = (*waitQueue)(nil)
