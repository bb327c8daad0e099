package scheduler

import (
	"container/heap"

	"github.com/taskmesh/orchestrator/internal/model"
)

// readyQueue orders one cycle's ready subtasks: higher priority first,
// then insertion order (creation time) so equal-priority siblings run in
// template order. No wait-time aging: a cycle's ready set is drained
// completely within that cycle.
type readyQueue []*model.Subtask

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].CreatedAt.Before(q[j].CreatedAt)
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*model.Subtask))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[0 : n-1]
	return item
}

// orderReady returns the ready set in allocation order.
func orderReady(subtasks []*model.Subtask) []*model.Subtask {
	q := make(readyQueue, 0, len(subtasks))
	for _, s := range subtasks {
		heap.Push(&q, s)
	}
	out := make([]*model.Subtask, 0, len(subtasks))
	for q.Len() > 0 {
		out = append(out, heap.Pop(&q).(*model.Subtask))
	}
	return out
}
