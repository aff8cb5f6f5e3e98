package executor

import (
	"time"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// queueItem is an admitted instance waiting for a worker.
type queueItem struct {
	id       string
	runID    string
	priority model.TaskPriority
	due      time.Time
	seq      uint64
}

// readyQueue is a container/heap ordered by priority, then intended start
// time, then admission order. The engine mutex guards it.
type readyQueue []*queueItem

// Len returns the length of the queue
func (q readyQueue) Len() int { return len(q) }

// Less compares two items by their priority and intended start time
func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].seq < q[j].seq
}

// Swap swaps two items in the queue
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

// Push adds an item to the queue
func (q *readyQueue) Push(x interface{}) {
	*q = append(*q, x.(*queueItem))
}

// Pop removes and returns the last item
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
