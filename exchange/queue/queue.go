// Package queue implements the multi-level FIFO of pending tasks.
package queue

import (
	"sync"

	"github.com/itskum47/BidForge/exchange/market"
)

// levels iterates priorities highest first.
var levels = []market.Priority{
	market.PriorityUrgent,
	market.PriorityHigh,
	market.PriorityNormal,
	market.PriorityLow,
}

// PriorityQueue is a set of per-priority FIFOs. Dequeue drains the
// highest non-empty level; tasks never change priority once queued.
type PriorityQueue struct {
	mu    sync.Mutex
	fifos map[market.Priority][]*market.Task
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{fifos: make(map[market.Priority][]*market.Task, len(levels))}
	for _, p := range levels {
		q.fifos[p] = nil
	}
	return q
}

// Enqueue appends the task to its priority level.
func (q *PriorityQueue) Enqueue(task *market.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifos[task.Priority] = append(q.fifos[task.Priority], task)
}

// Dequeue returns the head of the highest non-empty level, or nil.
func (q *PriorityQueue) Dequeue() *market.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range levels {
		fifo := q.fifos[p]
		if len(fifo) == 0 {
			continue
		}
		task := fifo[0]
		fifo[0] = nil
		q.fifos[p] = fifo[1:]
		return task
	}
	return nil
}

// Remove deletes a task by id, used for cancellation. O(queue size).
func (q *PriorityQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range levels {
		fifo := q.fifos[p]
		for i, t := range fifo {
			if t.ID == taskID {
				copy(fifo[i:], fifo[i+1:])
				fifo[len(fifo)-1] = nil
				q.fifos[p] = fifo[:len(fifo)-1]
				return true
			}
		}
	}
	return false
}

// Len returns the total number of queued tasks.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range levels {
		n += len(q.fifos[p])
	}
	return n
}

// Depths reports queue depth per priority level.
func (q *PriorityQueue) Depths() map[market.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[market.Priority]int, len(levels))
	for _, p := range levels {
		depths[p] = len(q.fifos[p])
	}
	return depths
}
