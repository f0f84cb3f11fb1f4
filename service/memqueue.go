package service

import "github.com/cobweb-crawl/fetchcore"

// MemoryQueue is a bounded, channel-backed InputQueue/OutputQueue pair
// usable where the caller has not wired fetchcore into an external
// scheduler's own queue implementation. It is not meant to replace a real
// distributed queue; cmd/fetchcored uses one as the default backing store
// for standalone operation.
type MemoryQueue struct {
	in  chan *fetchcore.Task
	out chan TaskResult
}

// TaskResult pairs a completed Task with its FetchResult, the shape
// OutputQueue.Push receives.
type TaskResult struct {
	Task   *fetchcore.Task
	Result *fetchcore.FetchResult
}

// NewMemoryQueue builds a MemoryQueue whose input and output channels are
// each bounded to size.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		in:  make(chan *fetchcore.Task, size),
		out: make(chan TaskResult, size),
	}
}

// Submit enqueues task for the queue-mode loop to pick up. It blocks if
// the input channel is full.
func (q *MemoryQueue) Submit(task *fetchcore.Task) {
	q.in <- task
}

// Pop implements InputQueue.
func (q *MemoryQueue) Pop() (*fetchcore.Task, error) {
	select {
	case task := <-q.in:
		return task, nil
	default:
		return nil, ErrQueueEmpty
	}
}

// Push implements OutputQueue.
func (q *MemoryQueue) Push(task *fetchcore.Task, result *fetchcore.FetchResult) error {
	q.out <- TaskResult{Task: task, Result: result}
	return nil
}

// Full implements OutputQueue.
func (q *MemoryQueue) Full() bool {
	return len(q.out) == cap(q.out)
}

// Results returns the channel of completed task/result pairs for a
// consumer to range over.
func (q *MemoryQueue) Results() <-chan TaskResult {
	return q.out
}
