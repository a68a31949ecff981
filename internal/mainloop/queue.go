package mainloop

import (
	"sync"

	"github.com/rovshanmuradov/eventsub/internal/subscription"
)

// Queue is an unbounded FIFO of tasks. Push never blocks; a single consumer
// waits on Ready and drains with PopAll.
type Queue struct {
	mu     sync.Mutex
	tasks  []subscription.Task
	ready  chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends task. It fails with ErrClosed once Close has been called.
func (q *Queue) Push(task subscription.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// PopAll removes and returns every queued task in FIFO order.
func (q *Queue) PopAll() []subscription.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Requeue puts tasks back in front of the queue, keeping their order. It
// works on a closed queue so that a consumer can hand back what it popped.
func (q *Queue) Requeue(tasks []subscription.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.tasks = append(append(make([]subscription.Task, 0, len(tasks)+len(q.tasks)), tasks...), q.tasks...)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close rejects further pushes. Queued tasks stay until popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
