package dma

import (
	"sync"

	"github.com/slackhq/fpgadma/hw"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// task is one acknowledged interrupt waiting for the worker.
type task struct {
	line   hw.Line
	status uint32
	// merged counts interrupts folded into this task.
	merged int
}

// taskQueue hands interrupts to the worker. It is bounded: a task of the same
// line as the newest queued task is merged into it and when the queue is full
// the oldest task is overwritten. Producers never block.
type taskQueue struct {
	mu    sync.Mutex
	tasks []task
	head  int
	n     int
	wake  chan struct{}

	pushed   atomicbitops.Uint64
	merged   atomicbitops.Uint64
	overflow atomicbitops.Uint64
}

func newTaskQueue(size int) *taskQueue {
	return &taskQueue{
		tasks: make([]task, max(size, 1)),
		wake:  make(chan struct{}, 1),
	}
}

func (q *taskQueue) push(line hw.Line, status uint32) {
	q.pushed.Add(1)

	q.mu.Lock()
	if q.n > 0 {
		newest := &q.tasks[(q.head+q.n-1)%len(q.tasks)]
		if newest.line == line {
			newest.status |= status
			newest.merged++
			q.mu.Unlock()
			q.merged.Add(1)
			q.signal()
			return
		}
	}
	if q.n == len(q.tasks) {
		q.head = (q.head + 1) % len(q.tasks)
		q.n--
		q.overflow.Add(1)
	}
	q.tasks[(q.head+q.n)%len(q.tasks)] = task{line: line, status: status}
	q.n++
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return task{}, false
	}
	t := q.tasks[q.head]
	q.tasks[q.head] = task{}
	q.head = (q.head + 1) % len(q.tasks)
	q.n--
	return t, true
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
