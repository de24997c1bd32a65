// Package dispatch provides a sequential dispatcher: tasks posted to a Queue run one at a time,
// in posting order, on a goroutine that is not the caller's.
//
// Channels use it to raise events off their I/O loops. A read loop only ever appends to the
// queue, so a slow or re-entrant handler (one that closes the very connection that raised the
// event) can never stall or deadlock the loop.
//
//	read loop ──Post(A)──┐
//	read loop ──Post(B)──┼──→ [A B C] ──→ drain goroutine: A() → B() → C() → exit when empty
//	Close()   ──Post(C)──┘
//
// The drain goroutine only exists while there is work, so an idle Queue costs nothing and
// needs no Stop.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Queue is a FIFO of tasks executed by at most one goroutine at a time.
// The zero value is not usable; use NewQueue.
type Queue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool // a drain goroutine owns the queue
	idle    *sync.Cond
	logger  *zap.Logger
}

// NewQueue creates an empty queue. Panics raised by tasks are recovered and logged to logger.
func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.L()
	}
	q := &Queue{logger: logger}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Post appends task to the queue. It never blocks on task execution.
func (q *Queue) Post(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()
}

// Wait blocks until every task posted before the call has finished.
// It must not be called from inside a task of the same queue.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.running {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// Len returns the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

// run executes one task; a panicking handler must not kill the drain loop for the tasks behind it.
func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatched handler panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
		}
	}()
	task()
}
