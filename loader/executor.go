package loader

import (
	"errors"
	"sync"
)

// ErrExecutorClosed is returned when submitting to a closed executor.
var ErrExecutorClosed = errors.New("loader: executor closed")

// Executor runs tasks on a fixed pool of workers in submission order.
type Executor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor starts workers goroutines consuming a FIFO queue of depth
// queueDepth. workers and queueDepth default to 1 and 4*workers.
func NewExecutor(workers, queueDepth int) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 4 * workers
	}

	e := &Executor{tasks: make(chan func(), queueDepth)}
	e.wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer e.wg.Done()
			for task := range e.tasks {
				task()
			}
		}()
	}
	return e
}

// Submit enqueues a task, blocking while the queue is full.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.tasks <- task
	return nil
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit. Safe to call more than once.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
