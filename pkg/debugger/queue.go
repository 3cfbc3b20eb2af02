package debugger

import (
	"sync"

	"go.uber.org/atomic"
)

// CommandQueue 命令队列
//
// Commands run one at a time, in submission order, on a single goroutine.
// The shell and any other front end submit everything that changes the
// session through the queue so that a command never races another one.
type CommandQueue struct {
	once    sync.Once
	cmdCh   chan command
	stopCh  chan struct{}
	stopped atomic.Bool
}

type command struct {
	fn   func()
	done chan struct{}
}

// NewCommandQueue creates a queue, its goroutine starts with the first
// command.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		cmdCh:  make(chan command, 64),
		stopCh: make(chan struct{}),
	}
}

func (q *CommandQueue) start() {
	q.once.Do(func() {
		go func() {
			for {
				select {
				case c := <-q.cmdCh:
					c.fn()
					if c.done != nil {
						close(c.done)
					}
				case <-q.stopCh:
					return
				}
			}
		}()
	})
}

func (q *CommandQueue) submit(fn func(), done chan struct{}) bool {
	if q.stopped.Load() {
		return false
	}
	q.start()
	select {
	case q.cmdCh <- command{fn: fn, done: done}:
		return true
	case <-q.stopCh:
		return false
	}
}

// Exec runs fn on the queue and waits for it. It returns false if the queue
// was stopped before fn ran.
func (q *CommandQueue) Exec(fn func()) bool {
	done := make(chan struct{})
	if !q.submit(fn, done) {
		return false
	}
	select {
	case <-done:
		return true
	case <-q.stopCh:
		return false
	}
}

// Post queues fn without waiting.
func (q *CommandQueue) Post(fn func()) bool {
	return q.submit(fn, nil)
}

// Stop ends the queue goroutine, commands still queued are dropped.
func (q *CommandQueue) Stop() {
	if q.stopped.CAS(false, true) {
		close(q.stopCh)
	}
}
