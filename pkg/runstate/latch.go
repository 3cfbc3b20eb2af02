// Package runstate hands control back and forth between the goroutine that
// drives the debuggee and the goroutine that executes user commands, and
// guards the shared tables with per-table reader/writer sections.
package runstate

import (
	"fmt"
	"sync"
	"time"
)

// WaitID 运行状态锁存器编号
type WaitID int

const (
	// WaitRun is locked while the debuggee is paused and must not run.
	WaitRun WaitID = iota
	// WaitStop is locked while a debugging session is alive.
	WaitStop

	// WaitLast is the number of latches, it must stay last.
	WaitLast
)

func (id WaitID) String() string {
	switch id {
	case WaitRun:
		return "run"
	case WaitStop:
		return "stop"
	default:
		return fmt.Sprintf("wait(%d)", int(id))
	}
}

// Latches is a fixed set of binary latches. A latch is either locked or
// clear; Wait blocks while it is locked. A single Unlock releases every
// goroutine currently parked in Wait and the latch stays clear until the
// next Lock.
type Latches struct {
	mu      sync.Mutex
	locked  [WaitLast]bool
	release [WaitLast]chan struct{}
}

// NewLatches returns a set of latches, all clear.
func NewLatches() *Latches {
	return &Latches{}
}

// ClearAll unlocks every latch so that no goroutine stays parked. It is used
// when a session starts and unconditionally when it shuts down.
func (l *Latches) ClearAll() {
	for id := WaitID(0); id < WaitLast; id++ {
		l.Unlock(id)
	}
}

// Lock sets latch id. Locking an already locked latch is a no-op.
func (l *Latches) Lock(id WaitID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked[id] {
		return
	}
	l.locked[id] = true
	l.release[id] = make(chan struct{})
}

// Unlock clears latch id and wakes all of its waiters. Unlocking a clear
// latch is a no-op, so repeated unlocks never release a later pause.
func (l *Latches) Unlock(id WaitID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked[id] {
		return
	}
	l.locked[id] = false
	close(l.release[id])
	l.release[id] = nil
}

// IsLocked reports whether latch id is currently set, without blocking.
func (l *Latches) IsLocked(id WaitID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[id]
}

// Wait blocks until latch id is clear. There is no timeout: the only way
// out is another goroutine calling Unlock or ClearAll.
func (l *Latches) Wait(id WaitID) {
	ch := l.waitChan(id)
	if ch == nil {
		return
	}
	<-ch
}

// WaitFor is Wait bounded by timeout, it returns false if the latch was
// still locked when the timeout expired.
func (l *Latches) WaitFor(id WaitID, timeout time.Duration) bool {
	ch := l.waitChan(id)
	if ch == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func (l *Latches) waitChan(id WaitID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked[id] {
		return nil
	}
	return l.release[id]
}
