package debugger

import (
	"sync"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/target"
	"github.com/hitzhangjie/dbgcore/pkg/thread"
)

// Notification is published on the Bus for every observable change of the
// session. The concrete types below are the only implementations.
type Notification interface {
	notification()
}

// BreakpointHit 断点命中
type BreakpointHit struct {
	TID        int
	Breakpoint breakpoint.Breakpoint
}

// ExceptionRaised 被调试进程产生异常
type ExceptionRaised struct {
	TID         int
	Code        uint32
	Addr        uintptr
	FirstChance bool
}

type ModuleLoaded struct {
	Module module.Module
}

type ModuleUnloaded struct {
	Module module.Module
}

type ThreadCreated struct {
	Thread thread.Thread
}

type ThreadExited struct {
	TID      int
	ExitCode int
}

// ThreadRenamed is published when the debuggee names one of its threads.
type ThreadRenamed struct {
	TID  int
	Name string
}

type ProcessCreated struct {
	PID    int
	Module module.Module
}

type ProcessExited struct {
	PID      int
	ExitCode int
}

type DebugString struct {
	TID  int
	Text string
}

// SystemBreakpoint is the first breakpoint of a session.
type SystemBreakpoint struct {
	TID      int
	Addr     uintptr
	Attached bool
}

type StepCompleted struct {
	TID  int
	Addr uintptr
}

// ExecutionPaused is published after the reason specific notification,
// right before the event goroutine parks.
type ExecutionPaused struct {
	Reason PauseReason
	TID    int
	Addr   uintptr
}

type Resumed struct{}

// BreakpointsChanged is published when the breakpoint table changes outside
// of a hit.
type BreakpointsChanged struct {
	Op         string // add, delete, enable, disable, rename
	Breakpoint breakpoint.Breakpoint
}

// DebugEvent carries every raw event before it is dispatched.
type DebugEvent struct {
	Event target.Event
}

// SessionStopped is the last notification of a session. Err is nil when the
// debuggee exited or was detached.
type SessionStopped struct {
	ExitCode int
	Err      error
}

func (BreakpointHit) notification()      {}
func (ExceptionRaised) notification()    {}
func (ModuleLoaded) notification()       {}
func (ModuleUnloaded) notification()     {}
func (ThreadCreated) notification()      {}
func (ThreadExited) notification()       {}
func (ThreadRenamed) notification()      {}
func (ProcessCreated) notification()     {}
func (ProcessExited) notification()      {}
func (DebugString) notification()        {}
func (SystemBreakpoint) notification()   {}
func (StepCompleted) notification()      {}
func (ExecutionPaused) notification()    {}
func (Resumed) notification()            {}
func (BreakpointsChanged) notification() {}
func (DebugEvent) notification()         {}
func (SessionStopped) notification()     {}

// Listener receives notifications on the goroutine that published them.
type Listener func(n Notification)

// Bus 通知总线
//
// Listeners are registered before the session starts and called
// synchronously in registration order. After SessionStopped is published
// every listener is dropped.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	started   bool
	closed    bool
}

// Subscribe registers l. It fails once the session has started.
func (b *Bus) Subscribe(l Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started || b.closed {
		return ErrAlreadyStarted
	}
	b.listeners = append(b.listeners, l)
	return nil
}

// On subscribes fn to notifications of type T only.
func On[T Notification](b *Bus, fn func(T)) error {
	return b.Subscribe(func(n Notification) {
		if v, ok := n.(T); ok {
			fn(v)
		}
	})
}

func (b *Bus) start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
}

func (b *Bus) publish(n Notification) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		l(n)
	}
}

func (b *Bus) close() {
	b.mu.Lock()
	b.closed = true
	b.listeners = nil
	b.mu.Unlock()
}
