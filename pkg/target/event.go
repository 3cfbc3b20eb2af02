package target

import (
	"fmt"

	"github.com/hitzhangjie/dbgcore/pkg/module"
)

// EventKind 调试事件类型
type EventKind int

const (
	EventCreateProcess EventKind = iota + 1
	EventExitProcess
	EventCreateThread
	EventExitThread
	EventLoadModule
	EventUnloadModule
	EventException
	EventDebugString
)

var eventKindNames = map[EventKind]string{
	EventCreateProcess: "create-process",
	EventExitProcess:   "exit-process",
	EventCreateThread:  "create-thread",
	EventExitThread:    "exit-thread",
	EventLoadModule:    "load-module",
	EventUnloadModule:  "unload-module",
	EventException:     "exception",
	EventDebugString:   "debug-string",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event 一个调试事件，由Provider.NextEvent返回
//
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	PID  int
	TID  int

	// EventException
	Code         uint32   // exception code
	Addr         uintptr  // exception address
	FirstChance  bool     // first or last chance
	Info         []uint64 // exception parameters
	HardwareSlot int      // debug register that fired, -1 if none

	// EventCreateProcess, EventLoadModule, EventUnloadModule (Module.Base)
	Module   module.Module
	Attached bool // EventCreateProcess of an attached process

	// EventCreateProcess, EventCreateThread
	StartAddress uintptr
	LocalBase    uintptr

	// EventExitProcess, EventExitThread
	ExitCode int

	// EventDebugString
	Text string

	// synthetic events are produced by the provider itself, the debuggee is
	// not stopped on them and Continue is a no-op.
	synthetic bool
	// resumeAll continues every thread, not only TID.
	resumeAll bool
}

func (e *Event) String() string {
	switch e.Kind {
	case EventException:
		chance := "first"
		if !e.FirstChance {
			chance = "last"
		}
		return fmt.Sprintf("%s tid:%d %s at %#x (%s chance)", e.Kind, e.TID, FormatException(e.Code), e.Addr, chance)
	case EventCreateProcess, EventLoadModule:
		return fmt.Sprintf("%s tid:%d %s", e.Kind, e.TID, e.Module.String())
	case EventUnloadModule:
		return fmt.Sprintf("%s tid:%d base:%#x", e.Kind, e.TID, e.Module.Base)
	case EventCreateThread:
		return fmt.Sprintf("%s tid:%d entry:%#x", e.Kind, e.TID, e.StartAddress)
	case EventExitProcess, EventExitThread:
		return fmt.Sprintf("%s tid:%d code:%d", e.Kind, e.TID, e.ExitCode)
	case EventDebugString:
		return fmt.Sprintf("%s tid:%d %q", e.Kind, e.TID, e.Text)
	default:
		return fmt.Sprintf("%s tid:%d", e.Kind, e.TID)
	}
}
