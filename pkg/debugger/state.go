package debugger

import "fmt"

// State 调试会话状态
type State int32

const (
	NotDebugging State = iota
	Initializing
	Running
	Paused
	Stopped
)

var stateNames = [...]string{"not debugging", "initializing", "running", "paused", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// IsDebugging reports whether a debuggee is attached in state s.
func (s State) IsDebugging() bool {
	return s == Initializing || s == Running || s == Paused
}

// PauseReason 暂停原因
type PauseReason int32

const (
	PauseNone PauseReason = iota
	PauseSoftwareBreakpoint
	PauseHardwareBreakpoint
	PauseMemoryBreakpoint
	PauseException
	PauseStepCompleted
	PauseModuleLoaded
	PauseModuleUnloaded
	PauseThreadCreated
	PauseThreadExited
	PauseUser
	PauseSystemBreakpoint
	PauseDebugString
)

var reasonNames = [...]string{
	"none",
	"software breakpoint",
	"hardware breakpoint",
	"memory breakpoint",
	"exception",
	"step completed",
	"module loaded",
	"module unloaded",
	"thread created",
	"thread exited",
	"user",
	"system breakpoint",
	"debug string",
}

func (r PauseReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int32(r))
}
