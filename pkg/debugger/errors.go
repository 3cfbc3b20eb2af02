package debugger

import "errors"

var (
	ErrNotDebugging   = errors.New("not debugging")
	ErrAlreadyStarted = errors.New("session already started")
	ErrRunning        = errors.New("debuggee is running")
	ErrNotPaused      = errors.New("debuggee is not paused")
	ErrStopped        = errors.New("session stopped")
	ErrNoThread       = errors.New("no current thread")
)
