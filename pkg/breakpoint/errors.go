package breakpoint

import (
	"errors"
	"fmt"
)

var (
	ErrBreakpointNotExisted = errors.New("breakpoint not existed")
	ErrBreakpointExists     = errors.New("breakpoint already exists")
	ErrInvalidAddress       = errors.New("address is not readable")
	ErrNotDebugging         = errors.New("debuggee is not running")
	ErrNoFreeHardwareSlot   = errors.New("no free hardware slot")
	ErrInvalidEncoding      = errors.New("invalid breakpoint encoding")
)

// ExistsError is returned by Add when the key is already taken.
type ExistsError struct {
	Kind Kind
	Addr uintptr
	ID   uint64
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("%s breakpoint at %#x already exists (id %d)", e.Kind, e.Addr, e.ID)
}

// Is makes errors.Is(err, ErrBreakpointExists) hold.
func (e *ExistsError) Is(target error) bool {
	return target == ErrBreakpointExists
}
