// Package target implements process control: the Provider interface the
// debugger core drives, a ptrace based provider for linux/amd64 and an
// in-memory simulated provider.
package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
)

var (
	ErrProcessExited      = errors.New("process exited")
	ErrDetached           = errors.New("process detached")
	ErrUnreadable         = errors.New("memory not readable")
	ErrTrapExists         = errors.New("trap already installed")
	ErrTrapNotInstalled   = errors.New("trap not installed")
	ErrNoFreeSlot         = errors.New("no free debug register")
	ErrUnsupported        = errors.New("not supported by this provider")
	ErrInvalidInstruction = errors.New("invalid instruction")
)

// Provider 进程控制接口
//
// Every method may be called from any goroutine, implementations serialize
// access to the debuggee themselves. Addresses are absolute.
type Provider interface {
	// NextEvent blocks until the debuggee reports an event or ctx is done.
	// A returned error other than ctx.Err() means the session is over:
	// ErrProcessExited and ErrDetached end it normally, anything else is
	// fatal.
	NextEvent(ctx context.Context) (*Event, error)
	// Continue resumes the debuggee stopped on ev. deliver passes the
	// exception of ev to the debuggee's own handlers.
	Continue(ev *Event, deliver bool) error

	// DisassembleOne decodes the instruction at addr.
	DisassembleOne(addr uintptr) (Instruction, error)

	// InstallTrap installs a software or memory trap at addr.
	InstallTrap(addr uintptr, kind breakpoint.Kind, enc breakpoint.Encoding) error
	// RemoveTrap removes the trap of kind at addr.
	RemoveTrap(addr uintptr, kind breakpoint.Kind) error
	// InstallHardwareTrap programs debug register slot.
	InstallHardwareTrap(addr uintptr, slot int, access breakpoint.Access, size uintptr) error
	// FreeHardwareSlot returns an unused debug register.
	FreeHardwareSlot() (int, bool)

	// ReadMemory reads into buf, installed software traps are hidden.
	ReadMemory(addr uintptr, buf []byte) (int, error)
	WriteMemory(addr uintptr, data []byte) error
	IsReadable(addr uintptr) bool
	// MemoryRegion returns the mapping containing addr.
	MemoryRegion(addr uintptr) (base, size uintptr, ok bool)

	// InstructionPointer returns the program counter of thread tid.
	InstructionPointer(tid int) (uintptr, error)
	// PrimeStep makes the next Continue of tid execute exactly one
	// instruction and report StatusSingleStep.
	PrimeStep(tid int) error
	// RequestPause asks the running debuggee to stop, the stop is reported
	// as a StatusBreakpoint exception.
	RequestPause() error

	Detach() error
	Kill() error
}

// Kind 发起调试的类型
type Kind int

const (
	DEBUG  Kind = iota // build a go package and debug it
	EXEC               // launch an executable
	ATTACH             // attach to a running process
	SIM                // run the simulated process
)

func (k Kind) String() string {
	switch k {
	case DEBUG:
		return "debug"
	case EXEC:
		return "exec"
	case ATTACH:
		return "attach"
	case SIM:
		return "sim"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
