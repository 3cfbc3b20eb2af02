package target

import (
	"fmt"
	"syscall"
)

// Exception codes reported in Event.Code. Native exceptions use the
// NTSTATUS vocabulary, unix signals without a close equivalent are mapped
// into the SignalBase range.
const (
	StatusGuardPage             uint32 = 0x80000001
	StatusDatatypeMisalignment  uint32 = 0x80000002
	StatusBreakpoint            uint32 = 0x80000003
	StatusSingleStep            uint32 = 0x80000004
	StatusAccessViolation       uint32 = 0xC0000005
	StatusInPageError           uint32 = 0xC0000006
	StatusInvalidHandle         uint32 = 0xC0000008
	StatusNoMemory              uint32 = 0xC0000017
	StatusIllegalInstruction    uint32 = 0xC000001D
	StatusNoncontinuable        uint32 = 0xC0000025
	StatusInvalidDisposition    uint32 = 0xC0000026
	StatusArrayBoundsExceeded   uint32 = 0xC000008C
	StatusFloatDenormalOperand  uint32 = 0xC000008D
	StatusFloatDivideByZero     uint32 = 0xC000008E
	StatusFloatInexactResult    uint32 = 0xC000008F
	StatusFloatInvalidOperation uint32 = 0xC0000090
	StatusFloatOverflow         uint32 = 0xC0000091
	StatusFloatStackCheck       uint32 = 0xC0000092
	StatusFloatUnderflow        uint32 = 0xC0000093
	StatusIntegerDivideByZero   uint32 = 0xC0000094
	StatusIntegerOverflow       uint32 = 0xC0000095
	StatusPrivilegedInstruction uint32 = 0xC0000096
	StatusStackOverflow         uint32 = 0xC00000FD
	StatusControlCExit          uint32 = 0xC000013A
	StatusFatalAppExit          uint32 = 0x40000015
	DbgControlC                 uint32 = 0x40010005
	DbgControlBreak             uint32 = 0x40010008
	MSVCThreadName              uint32 = 0x406D1388
	MSVCException               uint32 = 0xE06D7363

	// SignalBase | signo is reported for signals listed in no other code.
	SignalBase uint32 = 0x4E000000
)

var exceptionNames = map[uint32]string{
	StatusGuardPage:             "STATUS_GUARD_PAGE_VIOLATION",
	StatusDatatypeMisalignment:  "STATUS_DATATYPE_MISALIGNMENT",
	StatusBreakpoint:            "STATUS_BREAKPOINT",
	StatusSingleStep:            "STATUS_SINGLE_STEP",
	StatusAccessViolation:       "STATUS_ACCESS_VIOLATION",
	StatusInPageError:           "STATUS_IN_PAGE_ERROR",
	StatusInvalidHandle:         "STATUS_INVALID_HANDLE",
	StatusNoMemory:              "STATUS_NO_MEMORY",
	StatusIllegalInstruction:    "STATUS_ILLEGAL_INSTRUCTION",
	StatusNoncontinuable:        "STATUS_NONCONTINUABLE_EXCEPTION",
	StatusInvalidDisposition:    "STATUS_INVALID_DISPOSITION",
	StatusArrayBoundsExceeded:   "STATUS_ARRAY_BOUNDS_EXCEEDED",
	StatusFloatDenormalOperand:  "STATUS_FLOAT_DENORMAL_OPERAND",
	StatusFloatDivideByZero:     "STATUS_FLOAT_DIVIDE_BY_ZERO",
	StatusFloatInexactResult:    "STATUS_FLOAT_INEXACT_RESULT",
	StatusFloatInvalidOperation: "STATUS_FLOAT_INVALID_OPERATION",
	StatusFloatOverflow:         "STATUS_FLOAT_OVERFLOW",
	StatusFloatStackCheck:       "STATUS_FLOAT_STACK_CHECK",
	StatusFloatUnderflow:        "STATUS_FLOAT_UNDERFLOW",
	StatusIntegerDivideByZero:   "STATUS_INTEGER_DIVIDE_BY_ZERO",
	StatusIntegerOverflow:       "STATUS_INTEGER_OVERFLOW",
	StatusPrivilegedInstruction: "STATUS_PRIVILEGED_INSTRUCTION",
	StatusStackOverflow:         "STATUS_STACK_OVERFLOW",
	StatusControlCExit:          "STATUS_CONTROL_C_EXIT",
	StatusFatalAppExit:          "STATUS_FATAL_APP_EXIT",
	DbgControlC:                 "DBG_CONTROL_C",
	DbgControlBreak:             "DBG_CONTROL_BREAK",
	MSVCThreadName:              "MS_VC_EXCEPTION (SetThreadName)",
	MSVCException:               "MSVC C++ EXCEPTION",
}

// ExceptionName returns the symbolic name of code, or "" if it is unknown.
func ExceptionName(code uint32) string {
	if name, ok := exceptionNames[code]; ok {
		return name
	}
	if code&0xFFFFFF00 == SignalBase {
		return syscall.Signal(code & 0xFF).String()
	}
	return ""
}

// ExceptionCodes returns every named code, used by completion and by the
// exceptions command.
func ExceptionCodes() map[uint32]string {
	out := make(map[uint32]string, len(exceptionNames))
	for k, v := range exceptionNames {
		out[k] = v
	}
	return out
}

// FormatException renders code as "0xC0000005 (STATUS_ACCESS_VIOLATION)".
func FormatException(code uint32) string {
	if name := ExceptionName(code); name != "" {
		return fmt.Sprintf("0x%08X (%s)", code, name)
	}
	return fmt.Sprintf("0x%08X", code)
}

// SignalToCode maps a stop signal to an exception code.
func SignalToCode(sig syscall.Signal) uint32 {
	switch sig {
	case syscall.SIGTRAP:
		return StatusBreakpoint
	case syscall.SIGSEGV:
		return StatusAccessViolation
	case syscall.SIGBUS:
		return StatusDatatypeMisalignment
	case syscall.SIGILL:
		return StatusIllegalInstruction
	case syscall.SIGFPE:
		return StatusIntegerDivideByZero
	case syscall.SIGABRT:
		return StatusFatalAppExit
	case syscall.SIGINT:
		return DbgControlC
	case syscall.SIGQUIT:
		return DbgControlBreak
	default:
		return SignalBase | uint32(sig)&0xFF
	}
}

// CodeToSignal is the reverse of SignalToCode, used when an exception is
// delivered back to a unix debuggee.
func CodeToSignal(code uint32) syscall.Signal {
	switch code {
	case StatusBreakpoint, StatusSingleStep:
		return syscall.SIGTRAP
	case StatusAccessViolation, StatusGuardPage, StatusInPageError:
		return syscall.SIGSEGV
	case StatusDatatypeMisalignment:
		return syscall.SIGBUS
	case StatusIllegalInstruction, StatusPrivilegedInstruction:
		return syscall.SIGILL
	case StatusIntegerDivideByZero, StatusFloatDivideByZero, StatusIntegerOverflow:
		return syscall.SIGFPE
	case StatusFatalAppExit:
		return syscall.SIGABRT
	case DbgControlC:
		return syscall.SIGINT
	case DbgControlBreak:
		return syscall.SIGQUIT
	}
	if code&0xFFFFFF00 == SignalBase {
		return syscall.Signal(code & 0xFF)
	}
	return 0
}
