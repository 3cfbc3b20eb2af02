package debug

import (
	"fmt"
	"io"

	"github.com/hitzhangjie/dbgcore/pkg/debugger"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// subscribe prints the notifications of dbg to w.
func subscribe(dbg *debugger.Debugger, w io.Writer) error {
	log := logflags.ShellLogger()
	if err := debugger.On(dbg.Bus(), func(n debugger.DebugEvent) {
		log.Debugf("event: %s", &n.Event)
	}); err != nil {
		return err
	}

	return dbg.Bus().Subscribe(func(n debugger.Notification) {
		switch n := n.(type) {
		case debugger.ProcessCreated:
			fmt.Fprintf(w, "process %d created: %s\n", n.PID, n.Module.String())
		case debugger.ProcessExited:
			fmt.Fprintf(w, "process %d exited with code %d\n", n.PID, n.ExitCode)
		case debugger.ThreadCreated:
			fmt.Fprintf(w, "thread %d created, entry %#x\n", n.Thread.ID, n.Thread.StartAddress)
		case debugger.ThreadExited:
			fmt.Fprintf(w, "thread %d exited with code %d\n", n.TID, n.ExitCode)
		case debugger.ThreadRenamed:
			fmt.Fprintf(w, "thread %d named %q\n", n.TID, n.Name)
		case debugger.ModuleLoaded:
			fmt.Fprintf(w, "module loaded: %s\n", n.Module.String())
		case debugger.ModuleUnloaded:
			fmt.Fprintf(w, "module unloaded: %s\n", n.Module.String())
		case debugger.DebugString:
			fmt.Fprintf(w, "debug string (thread %d): %q\n", n.TID, n.Text)
		case debugger.SystemBreakpoint:
			fmt.Fprintf(w, "system breakpoint at %#x\n", n.Addr)
		case debugger.BreakpointHit:
			fmt.Fprintf(w, "breakpoint %d hit, thread %d: %s\n", n.Breakpoint.ID, n.TID, n.Breakpoint)
		case debugger.ExceptionRaised:
			chance := "last"
			if n.FirstChance {
				chance = "first"
			}
			fmt.Fprintf(w, "%s chance exception %s at %#x, thread %d\n", chance, target.FormatException(n.Code), n.Addr, n.TID)
		case debugger.BreakpointsChanged:
			fmt.Fprintf(w, "breakpoint %d %s\n", n.Breakpoint.ID, n.Op)
		case debugger.ExecutionPaused:
			fmt.Fprintf(w, "paused (%s), thread %d at %s\n", n.Reason, n.TID, symbolize(dbg, n.Addr))
			printInstructions(w, dbg, n.Addr, 1)
		case debugger.SessionStopped:
			if n.Err != nil {
				fmt.Fprintf(w, "debug session stopped: %v\n", n.Err)
				return
			}
			fmt.Fprintf(w, "debug session stopped, exit code %d\n", n.ExitCode)
		}
	})
}

// printInstructions disassembles n instructions at addr, nothing is
// printed when addr is not readable.
func printInstructions(w io.Writer, dbg *debugger.Debugger, addr uintptr, n int) {
	insts, err := dbg.Disassemble(addr, n)
	if err != nil {
		return
	}
	for _, inst := range insts {
		asm, err := target.Format(inst, "intel")
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %#x  % x\t%s\n", inst.Addr, inst.Bytes, asm)
	}
}
