package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

type stepKind int

const (
	stepInto stepKind = iota
	stepOver
	stepOut
)

// stepRequest 单步请求
type stepRequest struct {
	kind      stepKind
	tid       int
	remaining int     // instructions left to step
	trap      uintptr // temporary trap past a call, 0 while single stepping
	owned     bool    // trap was installed by the step and must be removed
}

func (d *Debugger) pendingStep(tid int) *stepRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.step != nil && d.step.tid == tid {
		return d.step
	}
	return nil
}

// stepTrap returns the pending step whose temporary trap is at addr,
// whatever thread it steps.
func (d *Debugger) stepTrap(addr uintptr) *stepRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.step != nil && d.step.trap != 0 && d.step.trap == addr {
		return d.step
	}
	return nil
}

// arm prepares the provider for the next instruction of req. Stepping over
// a call runs the callee at full speed up to a temporary trap behind it.
func (d *Debugger) arm(req *stepRequest) error {
	req.trap, req.owned = 0, false
	if req.kind != stepInto {
		pc, err := d.provider.InstructionPointer(req.tid)
		if err != nil {
			return err
		}
		if inst, err := d.provider.DisassembleOne(pc); err == nil && inst.IsCall() {
			next := inst.Next()
			err := d.provider.InstallTrap(next, breakpoint.Software, breakpoint.Encoding{Trap: breakpoint.TrapInt3, Slot: breakpoint.NoSlot})
			switch {
			case err == nil:
				req.owned = true
			case errors.Is(err, target.ErrTrapExists):
			default:
				return fmt.Errorf("step over call at %#x: %w", pc, err)
			}
			req.trap = next
			return nil
		}
	}
	return d.provider.PrimeStep(req.tid)
}

func (d *Debugger) cancelStep() {
	d.mu.Lock()
	req := d.step
	d.step = nil
	d.mu.Unlock()

	if req != nil && req.owned && req.trap != 0 {
		if err := d.provider.RemoveTrap(req.trap, breakpoint.Software); err != nil {
			d.log.WithError(err).Debugf("remove step trap at %#x", req.trap)
		}
	}
}

// advanceStep runs on the event goroutine when one step of req finished.
// Intermediate steps of a multi instruction step do not pause.
func (d *Debugger) advanceStep(req *stepRequest, ev *target.Event) {
	if req.owned {
		if err := d.provider.RemoveTrap(req.trap, breakpoint.Software); err != nil {
			d.log.WithError(err).Debugf("remove step trap at %#x", req.trap)
		}
	}
	req.trap, req.owned = 0, false

	pc, err := d.provider.InstructionPointer(req.tid)
	if err != nil {
		pc = ev.Addr
	}

	done := true
	switch req.kind {
	case stepInto, stepOver:
		req.remaining--
		done = req.remaining <= 0
	case stepOut:
		inst, err := d.provider.DisassembleOne(pc)
		done = err != nil || inst.IsRet()
	}
	if !done {
		err := d.arm(req)
		if err == nil {
			return
		}
		d.log.WithError(err).Warn("step interrupted")
	}

	d.mu.Lock()
	d.step = nil
	d.mu.Unlock()
	d.bus.publish(StepCompleted{TID: req.tid, Addr: pc})
	d.pause(PauseStepCompleted, ev)
}

// resume releases a paused debuggee after prepare ran on the thread of the
// current event. It returns once the event goroutine has woken up.
func (d *Debugger) resume(prepare func(ev *target.Event) error) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	state, ev, gen := d.state, d.current, d.resumes
	d.mu.Unlock()

	if !state.IsDebugging() {
		return ErrNotDebugging
	}
	if state != Paused || !d.latches.IsLocked(runstate.WaitRun) {
		return ErrRunning
	}
	if prepare != nil {
		if err := prepare(ev); err != nil {
			return err
		}
	}

	d.latches.Unlock(runstate.WaitRun)
	return d.waitFor(context.Background(), func() bool {
		return d.resumes != gen || d.state == Stopped
	})
}

// Run resumes the paused debuggee.
func (d *Debugger) Run() error {
	return d.resume(nil)
}

// RunSkipExceptions resumes the debuggee and passes every first chance
// exception to it without pausing, until the next pause.
func (d *Debugger) RunSkipExceptions() error {
	return d.resume(func(*target.Event) error {
		d.skipExceptions.Store(true)
		return nil
	})
}

// Pause asks the running debuggee to stop, the stop is reported with
// PauseUser.
func (d *Debugger) Pause() error {
	switch d.State() {
	case Paused:
		return nil
	case Running, Initializing:
	default:
		return ErrNotDebugging
	}
	d.pauseRequested.Store(true)
	if err := d.provider.RequestPause(); err != nil {
		d.pauseRequested.Store(false)
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

func (d *Debugger) startStep(kind stepKind, n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid step count %d", n)
	}
	return d.resume(func(ev *target.Event) error {
		if ev == nil {
			return ErrNoThread
		}
		req := &stepRequest{kind: kind, tid: ev.TID, remaining: n}
		if err := d.arm(req); err != nil {
			return err
		}
		d.mu.Lock()
		d.step = req
		d.mu.Unlock()
		return nil
	})
}

// StepInto executes one instruction of the current thread.
func (d *Debugger) StepInto() error {
	return d.startStep(stepInto, 1)
}

// StepN executes n instructions of the current thread, pausing once.
func (d *Debugger) StepN(n int) error {
	return d.startStep(stepInto, n)
}

// StepOver executes one instruction, a call is executed as a whole.
func (d *Debugger) StepOver() error {
	return d.startStep(stepOver, 1)
}

// RunToReturn steps over instructions until the current thread reaches a
// return instruction.
func (d *Debugger) RunToReturn() error {
	return d.startStep(stepOut, 1)
}

// BreakOnNextModule pauses the debuggee when the next module is loaded.
func (d *Debugger) BreakOnNextModule() {
	d.breakOnModule.Store(true)
}

// Detach removes every trap and lets the debuggee run on its own.
func (d *Debugger) Detach() error {
	state := d.State()
	if !state.IsDebugging() {
		return ErrNotDebugging
	}
	d.detachRequested.Store(true)
	if state == Paused {
		d.latches.Unlock(runstate.WaitRun)
		return nil
	}
	if err := d.provider.RequestPause(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

// Stop kills the debuggee. The session ends with the exit event.
func (d *Debugger) Stop() error {
	if !d.State().IsDebugging() {
		return ErrNotDebugging
	}
	d.stopRequested.Store(true)
	err := d.provider.Kill()
	d.latches.Unlock(runstate.WaitRun)
	if err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

// Close stops the session and waits up to timeout for it to end. The
// command queue is stopped as well.
func (d *Debugger) Close(timeout time.Duration) error {
	defer d.commands.Stop()

	if d.State() == NotDebugging {
		return nil
	}
	if d.State().IsDebugging() {
		if err := d.Stop(); err != nil {
			d.log.WithError(err).Warn("stop debuggee")
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.done:
		return nil
	case <-timer.C:
		d.cancel()
		d.latches.ClearAll()
		return ErrStopped
	}
}

// InstructionPointer returns the program counter of the thread the
// debuggee is paused on.
func (d *Debugger) InstructionPointer() (uintptr, error) {
	ev, ok := d.CurrentEvent()
	if !ok {
		return 0, ErrNoThread
	}
	return d.provider.InstructionPointer(ev.TID)
}

// ReadMemory reads n bytes of debuggee memory with software traps hidden.
func (d *Debugger) ReadMemory(addr uintptr, n int) ([]byte, error) {
	if !d.State().IsDebugging() {
		return nil, ErrNotDebugging
	}
	buf := make([]byte, n)
	got, err := d.provider.ReadMemory(addr, buf)
	if got == 0 && err != nil {
		return nil, err
	}
	return buf[:got], nil
}

// WriteMemory writes data into the paused debuggee.
func (d *Debugger) WriteMemory(addr uintptr, data []byte) error {
	switch d.State() {
	case Paused:
	case Running, Initializing:
		return ErrRunning
	default:
		return ErrNotDebugging
	}
	return d.provider.WriteMemory(addr, data)
}

// Disassemble decodes up to n instructions from addr.
func (d *Debugger) Disassemble(addr uintptr, n int) ([]target.Instruction, error) {
	if !d.State().IsDebugging() {
		return nil, ErrNotDebugging
	}
	return target.Disassemble(d.provider, addr, n)
}
