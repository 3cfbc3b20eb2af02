package debugger

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/target"
	"github.com/hitzhangjie/dbgcore/pkg/thread"
)

// threadNameInfo is the type field of an MSVC thread name exception.
const threadNameInfo = 0x1000

// maxThreadName bounds the thread name read from the debuggee.
const maxThreadName = 256

// dispatch handles one event. deliver is passed on to Continue, done means
// the session has ended and ev must not be continued.
func (d *Debugger) dispatch(ev *target.Event) (deliver, done bool) {
	switch ev.Kind {
	case target.EventCreateProcess:
		d.onCreateProcess(ev)
	case target.EventExitProcess:
		d.onExitProcess(ev)
		return false, true
	case target.EventCreateThread:
		d.onCreateThread(ev)
	case target.EventExitThread:
		d.onExitThread(ev)
	case target.EventLoadModule:
		d.onLoadModule(ev)
	case target.EventUnloadModule:
		d.onUnloadModule(ev)
	case target.EventDebugString:
		d.onDebugString(ev)
	case target.EventException:
		return d.onException(ev), false
	default:
		d.log.Warnf("unknown debug event %s", ev)
	}
	return false, false
}

func (d *Debugger) onCreateProcess(ev *target.Event) {
	d.transition(func() {
		d.session.PID = ev.PID
		d.session.Attached = ev.Attached
		if d.session.Executable == "" {
			d.session.Executable = ev.Module.Path
		}
	})

	exe, err := d.modules.Load(ev.Module)
	if err != nil {
		d.log.WithError(err).Errorf("load executable module %s", ev.Module.Name)
	}
	mainThread := thread.Thread{ID: ev.TID, StartAddress: ev.StartAddress, LocalBase: ev.LocalBase, Name: "Main Thread"}
	d.threads.Create(mainThread)

	d.loadDatabase()
	if exe == nil {
		d.bus.publish(ProcessCreated{PID: ev.PID, Module: ev.Module})
		d.bus.publish(ThreadCreated{Thread: mainThread})
		return
	}
	d.applyModuleBreakpoints(*exe)

	events := d.settings.Events()
	if events.EntryBreakpoint && !ev.Attached {
		entry := ev.StartAddress
		if entry == 0 {
			entry = exe.Entry
		}
		d.policyBreakpoint(entry, "entry breakpoint")
	}
	if events.TLSCallbacks {
		d.tlsBreakpoints(*exe, false)
	}

	d.bus.publish(ProcessCreated{PID: ev.PID, Module: *exe})
	d.bus.publish(ThreadCreated{Thread: mainThread})
}

func (d *Debugger) onExitProcess(ev *target.Event) {
	d.bus.publish(ProcessExited{PID: ev.PID, ExitCode: ev.ExitCode})
	if err := d.provider.Continue(ev, false); err != nil && !errors.Is(err, target.ErrProcessExited) {
		d.log.WithError(err).Debug("continue exit-process")
	}
	d.finish(ev.ExitCode, nil)
}

func (d *Debugger) onCreateThread(ev *target.Event) {
	th := thread.Thread{ID: ev.TID, StartAddress: ev.StartAddress, LocalBase: ev.LocalBase}
	d.threads.Create(th)
	d.bus.publish(ThreadCreated{Thread: th})

	events := d.settings.Events()
	if events.ThreadEntry {
		d.policyBreakpoint(ev.StartAddress, fmt.Sprintf("Thread %X", ev.TID))
	}
	if events.ThreadStart {
		d.pause(PauseThreadCreated, ev)
	}
}

func (d *Debugger) onExitThread(ev *target.Event) {
	if _, err := d.threads.Exit(ev.TID); err != nil {
		d.log.WithError(err).Warnf("exit of unknown thread %d", ev.TID)
		return
	}
	if req := d.pendingStep(ev.TID); req != nil {
		d.cancelStep()
	}
	d.bus.publish(ThreadExited{TID: ev.TID, ExitCode: ev.ExitCode})

	if d.settings.Events().ThreadEnd {
		d.pause(PauseThreadExited, ev)
	}
}

func (d *Debugger) onLoadModule(ev *target.Event) {
	m, err := d.modules.Load(ev.Module)
	if err != nil {
		d.log.WithError(err).Errorf("load module %s", ev.Module.Name)
		return
	}
	d.applyModuleBreakpoints(*m)

	events := d.settings.Events()
	if events.DllEntry {
		d.policyBreakpoint(m.Entry, fmt.Sprintf("DllMain (%s)", m.Name))
	}
	if events.TLSCallbacks {
		d.tlsBreakpoints(*m, true)
	}
	d.bus.publish(ModuleLoaded{Module: *m})

	if d.breakOnModule.CAS(true, false) || events.DllLoad {
		d.pause(PauseModuleLoaded, ev)
	}
}

func (d *Debugger) onUnloadModule(ev *target.Event) {
	m, ok := d.modules.FromAddr(ev.Module.Base)
	if !ok || m.Base != ev.Module.Base {
		d.log.Warnf("unload of unknown module at %#x", ev.Module.Base)
		return
	}
	d.removeModuleTraps(m)
	d.modules.Unload(m.Base)
	d.bus.publish(ModuleUnloaded{Module: m})

	if d.settings.Events().DllUnload {
		d.pause(PauseModuleUnloaded, ev)
	}
}

func (d *Debugger) onDebugString(ev *target.Event) {
	d.bus.publish(DebugString{TID: ev.TID, Text: ev.Text})
	if d.settings.Events().DebugStrings {
		d.pause(PauseDebugString, ev)
	}
}

// onException returns whether the exception is passed to the debuggee.
func (d *Debugger) onException(ev *target.Event) bool {
	if ev.FirstChance {
		switch ev.Code {
		case target.StatusBreakpoint:
			if d.onBreakpoint(ev) {
				return false
			}
		case target.StatusSingleStep:
			if d.onSingleStep(ev) {
				return false
			}
		case target.StatusGuardPage:
			if d.onGuardPage(ev) {
				return false
			}
		case target.MSVCThreadName:
			d.onThreadName(ev)
			return false
		}
	}
	return d.onGenericException(ev)
}

// onBreakpoint handles a software trap. It returns false when the trap is
// not one of ours and has to be treated as a plain exception.
func (d *Debugger) onBreakpoint(ev *target.Event) bool {
	if !d.systemSeen {
		d.systemSeen = true
		d.onSystemBreakpoint(ev)
		return true
	}
	if bp, err := d.registry.Find(ev.Addr, breakpoint.Software); err == nil && bp.Enabled {
		d.hitBreakpoint(ev, bp, PauseSoftwareBreakpoint)
		return true
	}
	if req := d.stepTrap(ev.Addr); req != nil {
		if req.tid == ev.TID {
			d.advanceStep(req, ev)
			return true
		}
		// another thread ran through the call site, the step stays pending
		// and the trap stays armed
		d.log.Debugf("thread %d hit the step trap of thread %d at %#x", ev.TID, req.tid, ev.Addr)
		return true
	}
	if d.pauseRequested.Load() {
		d.pause(PauseUser, ev)
		return true
	}
	d.log.Debugf("breakpoint at %#x is not registered", ev.Addr)
	return false
}

func (d *Debugger) onSystemBreakpoint(ev *target.Event) {
	attached := d.Session().Attached
	d.bus.publish(SystemBreakpoint{TID: ev.TID, Addr: ev.Addr, Attached: attached})
	d.setState(Running)

	events := d.settings.Events()
	if (attached && events.AttachBreakpoint) || (!attached && events.SystemBreakpoint) || d.pauseRequested.Load() {
		d.pause(PauseSystemBreakpoint, ev)
	}
}

func (d *Debugger) onSingleStep(ev *target.Event) bool {
	if ev.HardwareSlot >= 0 {
		if bp, ok := d.hardwareAt(ev.HardwareSlot, ev.Addr); ok {
			d.hitBreakpoint(ev, bp, PauseHardwareBreakpoint)
			return true
		}
		d.log.Warnf("debug register %d hit at %#x by thread %d has no breakpoint", ev.HardwareSlot, ev.Addr, ev.TID)
		return true
	}
	if req := d.pendingStep(ev.TID); req != nil && req.trap == 0 {
		d.advanceStep(req, ev)
		return true
	}
	// a step that was primed and then cancelled by another pause
	d.log.Debugf("single step of thread %d at %#x ignored", ev.TID, ev.Addr)
	return true
}

// hardwareAt resolves a debug register hit, by slot first and then by
// address.
func (d *Debugger) hardwareAt(slot int, addr uintptr) (breakpoint.Breakpoint, bool) {
	for _, bp := range d.registry.Enumerate(breakpoint.Filter{Kind: breakpoint.Hardware, EnabledOnly: true}) {
		if bp.Active && bp.Encoding.Slot == slot {
			return bp, true
		}
	}
	if bp, err := d.registry.Find(addr, breakpoint.Hardware); err == nil && bp.Enabled {
		return bp, true
	}
	return breakpoint.Breakpoint{}, false
}

func (d *Debugger) onGuardPage(ev *target.Event) bool {
	addr := ev.Addr
	if len(ev.Info) >= 2 {
		addr = uintptr(ev.Info[1])
	}
	base, _, ok := d.provider.MemoryRegion(addr)
	if !ok {
		return false
	}
	bp, err := d.registry.Find(base, breakpoint.Memory)
	if err != nil || !bp.Enabled {
		return false
	}
	d.hitBreakpoint(ev, bp, PauseMemoryBreakpoint)
	return true
}

// hitBreakpoint counts the hit, removes a single-shot breakpoint and pauses.
func (d *Debugger) hitBreakpoint(ev *target.Event, bp breakpoint.Breakpoint, reason PauseReason) {
	hit, err := d.registry.Hit(bp.Addr, bp.Kind)
	if err != nil {
		d.log.WithError(err).Warnf("count hit of breakpoint %d", bp.ID)
		hit = bp
	}
	if hit.SingleShot {
		if err := d.removeTrap(hit); err != nil {
			d.log.WithError(err).Warnf("remove single-shot breakpoint %d", hit.ID)
		}
		if _, err := d.registry.DeleteByID(hit.ID); err == nil {
			d.bus.publish(BreakpointsChanged{Op: "delete", Breakpoint: hit})
		}
	}
	d.bus.publish(BreakpointHit{TID: ev.TID, Breakpoint: hit})
	d.pause(reason, ev)
}

func (d *Debugger) onThreadName(ev *target.Event) {
	if len(ev.Info) < 3 || ev.Info[0] != threadNameInfo {
		d.log.Debugf("malformed thread name exception from thread %d", ev.TID)
		return
	}
	tid := int(int32(uint32(ev.Info[2])))
	if tid == -1 {
		tid = ev.TID
	}
	name, err := d.readString(uintptr(ev.Info[1]), maxThreadName)
	if err != nil {
		d.log.WithError(err).Debugf("read name of thread %d", tid)
		return
	}
	if err := d.threads.SetName(tid, name); err != nil {
		d.log.WithError(err).Debugf("rename thread %d", tid)
		return
	}
	d.bus.publish(ThreadRenamed{TID: tid, Name: name})
}

// onGenericException pauses on exceptions nobody claimed, unless they are
// ignored on first chance.
func (d *Debugger) onGenericException(ev *target.Event) bool {
	d.bus.publish(ExceptionRaised{TID: ev.TID, Code: ev.Code, Addr: ev.Addr, FirstChance: ev.FirstChance})

	if ev.FirstChance {
		if d.skipExceptions.Load() || d.settings.IsIgnored(ev.Code) {
			d.log.Debugf("%s at %#x passed to the debuggee", target.FormatException(ev.Code), ev.Addr)
			return true
		}
		d.pause(PauseException, ev)
		return true
	}
	d.log.Warnf("last chance %s at %#x", target.FormatException(ev.Code), ev.Addr)
	d.pause(PauseException, ev)
	return false
}

// policyBreakpoint sets one of the named single-shot breakpoints of the
// event policies.
func (d *Debugger) policyBreakpoint(addr uintptr, name string) {
	if addr == 0 {
		return
	}
	if _, err := d.SetBreakpoint(addr, breakpoint.TrapInt3, name, true); err != nil {
		d.log.WithError(err).Debugf("%s at %#x not set", name, addr)
	}
}

func (d *Debugger) tlsBreakpoints(m module.Module, withModule bool) {
	for i, off := range m.TLSCallbacks {
		name := fmt.Sprintf("TLS Callback %d", i+1)
		if withModule {
			name = fmt.Sprintf("TLS Callback %d (%s)", i+1, m.Name)
		}
		d.policyBreakpoint(m.Base+off, name)
	}
}

// applyModuleBreakpoints installs the enabled breakpoints of a module that
// has just been loaded. A software breakpoint whose original bytes no
// longer match the module is disabled.
func (d *Debugger) applyModuleBreakpoints(m module.Module) {
	f := breakpoint.Filter{Kind: breakpoint.AnyKind, Module: m.Name, EnabledOnly: true}
	d.registry.Each(f, func(bp breakpoint.Breakpoint) bool {
		if !bp.Active {
			return true
		}
		if bp.Kind == breakpoint.Software {
			if old, err := d.readOldBytes(bp.Addr, bp.Encoding.Trap); err != nil || old != bp.Encoding.OldBytes {
				d.log.Warnf("breakpoint %d at %s+%#x disabled, the code has changed", bp.ID, m.Name, bp.Offset)
				if b, err := d.registry.SetEnabledByID(bp.ID, false); err == nil {
					d.bus.publish(BreakpointsChanged{Op: "disable", Breakpoint: b})
				}
				return true
			}
		}
		if _, err := d.installTrap(bp); err != nil {
			if errors.Is(err, breakpoint.ErrNoFreeHardwareSlot) {
				d.log.Warnf("hardware breakpoint %d not set, you can only set %d hardware breakpoints", bp.ID, breakpoint.MaxHardware)
			} else {
				d.log.WithError(err).Warnf("install breakpoint %d", bp.ID)
			}
		}
		return true
	})
}

// removeModuleTraps takes the traps of a module out before it is unloaded,
// its breakpoints stay in the registry as inactive.
func (d *Debugger) removeModuleTraps(m module.Module) {
	f := breakpoint.Filter{Kind: breakpoint.AnyKind, Module: m.Name, EnabledOnly: true}
	d.registry.Each(f, func(bp breakpoint.Breakpoint) bool {
		if bp.Active {
			if err := d.removeTrap(bp); err != nil {
				d.log.WithError(err).Debugf("remove breakpoint %d", bp.ID)
			}
		}
		return true
	})
}

// readString reads a NUL terminated string of at most max bytes.
func (d *Debugger) readString(addr uintptr, max int) (string, error) {
	buf := make([]byte, max)
	n, err := d.provider.ReadMemory(addr, buf)
	if n == 0 && err != nil {
		return "", err
	}
	buf = buf[:n]
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}
