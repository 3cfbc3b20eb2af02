package debugger

import (
	"errors"
	"fmt"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// readOldBytes returns the bytes a trap of type trap would cover at addr,
// packed little endian.
func (d *Debugger) readOldBytes(addr uintptr, trap breakpoint.TrapType) (uint16, error) {
	buf := make([]byte, len(trap.Bytes()))
	n, err := d.provider.ReadMemory(addr, buf)
	if err != nil || n != len(buf) {
		return 0, fmt.Errorf("%#x: %w", addr, breakpoint.ErrInvalidAddress)
	}
	var v uint16
	for i, c := range buf {
		v |= uint16(c) << (8 * i)
	}
	return v, nil
}

// installTrap asks the provider for the trap of bp. A hardware breakpoint
// gets a free debug register, the returned snapshot carries it.
func (d *Debugger) installTrap(bp breakpoint.Breakpoint) (breakpoint.Breakpoint, error) {
	switch bp.Kind {
	case breakpoint.Hardware:
		slot, ok := d.provider.FreeHardwareSlot()
		if !ok {
			return bp, breakpoint.ErrNoFreeHardwareSlot
		}
		if err := d.provider.InstallHardwareTrap(bp.Addr, slot, bp.Encoding.Access, bp.Encoding.Size); err != nil {
			return bp, err
		}
		enc := bp.Encoding
		enc.Slot = slot
		updated, err := d.registry.SetEncodingByID(bp.ID, enc)
		if err != nil {
			return bp, err
		}
		return updated, nil
	default:
		return bp, d.provider.InstallTrap(bp.Addr, bp.Kind, bp.Encoding)
	}
}

// removeTrap takes the trap of bp out, a trap that is already gone is not
// an error.
func (d *Debugger) removeTrap(bp breakpoint.Breakpoint) error {
	err := d.provider.RemoveTrap(bp.Addr, bp.Kind)
	if err != nil && !errors.Is(err, target.ErrTrapNotInstalled) {
		return err
	}
	if bp.Kind == breakpoint.Hardware && bp.Encoding.Slot != breakpoint.NoSlot {
		enc := bp.Encoding
		enc.Slot = breakpoint.NoSlot
		if _, err := d.registry.SetEncodingByID(bp.ID, enc); err != nil && !errors.Is(err, breakpoint.ErrBreakpointNotExisted) {
			return err
		}
	}
	return nil
}

// rollback drops breakpoint id again after its trap could not be installed.
func (d *Debugger) rollback(id uint64) {
	if _, err := d.registry.DeleteByID(id); err != nil {
		d.log.WithError(err).Errorf("roll back breakpoint %d", id)
	}
}

func (d *Debugger) changed(op string, bp breakpoint.Breakpoint) {
	d.bus.publish(BreakpointsChanged{Op: op, Breakpoint: bp})
}

// SetBreakpoint 设置软件断点
func (d *Debugger) SetBreakpoint(addr uintptr, trap breakpoint.TrapType, name string, singleShot bool) (breakpoint.Breakpoint, error) {
	if !d.State().IsDebugging() {
		return breakpoint.Breakpoint{}, ErrNotDebugging
	}
	old, err := d.readOldBytes(addr, trap)
	if err != nil {
		return breakpoint.Breakpoint{}, err
	}
	enc := breakpoint.Encoding{Trap: trap, OldBytes: old, Slot: breakpoint.NoSlot}
	bp, err := d.registry.Add(addr, breakpoint.Software, enc, name, singleShot)
	if err != nil {
		return breakpoint.Breakpoint{}, err
	}
	if _, err := d.installTrap(bp); err != nil {
		d.rollback(bp.ID)
		return breakpoint.Breakpoint{}, fmt.Errorf("set breakpoint at %#x: %w", addr, err)
	}
	d.changed("add", bp)
	return bp, nil
}

// SetHardwareBreakpoint 设置硬件断点
func (d *Debugger) SetHardwareBreakpoint(addr uintptr, access breakpoint.Access, size uintptr, name string, singleShot bool) (breakpoint.Breakpoint, error) {
	if !d.State().IsDebugging() {
		return breakpoint.Breakpoint{}, ErrNotDebugging
	}
	enc := breakpoint.Encoding{Access: access, Size: size, Slot: breakpoint.NoSlot}
	bp, err := d.registry.Add(addr, breakpoint.Hardware, enc, name, singleShot)
	if err != nil {
		return breakpoint.Breakpoint{}, err
	}
	bp, err = d.installTrap(bp)
	if err != nil {
		d.rollback(bp.ID)
		return breakpoint.Breakpoint{}, fmt.Errorf("set hardware breakpoint at %#x: %w", addr, err)
	}
	d.changed("add", bp)
	return bp, nil
}

// SetMemoryBreakpoint 设置内存断点，覆盖addr所在的整个内存区域
func (d *Debugger) SetMemoryBreakpoint(addr uintptr, access breakpoint.Access, name string, singleShot bool) (breakpoint.Breakpoint, error) {
	if !d.State().IsDebugging() {
		return breakpoint.Breakpoint{}, ErrNotDebugging
	}
	base, size, ok := d.provider.MemoryRegion(addr)
	if !ok {
		return breakpoint.Breakpoint{}, fmt.Errorf("%#x: %w", addr, breakpoint.ErrInvalidAddress)
	}
	enc := breakpoint.Encoding{Access: access, Size: size, Slot: breakpoint.NoSlot}
	bp, err := d.registry.Add(base, breakpoint.Memory, enc, name, singleShot)
	if err != nil {
		return breakpoint.Breakpoint{}, err
	}
	if _, err := d.installTrap(bp); err != nil {
		d.rollback(bp.ID)
		return breakpoint.Breakpoint{}, fmt.Errorf("set memory breakpoint at %#x: %w", base, err)
	}
	d.changed("add", bp)
	return bp, nil
}

// Breakpoint returns breakpoint id.
func (d *Debugger) Breakpoint(id uint64) (breakpoint.Breakpoint, error) {
	return d.registry.FindByID(id)
}

// BreakpointAt returns the breakpoint of kind at addr.
func (d *Debugger) BreakpointAt(addr uintptr, kind breakpoint.Kind) (breakpoint.Breakpoint, error) {
	return d.registry.Find(addr, kind)
}

// Breakpoints lists the breakpoints matching f.
func (d *Debugger) Breakpoints(f breakpoint.Filter) []breakpoint.Breakpoint {
	return d.registry.Enumerate(f)
}

// DeleteBreakpoint removes the trap of breakpoint id and deletes it. If
// the trap cannot be removed the breakpoint is kept.
func (d *Debugger) DeleteBreakpoint(id uint64) error {
	bp, err := d.registry.FindByID(id)
	if err != nil {
		return err
	}
	if bp.Enabled && bp.Active {
		if err := d.removeTrap(bp); err != nil {
			return fmt.Errorf("delete breakpoint %d: %w", id, err)
		}
	}
	if bp, err = d.registry.DeleteByID(id); err != nil {
		return err
	}
	d.changed("delete", bp)
	return nil
}

// EnableBreakpoint enables breakpoint id and installs its trap when its
// module is loaded.
func (d *Debugger) EnableBreakpoint(id uint64) error {
	bp, err := d.registry.FindByID(id)
	if err != nil {
		return err
	}
	if bp.Enabled {
		return nil
	}
	if bp, err = d.registry.SetEnabledByID(id, true); err != nil {
		return err
	}
	if bp.Active {
		if bp, err = d.installTrap(bp); err != nil {
			if _, rerr := d.registry.SetEnabledByID(id, false); rerr != nil {
				d.log.WithError(rerr).Errorf("roll back enabling breakpoint %d", id)
			}
			return fmt.Errorf("enable breakpoint %d: %w", id, err)
		}
	}
	d.changed("enable", bp)
	return nil
}

// DisableBreakpoint removes the trap of breakpoint id and disables it.
func (d *Debugger) DisableBreakpoint(id uint64) error {
	bp, err := d.registry.FindByID(id)
	if err != nil {
		return err
	}
	if !bp.Enabled {
		return nil
	}
	if bp.Active {
		if err := d.removeTrap(bp); err != nil {
			return fmt.Errorf("disable breakpoint %d: %w", id, err)
		}
	}
	if bp, err = d.registry.SetEnabledByID(id, false); err != nil {
		return err
	}
	d.changed("disable", bp)
	return nil
}

// RenameBreakpoint 修改断点名称
func (d *Debugger) RenameBreakpoint(id uint64, name string) error {
	bp, err := d.registry.RenameByID(id, name)
	if err != nil {
		return err
	}
	d.changed("rename", bp)
	return nil
}

// eachOfKind applies fn to every breakpoint of kind and returns how many
// succeeded along with the first error.
func (d *Debugger) eachOfKind(kind breakpoint.Kind, fn func(id uint64) error) (int, error) {
	var (
		n        int
		firstErr error
	)
	for _, bp := range d.registry.Enumerate(breakpoint.Filter{Kind: kind}) {
		if err := fn(bp.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// DeleteAllBreakpoints deletes every breakpoint of kind, AnyKind for all.
func (d *Debugger) DeleteAllBreakpoints(kind breakpoint.Kind) (int, error) {
	return d.eachOfKind(kind, d.DeleteBreakpoint)
}

// EnableAllBreakpoints enables every breakpoint of kind.
func (d *Debugger) EnableAllBreakpoints(kind breakpoint.Kind) (int, error) {
	return d.eachOfKind(kind, d.EnableBreakpoint)
}

// DisableAllBreakpoints disables every breakpoint of kind.
func (d *Debugger) DisableAllBreakpoints(kind breakpoint.Kind) (int, error) {
	return d.eachOfKind(kind, d.DisableBreakpoint)
}
