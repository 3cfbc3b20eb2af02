package breakpoint

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

// Target is the view of the debuggee the registry needs. The registry never
// reads or writes debuggee memory itself.
type Target interface {
	IsDebugging() bool
	IsReadable(addr uintptr) bool
}

// Modules is the view of the module table the registry needs.
type Modules interface {
	FromAddr(addr uintptr) (module.Module, bool)
	ByHash(hash uint64) (module.Module, bool)
	Remember(name string) uint64
}

type key struct {
	kind   Kind
	hash   uint64
	offset uintptr
}

type entry struct {
	bp   Breakpoint // Addr, Active and HitCount are filled in by snapshots
	hits *atomic.Uint64
}

func (e *entry) key() key {
	return key{kind: e.bp.Kind, hash: e.bp.ModuleHash, offset: e.bp.Offset}
}

func (e *entry) snapshot() Breakpoint {
	b := e.bp
	b.HitCount = e.hits.Load()
	return b
}

// Registry 断点表
type Registry struct {
	sections *runstate.Sections
	modules  Modules
	target   Target
	log      *logrus.Entry

	entries []*entry // insertion order
	index   map[key]*entry
}

// NewRegistry creates an empty registry. The module table and the target
// are only consulted, never modified.
func NewRegistry(sections *runstate.Sections, modules Modules, target Target) *Registry {
	return &Registry{
		sections: sections,
		modules:  modules,
		target:   target,
		log:      logflags.RegistryLogger(),
		index:    map[key]*entry{},
	}
}

// ToRelative converts an absolute address into its relocation independent
// form. Addresses outside every module keep hash 0 and offset == addr.
func (r *Registry) ToRelative(addr uintptr) (hash uint64, name string, offset uintptr) {
	if m, ok := r.modules.FromAddr(addr); ok {
		return m.Hash, m.Name, addr - m.Base
	}
	return 0, "", addr
}

// ToAbsolute returns the address of b when its module is loaded at base.
func ToAbsolute(b Breakpoint, base uintptr) uintptr {
	if b.ModuleHash == 0 {
		return b.Offset
	}
	return base + b.Offset
}

// resolve fills in the derived fields of a snapshot. It must be called
// without holding the breakpoints section.
func (r *Registry) resolve(b Breakpoint) Breakpoint {
	if b.ModuleHash == 0 {
		b.Addr = b.Offset
		b.Active = r.target.IsReadable(b.Offset)
		return b
	}
	m, ok := r.modules.ByHash(b.ModuleHash)
	if !ok {
		b.Addr, b.Active = 0, false
		return b
	}
	b.Addr = ToAbsolute(b, m.Base)
	b.Active = b.Offset < m.Size
	return b
}

func (r *Registry) keyOf(addr uintptr, kind Kind) key {
	hash, _, off := r.ToRelative(addr)
	return key{kind: kind, hash: hash, offset: off}
}

func validate(kind Kind, enc *Encoding) error {
	switch kind {
	case Software:
		if enc.Trap < TrapInt3 || enc.Trap > TrapUD2 {
			return fmt.Errorf("trap %v: %w", enc.Trap, ErrInvalidEncoding)
		}
	case Hardware:
		switch enc.Size {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("hardware size %d: %w", enc.Size, ErrInvalidEncoding)
		}
		if enc.Slot < NoSlot || enc.Slot >= MaxHardware {
			return fmt.Errorf("hardware slot %d: %w", enc.Slot, ErrInvalidEncoding)
		}
	case Memory:
		if enc.Size == 0 {
			enc.Size = 1
		}
	default:
		return fmt.Errorf("kind %v: %w", kind, ErrInvalidEncoding)
	}
	return nil
}

// Add 在地址addr处添加一个断点，断点初始为启用状态
func (r *Registry) Add(addr uintptr, kind Kind, enc Encoding, name string, singleShot bool) (Breakpoint, error) {
	if !r.target.IsDebugging() {
		return Breakpoint{}, ErrNotDebugging
	}
	if !r.target.IsReadable(addr) {
		return Breakpoint{}, fmt.Errorf("%#x: %w", addr, ErrInvalidAddress)
	}
	if err := validate(kind, &enc); err != nil {
		return Breakpoint{}, err
	}

	hash, modName, off := r.ToRelative(addr)
	b, err := r.insert(Breakpoint{
		Kind:       kind,
		Module:     modName,
		ModuleHash: hash,
		Offset:     off,
		Enabled:    true,
		SingleShot: singleShot,
		Encoding:   enc,
		Name:       name,
	}, addr)
	if err != nil {
		return Breakpoint{}, err
	}

	b = r.resolve(b)
	r.log.WithFields(logflags.Fields{"id": b.ID, "kind": kind, "addr": fmt.Sprintf("%#x", addr)}).Debug("breakpoint added")
	return b, nil
}

func (r *Registry) insert(b Breakpoint, addr uintptr) (Breakpoint, error) {
	defer r.sections.Exclusive(runstate.LockBreakpoints)()

	k := key{kind: b.Kind, hash: b.ModuleHash, offset: b.Offset}
	if old, ok := r.index[k]; ok {
		return Breakpoint{}, &ExistsError{Kind: b.Kind, Addr: addr, ID: old.bp.ID}
	}
	if b.Kind == Hardware && b.Enabled && r.countLocked(Hardware, true) >= MaxHardware {
		return Breakpoint{}, ErrNoFreeHardwareSlot
	}

	b.ID = bpSeqNo.Inc()
	e := &entry{bp: b, hits: atomic.NewUint64(0)}
	r.entries = append(r.entries, e)
	r.index[k] = e
	return e.snapshot(), nil
}

// Find 按地址查找断点
func (r *Registry) Find(addr uintptr, kind Kind) (Breakpoint, error) {
	k := r.keyOf(addr, kind)

	b, ok := func() (Breakpoint, bool) {
		defer r.sections.Shared(runstate.LockBreakpoints)()
		if e, ok := r.index[k]; ok {
			return e.snapshot(), true
		}
		return Breakpoint{}, false
	}()
	if !ok {
		return Breakpoint{}, ErrBreakpointNotExisted
	}
	return r.resolve(b), nil
}

// FindByName returns the first breakpoint, in insertion order, named name.
func (r *Registry) FindByName(name string, kind Kind) (Breakpoint, error) {
	return r.findFirst(func(e *entry) bool {
		return e.bp.Name == name && (kind == AnyKind || e.bp.Kind == kind)
	})
}

// FindByID 按编号查找断点
func (r *Registry) FindByID(id uint64) (Breakpoint, error) {
	return r.findFirst(func(e *entry) bool { return e.bp.ID == id })
}

func (r *Registry) findFirst(match func(e *entry) bool) (Breakpoint, error) {
	b, ok := func() (Breakpoint, bool) {
		defer r.sections.Shared(runstate.LockBreakpoints)()
		for _, e := range r.entries {
			if match(e) {
				return e.snapshot(), true
			}
		}
		return Breakpoint{}, false
	}()
	if !ok {
		return Breakpoint{}, ErrBreakpointNotExisted
	}
	return r.resolve(b), nil
}

// Delete 删除addr处的断点，返回被删除的断点
func (r *Registry) Delete(addr uintptr, kind Kind) (Breakpoint, error) {
	return r.deleteKey(r.keyOf(addr, kind))
}

// DeleteByID deletes breakpoint id, which also works for breakpoints whose
// module is not loaded.
func (r *Registry) DeleteByID(id uint64) (Breakpoint, error) {
	b, err := r.FindByID(id)
	if err != nil {
		return Breakpoint{}, err
	}
	return r.deleteKey(key{kind: b.Kind, hash: b.ModuleHash, offset: b.Offset})
}

func (r *Registry) deleteKey(k key) (Breakpoint, error) {
	b, err := func() (Breakpoint, error) {
		defer r.sections.Exclusive(runstate.LockBreakpoints)()

		e, ok := r.index[k]
		if !ok {
			return Breakpoint{}, ErrBreakpointNotExisted
		}
		delete(r.index, k)
		for i, v := range r.entries {
			if v == e {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				break
			}
		}
		return e.snapshot(), nil
	}()
	if err != nil {
		return Breakpoint{}, err
	}

	r.log.WithFields(logflags.Fields{"id": b.ID, "kind": b.Kind}).Debug("breakpoint deleted")
	return r.resolve(b), nil
}

// update runs fn on the entry under k inside one exclusive section.
func (r *Registry) update(k key, fn func(e *entry) error) (Breakpoint, error) {
	b, err := func() (Breakpoint, error) {
		defer r.sections.Exclusive(runstate.LockBreakpoints)()

		e, ok := r.index[k]
		if !ok {
			return Breakpoint{}, ErrBreakpointNotExisted
		}
		if err := fn(e); err != nil {
			return Breakpoint{}, err
		}
		return e.snapshot(), nil
	}()
	if err != nil {
		return Breakpoint{}, err
	}
	return r.resolve(b), nil
}

func (r *Registry) setEnabled(k key, enabled bool) (Breakpoint, error) {
	return r.update(k, func(e *entry) error {
		if enabled && !e.bp.Enabled && e.bp.Kind == Hardware && r.countLocked(Hardware, true) >= MaxHardware {
			return ErrNoFreeHardwareSlot
		}
		e.bp.Enabled = enabled
		return nil
	})
}

// SetEnabled 启用/禁用addr处的断点
func (r *Registry) SetEnabled(addr uintptr, kind Kind, enabled bool) (Breakpoint, error) {
	return r.setEnabled(r.keyOf(addr, kind), enabled)
}

// SetEnabledByID enables or disables breakpoint id.
func (r *Registry) SetEnabledByID(id uint64, enabled bool) (Breakpoint, error) {
	b, err := r.FindByID(id)
	if err != nil {
		return Breakpoint{}, err
	}
	return r.setEnabled(key{kind: b.Kind, hash: b.ModuleHash, offset: b.Offset}, enabled)
}

// Rename 修改断点名称
func (r *Registry) Rename(addr uintptr, kind Kind, name string) (Breakpoint, error) {
	return r.update(r.keyOf(addr, kind), func(e *entry) error {
		e.bp.Name = name
		return nil
	})
}

// RenameByID renames breakpoint id.
func (r *Registry) RenameByID(id uint64, name string) (Breakpoint, error) {
	b, err := r.FindByID(id)
	if err != nil {
		return Breakpoint{}, err
	}
	return r.update(key{kind: b.Kind, hash: b.ModuleHash, offset: b.Offset}, func(e *entry) error {
		e.bp.Name = name
		return nil
	})
}

// SetEncoding replaces the provider encoding of the breakpoint.
func (r *Registry) SetEncoding(addr uintptr, kind Kind, enc Encoding) (Breakpoint, error) {
	if err := validate(kind, &enc); err != nil {
		return Breakpoint{}, err
	}
	return r.update(r.keyOf(addr, kind), func(e *entry) error {
		e.bp.Encoding = enc
		return nil
	})
}

// SetEncodingByID is SetEncoding for breakpoints that may not be active.
func (r *Registry) SetEncodingByID(id uint64, enc Encoding) (Breakpoint, error) {
	b, err := r.FindByID(id)
	if err != nil {
		return Breakpoint{}, err
	}
	if err := validate(b.Kind, &enc); err != nil {
		return Breakpoint{}, err
	}
	return r.update(key{kind: b.Kind, hash: b.ModuleHash, offset: b.Offset}, func(e *entry) error {
		e.bp.Encoding = enc
		return nil
	})
}

// Hit increments the hit count of the breakpoint at addr and returns the
// updated snapshot.
func (r *Registry) Hit(addr uintptr, kind Kind) (Breakpoint, error) {
	k := r.keyOf(addr, kind)

	b, ok := func() (Breakpoint, bool) {
		defer r.sections.Shared(runstate.LockBreakpoints)()
		e, ok := r.index[k]
		if !ok {
			return Breakpoint{}, false
		}
		e.hits.Inc()
		return e.snapshot(), true
	}()
	if !ok {
		return Breakpoint{}, ErrBreakpointNotExisted
	}
	return r.resolve(b), nil
}

// ResetHitCount sets the hit count of the breakpoint at addr back to zero.
func (r *Registry) ResetHitCount(addr uintptr, kind Kind) error {
	_, err := r.update(r.keyOf(addr, kind), func(e *entry) error {
		e.hits.Store(0)
		return nil
	})
	return err
}

func (f Filter) match(e *entry, moduleHash uint64) bool {
	if f.Kind != AnyKind && e.bp.Kind != f.Kind {
		return false
	}
	if f.Module != "" && e.bp.ModuleHash != moduleHash {
		return false
	}
	if f.EnabledOnly && !e.bp.Enabled {
		return false
	}
	return true
}

// Enumerate returns a snapshot of the breakpoints matching f in insertion
// order. Every call re-reads the table.
func (r *Registry) Enumerate(f Filter) []Breakpoint {
	var moduleHash uint64
	if f.Module != "" {
		moduleHash = module.HashName(f.Module)
	}

	list := func() []Breakpoint {
		defer r.sections.Shared(runstate.LockBreakpoints)()
		out := make([]Breakpoint, 0, len(r.entries))
		for _, e := range r.entries {
			if f.match(e, moduleHash) {
				out = append(out, e.snapshot())
			}
		}
		return out
	}()

	for i := range list {
		list[i] = r.resolve(list[i])
	}
	return list
}

// Each calls fn for every breakpoint matching f until fn returns false. No
// lock is held while fn runs, so fn may call back into the registry.
func (r *Registry) Each(f Filter, fn func(b Breakpoint) bool) {
	for _, b := range r.Enumerate(f) {
		if !fn(b) {
			return
		}
	}
}

// Count 统计断点数量
func (r *Registry) Count(kind Kind, enabledOnly bool) int {
	defer r.sections.Shared(runstate.LockBreakpoints)()
	return r.countLocked(kind, enabledOnly)
}

func (r *Registry) countLocked(kind Kind, enabledOnly bool) int {
	n := 0
	for _, e := range r.entries {
		if kind != AnyKind && e.bp.Kind != kind {
			continue
		}
		if enabledOnly && !e.bp.Enabled {
			continue
		}
		n++
	}
	return n
}

// Clear removes every breakpoint and returns how many were removed.
func (r *Registry) Clear() int {
	defer r.sections.Exclusive(runstate.LockBreakpoints)()

	n := len(r.entries)
	r.entries = nil
	r.index = map[key]*entry{}
	return n
}

// Serialize returns the persistent records of every breakpoint that is not
// single-shot, in insertion order.
func (r *Registry) Serialize() []Record {
	defer r.sections.Shared(runstate.LockBreakpoints)()

	records := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if e.bp.SingleShot {
			continue
		}
		records = append(records, Record{
			Kind:     e.bp.Kind,
			Module:   e.bp.Module,
			Offset:   e.bp.Offset,
			Enabled:  e.bp.Enabled,
			Encoding: e.bp.Encoding,
			Name:     e.bp.Name,
		})
	}
	return records
}

// Deserialize adds the records to the registry. Records for modules that
// are not loaded are kept and become active when the module loads. Records
// colliding with an existing breakpoint are skipped. It returns the number
// of breakpoints added.
func (r *Registry) Deserialize(records []Record) int {
	loaded := 0
	for _, rec := range records {
		enc := rec.Encoding
		if rec.Kind == Hardware {
			enc.Slot = NoSlot
		}
		if err := validate(rec.Kind, &enc); err != nil {
			r.log.WithError(err).Warnf("skip breakpoint record %s+%#x", rec.Module, rec.Offset)
			continue
		}

		var hash uint64
		if rec.Module != "" {
			hash = r.modules.Remember(rec.Module)
		}
		b := Breakpoint{
			Kind:       rec.Kind,
			Module:     rec.Module,
			ModuleHash: hash,
			Offset:     rec.Offset,
			Enabled:    rec.Enabled,
			Encoding:   enc,
			Name:       rec.Name,
		}

		_, err := r.insert(b, rec.Offset)
		if err == ErrNoFreeHardwareSlot {
			b.Enabled = false
			_, err = r.insert(b, rec.Offset)
		}
		if err != nil {
			r.log.WithError(err).Warnf("skip breakpoint record %s+%#x", rec.Module, rec.Offset)
			continue
		}
		loaded++
	}
	return loaded
}
