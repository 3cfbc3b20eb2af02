package target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/module"
)

// SimLoaderBase is where the simulated loader stub lives, the system
// breakpoint of a simulated process is reported there.
const SimLoaderBase uintptr = 0x7ffe0000

// DefaultSimBudget is the number of instructions a simulated thread
// executes per Continue before it is considered blocked.
const DefaultSimBudget = 100000

// ContinueCall records one Continue on a Sim.
type ContinueCall struct {
	Event   *Event
	Deliver bool
}

type simRegion struct {
	base   uintptr
	data   []byte
	module bool
}

func (r *simRegion) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.base+uintptr(len(r.data))
}

type simTrap struct {
	trap breakpoint.TrapType
	orig []byte
}

type simHW struct {
	addr   uintptr
	access breakpoint.Access
	size   uintptr
}

type simThread struct {
	tid       int
	pc        uintptr
	stack     []uintptr
	step      bool
	runnable  bool
	stoppedAt uintptr // pc of the trap the thread last stopped on, 0 if none
}

// Sim 模拟的被调试进程
//
// Sim executes a small x86-64 subset (straight line code, relative CALL and
// JMP, RET, INT 3, UD2, HLT) out of its in-memory address space, so the
// debugger core can be driven end to end without an OS debug API. Arbitrary
// events can be injected with Inject.
type Sim struct {
	mu sync.Mutex

	pid     int
	mainTID int
	budget  int

	regions []*simRegion // sorted by base
	traps   map[uintptr]*simTrap
	guards  map[uintptr]uintptr // region base → size
	hw      [breakpoint.MaxHardware]*simHW
	threads map[int]*simThread

	queue  []*Event
	notify chan struct{}
	calls  []ContinueCall

	// Handled lists exception codes the debuggee handles itself when they
	// are delivered.
	Handled map[uint32]bool

	exited   bool
	detached bool
}

// NewSim creates an empty simulated process.
func NewSim(pid int) *Sim {
	return &Sim{
		pid:     pid,
		mainTID: pid,
		budget:  DefaultSimBudget,
		traps:   map[uintptr]*simTrap{},
		guards:  map[uintptr]uintptr{},
		threads: map[int]*simThread{},
		notify:  make(chan struct{}, 1),
		Handled: map[uint32]bool{MSVCThreadName: true},
	}
}

// SetBudget changes the per-Continue instruction budget.
func (s *Sim) SetBudget(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = n
}

func (s *Sim) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sim) push(ev *Event) {
	if ev.PID == 0 {
		ev.PID = s.pid
	}
	if ev.TID == 0 {
		ev.TID = s.mainTID
	}
	s.queue = append(s.queue, ev)
	s.signal()
}

func (s *Sim) mapRegion(base uintptr, data []byte, isModule bool) {
	s.regions = append(s.regions, &simRegion{base: base, data: data, module: isModule})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
}

func (s *Sim) region(addr uintptr) *simRegion {
	for _, r := range s.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Map maps data at base as anonymous memory.
func (s *Sim) Map(base uintptr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapRegion(base, data, false)
}

// Start maps the executable, queues the process creation and the system
// breakpoint, and points the main thread at entry.
func (s *Sim) Start(exe module.Module, code []byte, entry uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exe.Size == 0 {
		exe.Size = uintptr(len(code))
	}
	exe.Entry = entry
	s.mapRegion(exe.Base, padded(code, exe.Size), true)
	s.mapRegion(SimLoaderBase, []byte{0xCC, 0xC3}, false)
	s.threads[s.mainTID] = &simThread{tid: s.mainTID, pc: entry, runnable: true}

	s.push(&Event{Kind: EventCreateProcess, Module: exe, StartAddress: entry})
	s.push(&Event{Kind: EventException, Code: StatusBreakpoint, Addr: SimLoaderBase, FirstChance: true, HardwareSlot: -1})
}

func padded(code []byte, size uintptr) []byte {
	data := make([]byte, size)
	copy(data, code)
	return data
}

// LoadModule maps a module and queues its load event.
func (s *Sim) LoadModule(m module.Module, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Size == 0 {
		m.Size = uintptr(len(code))
	}
	s.mapRegion(m.Base, padded(code, m.Size), true)
	s.push(&Event{Kind: EventLoadModule, Module: m})
}

// UnloadModule unmaps the module at base and queues its unload event.
func (s *Sim) UnloadModule(base uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.base != base {
			continue
		}
		for addr := range s.traps {
			if r.contains(addr) {
				delete(s.traps, addr)
			}
		}
		delete(s.guards, base)
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		break
	}
	s.push(&Event{Kind: EventUnloadModule, Module: module.Module{Base: base}})
}

// Inject queues an arbitrary event.
func (s *Sim) Inject(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventCreateThread:
		s.threads[ev.TID] = &simThread{tid: ev.TID, pc: ev.StartAddress}
	case EventExitThread:
		delete(s.threads, ev.TID)
	case EventExitProcess:
		s.exited = true
	}
	s.push(ev)
}

// SetPC moves thread tid to pc and makes it runnable.
func (s *Sim) SetPC(tid int, pc uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[tid]
	if !ok {
		t = &simThread{tid: tid}
		s.threads[tid] = t
	}
	t.pc, t.runnable, t.stoppedAt = pc, true, 0
}

// Calls returns every Continue made so far.
func (s *Sim) Calls() []ContinueCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContinueCall(nil), s.calls...)
}

// NextEvent implements Provider.
func (s *Sim) NextEvent(ctx context.Context) (*Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		detached, exited := s.detached, s.exited
		s.mu.Unlock()

		if detached {
			return nil, ErrDetached
		}
		if exited {
			return nil, ErrProcessExited
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Continue implements Provider.
func (s *Sim) Continue(ev *Event, deliver bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, ContinueCall{Event: ev, Deliver: deliver})
	if s.detached {
		return ErrDetached
	}
	if s.exited {
		if ev.Kind == EventExitProcess {
			return nil
		}
		return ErrProcessExited
	}

	if ev.Kind == EventException && deliver && !s.Handled[ev.Code] {
		if ev.FirstChance {
			last := *ev
			last.FirstChance = false
			s.push(&last)
		} else {
			s.exited = true
			s.push(&Event{Kind: EventExitProcess, TID: ev.TID, ExitCode: int(ev.Code)})
		}
		return nil
	}
	if ev.Kind == EventException && deliver && s.Handled[ev.Code] {
		if t, ok := s.threads[ev.TID]; ok && t.runnable {
			if inst, err := s.decode(t.pc); err == nil {
				t.pc = inst.Next()
			}
		}
	}

	if len(s.queue) == 0 {
		s.run(ev.TID)
	}
	return nil
}

func (s *Sim) decode(addr uintptr) (Instruction, error) {
	buf := make([]byte, maxInstLen)
	n := s.read(addr, buf)
	if n == 0 {
		return Instruction{}, ErrUnreadable
	}
	return Decode(addr, buf[:n])
}

func (s *Sim) exception(t *simThread, code uint32, addr uintptr) {
	s.push(&Event{Kind: EventException, TID: t.tid, Code: code, Addr: addr, FirstChance: true, HardwareSlot: -1})
}

// trapAt reports the trap event a thread executing at pc runs into.
func (s *Sim) trapAt(t *simThread, pc uintptr) *Event {
	for slot, h := range s.hw {
		if h != nil && h.access == breakpoint.AccessExecute && h.addr == pc {
			return &Event{Kind: EventException, TID: t.tid, Code: StatusSingleStep, Addr: pc, FirstChance: true, HardwareSlot: slot}
		}
	}
	if _, ok := s.traps[pc]; ok {
		return &Event{Kind: EventException, TID: t.tid, Code: StatusBreakpoint, Addr: pc, FirstChance: true, HardwareSlot: -1}
	}
	if r := s.region(pc); r != nil {
		if _, ok := s.guards[r.base]; ok {
			return &Event{Kind: EventException, TID: t.tid, Code: StatusGuardPage, Addr: pc, FirstChance: true,
				Info: []uint64{8, uint64(pc)}, HardwareSlot: -1}
		}
	}
	return nil
}

func (s *Sim) run(tid int) {
	t, ok := s.threads[tid]
	if !ok || !t.runnable {
		if t, ok = s.threads[s.mainTID]; !ok || !t.runnable {
			return
		}
	}

	skip := t.stoppedAt != 0 && t.stoppedAt == t.pc
	t.stoppedAt = 0
	for n := 0; n < s.budget; n++ {
		pc := t.pc
		if n > 0 || !skip {
			if ev := s.trapAt(t, pc); ev != nil {
				t.stoppedAt = pc
				s.push(ev)
				return
			}
		}

		inst, err := s.decode(pc)
		if err == ErrUnreadable {
			s.exception(t, StatusAccessViolation, pc)
			return
		}
		if err != nil {
			s.exception(t, StatusIllegalInstruction, pc)
			return
		}

		switch inst.Inst.Op {
		case x86asm.INT:
			if imm, ok := inst.Inst.Args[0].(x86asm.Imm); ok && imm == 3 {
				t.pc = inst.Next()
				s.exception(t, StatusBreakpoint, pc)
				return
			}
			s.exception(t, StatusPrivilegedInstruction, pc)
			return
		case x86asm.UD2:
			s.exception(t, StatusIllegalInstruction, pc)
			return
		case x86asm.HLT:
			s.exception(t, StatusPrivilegedInstruction, pc)
			return
		case x86asm.CALL:
			target, ok := inst.BranchTarget()
			if !ok {
				s.exception(t, StatusIllegalInstruction, pc)
				return
			}
			t.stack = append(t.stack, inst.Next())
			t.pc = target
		case x86asm.JMP:
			target, ok := inst.BranchTarget()
			if !ok {
				s.exception(t, StatusIllegalInstruction, pc)
				return
			}
			t.pc = target
		case x86asm.RET:
			if len(t.stack) == 0 {
				s.threadExit(t)
				return
			}
			t.pc = t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
		default:
			t.pc = inst.Next()
		}

		if t.step {
			t.step = false
			s.push(&Event{Kind: EventException, TID: t.tid, Code: StatusSingleStep, Addr: t.pc, FirstChance: true, HardwareSlot: -1})
			return
		}
	}
	logflags.ProviderLogger().Debugf("sim: thread %d used its budget of %d instructions", t.tid, s.budget)
}

func (s *Sim) threadExit(t *simThread) {
	delete(s.threads, t.tid)
	if t.tid == s.mainTID {
		s.exited = true
		s.push(&Event{Kind: EventExitProcess, TID: t.tid})
		return
	}
	s.push(&Event{Kind: EventExitThread, TID: t.tid})
}

// DisassembleOne implements Provider.
func (s *Sim) DisassembleOne(addr uintptr) (Instruction, error) {
	return disassembleOne(s, addr)
}

// InstallTrap implements Provider.
func (s *Sim) InstallTrap(addr uintptr, kind breakpoint.Kind, enc breakpoint.Encoding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.region(addr)
	if r == nil {
		return fmt.Errorf("install trap at %#x: %w", addr, ErrUnreadable)
	}
	switch kind {
	case breakpoint.Software:
		if _, ok := s.traps[addr]; ok {
			return ErrTrapExists
		}
		patch := enc.Trap.Bytes()
		off := addr - r.base
		if off+uintptr(len(patch)) > uintptr(len(r.data)) {
			return fmt.Errorf("install trap at %#x: %w", addr, ErrUnreadable)
		}
		orig := append([]byte(nil), r.data[off:off+uintptr(len(patch))]...)
		copy(r.data[off:], patch)
		s.traps[addr] = &simTrap{trap: enc.Trap, orig: orig}
	case breakpoint.Memory:
		if _, ok := s.guards[r.base]; ok {
			return ErrTrapExists
		}
		s.guards[r.base] = uintptr(len(r.data))
	default:
		return ErrUnsupported
	}
	return nil
}

// RemoveTrap implements Provider.
func (s *Sim) RemoveTrap(addr uintptr, kind breakpoint.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case breakpoint.Software:
		trap, ok := s.traps[addr]
		if !ok {
			return ErrTrapNotInstalled
		}
		if r := s.region(addr); r != nil {
			copy(r.data[addr-r.base:], trap.orig)
		}
		delete(s.traps, addr)
	case breakpoint.Memory:
		r := s.region(addr)
		if r == nil {
			return ErrTrapNotInstalled
		}
		if _, ok := s.guards[r.base]; !ok {
			return ErrTrapNotInstalled
		}
		delete(s.guards, r.base)
	case breakpoint.Hardware:
		for i, h := range s.hw {
			if h != nil && h.addr == addr {
				s.hw[i] = nil
				return nil
			}
		}
		return ErrTrapNotInstalled
	}
	return nil
}

// InstallHardwareTrap implements Provider.
func (s *Sim) InstallHardwareTrap(addr uintptr, slot int, access breakpoint.Access, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 0 || slot >= len(s.hw) {
		return fmt.Errorf("slot %d: %w", slot, ErrNoFreeSlot)
	}
	if s.hw[slot] != nil {
		return fmt.Errorf("slot %d in use: %w", slot, ErrNoFreeSlot)
	}
	s.hw[slot] = &simHW{addr: addr, access: access, size: size}
	return nil
}

// FreeHardwareSlot implements Provider.
func (s *Sim) FreeHardwareSlot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.hw {
		if h == nil {
			return i, true
		}
	}
	return breakpoint.NoSlot, false
}

// read copies memory with software traps hidden, the caller holds s.mu.
func (s *Sim) read(addr uintptr, buf []byte) int {
	r := s.region(addr)
	if r == nil {
		return 0
	}
	n := copy(buf, r.data[addr-r.base:])
	for taddr, trap := range s.traps {
		for i, b := range trap.orig {
			a := taddr + uintptr(i)
			if a >= addr && a < addr+uintptr(n) {
				buf[a-addr] = b
			}
		}
	}
	return n
}

// ReadMemory implements Provider.
func (s *Sim) ReadMemory(addr uintptr, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.read(addr, buf)
	if n == 0 && len(buf) > 0 {
		return 0, fmt.Errorf("read %#x: %w", addr, ErrUnreadable)
	}
	return n, nil
}

// WriteMemory implements Provider.
func (s *Sim) WriteMemory(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range data {
		a := addr + uintptr(i)
		r := s.region(a)
		if r == nil {
			return fmt.Errorf("write %#x: %w", a, ErrUnreadable)
		}
		if trap, off, ok := s.trapCovering(a); ok {
			trap.orig[off] = b
			continue
		}
		r.data[a-r.base] = b
	}
	return nil
}

func (s *Sim) trapCovering(a uintptr) (*simTrap, uintptr, bool) {
	for taddr, trap := range s.traps {
		if a >= taddr && a < taddr+uintptr(len(trap.orig)) {
			return trap, a - taddr, true
		}
	}
	return nil, 0, false
}

// IsReadable implements Provider.
func (s *Sim) IsReadable(addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region(addr) != nil
}

// MemoryRegion implements Provider.
func (s *Sim) MemoryRegion(addr uintptr) (uintptr, uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.region(addr)
	if r == nil {
		return 0, 0, false
	}
	return r.base, uintptr(len(r.data)), true
}

// InstructionPointer implements Provider.
func (s *Sim) InstructionPointer(tid int) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[tid]
	if !ok {
		return 0, fmt.Errorf("thread %d not existed", tid)
	}
	return t.pc, nil
}

// PrimeStep implements Provider.
func (s *Sim) PrimeStep(tid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[tid]
	if !ok || !t.runnable {
		t, ok = s.threads[s.mainTID]
	}
	if !ok {
		return fmt.Errorf("thread %d not existed", tid)
	}
	t.step = true
	return nil
}

// RequestPause implements Provider.
func (s *Sim) RequestPause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return ErrProcessExited
	}
	var pc uintptr
	if t, ok := s.threads[s.mainTID]; ok {
		pc = t.pc
	}
	s.push(&Event{Kind: EventException, Code: StatusBreakpoint, Addr: pc, FirstChance: true, HardwareSlot: -1})
	return nil
}

// Detach implements Provider.
func (s *Sim) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, trap := range s.traps {
		if r := s.region(addr); r != nil {
			copy(r.data[addr-r.base:], trap.orig)
		}
	}
	s.traps = map[uintptr]*simTrap{}
	s.guards = map[uintptr]uintptr{}
	s.hw = [breakpoint.MaxHardware]*simHW{}
	s.queue = nil
	s.detached = true
	s.signal()
	return nil
}

// Kill implements Provider.
func (s *Sim) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return nil
	}
	s.exited = true
	s.queue = nil
	s.push(&Event{Kind: EventExitProcess, ExitCode: 9})
	return nil
}
