//go:build linux && amd64

package target

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/module"
)

const (
	// offsetof(struct user, u_debugreg)
	debugRegOffset = 848
	pollInterval   = 10 * time.Millisecond
)

var errThreadGone = errors.New("thread gone")

type ptraceTrap struct {
	trap breakpoint.TrapType
	orig []byte
}

type hwTrap struct {
	addr   uintptr
	access breakpoint.Access
	size   uintptr
}

type ptraceThread struct {
	tid      int
	fresh    bool    // cloned, the initial SIGSTOP is still pending
	stepping bool    // PrimeStep armed
	stepOver uintptr // software trap lifted for the pending single step
	hwOver   int     // debug register disabled for the pending single step, -1 if none
	drGen    uint64  // debug register generation applied to this thread
}

// Ptrace 基于ptrace的被调试进程
//
// Only the thread that reported an event is stopped, the other threads keep
// running. Debug registers are per thread, a thread that was running when
// they changed picks them up on its next stop.
type Ptrace struct {
	Process *os.Process // 进程信息
	Command string      // 进程启动命令
	Args    []string    // 进程启动参数
	Kind    Kind        // 发起调试的类型

	log *logrus.Entry

	mu       sync.Mutex
	mem      *os.File
	threads  map[int]*ptraceThread
	traps    map[uintptr]*ptraceTrap
	hw       [breakpoint.MaxHardware]*hwTrap
	drGen    uint64
	modules  map[uintptr]module.Module
	maps     []mapping
	queue    []*Event
	pausing  bool
	exited   bool
	detached bool

	once       *sync.Once
	stopOnce   *sync.Once
	ptraceCh   chan func() // ptrace请求统一发送到这里，由专门协程处理
	ptraceDone chan int    // ptrace请求完成
	stopCh     chan int    // 通知需要停止调试
}

func newPtrace(cmd string, args []string, kind Kind) *Ptrace {
	return &Ptrace{
		Command:    cmd,
		Args:       args,
		Kind:       kind,
		log:        logflags.ProviderLogger(),
		threads:    map[int]*ptraceThread{},
		traps:      map[uintptr]*ptraceTrap{},
		modules:    map[uintptr]module.Module{},
		once:       &sync.Once{},
		stopOnce:   &sync.Once{},
		ptraceCh:   make(chan func()),
		ptraceDone: make(chan int),
		stopCh:     make(chan int),
	}
}

// Launch 启动并跟踪进程cmd
func Launch(cmd string, args []string, kind Kind) (Provider, error) {
	p := newPtrace(cmd, args, kind)

	var err error
	defer func() {
		if err != nil {
			p.StopPtrace()
		}
	}()

	p.ExecPtrace(func() {
		// start and trace
		p.Process, err = p.launchCommand(cmd, args...)
		if err != nil {
			return
		}
		// trace newly created thread
		err = syscall.PtraceSetOptions(p.Process.Pid, syscall.PTRACE_O_TRACECLONE)
	})
	if err != nil {
		return nil, err
	}

	pid := p.Process.Pid
	p.threads[pid] = &ptraceThread{tid: pid, hwOver: -1}
	if err = p.bootstrap(false); err != nil {
		return nil, err
	}
	return p, nil
}

// Attach trace一个目标进程及其所有线程
func Attach(pid int) (Provider, error) {
	p := newPtrace("", nil, ATTACH)

	var err error
	defer func() {
		if err != nil {
			p.StopPtrace()
		}
	}()

	if p.Process, err = os.FindProcess(pid); err != nil {
		return nil, err
	}

	p.ExecPtrace(func() {
		// attach to running process (thread)
		err = p.attach(pid)
	})
	if err != nil {
		return nil, err
	}

	// initialize the command and arguments
	if p.Command, err = readProcComm(pid); err != nil {
		return nil, err
	}
	if p.Args, err = readProcCommArgs(pid); err != nil {
		return nil, err
	}

	p.ExecPtrace(func() {
		// attach to other threads, and prepare to trace newly created thread
		err = p.updateThreadList()
	})
	if err != nil {
		return nil, err
	}

	if err = p.bootstrap(true); err != nil {
		return nil, err
	}
	return p, nil
}

// launchCommand execute `execName` with `args`
//
// 为了方便调试，除了跟踪主线程，还需要考虑跟踪后续新创建的线程，linux 2.5.46中引入了以下ptrace选项，
// 通过设置该选项可以使得tracer自动跟踪新创建线程。
//
// PTRACE_O_TRACECLONE (since Linux 2.5.46)
//
//	Stop the tracee at the next clone(2) and
//	automatically start tracing the newly cloned
//	process, which will start with a SIGSTOP.
//
// see more info by `man 2 ptrace`.
func (p *Ptrace) launchCommand(execName string, args ...string) (*os.Process, error) {
	progCmd := exec.Command(execName, args...)
	progCmd.Stdin = os.Stdin
	progCmd.Stdout = os.Stdout
	progCmd.Stderr = os.Stderr

	progCmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:     true, // implies PTRACE_TRACEME
		Setpgid:    true,
		Foreground: false,
	}
	progCmd.Env = os.Environ()
	if p.Kind == DEBUG {
		progCmd.Env = append(progCmd.Env, "GODEBUG=asyncpreemptoff=1")
	}

	// start the process
	if err := progCmd.Start(); err != nil {
		return nil, err
	}
	p.Process = progCmd.Process

	// wait target process stopped
	_, status, err := p.wait(progCmd.Process.Pid, syscall.WALL)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("process %d stopped: %v", progCmd.Process.Pid, desc(status))

	return progCmd.Process, nil
}

// ExecPtrace runs fn on the tracer thread.
func (p *Ptrace) ExecPtrace(fn func()) {
	p.once.Do(func() {
		go func() {
			// ensure all ptrace requests goes via the same tracer (thread)
			//
			// issue: https://github.com/golang/go/issues/7699
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-p.ptraceCh:
					reqFn()
					p.ptraceDone <- 1
				case <-p.stopCh:
					return
				}
			}
		}()
	})
	select {
	case p.ptraceCh <- fn:
		<-p.ptraceDone
	case <-p.stopCh:
	}
}

// StopPtrace stops the tracer thread, later ExecPtrace calls are dropped.
func (p *Ptrace) StopPtrace() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// attach attach to process pid
func (p *Ptrace) attach(pid int) error {
	if !checkPid(pid) {
		return fmt.Errorf("process %d not existed", pid)
	}

	if err := syscall.PtraceAttach(pid); err != nil {
		return fmt.Errorf("process %d attached error: %v", pid, err)
	}
	p.log.Debugf("process %d attached succ", pid)

	_, status, err := p.wait(pid, syscall.WALL)
	if err != nil {
		return fmt.Errorf("process %d waited error: %v", pid, err)
	}
	p.log.Debugf("process %d stopped: %v", pid, desc(status))

	p.threads[pid] = &ptraceThread{tid: pid, hwOver: -1}
	return syscall.PtraceSetOptions(pid, syscall.PTRACE_O_TRACECLONE)
}

func (p *Ptrace) updateThreadList() error {
	tids, err := loadThreadList(p.Process.Pid)
	if err != nil {
		return fmt.Errorf("load threads err: %v", err)
	}

	for _, tid := range tids {
		if _, ok := p.threads[tid]; ok {
			continue
		}
		err = syscall.PtraceAttach(tid)
		if err != nil && err != sys.EPERM {
			// Maybe we have traced tid via PTRACE_O_TRACECLONE.
			// If we try to attach to it again, it will fail.
			// We should ignore this kind of error.
			return fmt.Errorf("attach err: %v", err)
		}

		_, status, err := p.wait(tid, syscall.WALL)
		if err != nil {
			return fmt.Errorf("wait err: %v", err)
		}
		if status != nil && status.Exited() {
			p.log.Debugf("thread:%d already exited", tid)
			continue
		}

		if err = syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE); err != nil {
			return fmt.Errorf("set PTRACE_O_TRACECLONE err: %v", err)
		}
		p.threads[tid] = &ptraceThread{tid: tid, hwOver: -1}
	}
	return nil
}

// bootstrap queues the synthetic events describing the process as it is
// now, followed by the initial stop.
func (p *Ptrace) bootstrap(attached bool) error {
	pid := p.Process.Pid

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open process memory: %w", err)
	}
	p.mem = mem

	exe, err := readProcExe(pid)
	if err != nil {
		return err
	}
	maps, err := readMaps(pid)
	if err != nil {
		return err
	}
	p.maps = maps

	mods := modulesFromMaps(maps)
	main := -1
	for i := range mods {
		if mods[i].Path == exe {
			main = i
			break
		}
	}
	if main < 0 {
		return fmt.Errorf("%s is not mapped in process %d", exe, pid)
	}

	exeMod := mods[main]
	exeMod.Entry = elfEntry(exeMod)
	p.modules[exeMod.Base] = exeMod
	p.queue = append(p.queue, &Event{
		Kind:         EventCreateProcess,
		PID:          pid,
		TID:          pid,
		Module:       exeMod,
		Attached:     attached,
		StartAddress: exeMod.Entry,
		HardwareSlot: -1,
		synthetic:    true,
	})
	for i, m := range mods {
		if i == main {
			continue
		}
		m.Entry = elfEntry(m)
		p.modules[m.Base] = m
		p.queue = append(p.queue, &Event{Kind: EventLoadModule, PID: pid, TID: pid, Module: m, HardwareSlot: -1, synthetic: true})
	}
	for _, tid := range p.threadIDs() {
		if tid == pid {
			continue
		}
		p.queue = append(p.queue, &Event{Kind: EventCreateThread, PID: pid, TID: tid, HardwareSlot: -1, synthetic: true})
	}

	pc, err := p.pc(pid)
	if err != nil {
		return err
	}
	p.queue = append(p.queue, &Event{
		Kind:         EventException,
		PID:          pid,
		TID:          pid,
		Code:         StatusBreakpoint,
		Addr:         pc,
		FirstChance:  true,
		HardwareSlot: -1,
		resumeAll:    true,
	})
	return nil
}

// elfEntry returns the entry point of m, 0 if it has none inside the image.
func elfEntry(m module.Module) uintptr {
	f, err := elf.Open(m.Path)
	if err != nil {
		return 0
	}
	defer f.Close()

	entry := uintptr(f.Entry)
	if entry == 0 {
		return 0
	}
	if f.Type == elf.ET_DYN {
		entry += m.Base
	}
	if !m.Contains(entry) {
		return 0
	}
	return entry
}

func (p *Ptrace) threadIDs() []int {
	out := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

// NextEvent polls wait4 until a thread of the debuggee changes state.
func (p *Ptrace) NextEvent(ctx context.Context) (*Event, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return ev, nil
		}
		if p.detached || p.exited {
			err := ErrProcessExited
			if p.detached {
				err = ErrDetached
			}
			p.mu.Unlock()
			p.StopPtrace()
			return nil, err
		}
		p.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			wpid   int
			status syscall.WaitStatus
			err    error
		)
		p.ExecPtrace(func() {
			wpid, err = syscall.Wait4(-1, &status, syscall.WALL|syscall.WNOHANG, nil)
		})
		if err != nil {
			if err == syscall.ECHILD {
				p.mu.Lock()
				p.exited = true
				p.mu.Unlock()
				continue
			}
			return nil, fmt.Errorf("wait4: %w", err)
		}
		if wpid == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		p.mu.Lock()
		p.handleStatus(wpid, status)
		p.mu.Unlock()
	}
}

func (p *Ptrace) handleStatus(tid int, ws syscall.WaitStatus) {
	pid := p.Process.Pid
	p.log.Debugf("thread %d status: %v", tid, desc(&ws))

	if ws.Exited() || ws.Signaled() {
		code := ws.ExitStatus()
		if ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
		delete(p.threads, tid)
		if tid == pid {
			p.queue = append(p.queue, &Event{Kind: EventExitProcess, PID: pid, TID: tid, ExitCode: code, HardwareSlot: -1, synthetic: true})
			p.exited = true
			return
		}
		p.queue = append(p.queue, &Event{Kind: EventExitThread, PID: pid, TID: tid, ExitCode: code, HardwareSlot: -1, synthetic: true})
		return
	}
	if !ws.Stopped() {
		return
	}

	sig := ws.StopSignal()
	if sig == syscall.SIGTRAP && ws.TrapCause() == syscall.PTRACE_EVENT_CLONE {
		p.handleClone(tid)
		return
	}

	th, ok := p.threads[tid]
	if !ok {
		// the clone stop of the new thread won the race against the clone
		// event of its parent
		th = p.addThread(tid, false)
	}
	p.applyDebugRegs(th)

	switch sig {
	case syscall.SIGTRAP:
		p.handleTrap(th)
	case syscall.SIGSTOP:
		if th.fresh || !ok {
			th.fresh = false
			p.log.WithError(p.resume(tid, syscall.PTRACE_CONT, 0)).Debugf("thread %d started", tid)
			return
		}
		if p.pausing {
			p.pausing = false
			p.report(th, &Event{Code: StatusBreakpoint, Addr: p.pcOrZero(tid)})
			return
		}
		p.reportSignal(th, sig)
	case syscall.SIGILL:
		pc := p.pcOrZero(tid)
		if t, ok := p.traps[pc]; ok && t.trap == breakpoint.TrapUD2 {
			p.report(th, &Event{Code: StatusBreakpoint, Addr: pc})
			return
		}
		p.reportSignal(th, sig)
	default:
		p.reportSignal(th, sig)
	}
}

func (p *Ptrace) addThread(tid int, fresh bool) *ptraceThread {
	th := &ptraceThread{tid: tid, fresh: fresh, hwOver: -1}
	p.threads[tid] = th
	p.queue = append(p.queue, &Event{Kind: EventCreateThread, PID: p.Process.Pid, TID: tid, HardwareSlot: -1, synthetic: true})
	return th
}

func (p *Ptrace) handleClone(parent int) {
	var (
		cloned uint
		err    error
	)
	p.ExecPtrace(func() {
		cloned, err = syscall.PtraceGetEventMsg(parent)
	})
	if err != nil {
		if err != syscall.ESRCH {
			p.log.Errorf("could not get event message: %v", err)
		}
	} else if _, ok := p.threads[int(cloned)]; !ok {
		p.addThread(int(cloned), true)
	}
	if err := p.resume(parent, syscall.PTRACE_CONT, 0); err != nil {
		p.log.Errorf("thread %d ptrace cont, err: %v", parent, err)
	}
}

func (p *Ptrace) handleTrap(th *ptraceThread) {
	pc, err := p.pc(th.tid)
	if err != nil {
		p.log.Errorf("thread %d: %v", th.tid, err)
		return
	}

	if th.stepOver != 0 || th.hwOver >= 0 {
		p.finishStepOver(th)
		if !th.stepping {
			if err := p.resume(th.tid, syscall.PTRACE_CONT, 0); err != nil {
				p.log.Errorf("thread %d ptrace cont, err: %v", th.tid, err)
			}
			return
		}
	}

	if slot, ok := p.hitSlot(th.tid); ok {
		th.stepping = false
		p.report(th, &Event{Code: StatusSingleStep, Addr: pc, HardwareSlot: slot})
		return
	}
	if th.stepping {
		th.stepping = false
		p.report(th, &Event{Code: StatusSingleStep, Addr: pc, HardwareSlot: -1})
		return
	}

	for _, trap := range []breakpoint.TrapType{breakpoint.TrapInt3, breakpoint.TrapLongInt3} {
		addr := pc - uintptr(len(trap.Bytes()))
		if t, ok := p.traps[addr]; ok && t.trap == trap {
			if err := p.setPC(th.tid, addr); err != nil {
				p.log.Errorf("thread %d: rewind to %#x: %v", th.tid, addr, err)
			}
			p.report(th, &Event{Code: StatusBreakpoint, Addr: addr})
			return
		}
	}

	// stray trap, reported as is
	p.report(th, &Event{Code: StatusBreakpoint, Addr: pc})
}

func (p *Ptrace) finishStepOver(th *ptraceThread) {
	if th.stepOver != 0 {
		if t, ok := p.traps[th.stepOver]; ok {
			if err := p.writeRaw(th.stepOver, t.trap.Bytes()); err != nil {
				p.log.Errorf("rearm trap at %#x: %v", th.stepOver, err)
			}
		}
		th.stepOver = 0
	}
	if th.hwOver >= 0 {
		th.hwOver = -1
		th.drGen = 0
		p.applyDebugRegs(th)
	}
}

func (p *Ptrace) reportSignal(th *ptraceThread, sig syscall.Signal) {
	p.report(th, &Event{Code: SignalToCode(sig), Addr: p.pcOrZero(th.tid)})
}

// report queues an exception stop of th, preceded by the module changes
// seen since the previous stop.
func (p *Ptrace) report(th *ptraceThread, ev *Event) {
	p.refreshModules()
	ev.Kind = EventException
	ev.PID = p.Process.Pid
	ev.TID = th.tid
	ev.FirstChance = true
	if ev.Code != StatusSingleStep {
		ev.HardwareSlot = -1
	}
	p.queue = append(p.queue, ev)
}

func (p *Ptrace) refreshModules() {
	pid := p.Process.Pid
	maps, err := readMaps(pid)
	if err != nil {
		p.log.Debugf("read maps: %v", err)
		return
	}
	p.maps = maps

	current := map[uintptr]module.Module{}
	for _, m := range modulesFromMaps(maps) {
		current[m.Base] = m
	}

	var gone []uintptr
	for base, old := range p.modules {
		if m, ok := current[base]; !ok || m.Path != old.Path {
			gone = append(gone, base)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, base := range gone {
		p.queue = append(p.queue, &Event{Kind: EventUnloadModule, PID: pid, TID: pid, Module: p.modules[base], HardwareSlot: -1, synthetic: true})
		delete(p.modules, base)
	}

	var added []module.Module
	for base, m := range current {
		if _, ok := p.modules[base]; !ok {
			added = append(added, m)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Base < added[j].Base })
	for _, m := range added {
		m.Entry = elfEntry(m)
		p.modules[m.Base] = m
		p.queue = append(p.queue, &Event{Kind: EventLoadModule, PID: pid, TID: pid, Module: m, HardwareSlot: -1, synthetic: true})
	}
}

// Continue resumes the thread stopped on ev.
func (p *Ptrace) Continue(ev *Event, deliver bool) error {
	if ev.synthetic {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.detached {
		return ErrDetached
	}
	if p.exited {
		return ErrProcessExited
	}

	sig := 0
	if deliver && ev.Kind == EventException {
		sig = int(CodeToSignal(ev.Code))
	}
	if ev.resumeAll {
		for _, tid := range p.threadIDs() {
			if tid == ev.TID {
				continue
			}
			if err := p.resume(tid, syscall.PTRACE_CONT, 0); err != nil {
				p.log.Errorf("thread %d ptrace cont, err: %v", tid, err)
			}
		}
	}
	return p.resumeThread(ev.TID, sig)
}

func (p *Ptrace) resumeThread(tid, sig int) error {
	th, ok := p.threads[tid]
	if !ok {
		return fmt.Errorf("thread %d: %w", tid, errThreadGone)
	}
	pc, err := p.pc(tid)
	if err != nil {
		return err
	}

	if t, ok := p.traps[pc]; ok {
		// lift the trap for one instruction
		if err := p.writeRaw(pc, t.orig); err != nil {
			return err
		}
		th.stepOver = pc
		return p.resume(tid, syscall.PTRACE_SINGLESTEP, sig)
	}
	if slot := p.execSlotAt(pc); slot >= 0 {
		th.hwOver = slot
		if err := p.pokeUser(tid, drOffset(7), p.dr7(slot)); err != nil {
			return err
		}
		return p.resume(tid, syscall.PTRACE_SINGLESTEP, sig)
	}
	if th.stepping {
		return p.resume(tid, syscall.PTRACE_SINGLESTEP, sig)
	}
	return p.resume(tid, syscall.PTRACE_CONT, sig)
}

// resume issues PTRACE_CONT or PTRACE_SINGLESTEP delivering sig.
func (p *Ptrace) resume(tid, req, sig int) error {
	var err error
	p.ExecPtrace(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(req), uintptr(tid), 0, uintptr(sig), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	return err
}

// --------------------------------------------------------------------

func drOffset(i int) uintptr {
	return debugRegOffset + uintptr(i)*8
}

func (p *Ptrace) pokeUser(tid int, off, data uintptr) error {
	var err error
	p.ExecPtrace(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, data, 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	return err
}

func (p *Ptrace) peekUser(tid int, off uintptr) (uintptr, error) {
	var (
		val uintptr
		err error
	)
	p.ExecPtrace(func() {
		_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&val)), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	return val, err
}

// dr7 builds the debug control register from the installed hardware traps,
// leaving out slot skip.
func (p *Ptrace) dr7(skip int) uintptr {
	var v uintptr
	for i, h := range p.hw {
		if h == nil || i == skip {
			continue
		}
		var rw, ln uintptr
		switch h.access {
		case breakpoint.AccessExecute:
			rw = 0
		case breakpoint.AccessWrite:
			rw = 1
		default:
			rw = 3
		}
		if rw != 0 {
			switch h.size {
			case 2:
				ln = 1
			case 8:
				ln = 2
			case 4:
				ln = 3
			}
		}
		v |= 1 << (uint(i) * 2)
		v |= (rw | ln<<2) << (16 + uint(i)*4)
	}
	return v
}

func (p *Ptrace) applyDebugRegs(th *ptraceThread) {
	if th.drGen == p.drGen {
		return
	}
	if err := p.pokeUser(th.tid, drOffset(7), 0); err != nil {
		p.log.Debugf("thread %d: clear dr7: %v", th.tid, err)
		return
	}
	for i, h := range p.hw {
		var addr uintptr
		if h != nil {
			addr = h.addr
		}
		if err := p.pokeUser(th.tid, drOffset(i), addr); err != nil {
			p.log.Debugf("thread %d: set dr%d: %v", th.tid, i, err)
			return
		}
	}
	if err := p.pokeUser(th.tid, drOffset(7), p.dr7(-1)); err != nil {
		p.log.Debugf("thread %d: set dr7: %v", th.tid, err)
		return
	}
	th.drGen = p.drGen
}

// hitSlot reads and clears the debug status register of tid.
func (p *Ptrace) hitSlot(tid int) (int, bool) {
	dr6, err := p.peekUser(tid, drOffset(6))
	if err != nil || dr6&0xF == 0 {
		return -1, false
	}
	_ = p.pokeUser(tid, drOffset(6), 0)
	for i := 0; i < breakpoint.MaxHardware; i++ {
		if dr6&(1<<uint(i)) != 0 && p.hw[i] != nil {
			return i, true
		}
	}
	return -1, false
}

func (p *Ptrace) execSlotAt(pc uintptr) int {
	for i, h := range p.hw {
		if h != nil && h.access == breakpoint.AccessExecute && h.addr == pc {
			return i
		}
	}
	return -1
}

// --------------------------------------------------------------------

func (p *Ptrace) DisassembleOne(addr uintptr) (Instruction, error) {
	return disassembleOne(p, addr)
}

func (p *Ptrace) InstallTrap(addr uintptr, kind breakpoint.Kind, enc breakpoint.Encoding) error {
	if kind != breakpoint.Software {
		return fmt.Errorf("%s trap: %w", kind, ErrUnsupported)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.traps[addr]; ok {
		return ErrTrapExists
	}
	code := enc.Trap.Bytes()
	orig := make([]byte, len(code))
	if n, err := p.readRaw(addr, orig); n != len(orig) {
		return fmt.Errorf("peek text, %d bytes, error: %v", n, err)
	}
	if err := p.writeRaw(addr, code); err != nil {
		return fmt.Errorf("poke text error: %w", err)
	}
	p.traps[addr] = &ptraceTrap{trap: enc.Trap, orig: orig}
	return nil
}

func (p *Ptrace) RemoveTrap(addr uintptr, kind breakpoint.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case breakpoint.Software:
		t, ok := p.traps[addr]
		if !ok {
			return ErrTrapNotInstalled
		}
		delete(p.traps, addr)
		if p.exited || p.detached {
			return nil
		}
		return p.writeRaw(addr, t.orig)
	case breakpoint.Hardware:
		for i, h := range p.hw {
			if h != nil && h.addr == addr {
				p.hw[i] = nil
				p.drGen++
				p.applyAll()
				return nil
			}
		}
	}
	return ErrTrapNotInstalled
}

func (p *Ptrace) InstallHardwareTrap(addr uintptr, slot int, access breakpoint.Access, size uintptr) error {
	if slot < 0 || slot >= breakpoint.MaxHardware {
		return ErrNoFreeSlot
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hw[slot] != nil {
		return ErrNoFreeSlot
	}
	p.hw[slot] = &hwTrap{addr: addr, access: access, size: size}
	p.drGen++
	p.applyAll()
	return nil
}

// applyAll updates the stopped threads, running ones fail with ESRCH and
// are updated on their next stop.
func (p *Ptrace) applyAll() {
	for _, th := range p.threads {
		if th.hwOver >= 0 {
			continue
		}
		p.applyDebugRegs(th)
	}
}

func (p *Ptrace) FreeHardwareSlot() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, h := range p.hw {
		if h == nil {
			return i, true
		}
	}
	return -1, false
}

// ReadMemory 读取内存地址addr处的数据，并存储到buf中，函数返回实际读取的字节数
func (p *Ptrace) ReadMemory(addr uintptr, buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.readRaw(addr, buf)
	for a, t := range p.traps {
		for i := range t.orig {
			x := a + uintptr(i)
			if x >= addr && x < addr+uintptr(n) {
				buf[x-addr] = t.orig[i]
			}
		}
	}
	return n, err
}

// WriteMemory 设置内存地址addr处的值为data，覆盖到断点的字节写入断点的原始数据
func (p *Ptrace) WriteMemory(addr uintptr, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := append([]byte(nil), data...)
	for a, t := range p.traps {
		code := t.trap.Bytes()
		for i := range code {
			x := a + uintptr(i)
			if x >= addr && x < addr+uintptr(len(buf)) {
				t.orig[i] = buf[x-addr]
				buf[x-addr] = code[i]
			}
		}
	}
	return p.writeRaw(addr, buf)
}

func (p *Ptrace) readRaw(addr uintptr, buf []byte) (int, error) {
	if p.mem == nil {
		return 0, ErrProcessExited
	}
	n, err := p.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return n, nil
}

func (p *Ptrace) writeRaw(addr uintptr, data []byte) error {
	if p.mem == nil {
		return ErrProcessExited
	}
	_, err := p.mem.WriteAt(data, int64(addr))
	return err
}

func (p *Ptrace) lookupMapping(addr uintptr) (mapping, bool) {
	if m, ok := findMapping(p.maps, addr); ok {
		return m, true
	}
	maps, err := readMaps(p.Process.Pid)
	if err != nil {
		return mapping{}, false
	}
	p.maps = maps
	return findMapping(maps, addr)
}

func (p *Ptrace) IsReadable(addr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookupMapping(addr)
	return ok && m.readable()
}

func (p *Ptrace) MemoryRegion(addr uintptr) (base, size uintptr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookupMapping(addr)
	if !ok {
		return 0, 0, false
	}
	return m.start, m.end - m.start, true
}

func (p *Ptrace) pc(tid int) (uintptr, error) {
	var (
		regs syscall.PtraceRegs
		err  error
	)
	p.ExecPtrace(func() {
		err = syscall.PtraceGetRegs(tid, &regs)
	})
	if err != nil {
		return 0, fmt.Errorf("get regs of thread %d error: %v", tid, err)
	}
	return uintptr(regs.PC()), nil
}

func (p *Ptrace) pcOrZero(tid int) uintptr {
	pc, _ := p.pc(tid)
	return pc
}

func (p *Ptrace) setPC(tid int, pc uintptr) error {
	var (
		regs syscall.PtraceRegs
		err  error
	)
	p.ExecPtrace(func() {
		if err = syscall.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		regs.SetPC(uint64(pc))
		err = syscall.PtraceSetRegs(tid, &regs)
	})
	return err
}

func (p *Ptrace) InstructionPointer(tid int) (uintptr, error) {
	return p.pc(tid)
}

func (p *Ptrace) PrimeStep(tid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	th, ok := p.threads[tid]
	if !ok {
		th, ok = p.threads[p.Process.Pid]
	}
	if !ok {
		return fmt.Errorf("thread %d: %w", tid, errThreadGone)
	}
	th.stepping = true
	return nil
}

// RequestPause stops the main thread with SIGSTOP.
func (p *Ptrace) RequestPause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.detached {
		return ErrProcessExited
	}
	p.pausing = true
	pid := p.Process.Pid
	return sys.Tgkill(pid, pid, sys.SIGSTOP)
}

// Detach removes every trap and detaches the threads.
func (p *Ptrace) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := p.Process.Pid
	if !checkPid(pid) {
		return fmt.Errorf("process %d not existed", pid)
	}

	for addr, t := range p.traps {
		if err := p.writeRaw(addr, t.orig); err != nil {
			p.log.Errorf("restore %#x: %v", addr, err)
		}
	}
	p.traps = map[uintptr]*ptraceTrap{}
	p.hw = [breakpoint.MaxHardware]*hwTrap{}
	p.drGen++
	p.applyAll()

	for _, tid := range p.threadIDs() {
		var err error
		p.ExecPtrace(func() {
			err = syscall.PtraceDetach(tid)
		})
		if err != nil {
			p.log.Errorf("thread %d detached error: %v", tid, err)
			continue
		}
		p.log.Debugf("thread %d detached succ", tid)
	}

	p.detached = true
	p.queue = nil
	if p.mem != nil {
		p.mem.Close()
		p.mem = nil
	}
	return nil
}

func (p *Ptrace) Kill() error {
	return p.Process.Kill()
}

func (p *Ptrace) wait(pid, options int) (int, *syscall.WaitStatus, error) {
	var s syscall.WaitStatus
	if (p.Process.Pid != pid) || (options != 0) {
		wpid, err := syscall.Wait4(pid, &s, syscall.WALL|options, nil)
		return wpid, &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// with options == 0, while ptracing and the thread leader has exited leaving
	// zombies of its own then waitpid hangs forever this is apparently intended
	// behaviour in the linux kernel because it's just so convenient.
	// Therefore we call wait4 in a loop with WNOHANG, sleeping a while between
	// calls and exiting when either wait4 succeeds or we find out that the thread
	// has become a zombie.
	// References:
	// https://sourceware.org/bugzilla/show_bug.cgi?id=12702
	// https://sourceware.org/bugzilla/show_bug.cgi?id=10095
	for {
		wpid, err := syscall.Wait4(pid, &s, syscall.WNOHANG|syscall.WALL|options, nil)
		if err != nil {
			return 0, nil, err
		}
		if wpid != 0 {
			return wpid, &s, err
		}
		if procStatus(pid) == statusZombie {
			return pid, nil, nil
		}
		time.Sleep(pollInterval)
	}
}

// checkPid check whether pid is a live process
//
// On Unix systems, os.FindProcess always succeeds and returns a Process for
// the given pid, regardless of whether the process exists.
func checkPid(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func desc(status *syscall.WaitStatus) string {
	switch {
	case status == nil:
		return "zombie"
	case status.Continued():
		return "continued"
	case status.Exited():
		return fmt.Sprintf("exited: %d", status.ExitStatus())
	case status.Signaled():
		return "signaled: " + status.Signal().String()
	case status.Stopped():
		return "stopped: " + status.StopSignal().String()
	default:
		return fmt.Sprintf("%#x", int(*status))
	}
}
