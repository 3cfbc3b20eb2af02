// Package debugger is the core of a debug session: it owns the debug event
// loop, classifies every event coming from the target provider, keeps the
// module, thread and breakpoint tables current and exposes the controller
// commands (run, pause, step, breakpoints) to front ends.
//
// Two goroutines cooperate. The event goroutine pulls events from the
// provider and, when an event has to be shown to the user, parks on the
// WaitRun latch. Commands run on any other goroutine, usually the
// CommandQueue, and release the latch to resume the debuggee.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/config"
	"github.com/hitzhangjie/dbgcore/pkg/database"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
	"github.com/hitzhangjie/dbgcore/pkg/target"
	"github.com/hitzhangjie/dbgcore/pkg/thread"
)

// Config 创建Debugger的参数
type Config struct {
	Kind       target.Kind
	Executable string // 可为空，默认取CreateProcess事件中的模块路径
	Provider   target.Provider
	Settings   *config.Store      // nil uses the defaults
	Database   *database.Store    // nil disables the breakpoint database
	Sections   *runstate.Sections // nil creates a new set
}

// Debugger 调试器核心
type Debugger struct {
	log *logrus.Entry

	provider target.Provider
	settings *config.Store
	db       *database.Store

	latches  *runstate.Latches
	sections *runstate.Sections
	modules  *module.Table
	threads  *thread.Table
	registry *breakpoint.Registry
	bus      Bus
	commands *CommandQueue

	// mu guards the fields below and stateCh is closed on every change.
	mu       sync.Mutex
	session  Session
	state    State
	reason   PauseReason
	stateCh  chan struct{}
	resumes  uint64
	current  *target.Event
	step     *stepRequest
	exitCode int
	err      error

	runMu sync.Mutex

	events          atomic.Uint64
	skipExceptions  atomic.Bool
	pauseRequested  atomic.Bool
	detachRequested atomic.Bool
	stopRequested   atomic.Bool
	breakOnModule   atomic.Bool
	saved           atomic.Bool

	// only touched by the event goroutine
	systemSeen bool

	cancel context.CancelFunc
	done   chan struct{}
}

// debuggee adapts the debugger to breakpoint.Target.
type debuggee struct {
	d *Debugger
}

func (t debuggee) IsDebugging() bool {
	return t.d.State().IsDebugging()
}

func (t debuggee) IsReadable(addr uintptr) bool {
	return t.d.provider.IsReadable(addr)
}

// New creates a debugger for one session.
func New(cfg Config) (*Debugger, error) {
	if cfg.Provider == nil {
		return nil, errors.New("debugger: no target provider")
	}
	sections := cfg.Sections
	if sections == nil {
		sections = runstate.NewSections()
	}
	settings := cfg.Settings
	if settings == nil {
		var err error
		if settings, err = config.NewStore(sections, config.New()); err != nil {
			return nil, err
		}
	}

	s := newSession(cfg.Kind, cfg.Executable)
	d := &Debugger{
		log:      logflags.DebuggerLogger().WithField("session", s.ID),
		provider: cfg.Provider,
		settings: settings,
		db:       cfg.Database,
		latches:  runstate.NewLatches(),
		sections: sections,
		modules:  module.NewTable(sections),
		threads:  thread.NewTable(sections),
		commands: NewCommandQueue(),
		session:  s,
		stateCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.registry = breakpoint.NewRegistry(sections, d.modules, debuggee{d})
	return d, nil
}

// Bus returns the notification bus. Listeners must subscribe before Start.
func (d *Debugger) Bus() *Bus {
	return &d.bus
}

// Commands returns the queue front ends submit their commands to.
func (d *Debugger) Commands() *CommandQueue {
	return d.commands
}

// Settings returns the live settings of the session.
func (d *Debugger) Settings() *config.Store {
	return d.settings
}

// Latches exposes the run latches, WaitRun is locked while paused.
func (d *Debugger) Latches() *runstate.Latches {
	return d.latches
}

// Session returns a copy of the session description.
func (d *Debugger) Session() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// State returns the current state.
func (d *Debugger) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// PauseReason returns why the debuggee is paused, PauseNone otherwise.
func (d *Debugger) PauseReason() PauseReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// CurrentEvent returns the event the debuggee is paused on.
func (d *Debugger) CurrentEvent() (target.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return target.Event{}, false
	}
	return *d.current, true
}

// ExitStatus returns the exit code and the error the session stopped with.
func (d *Debugger) ExitStatus() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, d.err
}

// EventCount returns the number of debug events processed so far.
func (d *Debugger) EventCount() uint64 {
	return d.events.Load()
}

// Modules returns the loaded modules sorted by base.
func (d *Debugger) Modules() []module.Module {
	return d.modules.List()
}

// ModuleByName looks a loaded module up by name, case-insensitively.
func (d *Debugger) ModuleByName(name string) (module.Module, bool) {
	return d.modules.ByName(name)
}

// ModuleAt returns the loaded module containing addr.
func (d *Debugger) ModuleAt(addr uintptr) (module.Module, bool) {
	return d.modules.FromAddr(addr)
}

// Threads returns the live threads in creation order.
func (d *Debugger) Threads() []thread.Thread {
	return d.threads.List()
}

// Done is closed when the session has stopped.
func (d *Debugger) Done() <-chan struct{} {
	return d.done
}

// transition changes the guarded fields in fn and wakes WaitState callers.
func (d *Debugger) transition(fn func()) {
	d.mu.Lock()
	fn()
	close(d.stateCh)
	d.stateCh = make(chan struct{})
	d.mu.Unlock()
}

func (d *Debugger) setState(s State) {
	d.transition(func() { d.state = s })
}

// waitFor blocks until cond, evaluated with mu held, is true.
func (d *Debugger) waitFor(ctx context.Context, cond func() bool) error {
	for {
		d.mu.Lock()
		ok, ch := cond(), d.stateCh
		d.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitState blocks until the state is one of want and returns it.
func (d *Debugger) WaitState(ctx context.Context, want ...State) (State, error) {
	var got State
	err := d.waitFor(ctx, func() bool {
		got = d.state
		for _, w := range want {
			if d.state == w {
				return true
			}
		}
		return false
	})
	return got, err
}

// Start begins the session, the event goroutine runs until the debuggee
// exits, is detached or the provider fails.
func (d *Debugger) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != NotDebugging {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	d.bus.start()
	d.latches.ClearAll()
	d.transition(func() {
		d.state = Initializing
		d.session.Started = time.Now()
	})

	s := d.Session()
	d.log.WithFields(logrus.Fields{"kind": s.Kind, "exe": s.Executable}).Info("debug session started")

	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
	return nil
}

func (d *Debugger) loop(ctx context.Context) {
	defer d.cancel()

	for {
		ev, err := d.provider.NextEvent(ctx)
		if err != nil {
			switch {
			case errors.Is(err, target.ErrProcessExited), errors.Is(err, target.ErrDetached):
				d.finish(d.lastExitCode(), nil)
			default:
				d.finish(0, fmt.Errorf("wait for debug event: %w", err))
			}
			return
		}

		d.events.Inc()
		d.log.Debugf("debug event: %s", ev)
		d.bus.publish(DebugEvent{Event: *ev})

		if d.detachRequested.Load() && ev.Kind != target.EventExitProcess {
			d.detach()
			return
		}

		deliver, done := d.dispatch(ev)
		if done {
			return
		}
		if d.detachRequested.Load() {
			d.detach()
			return
		}
		if d.stopRequested.Load() {
			continue
		}

		if err := d.provider.Continue(ev, deliver); err != nil {
			if errors.Is(err, target.ErrProcessExited) || errors.Is(err, target.ErrDetached) {
				continue
			}
			d.finish(0, fmt.Errorf("continue debug event: %w", err))
			return
		}
	}
}

func (d *Debugger) lastExitCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode
}

// pause shows ev to the user and blocks until a command resumes the
// debuggee. The caller has already updated the tables and published the
// reason specific notification.
func (d *Debugger) pause(reason PauseReason, ev *target.Event) {
	if reason != PauseStepCompleted {
		d.cancelStep()
	}
	d.skipExceptions.Store(false)
	d.pauseRequested.Store(false)

	d.bus.publish(ExecutionPaused{Reason: reason, TID: ev.TID, Addr: ev.Addr})

	d.latches.Lock(runstate.WaitRun)
	d.transition(func() {
		d.current = ev
		d.reason = reason
		d.state = Paused
	})
	d.log.WithFields(logrus.Fields{"reason": reason, "tid": ev.TID, "addr": fmt.Sprintf("%#x", ev.Addr)}).Debug("paused")

	d.latches.Wait(runstate.WaitRun)

	d.transition(func() {
		d.reason = PauseNone
		d.resumes++
		d.state = Running
	})
	d.bus.publish(Resumed{})
}

func (d *Debugger) detach() {
	d.cancelStep()
	d.saveDatabase()
	if err := d.provider.Detach(); err != nil {
		d.finish(0, fmt.Errorf("detach: %w", err))
		return
	}
	d.log.Info("detached")
	d.finish(0, nil)
}

// finish ends the session: every latch is released and SessionStopped is the last
// notification.
func (d *Debugger) finish(exitCode int, err error) {
	d.saveDatabase()
	d.cancelStep()
	d.registry.Clear()
	d.threads.Clear()
	d.modules.Clear()

	d.transition(func() {
		d.state = Stopped
		d.reason = PauseNone
		d.current = nil
		d.exitCode = exitCode
		d.err = err
	})
	d.latches.ClearAll()

	if err != nil {
		d.log.WithError(err).Error("debug session stopped")
	} else {
		d.log.Infof("debug session stopped, exit code %d", exitCode)
	}
	d.bus.publish(SessionStopped{ExitCode: exitCode, Err: err})
	d.bus.close()
	close(d.done)
}

// loadDatabase restores the breakpoints saved for the executable.
func (d *Debugger) loadDatabase() {
	if d.db == nil {
		return
	}
	exe := d.Session().Executable
	recs, err := d.db.Load(exe)
	if err != nil {
		if !errors.Is(err, database.ErrNoDatabase) {
			d.log.WithError(err).Warn("load breakpoint database")
		}
		return
	}
	n := d.registry.Deserialize(recs)
	d.log.Infof("%d breakpoint(s) loaded from %s", n, d.db.Dir())
}

// saveDatabase writes the breakpoints once per session when autosave is on.
func (d *Debugger) saveDatabase() {
	if d.db == nil || !d.settings.Settings().AutoSave || d.Session().PID == 0 {
		return
	}
	if !d.saved.CAS(false, true) {
		return
	}
	if _, err := d.SaveDatabase(); err != nil {
		d.log.WithError(err).Warn("save breakpoint database")
	}
}

// SaveDatabase writes the persistent breakpoints of the session and returns
// the file written.
func (d *Debugger) SaveDatabase() (string, error) {
	if d.db == nil {
		return "", errors.New("breakpoint database disabled")
	}
	s := d.Session()
	path, err := d.db.Save(s.ID, s.Executable, d.registry.Serialize())
	if err != nil {
		return "", err
	}
	d.log.Debugf("breakpoints saved to %s", path)
	return path, nil
}
