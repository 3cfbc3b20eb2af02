package debugger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/config"
	"github.com/hitzhangjie/dbgcore/pkg/database"
	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// testProgram is mapped at 0x401000:
//
//	401000 nop
//	401001 call 40100b
//	401006 nop
//	401007 nop
//	401008 ret
//	401009 nop
//	40100a nop
//	40100b nop
//	40100c ret
var testProgram = []byte{0x90, 0xE8, 0x05, 0x00, 0x00, 0x00, 0x90, 0x90, 0xC3, 0x90, 0x90, 0x90, 0xC3}

// spinProgram jumps to itself forever.
var spinProgram = []byte{0xEB, 0xFE}

const (
	exeBase  uintptr = 0x400000
	exeEntry uintptr = 0x401000
	mainTID          = 100
)

type harness struct {
	t     *testing.T
	sim   *target.Sim
	d     *Debugger
	store *config.Store

	mu    sync.Mutex
	notes []Notification
}

type option func(h *harness, cfg *Config)

func withEntryBreakpoint(h *harness, _ *Config) {
	require.NoError(h.t, h.store.SetEvent(config.KeyEntryBreakpoint, true))
}

func withDatabase(dir string) option {
	return func(h *harness, cfg *Config) {
		cfg.Database = database.NewStore(cfg.Sections, dir)
	}
}

func withProvider(p target.Provider) option {
	return func(h *harness, cfg *Config) {
		cfg.Provider = p
	}
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	sections := runstate.NewSections()
	store, err := config.NewStore(sections, config.New())
	require.NoError(t, err)
	require.NoError(t, store.SetEvent(config.KeyEntryBreakpoint, false))

	h := &harness{t: t, sim: target.NewSim(mainTID), store: store}
	cfg := Config{
		Kind:       target.SIM,
		Executable: "/bin/a.exe",
		Provider:   h.sim,
		Settings:   store,
		Sections:   sections,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	h.d, err = New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.d.Bus().Subscribe(func(n Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	}))
	t.Cleanup(func() { h.d.Close(time.Second) })
	return h
}

// start runs the debuggee up to the system breakpoint.
func (h *harness) start(code []byte) {
	h.t.Helper()
	exe := module.Module{Name: "a.exe", Path: "/bin/a.exe", Base: exeBase, Size: 0x2000}
	h.sim.Start(exe, append(make([]byte, exeEntry-exeBase), code...), exeEntry)
	require.NoError(h.t, h.d.Start(context.Background()))
	h.waitPaused(PauseSystemBreakpoint)
}

func (h *harness) wait(want ...State) State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.d.WaitState(ctx, want...)
	require.NoError(h.t, err, "state %s", s)
	return s
}

func (h *harness) waitPaused(reason PauseReason) {
	h.t.Helper()
	require.Equal(h.t, Paused, h.wait(Paused, Stopped))
	require.Equal(h.t, reason, h.d.PauseReason())
}

func (h *harness) run() {
	h.t.Helper()
	require.NoError(h.t, h.d.Run())
}

func (h *harness) pc() uintptr {
	h.t.Helper()
	pc, err := h.d.InstructionPointer()
	require.NoError(h.t, err)
	return pc
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notes...)
}

func collect[T Notification](h *harness) []T {
	var out []T
	for _, n := range h.notifications() {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func indexOf(notes []Notification, match func(Notification) bool) int {
	for i, n := range notes {
		if match(n) {
			return i
		}
	}
	return -1
}

func TestSystemBreakpoint(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	assert.True(t, h.d.Latches().IsLocked(runstate.WaitRun))
	ev, ok := h.d.CurrentEvent()
	require.True(t, ok)
	assert.Equal(t, target.SimLoaderBase, ev.Addr)

	s := h.d.Session()
	assert.Equal(t, 100, s.PID)
	assert.NotEmpty(t, s.ID)
	assert.Len(t, h.d.Modules(), 1)
	require.Len(t, h.d.Threads(), 1)
	assert.Equal(t, mainTID, h.d.Threads()[0].ID)

	require.Len(t, collect[ProcessCreated](h), 1)
	require.Len(t, collect[SystemBreakpoint](h), 1)
	assert.Equal(t, uint64(2), h.d.EventCount())

	// paused already
	assert.NoError(t, h.d.Pause())
	assert.ErrorIs(t, h.d.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, h.d.Bus().Subscribe(func(Notification) {}), ErrAlreadyStarted)
}

func TestSoftwareBreakpointHit(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	bp, err := h.d.SetBreakpoint(0x401000, breakpoint.TrapInt3, "start", false)
	require.NoError(t, err)
	assert.Equal(t, "a.exe", bp.Module)
	assert.Equal(t, uintptr(0x1000), bp.Offset)
	assert.Equal(t, uint16(0x90), bp.Encoding.OldBytes)

	h.run()
	h.waitPaused(PauseSoftwareBreakpoint)
	assert.True(t, h.d.Latches().IsLocked(runstate.WaitRun))
	assert.Equal(t, uintptr(0x401000), h.pc())

	got, err := h.d.Breakpoint(bp.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.HitCount)

	hits := collect[BreakpointHit](h)
	require.Len(t, hits, 1)
	assert.Equal(t, bp.ID, hits[0].Breakpoint.ID)
	assert.Equal(t, mainTID, hits[0].TID)

	h.run()
	require.Equal(t, Stopped, h.wait(Stopped))
	code, err := h.d.ExitStatus()
	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	notes := h.notifications()
	require.NotEmpty(t, notes)
	assert.IsType(t, SessionStopped{}, notes[len(notes)-1])
	assert.Len(t, collect[SessionStopped](h), 1)
	assert.False(t, h.d.Latches().IsLocked(runstate.WaitRun))
	assert.ErrorIs(t, h.d.Run(), ErrNotDebugging)
}

func TestSingleShotBreakpoint(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	bp, err := h.d.SetBreakpoint(0x401000, breakpoint.TrapInt3, "once", true)
	require.NoError(t, err)

	h.run()
	h.waitPaused(PauseSoftwareBreakpoint)
	assert.Empty(t, h.d.Breakpoints(breakpoint.All))

	notes := h.notifications()
	deleted := indexOf(notes, func(n Notification) bool {
		c, ok := n.(BreakpointsChanged)
		return ok && c.Op == "delete" && c.Breakpoint.ID == bp.ID
	})
	paused := indexOf(notes, func(n Notification) bool {
		p, ok := n.(ExecutionPaused)
		return ok && p.Reason == PauseSoftwareBreakpoint
	})
	require.NotEqual(t, -1, deleted)
	assert.Less(t, deleted, paused)

	// the trap is gone as well
	require.NoError(t, h.sim.InstallTrap(0x401000, breakpoint.Software, breakpoint.Encoding{}))
	require.NoError(t, h.sim.RemoveTrap(0x401000, breakpoint.Software))
}

func TestEntryBreakpoint(t *testing.T) {
	h := newHarness(t, withEntryBreakpoint)
	h.start(testProgram)

	bps := h.d.Breakpoints(breakpoint.All)
	require.Len(t, bps, 1)
	assert.Equal(t, "entry breakpoint", bps[0].Name)
	assert.True(t, bps[0].SingleShot)

	h.run()
	h.waitPaused(PauseSoftwareBreakpoint)
	hits := collect[BreakpointHit](h)
	require.Len(t, hits, 1)
	assert.Equal(t, "entry breakpoint", hits[0].Breakpoint.Name)
	assert.Empty(t, h.d.Breakpoints(breakpoint.All))
}

func TestHardwareBreakpoints(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	var first breakpoint.Breakpoint
	for i := uintptr(0); i < breakpoint.MaxHardware; i++ {
		bp, err := h.d.SetHardwareBreakpoint(0x401000+i, breakpoint.AccessExecute, 1, "", false)
		require.NoError(t, err)
		assert.Equal(t, int(i), bp.Encoding.Slot)
		if i == 0 {
			first = bp
		}
	}
	_, err := h.d.SetHardwareBreakpoint(0x401004, breakpoint.AccessExecute, 1, "", false)
	assert.ErrorIs(t, err, breakpoint.ErrNoFreeHardwareSlot)
	assert.Len(t, h.d.Breakpoints(breakpoint.Filter{Kind: breakpoint.Hardware}), breakpoint.MaxHardware)

	h.run()
	h.waitPaused(PauseHardwareBreakpoint)
	hits := collect[BreakpointHit](h)
	require.Len(t, hits, 1)
	assert.Equal(t, first.ID, hits[0].Breakpoint.ID)
	assert.Equal(t, uint64(1), hits[0].Breakpoint.HitCount)

	// disabling frees the debug register
	require.NoError(t, h.d.DisableBreakpoint(first.ID))
	slot, ok := h.sim.FreeHardwareSlot()
	require.True(t, ok)
	assert.Equal(t, 0, slot)
	got, err := h.d.Breakpoint(first.ID)
	require.NoError(t, err)
	assert.Equal(t, breakpoint.NoSlot, got.Encoding.Slot)
}

func TestMemoryBreakpoint(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	bp, err := h.d.SetMemoryBreakpoint(0x401000, breakpoint.AccessAny, "image", true)
	require.NoError(t, err)
	assert.Equal(t, exeBase, bp.Addr)
	assert.Equal(t, uintptr(0x2000), bp.Encoding.Size)

	h.run()
	h.waitPaused(PauseMemoryBreakpoint)
	assert.Empty(t, h.d.Breakpoints(breakpoint.All))

	h.run()
	assert.Equal(t, Stopped, h.wait(Stopped))
}

func accessViolation() *target.Event {
	return &target.Event{
		Kind:         target.EventException,
		TID:          999,
		Code:         target.StatusAccessViolation,
		Addr:         0x401000,
		FirstChance:  true,
		HardwareSlot: -1,
	}
}

func TestIgnoredException(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AddIgnore(config.ExceptionRange{Start: 0xC0000000, End: 0xC0000010}))
	h.sim.Handled[target.StatusAccessViolation] = true
	h.start(testProgram)

	h.sim.Inject(accessViolation())
	h.run()
	require.Equal(t, Stopped, h.wait(Stopped))

	for _, p := range collect[ExecutionPaused](h) {
		assert.NotEqual(t, PauseException, p.Reason)
	}
	require.Len(t, collect[ExceptionRaised](h), 1)

	var delivered bool
	for _, c := range h.sim.Calls() {
		if c.Event.Code == target.StatusAccessViolation {
			delivered = c.Deliver
		}
	}
	assert.True(t, delivered)
}

func TestUnhandledException(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	h.sim.Inject(accessViolation())
	h.run()
	h.waitPaused(PauseException)
	ev, _ := h.d.CurrentEvent()
	assert.True(t, ev.FirstChance)

	// first chance is passed on, the debuggee does not handle it
	h.run()
	h.waitPaused(PauseException)
	ev, _ = h.d.CurrentEvent()
	assert.False(t, ev.FirstChance)

	h.run()
	require.Equal(t, Stopped, h.wait(Stopped))

	var chances []bool
	for _, c := range h.sim.Calls() {
		if c.Event.Code == target.StatusAccessViolation {
			chances = append(chances, c.Deliver)
		}
	}
	assert.Equal(t, []bool{true, false}, chances)
}

func TestRunSkipExceptions(t *testing.T) {
	h := newHarness(t)
	h.sim.Handled[target.StatusAccessViolation] = true
	h.start(testProgram)

	h.sim.Inject(accessViolation())
	require.NoError(t, h.d.RunSkipExceptions())
	require.Equal(t, Stopped, h.wait(Stopped))
	for _, p := range collect[ExecutionPaused](h) {
		assert.NotEqual(t, PauseException, p.Reason)
	}
}

func TestModuleUnloadReload(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetEvent(config.KeyDllUnload, true))
	h.start(testProgram)

	dll := module.Module{Name: "b.dll", Path: "/lib/b.dll", Base: 0x10000000, Size: 0x1000}
	h.sim.LoadModule(dll, make([]byte, 0x20))
	h.d.BreakOnNextModule()
	h.run()
	h.waitPaused(PauseModuleLoaded)
	require.Len(t, h.d.Modules(), 2)

	bp, err := h.d.SetBreakpoint(0x10000010, breakpoint.TrapInt3, "", false)
	require.NoError(t, err)
	assert.Equal(t, "b.dll", bp.Module)
	assert.True(t, bp.Active)

	h.sim.UnloadModule(dll.Base)
	h.run()
	h.waitPaused(PauseModuleUnloaded)
	got, err := h.d.Breakpoint(bp.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Enabled)
	require.Len(t, collect[ModuleUnloaded](h), 1)

	dll.Base = 0x20000000
	h.sim.LoadModule(dll, make([]byte, 0x20))
	h.d.BreakOnNextModule()
	h.run()
	h.waitPaused(PauseModuleLoaded)
	got, err = h.d.Breakpoint(bp.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, uintptr(0x20000010), got.Addr)
	assert.ErrorIs(t, h.sim.InstallTrap(0x20000010, breakpoint.Software, breakpoint.Encoding{}), target.ErrTrapExists)
}

func TestReloadChangedCode(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	dll := module.Module{Name: "b.dll", Base: 0x10000000, Size: 0x1000}
	h.sim.LoadModule(dll, make([]byte, 0x20))
	h.d.BreakOnNextModule()
	h.run()
	h.waitPaused(PauseModuleLoaded)

	bp, err := h.d.SetBreakpoint(0x10000010, breakpoint.TrapInt3, "", false)
	require.NoError(t, err)

	code := make([]byte, 0x20)
	code[0x10] = 0x90
	h.sim.UnloadModule(dll.Base)
	h.sim.LoadModule(dll, code)
	h.d.BreakOnNextModule()
	h.run()
	h.waitPaused(PauseModuleLoaded)

	got, err := h.d.Breakpoint(bp.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.NoError(t, h.sim.InstallTrap(0x10000010, breakpoint.Software, breakpoint.Encoding{}))
}

func TestStepping(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	require.NoError(t, h.d.StepInto())
	h.waitPaused(PauseStepCompleted)
	assert.Equal(t, uintptr(0x401001), h.pc())

	// over the call
	require.NoError(t, h.d.StepOver())
	h.waitPaused(PauseStepCompleted)
	assert.Equal(t, uintptr(0x401006), h.pc())
	assert.NoError(t, h.sim.InstallTrap(0x401006, breakpoint.Software, breakpoint.Encoding{}))
	require.NoError(t, h.sim.RemoveTrap(0x401006, breakpoint.Software))

	require.NoError(t, h.d.RunToReturn())
	h.waitPaused(PauseStepCompleted)
	assert.Equal(t, uintptr(0x401008), h.pc())

	steps := collect[StepCompleted](h)
	require.Len(t, steps, 3)
	assert.Equal(t, uintptr(0x401008), steps[2].Addr)
}

func TestStepN(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	require.NoError(t, h.d.StepN(2))
	h.waitPaused(PauseStepCompleted)
	assert.Equal(t, uintptr(0x40100b), h.pc())
	assert.Len(t, collect[StepCompleted](h), 1)

	assert.Error(t, h.d.StepN(0))
}

func TestStepCancelledByBreakpoint(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	require.NoError(t, h.d.StepInto())
	h.waitPaused(PauseStepCompleted)

	// the callee has a breakpoint, stepping over the call stops there
	_, err := h.d.SetBreakpoint(0x40100b, breakpoint.TrapInt3, "", false)
	require.NoError(t, err)
	require.NoError(t, h.d.StepOver())
	h.waitPaused(PauseSoftwareBreakpoint)
	assert.Equal(t, uintptr(0x40100b), h.pc())

	// the temporary trap behind the call was removed
	assert.NoError(t, h.sim.InstallTrap(0x401006, breakpoint.Software, breakpoint.Encoding{}))
}

func TestStepTrapHitByOtherThread(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	require.NoError(t, h.d.StepInto())
	h.waitPaused(PauseStepCompleted)
	require.Equal(t, uintptr(0x401001), h.pc())

	// a second thread runs into the trap behind the call before the
	// stepping thread returns from it
	h.sim.Inject(&target.Event{Kind: target.EventCreateThread, TID: 200, StartAddress: 0x401009})
	h.sim.Inject(&target.Event{
		Kind:         target.EventException,
		TID:          200,
		Code:         target.StatusBreakpoint,
		Addr:         0x401006,
		FirstChance:  true,
		HardwareSlot: -1,
	})
	require.NoError(t, h.d.StepOver())
	h.waitPaused(PauseStepCompleted)
	assert.Equal(t, uintptr(0x401006), h.pc())

	steps := collect[StepCompleted](h)
	require.Len(t, steps, 2)
	assert.Equal(t, StepCompleted{TID: mainTID, Addr: 0x401006}, steps[1])
	assert.Empty(t, collect[ExceptionRaised](h))

	for _, c := range h.sim.Calls() {
		if c.Event.TID == 200 && c.Event.Code == target.StatusBreakpoint {
			assert.False(t, c.Deliver, "trap of the step delivered to thread 200")
		}
	}
	// the trap was removed once the step completed
	assert.NoError(t, h.sim.InstallTrap(0x401006, breakpoint.Software, breakpoint.Encoding{}))
}

func TestUnresolvedReferences(t *testing.T) {
	tests := []struct {
		name       string
		inject     func(sim *target.Sim)
		wantReason PauseReason // PauseNone: the debuggee runs to its exit
		check      func(t *testing.T, h *harness)
	}{
		{
			name: "int3 without breakpoint",
			inject: func(sim *target.Sim) {
				sim.Inject(&target.Event{Kind: target.EventException, TID: mainTID, Code: target.StatusBreakpoint,
					Addr: 0x401009, FirstChance: true, HardwareSlot: -1})
			},
			wantReason: PauseException,
			check: func(t *testing.T, h *harness) {
				raised := collect[ExceptionRaised](h)
				require.Len(t, raised, 1)
				assert.Equal(t, uintptr(0x401009), raised[0].Addr)
				assert.Empty(t, collect[BreakpointHit](h))
			},
		},
		{
			name: "debug register without breakpoint",
			inject: func(sim *target.Sim) {
				sim.Inject(&target.Event{Kind: target.EventException, TID: mainTID, Code: target.StatusSingleStep,
					Addr: 0x401007, FirstChance: true, HardwareSlot: 2})
			},
			check: func(t *testing.T, h *harness) {
				assert.Empty(t, collect[ExceptionRaised](h))
				assert.Empty(t, collect[BreakpointHit](h))
			},
		},
		{
			name: "unload of unknown module",
			inject: func(sim *target.Sim) {
				sim.UnloadModule(0x70000000)
			},
			check: func(t *testing.T, h *harness) {
				assert.Empty(t, collect[ModuleUnloaded](h))
			},
		},
		{
			name: "exit of unknown thread",
			inject: func(sim *target.Sim) {
				sim.Inject(&target.Event{Kind: target.EventExitThread, TID: 999, HardwareSlot: -1})
			},
			check: func(t *testing.T, h *harness) {
				assert.Empty(t, collect[ThreadExited](h))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(testProgram)

			tt.inject(h.sim)
			h.run()
			if tt.wantReason == PauseNone {
				require.Equal(t, Stopped, h.wait(Stopped))
				code, err := h.d.ExitStatus()
				assert.NoError(t, err)
				assert.Equal(t, 0, code)
			} else {
				h.waitPaused(tt.wantReason)
				assert.NotEmpty(t, h.d.Modules())
			}
			for _, c := range h.sim.Calls() {
				assert.False(t, c.Deliver, "event %s delivered", c.Event)
			}
			tt.check(t, h)
		})
	}
}

func TestThreadName(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	h.sim.Map(0x500000, []byte("worker\x00junk"))
	h.sim.Inject(&target.Event{Kind: target.EventCreateThread, TID: 200, StartAddress: 0x401009})
	h.sim.Inject(&target.Event{
		Kind:         target.EventException,
		TID:          200,
		Code:         target.MSVCThreadName,
		Addr:         0x401009,
		FirstChance:  true,
		Info:         []uint64{0x1000, 0x500000, 0xFFFFFFFF, 0},
		HardwareSlot: -1,
	})
	h.run()
	require.Equal(t, Stopped, h.wait(Stopped))

	renamed := collect[ThreadRenamed](h)
	require.Len(t, renamed, 1)
	assert.Equal(t, ThreadRenamed{TID: 200, Name: "worker"}, renamed[0])
	assert.Len(t, collect[ThreadCreated](h), 2)
	for _, p := range collect[ExecutionPaused](h) {
		assert.NotEqual(t, PauseException, p.Reason)
	}
}

func TestThreadEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetEvent(config.KeyThreadStart, true))
	require.NoError(t, h.store.SetEvent(config.KeyThreadEntry, true))
	h.start(testProgram)

	h.sim.Inject(&target.Event{Kind: target.EventCreateThread, TID: 0x2a, StartAddress: 0x401009})
	h.run()
	h.waitPaused(PauseThreadCreated)
	require.Len(t, h.d.Threads(), 2)

	bp, err := h.d.BreakpointAt(0x401009, breakpoint.Software)
	require.NoError(t, err)
	assert.Equal(t, "Thread 2A", bp.Name)
	assert.True(t, bp.SingleShot)
}

func TestPauseAndDetach(t *testing.T) {
	h := newHarness(t)
	h.sim.SetBudget(1000)
	h.start(spinProgram)

	bp, err := h.d.SetBreakpoint(0x401000, breakpoint.TrapUD2, "", false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFEEB), bp.Encoding.OldBytes)
	require.NoError(t, h.d.DisableBreakpoint(bp.ID))

	h.run()
	assert.Equal(t, Running, h.d.State())
	assert.ErrorIs(t, h.d.Run(), ErrRunning)
	assert.ErrorIs(t, h.d.WriteMemory(0x401000, []byte{0x90}), ErrRunning)

	require.NoError(t, h.d.Pause())
	h.waitPaused(PauseUser)

	require.NoError(t, h.d.Detach())
	require.Equal(t, Stopped, h.wait(Stopped))
	code, err := h.d.ExitStatus()
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.ErrorIs(t, h.d.Detach(), ErrNotDebugging)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	require.NoError(t, h.d.Stop())
	require.Equal(t, Stopped, h.wait(Stopped))
	code, err := h.d.ExitStatus()
	assert.NoError(t, err)
	assert.Equal(t, 9, code)
	require.Len(t, collect[ProcessExited](h), 1)
}

type failingProvider struct {
	*target.Sim
	fail atomic.Bool
}

var errBoom = errors.New("boom")

func (p *failingProvider) NextEvent(ctx context.Context) (*target.Event, error) {
	if p.fail.Load() {
		return nil, errBoom
	}
	return p.Sim.NextEvent(ctx)
}

func TestFatalProviderError(t *testing.T) {
	var p *failingProvider
	h := newHarness(t, func(h *harness, cfg *Config) {
		p = &failingProvider{Sim: h.sim}
		withProvider(p)(h, cfg)
	})
	h.start(testProgram)

	p.fail.Store(true)
	h.run()
	require.Equal(t, Stopped, h.wait(Stopped))

	_, err := h.d.ExitStatus()
	assert.ErrorIs(t, err, errBoom)
	stopped := collect[SessionStopped](h)
	require.Len(t, stopped, 1)
	assert.ErrorIs(t, stopped[0].Err, errBoom)
	assert.False(t, h.d.Latches().IsLocked(runstate.WaitRun))
	assert.Empty(t, h.d.Modules())
}

// trapFailingProvider refuses to install traps once fail is set, running
// before first.
type trapFailingProvider struct {
	*target.Sim
	fail   bool
	before func()
}

func (p *trapFailingProvider) InstallTrap(addr uintptr, kind breakpoint.Kind, enc breakpoint.Encoding) error {
	if !p.fail {
		return p.Sim.InstallTrap(addr, kind, enc)
	}
	if p.before != nil {
		p.before()
	}
	return errBoom
}

func errorEntries(hook *logtest.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			out = append(out, e)
		}
	}
	return out
}

func TestBreakpointRollback(t *testing.T) {
	p := &trapFailingProvider{}
	h := newHarness(t, func(h *harness, cfg *Config) {
		p.Sim = h.sim
		withProvider(p)(h, cfg)
	})
	logger, hook := logtest.NewNullLogger()
	h.d.log = logger.WithField("layer", "debugger")
	h.start(testProgram)

	p.fail = true
	_, err := h.d.SetBreakpoint(0x401006, breakpoint.TrapInt3, "", false)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.d.Breakpoints(breakpoint.All))
	assert.Empty(t, errorEntries(hook))

	// the entry is gone before the rollback runs
	p.before = func() { h.d.registry.Clear() }
	_, err = h.d.SetBreakpoint(0x401006, breakpoint.TrapInt3, "", false)
	assert.ErrorIs(t, err, errBoom)
	entries := errorEntries(hook)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "roll back breakpoint")

	p.fail = false
	bp, err := h.d.SetBreakpoint(0x401007, breakpoint.TrapInt3, "", false)
	require.NoError(t, err)
	require.NoError(t, h.d.DisableBreakpoint(bp.ID))

	p.fail = true
	assert.ErrorIs(t, h.d.EnableBreakpoint(bp.ID), errBoom)
	entries = errorEntries(hook)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[1].Message, "roll back enabling breakpoint")
}

func TestBreakpointCommands(t *testing.T) {
	h := newHarness(t)
	h.start(testProgram)

	_, err := h.d.SetBreakpoint(0x9000000, breakpoint.TrapInt3, "", false)
	assert.ErrorIs(t, err, breakpoint.ErrInvalidAddress)

	a, err := h.d.SetBreakpoint(0x401006, breakpoint.TrapInt3, "a", false)
	require.NoError(t, err)
	_, err = h.d.SetBreakpoint(0x401006, breakpoint.TrapInt3, "", false)
	assert.ErrorIs(t, err, breakpoint.ErrBreakpointExists)
	b, err := h.d.SetBreakpoint(0x401007, breakpoint.TrapLongInt3, "b", false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xC390), b.Encoding.OldBytes)

	require.NoError(t, h.d.RenameBreakpoint(a.ID, "renamed"))
	got, err := h.d.BreakpointAt(0x401006, breakpoint.Software)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	n, err := h.d.DisableAllBreakpoints(breakpoint.Software)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, h.d.Breakpoints(breakpoint.Filter{Kind: breakpoint.AnyKind, EnabledOnly: true}))
	assert.NoError(t, h.sim.InstallTrap(0x401006, breakpoint.Software, breakpoint.Encoding{}))

	// the trap at 0x401006 is taken now, enabling a fails and stays disabled
	assert.ErrorIs(t, h.d.EnableBreakpoint(a.ID), target.ErrTrapExists)
	got, err = h.d.Breakpoint(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NoError(t, h.sim.RemoveTrap(0x401006, breakpoint.Software))

	n, err = h.d.EnableAllBreakpoints(breakpoint.AnyKind)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.d.DeleteAllBreakpoints(breakpoint.AnyKind)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, h.d.Breakpoints(breakpoint.All))
	assert.ErrorIs(t, h.d.DeleteBreakpoint(a.ID), breakpoint.ErrBreakpointNotExisted)

	ops := map[string]int{}
	for _, c := range collect[BreakpointsChanged](h) {
		ops[c.Op]++
	}
	assert.Equal(t, map[string]int{"add": 2, "rename": 1, "disable": 2, "enable": 2, "delete": 2}, ops)
}

func TestBreakpointDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	h := newHarness(t, withDatabase(dir))
	h.start(testProgram)
	_, err := h.d.SetBreakpoint(0x401006, breakpoint.TrapInt3, "after call", false)
	require.NoError(t, err)
	_, err = h.d.SetBreakpoint(0x401007, breakpoint.TrapInt3, "", true)
	require.NoError(t, err)
	require.NoError(t, h.d.Stop())
	require.Equal(t, Stopped, h.wait(Stopped))

	h2 := newHarness(t, withDatabase(dir))
	h2.start(testProgram)
	bps := h2.d.Breakpoints(breakpoint.All)
	require.Len(t, bps, 1)
	assert.Equal(t, "after call", bps[0].Name)
	assert.True(t, bps[0].Active)

	h2.run()
	h2.waitPaused(PauseSoftwareBreakpoint)
	assert.Equal(t, uintptr(0x401006), h2.pc())
}

func TestNotDebugging(t *testing.T) {
	h := newHarness(t)

	_, err := h.d.SetBreakpoint(0x401000, breakpoint.TrapInt3, "", false)
	assert.ErrorIs(t, err, ErrNotDebugging)
	assert.ErrorIs(t, h.d.Run(), ErrNotDebugging)
	assert.ErrorIs(t, h.d.Pause(), ErrNotDebugging)
	assert.ErrorIs(t, h.d.Stop(), ErrNotDebugging)
	_, err = h.d.ReadMemory(0x401000, 1)
	assert.ErrorIs(t, err, ErrNotDebugging)
	assert.Equal(t, NotDebugging, h.d.State())

	_, err = New(Config{})
	assert.Error(t, err)
}
