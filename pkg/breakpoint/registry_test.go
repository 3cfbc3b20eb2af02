package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

type fakeTarget struct {
	debugging bool
	modules   *module.Table
	heap      [2]uintptr // readable range outside any module
}

func (f *fakeTarget) IsDebugging() bool { return f.debugging }

func (f *fakeTarget) IsReadable(addr uintptr) bool {
	if _, ok := f.modules.FromAddr(addr); ok {
		return true
	}
	return addr >= f.heap[0] && addr < f.heap[1]
}

type fixture struct {
	reg     *Registry
	modules *module.Table
	target  *fakeTarget
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := runstate.NewSections()
	s.SetAssertions(true, 0)
	mods := module.NewTable(s)
	target := &fakeTarget{debugging: true, modules: mods, heap: [2]uintptr{0x7f0000, 0x7f1000}}

	_, err := mods.Load(module.Module{Name: "a.exe", Base: 0x400000, Size: 0x10000})
	require.NoError(t, err)
	_, err = mods.Load(module.Module{Name: "b.dll", Base: 0x10000000, Size: 0x8000})
	require.NoError(t, err)

	return &fixture{reg: NewRegistry(s, mods, target), modules: mods, target: target}
}

func hw(size uintptr) Encoding {
	return Encoding{Slot: NoSlot, Access: AccessExecute, Size: size}
}

func TestAddFailures(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Add(0x12, Software, Encoding{}, "", false)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = f.reg.Add(0x401000, Hardware, hw(3), "", false)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	var zero Kind
	_, err = f.reg.Add(0x401000, zero, Encoding{}, "", false)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	f.target.debugging = false
	_, err = f.reg.Add(0x401000, Software, Encoding{}, "", false)
	assert.ErrorIs(t, err, ErrNotDebugging)
	assert.Zero(t, f.reg.Count(AnyKind, false))
}

func TestAddUniqueness(t *testing.T) {
	f := newFixture(t)

	b, err := f.reg.Add(0x401000, Software, Encoding{OldBytes: 0x55}, "main", false)
	require.NoError(t, err)
	assert.True(t, b.Enabled)
	assert.True(t, b.Active)
	assert.Equal(t, "a.exe", b.Module)
	assert.Equal(t, uintptr(0x1000), b.Offset)
	assert.Equal(t, uintptr(0x401000), b.Addr)

	_, err = f.reg.Add(0x401000, Software, Encoding{}, "again", false)
	require.ErrorIs(t, err, ErrBreakpointExists)
	var exists *ExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, b.ID, exists.ID)

	// same address, other kind is a different key
	_, err = f.reg.Add(0x401000, Hardware, hw(1), "", false)
	require.NoError(t, err)

	assert.Equal(t, 1, f.reg.Count(Software, false))
	assert.Equal(t, 2, f.reg.Count(AnyKind, false))
}

func TestHardwareSlotLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < MaxHardware; i++ {
		_, err := f.reg.Add(uintptr(0x401000+i*0x10), Hardware, hw(1), "", false)
		require.NoError(t, err)
	}
	_, err := f.reg.Add(0x402000, Hardware, hw(1), "", false)
	require.ErrorIs(t, err, ErrNoFreeHardwareSlot)
	assert.Equal(t, MaxHardware, f.reg.Count(Hardware, false))

	// a disabled one frees a slot for a new add, re-enabling it then fails
	_, err = f.reg.SetEnabled(0x401000, Hardware, false)
	require.NoError(t, err)
	_, err = f.reg.Add(0x402000, Hardware, hw(1), "", false)
	require.NoError(t, err)
	_, err = f.reg.SetEnabled(0x401000, Hardware, true)
	assert.ErrorIs(t, err, ErrNoFreeHardwareSlot)
}

func TestRelocationStability(t *testing.T) {
	f := newFixture(t)

	b, err := f.reg.Add(0x10001234, Software, Encoding{}, "", false)
	require.NoError(t, err)

	_, ok := f.modules.Unload(0x10000000)
	require.True(t, ok)

	_, err = f.modules.Load(module.Module{Name: "B.DLL", Base: 0x20000000, Size: 0x8000})
	require.NoError(t, err)

	got, err := f.reg.Find(0x20001234, Software)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, uintptr(0x1234), got.Offset)
	assert.Equal(t, uintptr(0x20001234), got.Addr)
	assert.True(t, got.Active)

	_, err = f.reg.Find(0x10001234, Software)
	assert.ErrorIs(t, err, ErrBreakpointNotExisted)
}

func TestUnloadReloadActiveFlag(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Add(0x10000100, Software, Encoding{}, "", false)
	require.NoError(t, err)

	f.modules.Unload(0x10000000)
	list := f.reg.Enumerate(All)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.True(t, list[0].Enabled)

	_, err = f.modules.Load(module.Module{Name: "b.dll", Base: 0x10000000, Size: 0x8000})
	require.NoError(t, err)
	list = f.reg.Enumerate(All)
	require.Len(t, list, 1)
	assert.True(t, list[0].Active)

	// a smaller image no longer covers the offset
	f.modules.Unload(0x10000000)
	_, err = f.modules.Load(module.Module{Name: "b.dll", Base: 0x10000000, Size: 0x80})
	require.NoError(t, err)
	assert.False(t, f.reg.Enumerate(All)[0].Active)
}

func TestAbsoluteAddressOutsideModules(t *testing.T) {
	f := newFixture(t)

	b, err := f.reg.Add(0x7f0010, Memory, Encoding{Access: AccessWrite}, "", false)
	require.NoError(t, err)
	assert.Zero(t, b.ModuleHash)
	assert.Equal(t, uintptr(0x7f0010), b.Offset)
	assert.Equal(t, uintptr(1), b.Encoding.Size)
	assert.True(t, b.Active)

	f.target.heap = [2]uintptr{}
	got, err := f.reg.Find(0x7f0010, Memory)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestMutations(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Add(0x401000, Software, Encoding{}, "", false)
	require.NoError(t, err)

	b, err := f.reg.Rename(0x401000, Software, "entry")
	require.NoError(t, err)
	assert.Equal(t, "entry", b.Name)

	b, err = f.reg.SetEncoding(0x401000, Software, Encoding{Trap: TrapUD2, OldBytes: 0x9090})
	require.NoError(t, err)
	assert.Equal(t, TrapUD2, b.Encoding.Trap)

	b, err = f.reg.SetEnabled(0x401000, Software, false)
	require.NoError(t, err)
	assert.False(t, b.Enabled)
	assert.Equal(t, 0, f.reg.Count(Software, true))

	byName, err := f.reg.FindByName("entry", AnyKind)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byName.ID)

	for _, call := range []func() error{
		func() error { _, err := f.reg.Rename(0x401001, Software, "x"); return err },
		func() error { _, err := f.reg.SetEnabled(0x401000, Hardware, true); return err },
		func() error { _, err := f.reg.Delete(0x401000, Memory); return err },
		func() error { return f.reg.ResetHitCount(0x500000, Software) },
	} {
		assert.ErrorIs(t, call(), ErrBreakpointNotExisted)
	}

	deleted, err := f.reg.Delete(0x401000, Software)
	require.NoError(t, err)
	assert.Equal(t, b.ID, deleted.ID)
	_, err = f.reg.FindByID(b.ID)
	assert.ErrorIs(t, err, ErrBreakpointNotExisted)
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)

	b, err := f.reg.Add(0x401000, Software, Encoding{}, "", false)
	require.NoError(t, err)
	b.Enabled = false
	b.Name = "mutated"

	got, err := f.reg.Find(0x401000, Software)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Empty(t, got.Name)
}

func TestHitCount(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Add(0x401000, Software, Encoding{}, "", false)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		b, err := f.reg.Hit(0x401000, Software)
		require.NoError(t, err)
		assert.EqualValues(t, i, b.HitCount)
	}
	require.NoError(t, f.reg.ResetHitCount(0x401000, Software))
	b, _ := f.reg.Find(0x401000, Software)
	assert.Zero(t, b.HitCount)

	_, err = f.reg.Hit(0x401001, Software)
	assert.ErrorIs(t, err, ErrBreakpointNotExisted)
}

func TestEnumerateFilters(t *testing.T) {
	f := newFixture(t)

	mustAdd := func(addr uintptr, kind Kind, enc Encoding) {
		_, err := f.reg.Add(addr, kind, enc, "", false)
		require.NoError(t, err)
	}
	mustAdd(0x401000, Software, Encoding{})
	mustAdd(0x10000010, Software, Encoding{})
	mustAdd(0x10000020, Hardware, hw(4))
	_, err := f.reg.SetEnabled(0x401000, Software, false)
	require.NoError(t, err)

	assert.Len(t, f.reg.Enumerate(All), 3)
	assert.Len(t, f.reg.Enumerate(Filter{Kind: Software}), 2)
	assert.Len(t, f.reg.Enumerate(Filter{Kind: AnyKind, Module: "B.dll"}), 2)
	assert.Len(t, f.reg.Enumerate(Filter{Kind: Software, EnabledOnly: true}), 1)
	// the zero value filters nothing out
	assert.Len(t, f.reg.Enumerate(Filter{}), 3)
	assert.Len(t, f.reg.Enumerate(Filter{Module: "b.dll"}), 2)
	assert.Len(t, f.reg.Enumerate(Filter{EnabledOnly: true}), 2)

	// the callback may mutate the registry
	f.reg.Each(All, func(b Breakpoint) bool {
		_, err := f.reg.DeleteByID(b.ID)
		assert.NoError(t, err)
		return true
	})
	assert.Zero(t, f.reg.Count(AnyKind, false))
}

func TestSerializeRoundTrip(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Add(0x10000010, Software, Encoding{Trap: TrapLongInt3, OldBytes: 0x4855}, "first", false)
	require.NoError(t, err)
	_, err = f.reg.Add(0x401000, Software, Encoding{}, "entry", true)
	require.NoError(t, err)
	_, err = f.reg.Add(0x401010, Hardware, Encoding{Slot: 2, Access: AccessWrite, Size: 8}, "", false)
	require.NoError(t, err)
	_, err = f.reg.SetEnabled(0x401010, Hardware, false)
	require.NoError(t, err)
	_, err = f.reg.Add(0x7f0000, Memory, Encoding{Access: AccessRead, Size: 0x100}, "heap", false)
	require.NoError(t, err)

	records := f.reg.Serialize()
	require.Len(t, records, 3, "single-shot breakpoints are not persisted")

	g := newFixture(t)
	assert.Equal(t, 3, g.reg.Deserialize(records))

	again := g.reg.Serialize()
	require.Len(t, again, 3)
	for i := range records {
		want := records[i]
		if want.Kind == Hardware {
			want.Encoding.Slot = NoSlot
		}
		assert.Equal(t, want, again[i], "record %d", i)
	}

	// loading the same records again only collides
	assert.Zero(t, g.reg.Deserialize(records))
}

func TestDeserializeUnknownModule(t *testing.T) {
	f := newFixture(t)

	n := f.reg.Deserialize([]Record{{Kind: Software, Module: "c.so", Offset: 0x20, Enabled: true}})
	require.Equal(t, 1, n)

	b := f.reg.Enumerate(All)[0]
	assert.False(t, b.Active)
	assert.Equal(t, module.HashName("c.so"), b.ModuleHash)

	_, err := f.modules.Load(module.Module{Name: "c.so", Base: 0x30000000, Size: 0x1000})
	require.NoError(t, err)
	got, err := f.reg.Find(0x30000020, Software)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestToAbsolute(t *testing.T) {
	assert.Equal(t, uintptr(0x20001000), ToAbsolute(Breakpoint{ModuleHash: 1, Offset: 0x1000}, 0x20000000))
	assert.Equal(t, uintptr(0x1000), ToAbsolute(Breakpoint{Offset: 0x1000}, 0x20000000))
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Add(0x401000, Software, Encoding{}, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Clear())
	assert.Empty(t, f.reg.Enumerate(All))
}

func TestKindParse(t *testing.T) {
	for _, k := range []Kind{Software, Hardware, Memory} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("bogus")
	assert.Error(t, err)

	a, err := ParseAccess("ReadWrite")
	require.NoError(t, err)
	assert.Equal(t, AccessReadWrite, a)

	tr, err := ParseTrapType("long int3")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCD, 0x03}, tr.Bytes())
}
