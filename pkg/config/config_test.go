package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in      string
		want    ExceptionRange
		wantErr bool
	}{
		{in: "0xC0000000-0xC0000010", want: ExceptionRange{0xC0000000, 0xC0000010}},
		{in: "c0000005", want: ExceptionRange{0xC0000005, 0xC0000005}},
		{in: " 0x80000001 - 0x80000004 ", want: ExceptionRange{0x80000001, 0x80000004}},
		{in: "0x10-0x1", wantErr: true},
		{in: "zz", wantErr: true},
		{in: "0x1-", wantErr: true},
		{in: "0x100000000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRange(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExceptionRange(t *testing.T) {
	r := ExceptionRange{0xC0000000, 0xC0000010}
	assert.True(t, r.Contains(0xC0000005))
	assert.True(t, r.Contains(0xC0000000))
	assert.True(t, r.Contains(0xC0000010))
	assert.False(t, r.Contains(0xC0000011))
	assert.Equal(t, "0xC0000000-0xC0000010", r.String())
	assert.Equal(t, "0x80000003", ExceptionRange{0x80000003, 0x80000003}.String())

	rs, err := ParseRanges([]string{"0xC0000005", "", "0x80000001-0x80000002"})
	require.NoError(t, err)
	assert.Equal(t, []ExceptionRange{{0x80000001, 0x80000002}, {0xC0000005, 0xC0000005}}, rs)
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(New())
	require.NoError(t, err)

	assert.True(t, s.Events.SystemBreakpoint)
	assert.True(t, s.Events.EntryBreakpoint)
	assert.False(t, s.Events.DllLoad)
	assert.Empty(t, s.Ignore)
	assert.True(t, s.AutoSave)
	assert.NotEmpty(t, s.DatabaseDir)
}

func TestReadInConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbgcore.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
events:
  dll-load: true
  system-breakpoint: false
exceptions:
  ignore:
    - 0xC0000000-0xC0000010
database:
  dir: `+dir+`
`), 0600))

	v := New()
	require.NoError(t, ReadInConfig(v, path))
	s, err := Load(v)
	require.NoError(t, err)

	assert.True(t, s.Events.DllLoad)
	assert.False(t, s.Events.SystemBreakpoint)
	assert.Equal(t, []ExceptionRange{{0xC0000000, 0xC0000010}}, s.Ignore)
	assert.Equal(t, dir, s.DatabaseDir)

	assert.Error(t, ReadInConfig(New(), filepath.Join(dir, "missing.yml")))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DBGCORE_EVENTS_THREAD_START", "true")
	s, err := Load(New())
	require.NoError(t, err)
	assert.True(t, s.Events.ThreadStart)
}

func TestStore(t *testing.T) {
	st, err := NewStore(runstate.NewSections(), New())
	require.NoError(t, err)

	assert.False(t, st.IsIgnored(0xC0000005))
	require.NoError(t, st.AddIgnore(ExceptionRange{0xC0000000, 0xC0000010}))
	assert.True(t, st.IsIgnored(0xC0000005))
	assert.Len(t, st.Settings().Ignore, 1)

	// a bad value leaves the previous settings in place
	assert.ErrorIs(t, st.Set(KeyExceptionsIgnore, []string{"nope"}), ErrInvalidRange)
	assert.True(t, st.IsIgnored(0xC0000005))

	require.NoError(t, st.ClearIgnore())
	assert.False(t, st.IsIgnored(0xC0000005))

	require.NoError(t, st.SetEvent(KeyDllUnload, true))
	assert.True(t, st.Events().DllUnload)
	assert.Error(t, st.SetEvent("events.nope", true))
}

func TestStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgcore.yml")
	write := func(dllLoad bool) {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("events:\n  dll-load: %v\n", dllLoad)), 0600))
	}
	write(false)

	v := New()
	require.NoError(t, ReadInConfig(v, path))
	st, err := NewStore(runstate.NewSections(), v)
	require.NoError(t, err)
	require.NoError(t, st.Watch())
	defer st.Close()
	assert.False(t, st.Events().DllLoad)

	// shell commands change settings while the file is rewritten
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, st.SetEvent(KeyDllUnload, i%2 == 0))
			assert.NoError(t, st.AddIgnore(ExceptionRange{0xC0000005, 0xC0000005}))
		}
	}()
	for i := 0; i < 10; i++ {
		write(i%2 == 0)
	}
	write(true)
	wg.Wait()

	assert.Eventually(t, func() bool { return st.Events().DllLoad }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, st.IsIgnored(0xC0000005))

	assert.Error(t, func() error {
		st, err := NewStore(runstate.NewSections(), New())
		require.NoError(t, err)
		return st.Watch()
	}())
}
