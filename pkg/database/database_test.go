package database

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

var testRecords = []breakpoint.Record{
	{
		Kind: breakpoint.Software, Module: "a.exe", Offset: 0x1000, Enabled: true,
		Encoding: breakpoint.Encoding{Trap: breakpoint.TrapUD2, OldBytes: 0x9090, Slot: breakpoint.NoSlot},
		Name:     "main",
	},
	{
		Kind: breakpoint.Hardware, Module: "b.dll", Offset: 0x20, Enabled: false,
		Encoding: breakpoint.Encoding{Access: breakpoint.AccessWrite, Size: 4, Slot: breakpoint.NoSlot},
	},
	{
		Kind: breakpoint.Memory, Offset: 0x7f0000, Enabled: true,
		Encoding: breakpoint.Encoding{Access: breakpoint.AccessAny, Size: 0x1000, Slot: breakpoint.NoSlot},
	},
}

func TestDocumentRoundTrip(t *testing.T) {
	data, err := Marshal(FromRecords("sess", "/bin/a.exe", testRecords))
	require.NoError(t, err)
	assert.Contains(t, string(data), `offset: "0x1000"`)
	assert.Contains(t, string(data), "trap: ud2")

	d, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "sess", d.Session)
	assert.Equal(t, "/bin/a.exe", d.Executable)

	recs, err := d.Records()
	require.NoError(t, err)
	assert.Equal(t, testRecords, recs)
}

func TestUnmarshal(t *testing.T) {
	d, err := Unmarshal([]byte(`
session: s
executable: x
breakpoints:
  - kind: software
    module: a.exe
    offset: 0x2000
    enabled: true
    encoding: {trap: long int3}
  - kind: memory
    module: a.exe
    offset: 4096
    enabled: false
    encoding: {access: read, size: 16}
`))
	require.NoError(t, err)
	recs, err := d.Records()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uintptr(0x2000), recs[0].Offset)
	assert.Equal(t, breakpoint.TrapLongInt3, recs[0].Encoding.Trap)
	assert.Equal(t, uintptr(0x1000), recs[1].Offset)
	assert.Equal(t, breakpoint.AccessRead, recs[1].Encoding.Access)

	_, err = Unmarshal([]byte("breakpoints: [{kind: software, bogus: 1}]"))
	assert.Error(t, err)

	d, err = Unmarshal([]byte("breakpoints: [{kind: laser}]"))
	require.NoError(t, err)
	_, err = d.Records()
	assert.Error(t, err)
}

func TestPathFor(t *testing.T) {
	p1 := PathFor("/db", "/usr/bin/cat")
	p2 := PathFor("/db", "/opt/bin/cat")
	assert.True(t, strings.HasPrefix(filepath.Base(p1), "cat."))
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, p1, PathFor("/db", "/USR/bin/cat"))
}

func TestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s := NewStore(runstate.NewSections(), dir)

	_, err := s.Load("/bin/a.exe")
	assert.ErrorIs(t, err, ErrNoDatabase)

	path, err := s.Save("sess", "/bin/a.exe", testRecords)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	recs, err := s.Load("/bin/a.exe")
	require.NoError(t, err)
	assert.Equal(t, testRecords, recs)

	// saving again replaces the file
	_, err = s.Save("sess2", "/bin/a.exe", testRecords[:1])
	require.NoError(t, err)
	recs, err = s.Load("/bin/a.exe")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
