package target

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d4c3a00000-55d4c3a02000 r--p 00000000 08:01 1311 /usr/bin/cat
55d4c3a02000-55d4c3a07000 r-xp 00002000 08:01 1311 /usr/bin/cat
55d4c3a07000-55d4c3a0a000 r--p 00007000 08:01 1311 /usr/bin/cat
55d4c4b1c000-55d4c4b3d000 rw-p 00000000 00:00 0 [heap]
7f1e2a000000-7f1e2a028000 r--p 00000000 08:01 2222 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1e2a028000-7f1e2a1bd000 r-xp 00028000 08:01 2222 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1e2a300000-7f1e2a301000 ---p 00000000 00:00 0
7ffd1c7e1000-7ffd1c802000 rw-p 00000000 00:00 0 [stack]
7f1e2a400000-7f1e2a401000 r--p 00000000 08:01 3333 /tmp/my lib.so
`

func TestParseMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 9)

	assert.Equal(t, uintptr(0x55d4c3a02000), maps[1].start)
	assert.Equal(t, "r-xp", maps[1].perms)
	assert.Equal(t, uint64(0x2000), maps[1].offset)
	assert.Equal(t, "[heap]", maps[3].path)
	assert.Empty(t, maps[6].path)
	assert.False(t, maps[6].readable())
	assert.Equal(t, "/tmp/my lib.so", maps[8].path)

	m, ok := findMapping(maps, 0x7ffd1c7e1010)
	require.True(t, ok)
	assert.Equal(t, "[stack]", m.path)
	_, ok = findMapping(maps, 0x10)
	assert.False(t, ok)
}

func TestParseMapsError(t *testing.T) {
	_, err := parseMaps(strings.NewReader("zzzz-1000 r--p 00000000 08:01 1 /x\n"))
	assert.Error(t, err)
}

func TestModulesFromMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	mods := modulesFromMaps(maps)
	require.Len(t, mods, 3)

	assert.Equal(t, "cat", mods[0].Name)
	assert.Equal(t, uintptr(0x55d4c3a00000), mods[0].Base)
	assert.Equal(t, uintptr(0xa000), mods[0].Size)

	assert.Equal(t, "libc.so.6", mods[1].Name)
	assert.Equal(t, uintptr(0x1bd000), mods[1].Size)
	assert.Equal(t, "my lib.so", mods[2].Name)
}

func TestSignalCodes(t *testing.T) {
	for _, code := range []uint32{StatusBreakpoint, StatusAccessViolation, StatusIllegalInstruction, StatusFatalAppExit, DbgControlC} {
		assert.Equal(t, code, SignalToCode(CodeToSignal(code)), "code %#x", code)
	}
	usr1 := SignalToCode(10)
	assert.Equal(t, SignalBase|10, usr1)
	assert.Equal(t, "user defined signal 1", ExceptionName(usr1))
}
