package target

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hitzhangjie/dbgcore/pkg/module"
)

// readProcComm read /proc/pid/comm or /proc/pid/stat to load the command line of process.
func readProcComm(pid int) (string, error) {
	comm, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}

	if len(comm) == 0 {
		stat, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			return "", fmt.Errorf("could not read proc stat: %w", err)
		}
		expr := fmt.Sprintf("%d\\s*\\((.*)\\)", pid)
		rexp, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("regexp compile error: %w", err)
		}
		match := rexp.FindSubmatch(stat)
		if match == nil {
			return "", fmt.Errorf("no match found using regexp '%s' in /proc/%d/stat", expr, pid)
		}
		comm = match[1]
	}
	return string(comm), nil
}

// readProcCommArgs read /proc/pid/cmdline to load the command arguments of process
func readProcCommArgs(pid int) ([]string, error) {
	dat, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, err
	}
	dat = bytes.TrimSuffix(dat, []byte{0})
	args := strings.Split(string(dat), string([]byte{0}))
	if len(args) <= 1 {
		return nil, nil
	}
	return args[1:], nil
}

// readProcExe resolves /proc/pid/exe.
func readProcExe(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// loadThreadList lists /proc/pid/task.
func loadThreadList(pid int) ([]int, error) {
	threadIDs := []int{}

	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return nil, err
		}
		threadIDs = append(threadIDs, tid)
	}
	sort.Ints(threadIDs)
	return threadIDs, nil
}

// procStatus returns the state letter of /proc/pid/stat.
func procStatus(pid int) rune {
	dat, err := ioutil.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	// The second field is the task name in parenthesis, which may itself
	// contain spaces and parenthesis.
	i := bytes.LastIndexByte(dat, ')')
	if i < 0 || i+2 >= len(dat) {
		return '\000'
	}
	return rune(dat[i+2])
}

// Process statuses
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'
	statusDead      = 'X'
)

// mapping is one line of /proc/pid/maps.
type mapping struct {
	start, end uintptr
	perms      string
	offset     uint64
	path       string
}

func (m mapping) readable() bool {
	return len(m.perms) > 0 && m.perms[0] == 'r'
}

// parseMaps parses the /proc/pid/maps format:
//
//	55d4c3a00000-55d4c3a02000 r--p 00000000 08:01 1311 /usr/bin/cat
func parseMaps(r io.Reader) ([]mapping, error) {
	var out []mapping
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("bad maps range %q", fields[0])
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad maps start %q: %w", bounds[0], err)
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad maps end %q: %w", bounds[1], err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad maps offset %q: %w", fields[2], err)
		}
		m := mapping{start: uintptr(start), end: uintptr(end), perms: fields[1], offset: off}
		if len(fields) >= 6 {
			m.path = strings.Join(fields[5:], " ")
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

func readMaps(pid int) ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMaps(f)
}

// modulesFromMaps groups the file backed mappings into modules, ordered by
// base.
func modulesFromMaps(maps []mapping) []module.Module {
	byPath := map[string]*module.Module{}
	var order []string
	for _, m := range maps {
		if !strings.HasPrefix(m.path, "/") || strings.HasSuffix(m.path, " (deleted)") {
			continue
		}
		mod, ok := byPath[m.path]
		if !ok {
			byPath[m.path] = &module.Module{Name: filepath.Base(m.path), Path: m.path, Base: m.start, Size: m.end - m.start}
			order = append(order, m.path)
			continue
		}
		if m.start < mod.Base {
			mod.Size += mod.Base - m.start
			mod.Base = m.start
		}
		if m.end > mod.Base+mod.Size {
			mod.Size = m.end - mod.Base
		}
	}

	out := make([]module.Module, 0, len(order))
	for _, p := range order {
		out = append(out, *byPath[p])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// findMapping returns the mapping containing addr.
func findMapping(maps []mapping, addr uintptr) (mapping, bool) {
	for _, m := range maps {
		if addr >= m.start && addr < m.end {
			return m, true
		}
	}
	return mapping{}, false
}
