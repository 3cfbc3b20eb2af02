package debug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/debugger"
)

func parseAddress(locStr string) (uint64, error) {
	v, err := strconv.ParseUint(locStr, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid locspec: %v", err)
	}
	return v, nil
}

// parseLocation resolves a locspec to an absolute address. Supported forms:
//   - 指令地址: 0x401000
//   - 模块名: demo.exe, the module base
//   - 模块名+偏移: demo.exe+0x1000
func parseLocation(dbg *debugger.Debugger, locStr string) (uintptr, error) {
	if addr, err := parseAddress(locStr); err == nil {
		return uintptr(addr), nil
	}

	name, off := locStr, uint64(0)
	if idx := strings.LastIndex(locStr, "+"); idx > 0 {
		v, err := parseAddress(locStr[idx+1:])
		if err != nil {
			return 0, fmt.Errorf("invalid offset in %s", locStr)
		}
		name, off = locStr[:idx], v
	}
	if m, ok := dbg.ModuleByName(name); ok {
		return m.Base + uintptr(off), nil
	}
	return 0, fmt.Errorf("invalid loc: %s, module %s not loaded", locStr, name)
}

// parseKind parses a breakpoint kind argument, empty means any kind.
func parseKind(s string) (breakpoint.Kind, error) {
	if s == "" || s == "any" {
		return breakpoint.AnyKind, nil
	}
	return breakpoint.ParseKind(s)
}

// parseID parses a breakpoint number.
func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid breakpoint no. %s", s)
	}
	return id, nil
}

// parseKindArg parses the optional kind argument of the *all commands.
func parseKindArg(args []string) (breakpoint.Kind, error) {
	if len(args) == 0 {
		return breakpoint.AnyKind, nil
	}
	return parseKind(args[0])
}

// symbolize renders addr as module+offset when a module contains it.
func symbolize(dbg *debugger.Debugger, addr uintptr) string {
	if m, ok := dbg.ModuleAt(addr); ok {
		return fmt.Sprintf("%s+%#x", m.Name, addr-m.Base)
	}
	return fmt.Sprintf("%#x", addr)
}
