// Package breakpoint implements the breakpoint registry: the table of every
// software, hardware and memory breakpoint of the session.
//
// A breakpoint is keyed by (kind, module hash, offset) so it survives the
// module being relocated, unloaded or loaded in another session. The
// registry only tracks intent, installing the physical trap is left to the
// caller.
package breakpoint

import (
	"fmt"
	"strings"

	"go.uber.org/atomic"
)

var (
	bpSeqNo = atomic.NewUint64(0)
)

// Kind 断点类型
type Kind int

const (
	// AnyKind matches every kind in filters, it is never the kind of a
	// breakpoint.
	AnyKind Kind = iota
	Software
	Hardware
	Memory
)

var kindNames = map[Kind]string{
	Software: "software",
	Hardware: "hardware",
	Memory:   "memory",
	AnyKind:  "any",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts the persisted name of a kind back.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if k != AnyKind && strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return AnyKind, fmt.Errorf("unknown breakpoint kind %q", s)
}

// TrapType 软件断点使用的陷阱指令
type TrapType int

const (
	TrapInt3     TrapType = iota // CC
	TrapLongInt3                 // CD 03
	TrapUD2                      // 0F 0B
)

var trapNames = []string{"int3", "long int3", "ud2"}

func (t TrapType) String() string {
	if t >= 0 && int(t) < len(trapNames) {
		return trapNames[t]
	}
	return fmt.Sprintf("trap(%d)", int(t))
}

// Bytes returns the instruction bytes patched in for the trap.
func (t TrapType) Bytes() []byte {
	switch t {
	case TrapLongInt3:
		return []byte{0xCD, 0x03}
	case TrapUD2:
		return []byte{0x0F, 0x0B}
	default:
		return []byte{0xCC}
	}
}

// ParseTrapType converts a persisted trap name back.
func ParseTrapType(s string) (TrapType, error) {
	for i, name := range trapNames {
		if strings.EqualFold(name, s) {
			return TrapType(i), nil
		}
	}
	return TrapInt3, fmt.Errorf("unknown trap type %q", s)
}

// Access 硬件/内存断点的访问类型
type Access int

const (
	AccessExecute Access = iota
	AccessWrite
	AccessReadWrite
	AccessRead
	AccessAny
)

var accessNames = []string{"execute", "write", "readwrite", "read", "access"}

func (a Access) String() string {
	if a >= 0 && int(a) < len(accessNames) {
		return accessNames[a]
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// ParseAccess converts a persisted access name back.
func ParseAccess(s string) (Access, error) {
	for i, name := range accessNames {
		if strings.EqualFold(name, s) {
			return Access(i), nil
		}
	}
	return AccessExecute, fmt.Errorf("unknown access type %q", s)
}

// NoSlot marks a hardware breakpoint without an assigned debug register.
const NoSlot = -1

// MaxHardware is the number of debug registers usable for breakpoints.
const MaxHardware = 4

// Encoding 断点在底层的具体编码方式
type Encoding struct {
	Trap     TrapType // 软件断点：陷阱指令
	OldBytes uint16   // 软件断点：被覆盖的原始字节
	Slot     int      // 硬件断点：调试寄存器编号
	Access   Access   // 硬件/内存断点：访问类型
	Size     uintptr  // 硬件断点：1/2/4/8；内存断点：区域大小
}

// Breakpoint 断点信息
//
// Values returned by the registry are snapshots, changing them has no
// effect on the table.
type Breakpoint struct {
	ID         uint64   // 断点编号
	Kind       Kind     // 断点类型
	Module     string   // 所属模块名，空表示不属于任何模块
	ModuleHash uint64   // 所属模块名hash，0表示Offset为绝对地址
	Offset     uintptr  // 相对模块基址的偏移
	Addr       uintptr  // 当前的绝对地址，Active为false时无意义
	Enabled    bool     // 是否启用
	SingleShot bool     // 命中一次后自动删除
	Active     bool     // 所属模块当前是否已加载
	Encoding   Encoding // 底层编码
	Name       string   // 用户命名
	HitCount   uint64   // 命中次数
}

func (b Breakpoint) String() string {
	loc := fmt.Sprintf("%#x", b.Offset)
	if b.Module != "" {
		loc = fmt.Sprintf("%s+%#x", b.Module, b.Offset)
	}
	state := "enabled"
	if !b.Enabled {
		state = "disabled"
	}
	if !b.Active {
		state += ",inactive"
	}
	s := fmt.Sprintf("breakpoint[%d] %s %s addr:%#x (%s) hits:%d", b.ID, b.Kind, loc, b.Addr, state, b.HitCount)
	if b.Name != "" {
		s += " name:" + b.Name
	}
	return s
}

// Record is the relocation independent form of a breakpoint that is
// written to the breakpoint database.
type Record struct {
	Kind     Kind
	Module   string
	Offset   uintptr
	Enabled  bool
	Encoding Encoding
	Name     string
}

// Filter selects breakpoints in Enumerate and Each. The zero value matches
// every breakpoint.
type Filter struct {
	Kind        Kind
	Module      string // matched case-insensitively by name hash
	EnabledOnly bool
}

// All matches every breakpoint.
var All = Filter{}
