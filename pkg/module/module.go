// Package module keeps the table of modules mapped into the debuggee.
//
// Every address the breakpoint registry persists is stored as an offset
// relative to the base of its module, and the module is identified by a
// hash of its lower-cased base name so that the same library loaded from a
// different path or with different case still resolves.
package module

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spaolacci/murmur3"

	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

// Module 模块信息
type Module struct {
	Name         string    // 模块名（不含路径）
	Path         string    // 模块完整路径
	Base         uintptr   // 加载基址
	Size         uintptr   // 映像大小
	Entry        uintptr   // 入口地址（绝对地址），0表示没有
	Hash         uint64    // 模块名hash
	TLSCallbacks []uintptr // TLS回调（相对偏移）
}

// Contains reports whether addr falls inside the module image.
func (m *Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

func (m *Module) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", m.Name, m.Base, m.Base+m.Size)
}

// HashName returns the relocation independent identity of a module name.
func HashName(name string) uint64 {
	name = strings.ToLower(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	return murmur3.Sum64([]byte(name))
}

// nameCacheSize bounds the hash→name cache. Names of unloaded modules are
// kept so breakpoints in them can still be displayed.
const nameCacheSize = 256

// Table 模块表，按基址排序
type Table struct {
	sections *runstate.Sections
	modules  []*Module // sorted by Base
	names    *lru.Cache
}

// NewTable creates an empty module table guarded by sections.
func NewTable(sections *runstate.Sections) *Table {
	names, err := lru.New(nameCacheSize)
	if err != nil {
		panic(err)
	}
	return &Table{sections: sections, names: names}
}

// Load registers a module. A module already mapped at the same base is
// replaced.
func (t *Table) Load(m Module) (*Module, error) {
	if m.Size == 0 {
		return nil, fmt.Errorf("module %s: %w", m.Name, ErrEmptyModule)
	}
	if m.Name == "" {
		m.Name = filepath.Base(m.Path)
	}
	m.Hash = HashName(m.Name)

	defer t.sections.Exclusive(runstate.LockModules)()

	for i, old := range t.modules {
		if old.Base == m.Base {
			t.modules = append(t.modules[:i], t.modules[i+1:]...)
			break
		}
	}
	for _, old := range t.modules {
		if m.Base < old.Base+old.Size && old.Base < m.Base+m.Size {
			return nil, fmt.Errorf("module %s overlaps %s: %w", m.Name, old.Name, ErrOverlap)
		}
	}

	mod := m
	t.modules = append(t.modules, &mod)
	sort.Slice(t.modules, func(i, j int) bool { return t.modules[i].Base < t.modules[j].Base })
	t.names.Add(mod.Hash, mod.Name)

	copied := mod
	return &copied, nil
}

// Unload removes the module mapped at base and returns it.
func (t *Table) Unload(base uintptr) (Module, bool) {
	defer t.sections.Exclusive(runstate.LockModules)()

	for i, m := range t.modules {
		if m.Base == base {
			t.modules = append(t.modules[:i], t.modules[i+1:]...)
			return *m, true
		}
	}
	return Module{}, false
}

// Clear removes every module, used when the session ends.
func (t *Table) Clear() {
	defer t.sections.Exclusive(runstate.LockModules)()
	t.modules = nil
}

// FromAddr returns a copy of the module containing addr.
func (t *Table) FromAddr(addr uintptr) (Module, bool) {
	defer t.sections.Shared(runstate.LockModules)()

	if m := t.find(addr); m != nil {
		return *m, true
	}
	return Module{}, false
}

func (t *Table) find(addr uintptr) *Module {
	i := sort.Search(len(t.modules), func(i int) bool {
		return t.modules[i].Base+t.modules[i].Size > addr
	})
	if i < len(t.modules) && t.modules[i].Contains(addr) {
		return t.modules[i]
	}
	return nil
}

// ByName looks a module up by its base name, case-insensitively.
func (t *Table) ByName(name string) (Module, bool) {
	return t.ByHash(HashName(name))
}

// ByHash looks a module up by name hash.
func (t *Table) ByHash(hash uint64) (Module, bool) {
	defer t.sections.Shared(runstate.LockModules)()

	for _, m := range t.modules {
		if m.Hash == hash {
			return *m, true
		}
	}
	return Module{}, false
}

// BaseFromName returns the base of the loaded module named name, or 0.
func (t *Table) BaseFromName(name string) uintptr {
	m, ok := t.ByName(name)
	if !ok {
		return 0
	}
	return m.Base
}

// HashFromAddr returns the name hash of the module containing addr, or 0.
func (t *Table) HashFromAddr(addr uintptr) uint64 {
	m, ok := t.FromAddr(addr)
	if !ok {
		return 0
	}
	return m.Hash
}

// NameFromHash resolves a name hash to a module name, also for modules that
// were unloaded or were only seen in a breakpoint database.
func (t *Table) NameFromHash(hash uint64) (string, bool) {
	if v, ok := t.names.Get(hash); ok {
		return v.(string), true
	}
	return "", false
}

// Remember records name for later NameFromHash lookups without loading a
// module.
func (t *Table) Remember(name string) uint64 {
	hash := HashName(name)
	t.names.Add(hash, name)
	return hash
}

// List returns a snapshot of every loaded module ordered by base.
func (t *Table) List() []Module {
	defer t.sections.Shared(runstate.LockModules)()

	out := make([]Module, 0, len(t.modules))
	for _, m := range t.modules {
		out = append(out, *m)
	}
	return out
}

// Len returns the number of loaded modules.
func (t *Table) Len() int {
	defer t.sections.Shared(runstate.LockModules)()
	return len(t.modules)
}
