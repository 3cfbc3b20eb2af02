// Package database persists the breakpoints of an executable between
// sessions as a yaml document.
package database

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
	"gopkg.in/yaml.v2"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

// ErrNoDatabase is returned when an executable has no saved breakpoints.
var ErrNoDatabase = errors.New("no breakpoint database")

// Hex is an address written as a hex string.
type Hex uint64

// MarshalYAML implements yaml.Marshaler.
func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// UnmarshalYAML accepts "0x1000" as well as plain integers.
func (h *Hex) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*h = Hex(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("bad offset %q: %w", s, err)
	}
	*h = Hex(n)
	return nil
}

// Encoding is the persisted breakpoint.Encoding. The debug register slot is
// not persisted, it is reassigned when the breakpoint is installed.
type Encoding struct {
	Trap     string `yaml:"trap,omitempty"`
	OldBytes Hex    `yaml:"oldbytes,omitempty"`
	Access   string `yaml:"access,omitempty"`
	Size     uint64 `yaml:"size,omitempty"`
}

// Entry 一条持久化的断点记录
type Entry struct {
	Kind     string   `yaml:"kind"`
	Module   string   `yaml:"module"`
	Offset   Hex      `yaml:"offset"`
	Enabled  bool     `yaml:"enabled"`
	Encoding Encoding `yaml:"encoding"`
	Name     string   `yaml:"name,omitempty"`
}

// Document is one database file.
type Document struct {
	Session     string  `yaml:"session"`
	Executable  string  `yaml:"executable"`
	Breakpoints []Entry `yaml:"breakpoints"`
}

// FromRecords builds the document of recs, keeping their order.
func FromRecords(session, executable string, recs []breakpoint.Record) *Document {
	d := &Document{
		Session:     session,
		Executable:  executable,
		Breakpoints: make([]Entry, 0, len(recs)),
	}
	for _, r := range recs {
		e := Entry{
			Kind:    r.Kind.String(),
			Module:  r.Module,
			Offset:  Hex(r.Offset),
			Enabled: r.Enabled,
			Name:    r.Name,
		}
		switch r.Kind {
		case breakpoint.Software:
			e.Encoding.Trap = r.Encoding.Trap.String()
			e.Encoding.OldBytes = Hex(r.Encoding.OldBytes)
		case breakpoint.Hardware, breakpoint.Memory:
			e.Encoding.Access = r.Encoding.Access.String()
			e.Encoding.Size = uint64(r.Encoding.Size)
		}
		d.Breakpoints = append(d.Breakpoints, e)
	}
	return d
}

// Records converts the document back, in file order.
func (d *Document) Records() ([]breakpoint.Record, error) {
	out := make([]breakpoint.Record, 0, len(d.Breakpoints))
	for i, e := range d.Breakpoints {
		kind, err := breakpoint.ParseKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("breakpoint %d: %w", i, err)
		}
		rec := breakpoint.Record{
			Kind:    kind,
			Module:  e.Module,
			Offset:  uintptr(e.Offset),
			Enabled: e.Enabled,
			Name:    e.Name,
			Encoding: breakpoint.Encoding{
				Slot: breakpoint.NoSlot,
				Size: uintptr(e.Encoding.Size),
			},
		}
		if e.Encoding.Trap != "" {
			if rec.Encoding.Trap, err = breakpoint.ParseTrapType(e.Encoding.Trap); err != nil {
				return nil, fmt.Errorf("breakpoint %d: %w", i, err)
			}
		}
		rec.Encoding.OldBytes = uint16(e.Encoding.OldBytes)
		if e.Encoding.Access != "" {
			if rec.Encoding.Access, err = breakpoint.ParseAccess(e.Encoding.Access); err != nil {
				return nil, fmt.Errorf("breakpoint %d: %w", i, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Marshal encodes d.
func Marshal(d *Document) ([]byte, error) {
	return yaml.Marshal(d)
}

// Unmarshal decodes a database file.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("decode breakpoint database: %w", err)
	}
	return &d, nil
}

// PathFor returns the database file of executable inside dir. The name
// keeps the executable base name readable and disambiguates executables
// with the same name by a hash of the full path.
func PathFor(dir, executable string) string {
	full := strings.ToLower(filepath.ToSlash(executable))
	name := fmt.Sprintf("%s.%016x.yml", filepath.Base(executable), murmur3.Sum64([]byte(full)))
	return filepath.Join(dir, name)
}

// Store 断点数据库目录
type Store struct {
	sections *runstate.Sections
	dir      string
}

// NewStore keeps the databases in dir, which is created on first save.
func NewStore(sections *runstate.Sections, dir string) *Store {
	return &Store{sections: sections, dir: dir}
}

// Dir returns the database directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the records of executable, replacing the previous file.
func (s *Store) Save(session, executable string, recs []breakpoint.Record) (string, error) {
	data, err := Marshal(FromRecords(session, executable, recs))
	if err != nil {
		return "", err
	}

	defer s.sections.Exclusive(runstate.LockDatabase)()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("create database dir: %w", err)
	}
	path := PathFor(s.dir, executable)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("write breakpoint database: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write breakpoint database: %w", err)
	}
	return path, nil
}

// Load reads the records of executable.
func (s *Store) Load(executable string) ([]breakpoint.Record, error) {
	path := PathFor(s.dir, executable)

	data, err := func() ([]byte, error) {
		defer s.sections.Shared(runstate.LockDatabase)()
		return ioutil.ReadFile(path)
	}()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", executable, ErrNoDatabase)
		}
		return nil, err
	}

	d, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d.Records()
}
