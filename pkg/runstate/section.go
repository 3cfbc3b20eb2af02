package runstate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Section identifies one shared table.
type Section int

const (
	LockBreakpoints Section = iota
	LockModules
	LockThreads
	LockComments
	LockLabels
	LockBookmarks
	LockFunctions
	LockVariables
	LockDatabase
	LockExceptions

	// LockLast is the number of sections, it must stay last.
	LockLast
)

var sectionNames = [LockLast]string{
	LockBreakpoints: "breakpoints",
	LockModules:     "modules",
	LockThreads:     "threads",
	LockComments:    "comments",
	LockLabels:      "labels",
	LockBookmarks:   "bookmarks",
	LockFunctions:   "functions",
	LockVariables:   "variables",
	LockDatabase:    "database",
	LockExceptions:  "exceptions",
}

func (s Section) String() string {
	if s >= 0 && s < LockLast {
		return sectionNames[s]
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// DefaultDeadlockTimeout is how long an acquisition may block before the
// debug assertions report a probable self-deadlock.
const DefaultDeadlockTimeout = 5 * time.Second

// Sections owns one reader/writer lock per shared table.
//
// Acquisitions return the release function; callers use
//
//	defer sections.Shared(runstate.LockModules)()
//
// for a whole read sequence, and never hold a section while calling into
// another subsystem or while parked on a latch.
type Sections struct {
	locks     [LockLast]sync.RWMutex
	exclusive [LockLast]atomic.Int32
	shared    [LockLast]atomic.Int32

	assertions      bool
	deadlockTimeout time.Duration
}

// NewSections creates the section table with debug assertions disabled.
func NewSections() *Sections {
	return &Sections{deadlockTimeout: DefaultDeadlockTimeout}
}

// SetAssertions turns the debug assertions on or off. With assertions on,
// releasing a section that is not held panics, and an acquisition blocked
// longer than timeout panics instead of hanging forever (the typical case is
// acquiring exclusively while the same goroutine already holds the section).
func (s *Sections) SetAssertions(on bool, timeout time.Duration) {
	s.assertions = on
	if timeout > 0 {
		s.deadlockTimeout = timeout
	}
}

// Exclusive acquires section id for writing.
func (s *Sections) Exclusive(id Section) (release func()) {
	lk := &s.locks[id]
	if s.assertions {
		s.acquire(id, "exclusive", lk.TryLock)
	} else {
		lk.Lock()
	}
	if n := s.exclusive[id].Inc(); n != 1 {
		s.fail("section %s: %d exclusive holders", id, n)
	}

	var once sync.Once
	return func() {
		released := false
		once.Do(func() {
			released = true
			s.exclusive[id].Dec()
			lk.Unlock()
		})
		if !released {
			s.fail("section %s: exclusive lock released twice", id)
		}
	}
}

// Shared acquires section id for reading. Any number of readers may hold a
// section at once, no writer may hold it at the same time.
func (s *Sections) Shared(id Section) (release func()) {
	lk := &s.locks[id]
	if s.assertions {
		s.acquire(id, "shared", lk.TryRLock)
	} else {
		lk.RLock()
	}
	s.shared[id].Inc()

	var once sync.Once
	return func() {
		released := false
		once.Do(func() {
			released = true
			s.shared[id].Dec()
			lk.RUnlock()
		})
		if !released {
			s.fail("section %s: shared lock released twice", id)
		}
	}
}

// Holders reports how many exclusive and shared holders section id has.
func (s *Sections) Holders(id Section) (exclusive, shared int32) {
	return s.exclusive[id].Load(), s.shared[id].Load()
}

func (s *Sections) acquire(id Section, mode string, try func() bool) {
	deadline := time.Now().Add(s.deadlockTimeout)
	for !try() {
		if time.Now().After(deadline) {
			s.fail("section %s: %s acquisition blocked for %v, probable self-deadlock", id, mode, s.deadlockTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Sections) fail(format string, args ...interface{}) {
	if s.assertions {
		panic(fmt.Sprintf(format, args...))
	}
}
