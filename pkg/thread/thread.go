// Package thread keeps the table of debuggee threads.
package thread

import (
	"errors"
	"sort"

	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

var ErrThreadNotExisted = errors.New("thread not existed")

// Thread 线程信息
type Thread struct {
	ID           int     // 线程ID
	StartAddress uintptr // 线程入口
	LocalBase    uintptr // TLS / TEB 基址
	Name         string  // 显示名
	Suspended    bool    // 是否被挂起
}

// Table 线程表
type Table struct {
	sections *runstate.Sections
	threads  map[int]*Thread
	order    []int
}

// NewTable creates an empty thread table guarded by sections.
func NewTable(sections *runstate.Sections) *Table {
	return &Table{sections: sections, threads: map[int]*Thread{}}
}

// Create adds a thread. Creating an id that already exists replaces the
// entry, the OS reuses thread ids.
func (t *Table) Create(th Thread) {
	defer t.sections.Exclusive(runstate.LockThreads)()

	if _, ok := t.threads[th.ID]; !ok {
		t.order = append(t.order, th.ID)
	}
	copied := th
	t.threads[th.ID] = &copied
}

// Exit removes the thread id.
func (t *Table) Exit(id int) (Thread, error) {
	defer t.sections.Exclusive(runstate.LockThreads)()

	th, ok := t.threads[id]
	if !ok {
		return Thread{}, ErrThreadNotExisted
	}
	delete(t.threads, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return *th, nil
}

// SetName sets the display name of thread id.
func (t *Table) SetName(id int, name string) error {
	defer t.sections.Exclusive(runstate.LockThreads)()

	th, ok := t.threads[id]
	if !ok {
		return ErrThreadNotExisted
	}
	th.Name = name
	return nil
}

// SetSuspended marks thread id suspended or resumed.
func (t *Table) SetSuspended(id int, suspended bool) error {
	defer t.sections.Exclusive(runstate.LockThreads)()

	th, ok := t.threads[id]
	if !ok {
		return ErrThreadNotExisted
	}
	th.Suspended = suspended
	return nil
}

// Get returns a copy of thread id.
func (t *Table) Get(id int) (Thread, bool) {
	defer t.sections.Shared(runstate.LockThreads)()

	th, ok := t.threads[id]
	if !ok {
		return Thread{}, false
	}
	return *th, true
}

// List returns every thread in creation order.
func (t *Table) List() []Thread {
	defer t.sections.Shared(runstate.LockThreads)()

	out := make([]Thread, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.threads[id])
	}
	return out
}

// IDs returns the sorted thread ids.
func (t *Table) IDs() []int {
	defer t.sections.Shared(runstate.LockThreads)()

	ids := make([]int, 0, len(t.threads))
	for id := range t.threads {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Clear removes every thread.
func (t *Table) Clear() {
	defer t.sections.Exclusive(runstate.LockThreads)()

	t.threads = map[int]*Thread{}
	t.order = nil
}
