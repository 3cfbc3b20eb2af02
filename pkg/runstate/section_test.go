package runstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectionsSharedReadersCoexist(t *testing.T) {
	s := NewSections()

	r1 := s.Shared(LockModules)
	r2 := s.Shared(LockModules)
	_, shared := s.Holders(LockModules)
	assert.EqualValues(t, 2, shared)

	r1()
	r2()
	_, shared = s.Holders(LockModules)
	assert.EqualValues(t, 0, shared)
}

func TestSectionsExclusiveExcludesReaders(t *testing.T) {
	s := NewSections()

	release := s.Exclusive(LockBreakpoints)
	acquired := make(chan struct{})
	go func() {
		defer s.Shared(LockBreakpoints)()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader entered while a writer held the section")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never entered after release")
	}
}

func TestSectionsIndependent(t *testing.T) {
	s := NewSections()
	defer s.Exclusive(LockBreakpoints)()

	done := make(chan struct{})
	go func() {
		defer s.Exclusive(LockThreads)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sections share a lock")
	}
}

func TestSectionsCounterUnderContention(t *testing.T) {
	s := NewSections()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				release := s.Exclusive(LockVariables)
				counter++
				release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, counter)
}

func TestSectionsAssertions(t *testing.T) {
	s := NewSections()
	s.SetAssertions(true, 30*time.Millisecond)

	release := s.Exclusive(LockDatabase)
	release()
	require.Panics(t, release, "double release must trip the assertion")

	hold := s.Shared(LockDatabase)
	defer hold()
	require.Panics(t, func() {
		s.Exclusive(LockDatabase)
	}, "exclusive while shared is held must be reported")
}

func TestSectionsWithoutAssertionsDoubleReleaseIsIgnored(t *testing.T) {
	s := NewSections()
	release := s.Shared(LockLabels)
	release()
	assert.NotPanics(t, release)
}

func TestSectionString(t *testing.T) {
	assert.Equal(t, "breakpoints", LockBreakpoints.String())
	assert.Equal(t, "section(99)", Section(99).String())
}
