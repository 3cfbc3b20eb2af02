package runstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWaitReturnsWhenClear(t *testing.T) {
	l := NewLatches()
	require.False(t, l.IsLocked(WaitRun))

	done := make(chan struct{})
	go func() {
		l.Wait(WaitRun)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait on a clear latch blocked")
	}
}

func TestLatchUnlockReleasesAllWaiters(t *testing.T) {
	l := NewLatches()
	l.Lock(WaitRun)

	const waiters = 8
	var wg sync.WaitGroup
	released := make(chan int, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Wait(WaitRun)
			released <- i
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, released, 0, "waiters released before unlock")

	l.Unlock(WaitRun)
	wg.Wait()
	assert.Len(t, released, waiters)
	assert.False(t, l.IsLocked(WaitRun))
}

func TestLatchStaysClearUntilRelocked(t *testing.T) {
	l := NewLatches()
	l.Lock(WaitRun)
	l.Unlock(WaitRun)

	// spurious extra unlocks must not affect the next pause
	l.Unlock(WaitRun)
	l.Unlock(WaitRun)

	l.Lock(WaitRun)
	assert.False(t, l.WaitFor(WaitRun, 20*time.Millisecond), "relocked latch released by an earlier unlock")

	l.Unlock(WaitRun)
	assert.True(t, l.WaitFor(WaitRun, 20*time.Millisecond))
}

func TestLatchExclusivityAgainstRepeatedUnlocks(t *testing.T) {
	l := NewLatches()

	// one pause cycle: the debug goroutine locks and parks, many command
	// goroutines race to resume it. Every cycle must be released exactly once.
	for cycle := 0; cycle < 50; cycle++ {
		l.Lock(WaitRun)

		parked := make(chan struct{})
		go func() {
			l.Wait(WaitRun)
			close(parked)
		}()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Unlock(WaitRun)
			}()
		}
		wg.Wait()

		select {
		case <-parked:
		case <-time.After(time.Second):
			t.Fatalf("cycle %d: waiter never released", cycle)
		}
		require.False(t, l.IsLocked(WaitRun))
	}
}

func TestLatchClearAll(t *testing.T) {
	l := NewLatches()
	l.Lock(WaitRun)
	l.Lock(WaitStop)

	l.ClearAll()

	for id := WaitID(0); id < WaitLast; id++ {
		assert.False(t, l.IsLocked(id), "latch %s", id)
		assert.True(t, l.WaitFor(id, 10*time.Millisecond), "latch %s", id)
	}
}

func TestWaitIDString(t *testing.T) {
	assert.Equal(t, "run", WaitRun.String())
	assert.Equal(t, "stop", WaitStop.String())
	assert.Equal(t, "wait(7)", WaitID(7).String())
}
