package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactor_UpdateTriggersCallback(t *testing.T) {
	var calls int32
	done := make(chan struct{}, 1)
	r := New(func() error {
		atomic.AddInt32(&calls, 1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, time.Hour)

	r.Start()
	defer r.Stop()

	r.Update()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestReactor_ConcurrentUpdatesCoalesceToOneFollowUp(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	r := New(func() error {
		atomic.AddInt32(&calls, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, time.Hour)

	r.Start()

	r.Update() // starts the first (blocked) callback
	<-started  // wait until it's actually running

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Update()
		}()
	}
	wg.Wait()

	close(release) // let the first callback finish; exactly one more should run

	time.Sleep(200 * time.Millisecond)
	r.Stop()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReactor_PeriodicTimeoutFiresWithNoUpdates(t *testing.T) {
	var calls int32
	r := New(func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, 20*time.Millisecond)

	r.Start()
	time.Sleep(100 * time.Millisecond)
	r.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestReactor_StopWaitsForInFlightCallback(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})

	r := New(func() error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return nil
	}, time.Hour)

	r.Start()
	r.Update()
	<-started
	r.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before in-flight callback finished")
	}
}

func TestReactor_CallbackErrorDoesNotStopTheLoop(t *testing.T) {
	var calls int32
	r := New(func() error {
		atomic.AddInt32(&calls, 1)
		return assertError
	}, 15*time.Millisecond)

	r.Start()
	time.Sleep(80 * time.Millisecond)
	r.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

var assertError = errTest{}

type errTest struct{}

func (errTest) Error() string { return "boom" }
