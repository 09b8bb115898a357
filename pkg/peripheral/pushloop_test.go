package peripheral

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedInterval(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestPushLoopTicks(t *testing.T) {
	var ticks atomic.Int64
	loop := StartPushLoop("test", fixedInterval(5*time.Millisecond), func() error {
		ticks.Add(1)
		return nil
	})
	defer loop.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 },
		2*time.Second, time.Millisecond)
}

func TestPushLoopStopJoins(t *testing.T) {
	var ticks atomic.Int64
	loop := StartPushLoop("test", fixedInterval(time.Millisecond), func() error {
		ticks.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return ticks.Load() >= 1 },
		2*time.Second, time.Millisecond)

	loop.Stop()
	after := ticks.Load()

	// no tick may land once Stop has returned
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestPushLoopEndsOnPushError(t *testing.T) {
	var ticks atomic.Int64
	loop := StartPushLoop("test", fixedInterval(time.Millisecond), func() error {
		ticks.Add(1)
		return errors.New("peer gone")
	})

	require.Eventually(t, func() bool { return ticks.Load() == 1 },
		2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), ticks.Load())

	// Stop after a self-terminated loop returns immediately
	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an already finished loop")
	}
}

func TestPushLoopSurvivesStopAfterPanic(t *testing.T) {
	loop := StartPushLoop("test", fixedInterval(time.Millisecond), func() error {
		panic("tick panic")
	})

	done := make(chan struct{})
	go func() {
		// give the panic a moment to happen, then join
		time.Sleep(10 * time.Millisecond)
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after loop panic")
	}
}

func TestPushLoopRereadsInterval(t *testing.T) {
	var interval atomic.Int64
	interval.Store(int64(time.Millisecond))

	var ticks atomic.Int64
	loop := StartPushLoop("test", func() time.Duration {
		return time.Duration(interval.Load())
	}, func() error {
		ticks.Add(1)
		return nil
	})
	defer loop.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 2 },
		2*time.Second, time.Millisecond)

	// a much longer interval takes effect without restarting the loop
	interval.Store(int64(time.Hour))
	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), settled+1)
}
