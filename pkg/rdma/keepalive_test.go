package rdma

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepaliveSenderWritesIncrementingCounter(t *testing.T) {
	ft := &fakeTransport{}
	s := NewKeepaliveSender(ft, 1, 2, 0x3000)

	require.NoError(t, s.Tick())
	require.NoError(t, s.Tick())

	require.Len(t, ft.writes, 2)
	require.Equal(t, uint64(1), s.Counter())
	require.Equal(t, uint64(0x3000), ft.writes[1].remoteAddr)
	require.Equal(t, uint32(2), ft.writes[1].rkey)
}

func TestKeepaliveSenderPropagatesENOMEM(t *testing.T) {
	ft := &fakeTransport{postWriteErr: ErrENOMEM}
	s := NewKeepaliveSender(ft, 1, 2, 0x3000)
	require.ErrorIs(t, s.Tick(), ErrENOMEM)
}

func TestWatcherResetsOnIncrement(t *testing.T) {
	w := NewKeepaliveWatcher(300)
	require.NoError(t, w.Observe(0))
	require.Equal(t, 1, w.Misses())
	require.NoError(t, w.Observe(1))
	require.Equal(t, 0, w.Misses())
	require.True(t, w.Startup())
}

func TestWatcherTripsAfterMissesExceedLimitPostStartup(t *testing.T) {
	w := NewKeepaliveWatcher(300)
	require.NoError(t, w.Observe(1)) // establishes startup

	grace := w.graceTicks
	limit := maxMissesAfterStartup + grace

	var lastErr error
	for i := 0; i < limit; i++ {
		lastErr = w.Observe(1)
	}
	require.NoError(t, lastErr)

	lastErr = w.Observe(1)
	require.ErrorIs(t, lastErr, ErrNetUnreachable)
}

func TestWatcherTolerates100MissesBeforeStartup(t *testing.T) {
	w := NewKeepaliveWatcher(300)

	grace := w.graceTicks
	limit := maxMissesBeforeStartup + grace

	var lastErr error
	for i := 0; i < limit; i++ {
		lastErr = w.Observe(0)
	}
	require.NoError(t, lastErr)
	require.False(t, w.Startup())

	lastErr = w.Observe(0)
	require.ErrorIs(t, lastErr, ErrNetUnreachable)
}

func TestKeepaliveSenderRunTicksIndependentlyUntilStopped(t *testing.T) {
	ft := &fakeTransport{}
	s := NewKeepaliveSender(ft, 1, 2, 0x3000)
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		s.Run(5, stop)
		close(done)
	}()

	// Let several ticks elapse on wall-clock time alone; s.counter and
	// ft.writes are only safe to inspect once done confirms Run has
	// returned, since the goroutine above mutates them without a lock.
	time.Sleep(50 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}

	require.GreaterOrEqual(t, s.Counter(), uint64(3), "sender should tick repeatedly on its own timer")
	require.GreaterOrEqual(t, len(ft.writes), 3)
}

func TestKeepaliveSenderRunStopsOnFatalWriteError(t *testing.T) {
	ft := &fakeTransport{postWriteErr: ErrNetUnreachable}
	s := NewKeepaliveSender(ft, 1, 2, 0x3000)
	stop := make(chan struct{})
	defer close(stop)

	done := make(chan struct{})
	go func() {
		s.Run(5, stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return once PostWrite fails with a non-ENOMEM error")
	}
}

func TestKeepaliveWatcherRunReportsFailureOnceThresholdTrips(t *testing.T) {
	w := NewKeepaliveWatcher(5)
	var value uint64
	read := func() uint64 { return atomic.LoadUint64(&value) }

	var failures int32
	onFail := func(err error) { atomic.AddInt32(&failures, 1) }
	stop := make(chan struct{})
	defer close(stop)

	done := make(chan struct{})
	go func() {
		w.Run(5, read, onFail, stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run should return once the miss threshold trips")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&failures))
}

func TestKeepaliveWatcherRunResetsOnIncrementingValue(t *testing.T) {
	w := NewKeepaliveWatcher(5)
	var value uint64
	read := func() uint64 { return atomic.LoadUint64(&value) }

	onFail := func(err error) { t.Errorf("unexpected failure: %v", err) }
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		w.Run(5, read, onFail, stop)
		close(done)
	}()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			atomic.AddUint64(&value, 1)
		case <-deadline:
			break loop
		}
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
	require.NoError(t, w.Err())
	require.True(t, w.Startup())
}

func TestNewKeepaliveWatcherComputesGraceTicksFromInterval(t *testing.T) {
	w := NewKeepaliveWatcher(300)
	require.Equal(t, 4, w.graceTicks) // ceil(1000/300) = 4

	w2 := NewKeepaliveWatcher(1000)
	require.Equal(t, 1, w2.graceTicks)
}
