package rdma

import (
	"encoding/binary"
	"errors"
	"time"
)

// DefaultKeepaliveIntervalMS is the default period for both the
// sender and watcher timers (§4.9).
const DefaultKeepaliveIntervalMS = 300

// wridKeepalive tags the keepalive WRITE so the completion handler
// can recognize it without touching block/chunk bookkeeping.
const wridKeepalive = uint64(WRKeepalive)

// KeepaliveSender periodically RDMA-WRITEs an incrementing counter
// into the peer's pre-registered keepalive slot (§4.9 "Sender").
type KeepaliveSender struct {
	t          wireTransport
	buf        [8]byte
	lkey       uint32
	remoteAddr uint64
	rkey       uint32
	counter    uint64
}

// NewKeepaliveSender builds a sender that writes to the peer's
// keepalive slot described by its negotiated capability record.
func NewKeepaliveSender(t wireTransport, lkey uint32, peerRKey uint32, peerAddr uint64) *KeepaliveSender {
	return &KeepaliveSender{t: t, lkey: lkey, remoteAddr: peerAddr, rkey: peerRKey}
}

// Tick increments the counter and posts one WRITE. On ErrENOMEM the
// caller should wait one interval and call Tick again (§4.9).
func (s *KeepaliveSender) Tick() error {
	s.counter++
	binary.BigEndian.PutUint64(s.buf[:], s.counter)
	err := s.t.PostWrite(wridKeepalive, s.buf[:], s.lkey, s.remoteAddr, s.rkey)
	if err != nil && errors.Is(err, ErrENOMEM) {
		return ErrENOMEM
	}
	return err
}

// Counter reports the last value sent.
func (s *KeepaliveSender) Counter() uint64 { return s.counter }

// Run ticks the sender on its own timer, independent of any in-band
// checkpoint traffic, until stop is closed (§4.9: qemu_rdma_keepalive_start
// arms this on both source and destination, not just the sender side of
// a single checkpoint). ibv_post_send is safe to call concurrently with
// the completion-draining loops elsewhere in this package run from other
// goroutines on the same queue pair; the WRITE it posts is tagged
// wridKeepalive so HandleCompletion discards its completion instead of
// mistaking it for chunk 0 of block 0.
func (s *KeepaliveSender) Run(intervalMS int, stop <-chan struct{}) {
	if intervalMS <= 0 {
		intervalMS = DefaultKeepaliveIntervalMS
	}
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil && !errors.Is(err, ErrENOMEM) {
				return
			}
		}
	}
}

// KeepaliveWatcher compares successive reads of the local keepalive
// slot the peer writes into, counting misses (§4.9 "Watcher"). Misses
// are counted in ticks rather than wall-clock time; NewKeepaliveWatcher
// converts the one-second grace window into a whole number of ticks,
// rounding up (4 ticks, 1.2s, at the 300ms default).
type KeepaliveWatcher struct {
	intervalMS int
	graceTicks int

	lastSeen       uint64
	misses         int
	extraAllowance int
	startup        bool
	err            error
}

// NewKeepaliveWatcher converts the one-second grace window of §4.9
// into a tick count for the given interval.
func NewKeepaliveWatcher(intervalMS int) *KeepaliveWatcher {
	if intervalMS <= 0 {
		intervalMS = DefaultKeepaliveIntervalMS
	}
	grace := (1000 + intervalMS - 1) / intervalMS
	if grace < 1 {
		grace = 1
	}
	return &KeepaliveWatcher{intervalMS: intervalMS, graceTicks: grace}
}

const (
	maxMissesBeforeStartup = 100
	maxMissesAfterStartup  = 10
)

// Observe records one reading of the local keepalive slot. Equality
// with the previous reading counts as a miss; inequality resets the
// miss counter and, on the very first real increment ever observed,
// establishes keepalive_startup.
func (w *KeepaliveWatcher) Observe(value uint64) error {
	if value != w.lastSeen {
		w.lastSeen = value
		w.misses = 0
		w.extraAllowance = 0
		w.startup = true
		return nil
	}

	w.misses++
	if w.misses == 1 {
		w.extraAllowance = w.graceTicks
	}

	limit := maxMissesBeforeStartup
	if w.startup {
		limit = maxMissesAfterStartup
	}

	if w.misses > limit+w.extraAllowance {
		w.err = ErrNetUnreachable
		return w.err
	}
	return nil
}

// Err returns the sticky fatal error once the miss threshold has
// been exceeded.
func (w *KeepaliveWatcher) Err() error { return w.err }

// Startup reports whether the first real keepalive increment has
// been observed yet.
func (w *KeepaliveWatcher) Startup() bool { return w.startup }

// Misses reports the current consecutive-miss count.
func (w *KeepaliveWatcher) Misses() int { return w.misses }

// Run observes the local keepalive slot (via read) on its own timer,
// independent of any in-band checkpoint traffic, until stop is closed
// (§4.9). Observe only ever inspects a plain memory read, never the
// completion queue, so this goroutine never competes with the write
// engine's or control exchange's completion-draining loops for a
// completion. onFail is called at most once, when the miss threshold
// trips.
func (w *KeepaliveWatcher) Run(intervalMS int, read func() uint64, onFail func(error), stop <-chan struct{}) {
	if intervalMS <= 0 {
		intervalMS = DefaultKeepaliveIntervalMS
	}
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.Observe(read()); err != nil {
				onFail(err)
				return
			}
		}
	}
}
