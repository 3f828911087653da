// Package mcloop implements the primary-side micro-checkpoint state
// machine (C4): on each tick it pauses the guest, buffers the next
// checkpoint's network output behind a barrier, saves VM state into the
// slab ring, resumes the guest, streams the staged bytes to the
// secondary, and on ACK releases the barrier for the checkpoint it just
// sent (§4.3).
package mcloop

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvtransit/mcreplica/pkg/bytestream"
	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/slab"
	"github.com/kvtransit/mcreplica/pkg/trafficbuffer"
)

// State is the loop's terminal/non-terminal status (§4.3 Termination).
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transport is what the MC loop needs from the replication link,
// regardless of whether it is backed by plain sockets (pkg/replctl) or
// RDMA (pkg/rdma) — the primary-side half of the exchange (§4.3, §6).
type Transport interface {
	AwaitInitialAck(ctx context.Context) error
	SendCheckpoint(ctx context.Context, r io.Reader, size uint32) error
	AwaitAck(ctx context.Context) error
	Close() error
}

// Config bundles the loop's tunables (§3, §6).
type Config struct {
	FreqMS              int
	MaxStrikesDelaySecs int
	SlabSize            int
}

// TickStats reports the wall-clock timing of the most recently
// completed tick. The hypervisor continues to own the underlying
// norm_mig_* accounting (§9 Open Questions); the loop only measures and
// reports the pause/resume/transmit wall-clock it directly observes.
type TickStats struct {
	Downtime     time.Duration
	SaveTime     time.Duration
	TransmitTime time.Duration
}

// Loop is the primary-side micro-checkpoint state machine (C4).
type Loop struct {
	hv        hypervisor.Hypervisor
	buffer    *trafficbuffer.Controller
	transport Transport
	ring      *slab.Ring
	adapter   *bytestream.Adapter
	cfg       Config
	log       zerolog.Logger

	state   State
	stats   TickStats
	stopReq bool
	err     error
}

// New builds a loop over the given hypervisor, traffic-buffer
// controller, and transport.
func New(hv hypervisor.Hypervisor, buffer *trafficbuffer.Controller, transport Transport, cfg Config, log zerolog.Logger) *Loop {
	if cfg.FreqMS <= 0 {
		cfg.FreqMS = 100
	}
	if cfg.MaxStrikesDelaySecs <= 0 {
		cfg.MaxStrikesDelaySecs = 10
	}

	ring := slab.New(slab.Config{
		SlabSize:            cfg.SlabSize,
		MaxStrikesDelaySecs: cfg.MaxStrikesDelaySecs,
		FreqMS:              cfg.FreqMS,
	})

	return &Loop{
		hv:        hv,
		buffer:    buffer,
		transport: transport,
		cfg:       cfg,
		log:       log,
		ring:      ring,
		adapter:   bytestream.New(ring),
		state:     StateRunning,
	}
}

// Stop requests an orderly stop after the in-flight tick completes
// (§4.3 Termination, §5 Cancellation).
func (l *Loop) Stop() { l.stopReq = true }

// State reports the loop's current status.
func (l *Loop) State() State { return l.state }

// Stats reports the most recently completed tick's timing.
func (l *Loop) Stats() TickStats { return l.stats }

// Err returns the error that drove a transition to StateError, if any.
func (l *Loop) Err() error { return l.err }

// Run blocks for the initial handshake and then drives one tick per
// iteration until Stop is called, ctx is cancelled, or a fatal error
// occurs. Either way it tears down buffering and the transport before
// returning (§4.3 Termination).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.transport.AwaitInitialAck(ctx); err != nil {
		return l.fail(fmt.Errorf("mcloop: initial handshake: %w", err))
	}

	for {
		if err := ctx.Err(); err != nil {
			l.cleanup(ctx)
			l.state = StateCompleted
			return err
		}

		if err := l.tick(ctx); err != nil {
			return l.fail(err)
		}

		if l.stopReq {
			l.cleanup(ctx)
			l.state = StateCompleted
			return nil
		}

		select {
		case <-ctx.Done():
			l.cleanup(ctx)
			l.state = StateCompleted
			return ctx.Err()
		case <-time.After(time.Duration(l.cfg.FreqMS) * time.Millisecond):
		}
	}
}

// tick runs steps 1-7 of §4.3 once; Run does the step-8 sleep.
func (l *Loop) tick(ctx context.Context) error {
	l.ring.Reset()

	if err := l.hv.Stop(ctx); err != nil {
		return fmt.Errorf("mcloop: pause guest: %w", err)
	}
	pauseTime := time.Now()

	l.buffer.InsertBarrier(ctx)

	saveStart := time.Now()
	if err := l.hv.SaveStateBegin(ctx, l.adapter); err != nil {
		return fmt.Errorf("mcloop: save-state begin: %w", err)
	}
	if err := l.hv.SaveStateComplete(ctx); err != nil {
		return fmt.Errorf("mcloop: save-state complete: %w", err)
	}
	l.stats.SaveTime = time.Since(saveStart)

	if err := l.hv.Start(ctx); err != nil {
		return fmt.Errorf("mcloop: resume guest: %w", err)
	}
	l.stats.Downtime = time.Since(pauseTime)

	xmitStart := time.Now()
	size := l.ring.SlabTotal()
	if err := l.transport.SendCheckpoint(ctx, l.adapter, uint32(size)); err != nil {
		return fmt.Errorf("mcloop: send checkpoint: %w", err)
	}

	if err := l.transport.AwaitAck(ctx); err != nil {
		return fmt.Errorf("mcloop: await ack: %w", err)
	}
	l.stats.TransmitTime = time.Since(xmitStart)

	l.buffer.ReleaseOne(ctx)

	return nil
}

// fail transitions to StateError, tears down, and returns the error.
func (l *Loop) fail(err error) error {
	l.err = err
	l.log.Error().Err(err).Msg("mc loop entering error state")
	l.cleanup(context.Background())
	l.state = StateError
	return err
}

// cleanup disables buffering and closes the transport, matching §4.3
// Termination: "Either way, buffering is disabled and a cleanup task is
// scheduled".
func (l *Loop) cleanup(ctx context.Context) {
	if err := l.buffer.Disable(ctx); err != nil {
		l.log.Warn().Err(err).Msg("mc loop cleanup: disable traffic buffer")
	}
	if err := l.transport.Close(); err != nil {
		l.log.Warn().Err(err).Msg("mc loop cleanup: close transport")
	}
}
