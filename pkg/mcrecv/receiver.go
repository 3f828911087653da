// Package mcrecv implements the secondary-side micro-checkpoint
// receiver (C5): it ACKs, reassembles, and replays each checkpoint the
// primary streams to it, exiting the process if a replayed checkpoint
// ever fails to apply, since silently continuing would diverge from
// the primary (§4.4, §7).
package mcrecv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/kvtransit/mcreplica/pkg/bytestream"
	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/slab"
)

// State is the receiver's terminal/non-terminal status, mirroring
// mcloop.State so the two halves of the system read the same way.
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

// ErrZeroSizeCheckpoint guards against a Transport implementation that
// doesn't already reject a zero-size checkpoint itself (§4.4: "a zero
// size is a protocol violation").
var ErrZeroSizeCheckpoint = errors.New("mcrecv: zero-size checkpoint")

// Transport is what the receiver needs from the replication link,
// regardless of whether it is backed by plain sockets (pkg/replctl) or
// RDMA (pkg/rdma) — the secondary-side half of the exchange (§4.4, §6).
type Transport interface {
	SendInitialAck(ctx context.Context) error
	RecvCheckpoint(ctx context.Context, dst io.Writer) (cancelled bool, size uint32, err error)
	SendAck(ctx context.Context) error
	Close() error
}

// Config bundles the receiver's tunables (§3, §6).
type Config struct {
	SlabSize int
}

// Receiver is the secondary-side micro-checkpoint state machine (C5).
type Receiver struct {
	hv        hypervisor.Hypervisor
	transport Transport
	ring      *slab.Ring
	adapter   *bytestream.Adapter
	log       zerolog.Logger

	state State
	err   error

	// exit is called with status 1 on a fatal load-state failure
	// (§4.4, §7). Tests override it to avoid actually terminating the
	// process.
	exit func(code int)
}

// New builds a receiver over the given hypervisor and transport.
func New(hv hypervisor.Hypervisor, transport Transport, cfg Config, log zerolog.Logger) *Receiver {
	ring := slab.New(slab.Config{SlabSize: cfg.SlabSize})
	return &Receiver{
		hv:        hv,
		transport: transport,
		ring:      ring,
		adapter:   bytestream.New(ring),
		log:       log,
		state:     StateRunning,
		exit:      os.Exit,
	}
}

// SetExitFunc overrides the function called on a fatal load-state
// failure. Production callers never need this; tests use it to observe
// the exit without actually terminating the process.
func (r *Receiver) SetExitFunc(exit func(code int)) { r.exit = exit }

// State reports the receiver's current status.
func (r *Receiver) State() State { return r.state }

// Err returns the error that drove a transition to StateError, if any.
func (r *Receiver) Err() error { return r.err }

// Run sends the initial ACK, then loops: receive COMMIT, receive the
// payload into the slab ring, ACK, and replay through the hypervisor's
// load-state call (§4.4). A CANCEL from the primary (§9 Design Notes)
// ends the loop the same way an orderly stop would on the primary side.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.transport.SendInitialAck(ctx); err != nil {
		return r.fail(fmt.Errorf("mcrecv: initial ack: %w", err))
	}

	for {
		if err := ctx.Err(); err != nil {
			r.cleanup()
			r.state = StateCompleted
			return err
		}

		r.ring.Reset()

		cancelled, size, err := r.transport.RecvCheckpoint(ctx, r.adapter)
		if err != nil {
			return r.fail(fmt.Errorf("mcrecv: receive checkpoint: %w", err))
		}
		if cancelled {
			r.cleanup()
			r.state = StateCompleted
			return nil
		}
		if size == 0 {
			return r.fail(ErrZeroSizeCheckpoint)
		}

		if err := r.transport.SendAck(ctx); err != nil {
			return r.fail(fmt.Errorf("mcrecv: send ack: %w", err))
		}

		if err := r.hv.LoadState(ctx, r.adapter); err != nil {
			r.log.Error().Err(err).Msg("mcrecv: load-state failed; exiting to avoid silent divergence from primary")
			r.cleanup()
			r.exit(1)
			return fmt.Errorf("mcrecv: load-state: %w", err)
		}
	}
}

func (r *Receiver) fail(err error) error {
	r.err = err
	r.log.Error().Err(err).Msg("mc receiver entering error state")
	r.cleanup()
	r.state = StateError
	return err
}

func (r *Receiver) cleanup() {
	if err := r.transport.Close(); err != nil {
		r.log.Warn().Err(err).Msg("mc receiver cleanup: close transport")
	}
}
