// Package hypervisor defines the interface between the micro-checkpoint
// core and the guest VM hypervisor. The hypervisor itself is out of
// scope for this repository (§1); this package only names the calls the
// core consumes: pause, resume, dirty-page iteration (implicit in
// save/load-state), save-state, load-state, enumerate-NICs,
// enumerate-RAM-blocks, and the clock. It has no call for the
// hypervisor's I/O-thread lock.
package hypervisor

import (
	"context"
	"io"
)

// RAMBlock describes one block of guest RAM as enumerated by the
// hypervisor (§3 "RAM block (local)", minus the RDMA-specific pinning
// fields, which pkg/rdma layers on top via BlockRegistry).
type RAMBlock struct {
	HostAddr uintptr
	Offset   uint64
	Length   uint64
	Index    int
	IsRAM    bool
}

// NIC describes one guest network interface, as needed by the
// traffic-buffer controller (C3) to find its tap device.
type NIC struct {
	Name       string
	PeerDevice string
}

// Hypervisor is the set of calls the MC core (C4/C5) makes into the
// guest hypervisor. A production binary backs this with whatever
// virtualization stack it embeds; Fake (fake.go) provides a
// deterministic implementation for tests.
type Hypervisor interface {
	// Stop pauses the guest. The MC loop calls Stop, SaveStateBegin,
	// SaveStateComplete and Start in that order within one tick.
	Stop(ctx context.Context) error

	// Start resumes a previously stopped guest.
	Start(ctx context.Context) error

	// SaveStateBegin opens a save-state pass and writes the guest's
	// dirty state into dst (ordinarily the C2 byte-stream adapter over
	// the C1 slab ring).
	SaveStateBegin(ctx context.Context, dst io.Writer) error

	// SaveStateComplete closes out the save-state pass started by
	// SaveStateBegin.
	SaveStateComplete(ctx context.Context) error

	// LoadState replays a previously saved checkpoint from r into the
	// guest. A failure here is fatal on the secondary (§4.4, §7).
	LoadState(ctx context.Context, r io.Reader) error

	// ForeachNIC enumerates the guest's network interfaces, for C3's
	// tap-device discovery.
	ForeachNIC(ctx context.Context) ([]NIC, error)

	// ForeachRAMBlock enumerates the guest's RAM blocks, once per
	// connection, for C7's block registry.
	ForeachRAMBlock(ctx context.Context) ([]RAMBlock, error)

	// ClockMS returns the hypervisor's monotonic clock in milliseconds,
	// used for downtime accounting (§4.3 step 5).
	ClockMS() int64
}
