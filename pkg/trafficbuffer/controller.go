// Package trafficbuffer wraps the kernel traffic-shaping facility that
// buffers ("plugs") a guest's network output between checkpoints (C3).
// It is single-NIC only (§1 Non-goals): Enable picks exactly one NIC and
// drives exactly one qdisc for the whole lifetime of the controller.
package trafficbuffer

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/kvtransit/mcreplica/pkg/hypervisor"
)

// DefaultTapPrefix and DefaultBufferPrefix are the default device-name
// prefixes used to find the guest's tap device and to derive its
// buffering (ifb) counterpart.
const (
	DefaultTapPrefix    = "tap"
	DefaultBufferPrefix = "ifb"
)

// Driver is the netlink-level operations the controller needs from a
// plug qdisc. qdiscLinux.go provides the real implementation; tests
// supply a fake.
type Driver interface {
	CreatePlug(device string, limitBytes uint32) error
	InsertBarrier(device string) error
	ReleaseOne(device string) error
	ReleaseIndefinite(device string) error
	Destroy(device string) error
	Size(device string) (uint32, error)
}

// Config holds the controller's tunables.
type Config struct {
	TapPrefix    string
	BufferPrefix string
	BufferBytes  uint32 // initial network-buffer size, default 125 MB
}

// Controller is the traffic-buffer controller (C3).
type Controller struct {
	driver Driver
	log    zerolog.Logger
	cfg    Config

	device   string // the ifb buffer device actually in use
	enabled  bool
	disabled bool // set after a runtime failure; buffering downgraded to off
}

// New creates a controller bound to driver.
func New(driver Driver, cfg Config, log zerolog.Logger) *Controller {
	if cfg.TapPrefix == "" {
		cfg.TapPrefix = DefaultTapPrefix
	}
	if cfg.BufferPrefix == "" {
		cfg.BufferPrefix = DefaultBufferPrefix
	}
	if cfg.BufferBytes == 0 {
		cfg.BufferBytes = 125 * 1000 * 1000
	}

	return &Controller{driver: driver, cfg: cfg, log: log}
}

// ErrNoMatchingNIC names the case in which no guest NIC's peer device
// name begins with the configured tap prefix. Enable does not return
// it: that case is logged as a warning and buffering stays disabled.
var ErrNoMatchingNIC = fmt.Errorf("trafficbuffer: no NIC with peer device matching prefix")

// Enable scans the hypervisor's NICs, accepts the first whose peer
// device name begins with the tap prefix, derives the ifb buffer device
// name, creates a plug qdisc on it, and leaves it in the suspended
// (release-indefinite) state. If no NIC matches, it logs a warning,
// leaves buffering disabled and returns nil. A failure to create or
// suspend the qdisc is returned to the caller (§4.2, §7); it does not
// downgrade.
func (c *Controller) Enable(ctx context.Context, nics []hypervisor.NIC) error {
	var tap string
	for _, n := range nics {
		if strings.HasPrefix(n.PeerDevice, c.cfg.TapPrefix) {
			tap = n.PeerDevice
			break
		}
	}

	if tap == "" {
		// §9 Open Question: preserve current behavior — log a warning
		// and leave buffering disabled rather than refuse to start.
		c.log.Warn().Str("prefix", c.cfg.TapPrefix).Msg("no NIC peer device matches expected prefix; network consistency guarantees disabled")
		c.disabled = true
		return nil
	}

	device := c.cfg.BufferPrefix + strings.TrimPrefix(tap, c.cfg.TapPrefix)

	if err := c.driver.CreatePlug(device, c.cfg.BufferBytes); err != nil {
		return fmt.Errorf("trafficbuffer: create plug qdisc on %s: %w", device, err)
	}

	if err := c.driver.ReleaseIndefinite(device); err != nil {
		return fmt.Errorf("trafficbuffer: suspend plug qdisc on %s: %w", device, err)
	}

	c.device = device
	c.enabled = true
	c.disabled = false

	c.log.Info().Str("tap", tap).Str("buffer_device", device).Msg("traffic buffer enabled")

	return nil
}

// Enabled reports whether the controller believes it is actively
// buffering. It is false both before Enable and after a runtime
// downgrade.
func (c *Controller) Enabled() bool { return c.enabled && !c.disabled }

// InsertBarrier records a cut point: packets enqueued after this call
// are held behind the barrier until a matching ReleaseOne. A runtime
// failure here downgrades buffering to off rather than aborting the MC
// loop (§4.2, §7).
func (c *Controller) InsertBarrier(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	if err := c.driver.InsertBarrier(c.device); err != nil {
		c.downgrade(err, "insert barrier")
	}
}

// ReleaseOne releases packets up to the oldest barrier: exactly one
// checkpoint's worth of network output becomes externally visible.
func (c *Controller) ReleaseOne(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	if err := c.driver.ReleaseOne(c.device); err != nil {
		c.downgrade(err, "release one")
	}
}

// Size reports the configured byte limit of the buffer device, or 0 if
// buffering is not enabled.
func (c *Controller) Size(ctx context.Context) (uint32, error) {
	if !c.Enabled() {
		return 0, nil
	}
	return c.cfg.BufferBytes, nil
}

// Disable tears the qdisc down entirely. It is idempotent.
func (c *Controller) Disable(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	var errs *multierror.Error
	if err := c.driver.ReleaseIndefinite(c.device); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("release before disable: %w", err))
	}
	if err := c.driver.Destroy(c.device); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("destroy qdisc: %w", err))
	}

	c.enabled = false
	c.disabled = false
	c.device = ""

	return errs.ErrorOrNil()
}

// downgrade implements the §4.2/§7 runtime-failure policy: buffering is
// turned off for the remainder of this connection and a warning is
// logged, but the MC loop keeps running.
func (c *Controller) downgrade(err error, op string) {
	c.log.Warn().Err(err).Str("op", op).Msg("traffic buffer operation failed; downgrading to unbuffered (non-consistent) replication")
	c.disabled = true
}
