package rdma

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Role distinguishes the connecting (source/primary) side of an RDMA
// connection from the listening (destination/secondary) side, so
// that capability negotiation and the control-exchange engine know
// which direction each message type flows in (§4.5, §4.7).
type Role int

const (
	RoleSource Role = iota
	RoleDestination
)

func (r Role) String() string {
	if r == RoleSource {
		return "source"
	}
	return "destination"
}

// Config bundles the knobs §4.5 and §6 name for one RDMA connection.
type Config struct {
	Host       string
	Port       int
	PreferIPv6 bool // set when the link layer is pure RoCE (§4.5)
	SendMax    uint32
	TimeoutMS  int
	Requested  Capabilities
}

// Connection is the RDMA transport for one side of a replication
// session: it owns the queue pair, the negotiated capabilities, the
// block registry, and the sticky error-state sentinel every other
// component in this package consults (§5 "Cancellation").
type Connection struct {
	role Role
	t    wireTransport
	cfg  Config
	log  zerolog.Logger

	Registry *BlockRegistry

	Local  Capabilities
	Remote Capabilities

	keepaliveBuf []byte
	keepaliveMR  PinHandle

	streamBuf []byte
	streamMR  PinHandle

	mu          sync.Mutex
	err         error
	errReported bool
}

// Dial performs address resolution, route resolution, queue pair
// creation, and capability negotiation for the connecting side (§4.5).
func Dial(cfg Config, log zerolog.Logger) (*Connection, error) {
	v, err := newVerbs(cfg.SendMax)
	if err != nil {
		return nil, err
	}

	local := cfg.Requested
	local.Version = CapabilityVersion

	var keepaliveBuf []byte
	var keepaliveMR PinHandle
	if HasFlag(local.Flags, CapKeepalive) {
		keepaliveBuf, keepaliveMR, err = registerKeepaliveSlot(v)
		if err != nil {
			v.Close()
			return nil, err
		}
		local.KeepaliveRKey = keepaliveMR.RKey()
		local.KeepaliveAddr = keepaliveMR.HostAddr()
	}

	streamBuf, streamMR, err := registerStreamBlock(v)
	if err != nil {
		v.Close()
		return nil, err
	}
	local.StreamRKey = streamMR.RKey()
	local.StreamAddr = streamMR.HostAddr()

	peerData, err := v.ResolveAndConnectCapturingPeer(cfg.Host, cfg.Port, cfg.TimeoutMS, cfg.PreferIPv6, local.Encode())
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("rdma: dial %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	c := &Connection{
		role:         RoleSource,
		t:            v,
		cfg:          cfg,
		log:          log.With().Str("rdma_role", RoleSource.String()).Logger(),
		Registry:     NewBlockRegistry(),
		Local:        local,
		keepaliveBuf: keepaliveBuf,
		keepaliveMR:  keepaliveMR,
		streamBuf:    streamBuf,
		streamMR:     streamMR,
	}

	if err := c.negotiate(peerData); err != nil {
		v.Close()
		return nil, err
	}

	return c, nil
}

// Listen binds host:port for the listening side (§4.5's counterpart,
// used by the receiver). Accept must be called once per connection.
func Listen(host string, port int) (*listener, error) {
	v, err := newVerbs(0)
	if err != nil {
		return nil, err
	}
	if err := v.Listen(host, port); err != nil {
		v.Close()
		return nil, err
	}
	return &listener{v: v}, nil
}

type listener struct {
	v *verbs
}

// Accept blocks for one incoming connection request, creates its
// queue pair, and negotiates capabilities against the supplied
// configuration.
func (l *listener) Accept(cfg Config, log zerolog.Logger) (*Connection, error) {
	l.v.sendMax = cfg.SendMax

	local := cfg.Requested
	local.Version = CapabilityVersion

	var keepaliveBuf []byte
	var keepaliveMR PinHandle
	if HasFlag(local.Flags, CapKeepalive) {
		buf, mr, err := registerKeepaliveSlot(l.v)
		if err != nil {
			return nil, err
		}
		keepaliveBuf, keepaliveMR = buf, mr
		local.KeepaliveRKey = mr.RKey()
		local.KeepaliveAddr = mr.HostAddr()
	}

	streamBuf, streamMR, err := registerStreamBlock(l.v)
	if err != nil {
		return nil, err
	}
	local.StreamRKey = streamMR.RKey()
	local.StreamAddr = streamMR.HostAddr()

	peerData, err := l.v.Accept(local.Encode())
	if err != nil {
		return nil, fmt.Errorf("rdma: accept: %w", err)
	}

	c := &Connection{
		role:         RoleDestination,
		t:            l.v,
		cfg:          cfg,
		log:          log.With().Str("rdma_role", RoleDestination.String()).Logger(),
		Registry:     NewBlockRegistry(),
		Local:        local,
		keepaliveBuf: keepaliveBuf,
		keepaliveMR:  keepaliveMR,
		streamBuf:    streamBuf,
		streamMR:     streamMR,
	}

	if err := c.negotiate(peerData); err != nil {
		return nil, err
	}

	return c, nil
}

func (l *listener) Close() error { return l.v.Close() }

// negotiate decodes the peer's capability record and intersects it
// with the locally requested set, as both directions of the §3/§4.5
// handshake require.
func (c *Connection) negotiate(peerData []byte) error {
	if len(peerData) == 0 {
		c.Remote = Capabilities{Version: CapabilityVersion}
		return nil
	}
	remote, err := DecodeCapabilities(peerData)
	if err != nil {
		return fmt.Errorf("rdma: decode peer capabilities: %w", err)
	}
	c.Remote = remote
	c.Local.Flags = Negotiate(c.Local.Flags, remote.Flags)
	c.log.Debug().Uint32("flags", c.Local.Flags).Msg("rdma capabilities negotiated")
	return nil
}

// PinAll reports whether both sides agreed on the pin-all-at-connect
// registration discipline.
func (c *Connection) PinAll() bool {
	return HasFlag(c.Local.Flags, CapPinAll)
}

// registerKeepaliveSlot pins the local 8-byte counter slot the peer's
// KeepaliveSender writes into (§4.9), before either side's capability
// record is encoded, since the record carries this slot's rkey/addr.
func registerKeepaliveSlot(t wireTransport) ([]byte, PinHandle, error) {
	buf := make([]byte, 8)
	mr, err := t.RegisterMemory(buf)
	if err != nil {
		return nil, PinHandle{}, fmt.Errorf("rdma: register keepalive slot: %w", err)
	}
	return buf, mr, nil
}

// checkpointStreamCapacity bounds the whole-block checkpoint stream
// buffer both sides pre-register at connect time (§4.8): large enough
// for a full VM checkpoint without the per-chunk REGISTER_REQUEST round
// trip MaxControlBuffer used to force on the old control-channel path.
const checkpointStreamCapacity = 64 * ChunkSize

// registerStreamBlock pins the local checkpoint stream buffer the peer's
// write engine WRITEs a checkpoint's bytes directly into (§4.8), before
// either side's capability record is encoded, since the record carries
// this block's rkey/addr.
func registerStreamBlock(t wireTransport) ([]byte, PinHandle, error) {
	buf := make([]byte, checkpointStreamCapacity)
	mr, err := t.RegisterMemory(buf)
	if err != nil {
		return nil, PinHandle{}, fmt.Errorf("rdma: register checkpoint stream block: %w", err)
	}
	return buf, mr, nil
}

// StreamCapacity reports the size of the local checkpoint stream buffer.
func (c *Connection) StreamCapacity() int {
	return len(c.streamBuf)
}

// StreamBuffer exposes the local checkpoint stream buffer for the write
// engine to read from (source side) or copy into (destination side).
func (c *Connection) StreamBuffer() []byte {
	return c.streamBuf
}

// StreamPinHandle is the local registration backing StreamBuffer, used
// as the lkey source for every chunk of the whole-block-pinned
// checkpoint stream block.
func (c *Connection) StreamPinHandle() PinHandle {
	return c.streamMR
}

// KeepaliveSender builds a sender that writes into the peer's
// negotiated keepalive slot using this side's local registration.
// Callers must check KeepaliveEnabled first.
func (c *Connection) KeepaliveSender() *KeepaliveSender {
	return NewKeepaliveSender(c.t, c.keepaliveMR.LKey(), c.Remote.KeepaliveRKey, c.Remote.KeepaliveAddr)
}

// LocalKeepaliveValue reads the current counter the peer's
// KeepaliveSender has written into this side's local slot.
func (c *Connection) LocalKeepaliveValue() uint64 {
	if len(c.keepaliveBuf) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(c.keepaliveBuf)
}

// KeepaliveEnabled reports whether both sides agreed to run the
// out-of-band liveness timers (§4.9).
func (c *Connection) KeepaliveEnabled() bool {
	return HasFlag(c.Local.Flags, CapKeepalive)
}

// setErr records the first fatal transport error and makes it sticky:
// subsequent calls to Err return the same error until Close (§5,
// §7 "error-state sentinel").
func (c *Connection) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the sticky transport error, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// reportErrorOnce logs a transport error exactly once even though
// many callers observe the same sticky error-state (mirrors
// migration-rdma.c's error_reported field).
func (c *Connection) reportErrorOnce(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errReported {
		return
	}
	c.errReported = true
	c.log.Error().Err(err).Msg("rdma transport entered error state")
}

// Close tears down the queue pair and event channel.
func (c *Connection) Close() error {
	return c.t.Close()
}
