package rdma

import "encoding/binary"

// Capability flags negotiated at connect time (§3 "Capabilities", §6).
const (
	CapPinAll    uint32 = 0x01
	CapKeepalive uint32 = 0x02
)

// CapabilityVersion is the version field of the capability record this
// implementation sends and expects.
const CapabilityVersion = 1

// Capabilities is the fixed-layout record exchanged in the RDMA
// connection-parameters private area at connect time (§6 "RDMA
// capability record"). All fields are big-endian on the wire.
type Capabilities struct {
	Version       uint32
	Flags         uint32
	KeepaliveRKey uint32
	KeepaliveAddr uint64

	// StreamRKey/StreamAddr describe this side's checkpoint stream
	// block (§4.8): the whole-block registration the peer's write
	// engine WRITEs a checkpoint's bytes directly into, sidestepping a
	// per-chunk REGISTER_REQUEST/RESULT round trip for that block.
	StreamRKey uint32
	StreamAddr uint64
}

// CapabilitiesWireSize is the encoded size of Capabilities in bytes.
const CapabilitiesWireSize = 4 + 4 + 4 + 8 + 4 + 8

// Encode writes the capability record in its big-endian wire form.
func (c Capabilities) Encode() []byte {
	buf := make([]byte, CapabilitiesWireSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Version)
	binary.BigEndian.PutUint32(buf[4:8], c.Flags)
	binary.BigEndian.PutUint32(buf[8:12], c.KeepaliveRKey)
	binary.BigEndian.PutUint64(buf[12:20], c.KeepaliveAddr)
	binary.BigEndian.PutUint32(buf[20:24], c.StreamRKey)
	binary.BigEndian.PutUint64(buf[24:32], c.StreamAddr)
	return buf
}

// DecodeCapabilities parses a capability record from its wire form.
func DecodeCapabilities(buf []byte) (Capabilities, error) {
	if len(buf) < CapabilitiesWireSize {
		return Capabilities{}, errShortBuffer("capabilities", CapabilitiesWireSize, len(buf))
	}
	return Capabilities{
		Version:       binary.BigEndian.Uint32(buf[0:4]),
		Flags:         binary.BigEndian.Uint32(buf[4:8]),
		KeepaliveRKey: binary.BigEndian.Uint32(buf[8:12]),
		KeepaliveAddr: binary.BigEndian.Uint64(buf[12:20]),
		StreamRKey:    binary.BigEndian.Uint32(buf[20:24]),
		StreamAddr:    binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}

// Negotiate intersects a requested flag set with what this side knows
// about, as both directions of the handshake must do (§3): "the reply
// intersects the requested flags with the responder's known
// capabilities."
func Negotiate(requested, knownCapabilities uint32) uint32 {
	return requested & knownCapabilities
}

// HasFlag reports whether flags has bit set.
func HasFlag(flags, bit uint32) bool {
	return flags&bit != 0
}
