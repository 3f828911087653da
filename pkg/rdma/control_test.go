package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlHeaderRoundTrip(t *testing.T) {
	h := ControlHeader{Len: 128, Type: ControlRegisterRequest, Repeat: 3}
	got, err := DecodeControlHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestControlHeaderRejectsOversizedRepeat(t *testing.T) {
	h := ControlHeader{Repeat: MaxRecordsPerMessage + 1}
	_, err := DecodeControlHeader(h.Encode())
	require.ErrorIs(t, err, ErrProtocol)
}

func TestControlHeaderRejectsOversizedLen(t *testing.T) {
	h := ControlHeader{Len: MaxControlBuffer}
	_, err := DecodeControlHeader(h.Encode())
	require.ErrorIs(t, err, ErrProtocol)
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	c := Capabilities{Version: CapabilityVersion, Flags: CapPinAll | CapKeepalive, KeepaliveRKey: 42, KeepaliveAddr: 0xDEADBEEF}
	got, err := DecodeCapabilities(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestNegotiateIntersectsFlags(t *testing.T) {
	require.Equal(t, CapPinAll, Negotiate(CapPinAll|CapKeepalive, CapPinAll))
	require.Equal(t, uint32(0), Negotiate(CapKeepalive, CapPinAll))
}

func TestRemoteBlockRoundTrip(t *testing.T) {
	b := RemoteBlock{RemoteHostAddr: 0x1000, Offset: 0x2000, Length: 1 << 20, RemoteRKey: 7}
	got, err := DecodeRemoteBlock(b.Encode())
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestRegisterRoundTrip(t *testing.T) {
	r := Register{Key: 0xABCD, CurrentBlockIdx: 3, Chunks: 2}
	got, err := DecodeRegister(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestCompressRoundTrip(t *testing.T) {
	c := Compress{Value: 0, BlockIdx: 1, Offset: 4096, Length: 1 << 20}
	got, err := DecodeCompress(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestRegisterResultRoundTrip(t *testing.T) {
	r := RegisterResult{RKey: 99, HostAddr: 0x7fff0000}
	got, err := DecodeRegisterResult(r.Encode())
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestBatchEncodeDecode(t *testing.T) {
	regs := []Register{
		{Key: 1, CurrentBlockIdx: 0, Chunks: 1},
		{Key: 2, CurrentBlockIdx: 0, Chunks: 1},
		{Key: 3, CurrentBlockIdx: 1, Chunks: 4},
	}

	buf := EncodeRegisters(regs)
	got, err := DecodeRegisters(buf, uint32(len(regs)))
	require.NoError(t, err)
	require.Equal(t, regs, got)
}
