package rdma

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMCTransport(t *testing.T, ft *fakeTransport) *MCTransport {
	ft.autoComplete = true
	ce, err := NewControlExchange(ft)
	require.NoError(t, err)
	conn := newTestConnection()
	conn.t = ft
	conn.streamBuf = make([]byte, 4096)
	m := NewMCTransport(conn, ce)
	t.Cleanup(func() { m.Close() })
	return m
}

// queueRecv arranges for the next AwaitMessage/PollOnce cycle to
// decode hdr/payload, as if the peer's SEND had just completed into
// the control exchange's standing RECV buffer.
func queueRecv(ft *fakeTransport, m *MCTransport, hdr ControlHeader, payload []byte) {
	hdr.Len = uint32(len(payload))
	buf := append(hdr.Encode(), payload...)
	copy(m.ce.recvBuf, buf)
	ft.completions = append(ft.completions, fakeCompletion{ev: CompletionEvent{WRID: wridControlRecv}})
}

type queuedMsg struct {
	hdr     ControlHeader
	payload []byte
}

// queueRecvSequence arranges for a sequence of control messages to
// arrive in order: the first as if it already landed in the standing
// RECV buffer, and each later one installed into that same shared
// buffer only at the moment its own completion is popped — a single
// posted RECV buffer can only ever have one message in flight against
// it, the same as real verbs semantics, so the second message must not
// overwrite the first until the first has actually been consumed.
func queueRecvSequence(ft *fakeTransport, m *MCTransport, msgs ...queuedMsg) {
	if len(msgs) == 0 {
		return
	}
	queueRecv(ft, m, msgs[0].hdr, msgs[0].payload)
	for _, msg := range msgs[1:] {
		msg.hdr.Len = uint32(len(msg.payload))
		buf := append(msg.hdr.Encode(), msg.payload...)
		ft.completions = append(ft.completions, fakeCompletion{
			ev:    CompletionEvent{WRID: wridControlRecv},
			onPop: func() { copy(m.ce.recvBuf, buf) },
		})
	}
}

func TestMCTransportAwaitInitialAckAcceptsReady(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	queueRecvSequence(ft, m,
		queuedMsg{ControlHeader{Type: ControlRAMBlocksResult, Repeat: 1}, EncodeRemoteBlocks([]RemoteBlock{{RemoteRKey: 0xAAAA, RemoteHostAddr: 0x9000}})},
		queuedMsg{ControlHeader{Type: ControlReady}, nil},
	)

	require.NoError(t, m.AwaitInitialAck(context.Background()))
	require.Equal(t, uint32(0xAAAA), m.streamBlock.RemoteRKey)
	require.Equal(t, uint64(0x9000), m.streamBlock.RemoteHostAddr)

	hdr, err := DecodeControlHeader(ft.sends[0])
	require.NoError(t, err)
	require.Equal(t, ControlRAMBlocksRequest, hdr.Type)
}

func TestMCTransportAwaitInitialAckRejectsWrongType(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	queueRecvSequence(ft, m,
		queuedMsg{ControlHeader{Type: ControlRAMBlocksResult, Repeat: 1}, EncodeRemoteBlocks([]RemoteBlock{{RemoteRKey: 1, RemoteHostAddr: 2}})},
		queuedMsg{ControlHeader{Type: ControlError}, nil},
	)

	err := m.AwaitInitialAck(context.Background())
	require.ErrorIs(t, err, ErrProtocol)
}

func TestMCTransportAwaitInitialAckSkipsRAMBlocksWithoutPinAll(t *testing.T) {
	ft := &fakeTransport{}
	ft.autoComplete = true
	ce, err := NewControlExchange(ft)
	require.NoError(t, err)
	conn := newTestConnection()
	conn.t = ft
	conn.streamBuf = make([]byte, 4096)
	conn.Local.Flags = CapKeepalive // pin_all off
	m := NewMCTransport(conn, ce)
	t.Cleanup(func() { m.Close() })

	queueRecv(ft, m, ControlHeader{Type: ControlReady}, nil)

	require.NoError(t, m.AwaitInitialAck(context.Background()))
	require.Empty(t, ft.sends)
}

// dataWrites filters out the keepalive WRITE (posted once per tick
// when both sides negotiated it) so assertions on the checkpoint's own
// chunk WRITEs aren't coupled to that unrelated traffic.
func dataWrites(ft *fakeTransport) []fakeWrite {
	var out []fakeWrite
	for _, w := range ft.writes {
		if w.wrID == wridKeepalive {
			continue
		}
		out = append(out, w)
	}
	return out
}

func TestMCTransportSendCheckpointWritesStreamBlockAndAnnouncesSize(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)

	payload := []byte("dirty-pages")
	require.NoError(t, m.SendCheckpoint(context.Background(), bytes.NewReader(payload), uint32(len(payload))))

	writes := dataWrites(ft)
	require.Len(t, writes, 1)
	require.Equal(t, payload, writes[0].buf)
	require.Equal(t, payload, m.conn.StreamBuffer()[:len(payload)])

	require.Len(t, ft.sends, 1)
	hdr, err := DecodeControlHeader(ft.sends[0])
	require.NoError(t, err)
	require.Equal(t, ControlQEMUFile, hdr.Type)
	sz, err := DecodeCheckpointSize(ft.sends[0][len(hdr.Encode()):])
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), sz)
}

func TestMCTransportSendCheckpointRejectsOversizeCheckpoint(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)

	oversize := uint32(len(m.conn.StreamBuffer())) + 1
	err := m.SendCheckpoint(context.Background(), bytes.NewReader(make([]byte, oversize)), oversize)
	require.ErrorIs(t, err, ErrProtocol)
	require.Empty(t, ft.sends)
}

func TestMCTransportSendCheckpointFailsIfConnectionErrored(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	m.conn.setErr(ErrNetUnreachable)

	err := m.SendCheckpoint(context.Background(), bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, ErrNetUnreachable)
	require.Empty(t, ft.sends)
}

func TestMCTransportAwaitAckAcceptsReady(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	queueRecv(ft, m, ControlHeader{Type: ControlReady}, nil)

	require.NoError(t, m.AwaitAck(context.Background()))
}

func TestMCTransportSendInitialAckSendsReady(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	queueRecv(ft, m, ControlHeader{Type: ControlRAMBlocksRequest}, nil)

	require.NoError(t, m.SendInitialAck(context.Background()))
	require.Len(t, ft.sends, 2)

	hdr0, err := DecodeControlHeader(ft.sends[0])
	require.NoError(t, err)
	require.Equal(t, ControlRAMBlocksResult, hdr0.Type)
	blocks, err := DecodeRemoteBlocks(ft.sends[0][len(hdr0.Encode()):], hdr0.Repeat)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	hdr1, err := DecodeControlHeader(ft.sends[1])
	require.NoError(t, err)
	require.Equal(t, ControlReady, hdr1.Type)
}

func TestMCTransportSendInitialAckSkipsRAMBlocksWithoutPinAll(t *testing.T) {
	ft := &fakeTransport{}
	ft.autoComplete = true
	ce, err := NewControlExchange(ft)
	require.NoError(t, err)
	conn := newTestConnection()
	conn.t = ft
	conn.streamBuf = make([]byte, 4096)
	conn.Local.Flags = CapKeepalive // pin_all off
	m := NewMCTransport(conn, ce)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.SendInitialAck(context.Background()))
	require.Len(t, ft.sends, 1)
	hdr, err := DecodeControlHeader(ft.sends[0])
	require.NoError(t, err)
	require.Equal(t, ControlReady, hdr.Type)
}

func TestMCTransportRecvCheckpointCopiesStreamBlockBytes(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)

	payload := []byte("checkpoint-bytes")
	copy(m.conn.StreamBuffer(), payload)
	queueRecv(ft, m, ControlHeader{Type: ControlQEMUFile}, EncodeCheckpointSize(uint32(len(payload))))

	var dst bytes.Buffer
	cancelled, size, err := m.RecvCheckpoint(context.Background(), &dst)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.Equal(t, uint32(len(payload)), size)
	require.Equal(t, payload, dst.Bytes())
}

func TestMCTransportRecvCheckpointRejectsZeroLength(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	queueRecv(ft, m, ControlHeader{Type: ControlQEMUFile}, EncodeCheckpointSize(0))

	var dst bytes.Buffer
	_, _, err := m.RecvCheckpoint(context.Background(), &dst)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestMCTransportRecvCheckpointRejectsOversizeAnnouncement(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)
	oversize := uint32(len(m.conn.StreamBuffer())) + 1
	queueRecv(ft, m, ControlHeader{Type: ControlQEMUFile}, EncodeCheckpointSize(oversize))

	var dst bytes.Buffer
	_, _, err := m.RecvCheckpoint(context.Background(), &dst)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestMCTransportSendAckSendsReady(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)

	require.NoError(t, m.SendAck(context.Background()))
	require.Len(t, ft.sends, 1)
	hdr, err := DecodeControlHeader(ft.sends[0])
	require.NoError(t, err)
	require.Equal(t, ControlReady, hdr.Type)
}

func TestMCTransportCloseDeregistersAndClosesConnection(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestMCTransport(t, ft)

	require.NoError(t, m.Close())
	require.Equal(t, 2, ft.deregN)
}

func TestConnectionMCTransportBuildsWorkingTransport(t *testing.T) {
	ft := &fakeTransport{}
	ft.autoComplete = true
	conn := newTestConnection()
	conn.t = ft
	conn.streamBuf = make([]byte, 4096)

	m, err := conn.MCTransport()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	queueRecv(ft, m, ControlHeader{Type: ControlRAMBlocksRequest}, nil)

	require.NoError(t, m.SendInitialAck(context.Background()))
	require.Len(t, ft.sends, 2)
}
