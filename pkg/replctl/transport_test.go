package replctl_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvtransit/mcreplica/pkg/replctl"
)

// pipeRW presents independent send/recv buffers as a single
// io.ReadWriter, so a primary-side Transport and a secondary-side
// Transport can be driven against the same wire without a real socket.
type pipeRW struct {
	send, recv *bytes.Buffer
}

func (p *pipeRW) Write(b []byte) (int, error) { return p.send.Write(b) }
func (p *pipeRW) Read(b []byte) (int, error)   { return p.recv.Read(b) }

func newWirePair() (primary *replctl.Transport, secondary *replctl.Transport) {
	toSecondary := &bytes.Buffer{}
	toPrimary := &bytes.Buffer{}
	primary = replctl.New(&pipeRW{send: toSecondary, recv: toPrimary})
	secondary = replctl.New(&pipeRW{send: toPrimary, recv: toSecondary})
	return primary, secondary
}

func TestTransportInitialAckHandshake(t *testing.T) {
	primary, secondary := newWirePair()
	ctx := context.Background()

	require.NoError(t, secondary.SendInitialAck(ctx))
	require.NoError(t, primary.AwaitInitialAck(ctx))
}

func TestTransportCheckpointRoundTrip(t *testing.T) {
	primary, secondary := newWirePair()
	ctx := context.Background()

	payload := []byte("checkpoint bytes")
	require.NoError(t, primary.SendCheckpoint(ctx, bytes.NewReader(payload), uint32(len(payload))))

	var applied bytes.Buffer
	cancelled, size, err := secondary.RecvCheckpoint(ctx, &applied)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.Equal(t, uint32(len(payload)), size)
	require.Equal(t, payload, applied.Bytes())

	require.NoError(t, secondary.SendAck(ctx))
	require.NoError(t, primary.AwaitAck(ctx))
}

func TestTransportRecvCheckpointReportsCancel(t *testing.T) {
	toPrimary := &bytes.Buffer{}
	require.NoError(t, replctl.WriteSentinel(toPrimary, replctl.CANCEL))
	wire := replctl.New(&pipeRW{send: &bytes.Buffer{}, recv: toPrimary})

	var applied bytes.Buffer
	cancelled, _, err := wire.RecvCheckpoint(context.Background(), &applied)
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestTransportCloseClosesUnderlyingCloser(t *testing.T) {
	closed := false
	wire := replctl.New(&closingRW{closed: &closed})
	require.NoError(t, wire.Close())
	require.True(t, closed)
}

type closingRW struct {
	closed *bool
}

func (c *closingRW) Write(b []byte) (int, error) { return len(b), nil }
func (c *closingRW) Read(b []byte) (int, error)  { return 0, nil }
func (c *closingRW) Close() error                { *c.closed = true; return nil }
