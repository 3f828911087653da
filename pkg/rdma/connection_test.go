package rdma

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestConnection() *Connection {
	return &Connection{
		role:     RoleSource,
		log:      zerolog.Nop(),
		Registry: NewBlockRegistry(),
		Local:    Capabilities{Version: CapabilityVersion, Flags: CapPinAll | CapKeepalive},
	}
}

func TestNegotiateIntersectsWithPeer(t *testing.T) {
	c := newTestConnection()
	peer := Capabilities{Version: CapabilityVersion, Flags: CapKeepalive}
	require.NoError(t, c.negotiate(peer.Encode()))
	require.Equal(t, CapKeepalive, c.Local.Flags)
	require.False(t, c.PinAll())
	require.True(t, c.KeepaliveEnabled())
}

func TestNegotiateWithNoPeerDataLeavesLocalUnchanged(t *testing.T) {
	c := newTestConnection()
	require.NoError(t, c.negotiate(nil))
	require.Equal(t, CapPinAll|CapKeepalive, c.Local.Flags)
}

func TestErrIsStickyOnFirstSetErr(t *testing.T) {
	c := newTestConnection()
	first := errors.New("first failure")
	second := errors.New("second failure")

	c.setErr(first)
	c.setErr(second)

	require.ErrorIs(t, c.Err(), first)
	require.NotErrorIs(t, c.Err(), second)
}

func TestReportErrorOnceOnlyLogsFirstCall(t *testing.T) {
	c := newTestConnection()
	c.reportErrorOnce(errors.New("boom"))
	require.True(t, c.errReported)
	c.reportErrorOnce(errors.New("boom again"))
	require.True(t, c.errReported)
}
