package trafficbuffer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/trafficbuffer"
)

type fakeDriver struct {
	created     string
	barriers    int
	releasedOne int
	failNext    error
}

func (f *fakeDriver) CreatePlug(device string, limitBytes uint32) error {
	f.created = device
	return nil
}

func (f *fakeDriver) InsertBarrier(device string) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.barriers++
	return nil
}

func (f *fakeDriver) ReleaseOne(device string) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.releasedOne++
	return nil
}

func (f *fakeDriver) ReleaseIndefinite(device string) error { return nil }
func (f *fakeDriver) Destroy(device string) error            { return nil }
func (f *fakeDriver) Size(device string) (uint32, error)     { return 0, nil }

func TestEnableDerivesBufferDeviceFromTapPeer(t *testing.T) {
	d := &fakeDriver{}
	c := trafficbuffer.New(d, trafficbuffer.Config{}, zerolog.Nop())

	err := c.Enable(context.Background(), []hypervisor.NIC{{Name: "eth0", PeerDevice: "tap0"}})
	require.NoError(t, err)
	require.Equal(t, "ifb0", d.created)
	require.True(t, c.Enabled())
}

func TestEnableWithNoMatchingNICDowngradesSilently(t *testing.T) {
	d := &fakeDriver{}
	c := trafficbuffer.New(d, trafficbuffer.Config{}, zerolog.Nop())

	err := c.Enable(context.Background(), []hypervisor.NIC{{Name: "eth0", PeerDevice: "vnet0"}})
	require.NoError(t, err)
	require.False(t, c.Enabled())
}

func TestInsertBarrierThenReleaseOne(t *testing.T) {
	d := &fakeDriver{}
	c := trafficbuffer.New(d, trafficbuffer.Config{}, zerolog.Nop())
	require.NoError(t, c.Enable(context.Background(), []hypervisor.NIC{{PeerDevice: "tap3"}}))

	c.InsertBarrier(context.Background())
	c.ReleaseOne(context.Background())

	require.Equal(t, 1, d.barriers)
	require.Equal(t, 1, d.releasedOne)
	require.True(t, c.Enabled())
}

func TestRuntimeFailureDowngradesInsteadOfAborting(t *testing.T) {
	d := &fakeDriver{failNext: errors.New("netlink says no")}
	c := trafficbuffer.New(d, trafficbuffer.Config{}, zerolog.Nop())
	require.NoError(t, c.Enable(context.Background(), []hypervisor.NIC{{PeerDevice: "tap0"}}))

	c.InsertBarrier(context.Background())

	require.False(t, c.Enabled())

	// Subsequent calls are no-ops, not panics or errors surfaced up.
	c.ReleaseOne(context.Background())
	require.Equal(t, 0, d.releasedOne)
}

func TestEnableDisableRoundTrip(t *testing.T) {
	d := &fakeDriver{}
	c := trafficbuffer.New(d, trafficbuffer.Config{}, zerolog.Nop())
	require.NoError(t, c.Enable(context.Background(), []hypervisor.NIC{{PeerDevice: "tap0"}}))
	require.True(t, c.Enabled())

	require.NoError(t, c.Disable(context.Background()))
	require.False(t, c.Enabled())
}
