package mcloop_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/mcloop"
	"github.com/kvtransit/mcreplica/pkg/trafficbuffer"
)

type fakeDriver struct{}

func (f *fakeDriver) CreatePlug(device string, limitBytes uint32) error { return nil }
func (f *fakeDriver) InsertBarrier(device string) error                { return nil }
func (f *fakeDriver) ReleaseOne(device string) error                   { return nil }
func (f *fakeDriver) ReleaseIndefinite(device string) error            { return nil }
func (f *fakeDriver) Destroy(device string) error                      { return nil }
func (f *fakeDriver) Size(device string) (uint32, error)               { return 0, nil }

type fakeTransport struct {
	initialAckErr error
	sendErr       error
	ackErr        error
	closed        bool

	sent [][]byte
}

func (f *fakeTransport) AwaitInitialAck(ctx context.Context) error { return f.initialAckErr }

func (f *fakeTransport) SendCheckpoint(ctx context.Context, r io.Reader, size uint32) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, size)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			break
		}
	}
	f.sent = append(f.sent, buf[:n])
	return nil
}

func (f *fakeTransport) AwaitAck(ctx context.Context) error { return f.ackErr }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newLoop(t *testing.T, hv hypervisor.Hypervisor, tr *fakeTransport) *mcloop.Loop {
	t.Helper()
	buf := trafficbuffer.New(&fakeDriver{}, trafficbuffer.Config{}, zerolog.Nop())
	require.NoError(t, buf.Enable(context.Background(), []hypervisor.NIC{{PeerDevice: "tap0"}}))
	return mcloop.New(hv, buf, tr, mcloop.Config{FreqMS: 1}, zerolog.Nop())
}

func TestRunFailsInitialHandshake(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{initialAckErr: errors.New("no ack")}
	l := newLoop(t, hv, tr)

	err := l.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, mcloop.StateError, l.State())
	require.True(t, tr.closed)
}

func TestStopTransitionsToCompletedAfterCurrentTick(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	hv.NextDirty = []byte("dirty state")
	tr := &fakeTransport{}
	l := newLoop(t, hv, tr)

	l.Stop()
	err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, mcloop.StateCompleted, l.State())
	require.True(t, tr.closed)
}

func TestTickSendsSavedBytesAndAwaitsAck(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	hv.NextDirty = []byte("the checkpoint payload")
	tr := &fakeTransport{}
	l := newLoop(t, hv, tr)

	l.Stop() // after one tick
	require.NoError(t, l.Run(context.Background()))

	require.Len(t, tr.sent, 1)
	require.True(t, bytes.Equal(tr.sent[0], hv.NextDirty))
}

func TestSaveStateErrorTransitionsToError(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{}
	l := newLoop(t, hv, tr)

	// A save op already in progress makes the loop's own SaveStateBegin
	// fail on its first tick.
	require.NoError(t, hv.SaveStateBegin(context.Background(), &bytes.Buffer{}))

	err := l.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, mcloop.StateError, l.State())
}

func TestSendCheckpointErrorTransitionsToError(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{sendErr: errors.New("link down")}
	l := newLoop(t, hv, tr)

	err := l.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, mcloop.StateError, l.State())
	require.ErrorIs(t, l.Err(), tr.sendErr)
}
