package mcrecv_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/mcrecv"
)

type fakeTransport struct {
	initialAckErr error
	ackErr        error

	checkpoints [][]byte
	cancelAfter int // index at which RecvCheckpoint reports cancelled
	recvErr     error

	closed bool
	calls  int
}

func (f *fakeTransport) SendInitialAck(ctx context.Context) error { return f.initialAckErr }

func (f *fakeTransport) RecvCheckpoint(ctx context.Context, dst io.Writer) (bool, uint32, error) {
	if f.recvErr != nil {
		return false, 0, f.recvErr
	}
	if f.calls >= len(f.checkpoints) {
		return true, 0, nil
	}
	payload := f.checkpoints[f.calls]
	f.calls++
	if len(payload) == 0 {
		return false, 0, nil
	}
	n, err := dst.Write(payload)
	return false, uint32(n), err
}

func (f *fakeTransport) SendAck(ctx context.Context) error { return f.ackErr }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestRunReplaysEachCheckpointThroughLoadState(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{checkpoints: [][]byte{[]byte("first"), []byte("second")}}
	r := mcrecv.New(hv, tr, mcrecv.Config{}, zerolog.Nop())

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, mcrecv.StateCompleted, r.State())
	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, hv.Applied)
	require.True(t, tr.closed)
}

func TestRunFailsOnInitialAckError(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{initialAckErr: errors.New("no ack")}
	r := mcrecv.New(hv, tr, mcrecv.Config{}, zerolog.Nop())

	err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, mcrecv.StateError, r.State())
}

func TestRunFailsOnZeroSizeCheckpoint(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	tr := &fakeTransport{checkpoints: [][]byte{{}}}
	r := mcrecv.New(hv, tr, mcrecv.Config{}, zerolog.Nop())

	err := r.Run(context.Background())
	require.ErrorIs(t, err, mcrecv.ErrZeroSizeCheckpoint)
	require.Equal(t, mcrecv.StateError, r.State())
}

func TestRunExitsProcessOnLoadStateFailure(t *testing.T) {
	hv := hypervisor.NewFake(nil, nil)
	hv.LoadStateErr = errors.New("corrupt checkpoint")
	tr := &fakeTransport{checkpoints: [][]byte{[]byte("bad")}}
	r := mcrecv.New(hv, tr, mcrecv.Config{}, zerolog.Nop())

	var exitCode int
	var exited bool
	r.SetExitFunc(func(code int) { exited = true; exitCode = code })

	err := r.Run(context.Background())
	require.Error(t, err)
	require.True(t, exited)
	require.Equal(t, 1, exitCode)
}
