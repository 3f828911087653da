package replctl

import (
	"context"
	"fmt"
	"io"
)

// Transport wraps a raw byte-stream connection (ordinarily a TCP
// net.Conn) with the COMMIT/size/payload/ACK sequence of §6. A single
// value implements both the primary's and the secondary's half of the
// exchange; which methods a given caller uses depends on which side of
// the connection it is running, not on any distinct type.
type Transport struct {
	rw     io.ReadWriter
	closer io.Closer
}

// New wraps rw (and, if it also implements io.Closer, arranges for
// Close to tear it down) as a replication-control transport.
func New(rw io.ReadWriter) *Transport {
	t := &Transport{rw: rw}
	if c, ok := rw.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// AwaitInitialAck blocks for the secondary's initial ACK (§4.3 step 0).
func (t *Transport) AwaitInitialAck(ctx context.Context) error {
	return ExpectSentinel(t.rw, ACK)
}

// SendCheckpoint sends COMMIT, the size prefix, and exactly size bytes
// read from r (§4.3 step 6, §6).
func (t *Transport) SendCheckpoint(ctx context.Context, r io.Reader, size uint32) error {
	return SendCommit(t.rw, r, size)
}

// AwaitAck blocks for the secondary's ACK of the checkpoint just sent
// (§4.3 step 7).
func (t *Transport) AwaitAck(ctx context.Context) error {
	return ExpectSentinel(t.rw, ACK)
}

// SendInitialAck sends the receiver's initial ACK (§4.4).
func (t *Transport) SendInitialAck(ctx context.Context) error {
	return WriteSentinel(t.rw, ACK)
}

// RecvCheckpoint blocks for one COMMIT (or CANCEL) sentinel, its size
// prefix, and exactly that many payload bytes, copied into dst (§4.4).
// cancelled is true iff the primary sent CANCEL instead of COMMIT (§9
// Design Notes: accepted even though nothing in this module's own
// primary path sends it).
func (t *Transport) RecvCheckpoint(ctx context.Context, dst io.Writer) (cancelled bool, size uint32, err error) {
	sentinel, n, err := RecvCommit(t.rw, dst)
	if err != nil {
		return false, 0, err
	}
	if sentinel == CANCEL {
		return true, 0, nil
	}
	return false, n, nil
}

// SendAck sends ACK for the checkpoint just received; the receiver
// sends it before replaying the checkpoint (§4.4).
func (t *Transport) SendAck(ctx context.Context) error {
	return WriteSentinel(t.rw, ACK)
}

// Close tears down the underlying connection, if it is closeable.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	if err := t.closer.Close(); err != nil {
		return fmt.Errorf("replctl: close transport: %w", err)
	}
	return nil
}
