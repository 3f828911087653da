package rdma

import (
	"errors"
	"fmt"
)

// ErrState names the transport's error state (§5, §7). The sticky error
// itself is the first fatal error recorded on a Connection and returned
// by Connection.Err; nothing in this package returns ErrState.
var ErrState = errors.New("rdma: transport in error state")

// ErrProtocol covers unexpected message types, length overflow, and
// size mismatches on the control channel (§7 "Protocol").
var ErrProtocol = errors.New("rdma: protocol violation")

// ErrNetUnreachable is the error recorded when the keepalive watcher
// gives up on the peer (§4.9, mirrors -ENETUNREACH).
var ErrNetUnreachable = errors.New("rdma: peer unreachable (keepalive exhausted)")

func errShortBuffer(what string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrProtocol, what, want, got)
}
