//go:build !linux || !cgo

package rdma

import "errors"

// errNoVerbs is returned by every verbs entry point on platforms or
// build configurations without libibverbs/librdmacm bindings. The
// portable layers of this package (control wire codecs, block
// registry, write-engine bookkeeping) are fully usable without this
// file; only Connection.Dial/Accept require the real implementation.
var errNoVerbs = errors.New("rdma: built without linux && cgo, no verbs transport available")

// PinHandle is an opaque handle to a pinned memory region. On this
// build it never holds a live registration.
type PinHandle struct{}

func (PinHandle) RKey() uint32     { return 0 }
func (PinHandle) LKey() uint32     { return 0 }
func (PinHandle) HostAddr() uint64 { return 0 }

type verbs struct {
	sendMax uint32
}

func newVerbs(sendMax uint32) (*verbs, error) { return nil, errNoVerbs }

func (v *verbs) ResolveAndConnect(host string, port int, timeoutMS int, preferIPv6 bool, privateData []byte) error {
	return errNoVerbs
}

func (v *verbs) ResolveAndConnectCapturingPeer(host string, port int, timeoutMS int, preferIPv6 bool, privateData []byte) ([]byte, error) {
	return nil, errNoVerbs
}

func (v *verbs) Listen(host string, port int) error { return errNoVerbs }

func (v *verbs) Accept(privateData []byte) ([]byte, error) { return nil, errNoVerbs }

func (v *verbs) RegisterMemory(buf []byte) (PinHandle, error) { return PinHandle{}, errNoVerbs }
func (v *verbs) DeregisterMemory(h PinHandle) error           { return errNoVerbs }
func (v *verbs) PostSend(wrID uint64, buf []byte, lkey uint32) error { return errNoVerbs }
func (v *verbs) PostRecv(wrID uint64, buf []byte, lkey uint32) error { return errNoVerbs }

func (v *verbs) PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	return errNoVerbs
}

// CompletionEvent mirrors the fields of struct ibv_wc that this
// package's poll loop needs.
type CompletionEvent struct {
	WRID   uint64
	Status uint32
	Opcode uint32
}

func (v *verbs) PollOnce() (CompletionEvent, bool, error) { return CompletionEvent{}, false, errNoVerbs }

func (v *verbs) Close() error { return nil }
