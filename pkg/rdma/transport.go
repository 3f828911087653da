package rdma

// wireTransport is the set of verb operations the control-exchange
// engine and write engine need. *verbs (real cgo bindings or the
// build-tag stub) satisfies it; tests substitute a fake so this
// package's bookkeeping is exercised without real hardware.
type wireTransport interface {
	PostSend(wrID uint64, buf []byte, lkey uint32) error
	PostRecv(wrID uint64, buf []byte, lkey uint32) error
	PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error
	PollOnce() (CompletionEvent, bool, error)
	RegisterMemory(buf []byte) (PinHandle, error)
	DeregisterMemory(h PinHandle) error
	Close() error
}

var _ wireTransport = (*verbs)(nil)
