package rdma

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// wridControlSend and wridControlRecv tag control-channel work
// requests so the completion handler can tell them apart from data
// WRITEs (§4.8's wr_id encoding, applied here to the control path).
const (
	wridControlSend = uint64(WRSendControl)
	wridControlRecv = uint64(WRRecvControl)
)

// ControlExchange drives the request/READY/response protocol of §4.7
// over one Connection's queue pair: both peers keep a RECV posted at
// all times, and a sender that expects a reply first waits for the
// peer's READY before posting its request.
type ControlExchange struct {
	t wireTransport

	recvBuf []byte
	recvKey uint32
	recvMR  PinHandle

	sendBuf []byte
	sendKey uint32
	sendMR  PinHandle

	readyExpected bool

	// checkErr, when set, is polled by AwaitMessage on every spin so a
	// keepalive watcher's independently-ticked liveness failure (§4.9)
	// interrupts a message wait that in-band traffic alone would never
	// unblock (§8 S2/S6). Left nil, AwaitMessage's old unconditional
	// wait is unchanged.
	checkErr func() error
}

// SetErrChecker installs the sticky-error seam AwaitMessage consults on
// every poll iteration. MCTransport wires this to the owning
// Connection's Err so a keepalive watcher's failure surfaces here
// instead of only on the next in-band message.
func (ce *ControlExchange) SetErrChecker(f func() error) {
	ce.checkErr = f
}

// NewControlExchange allocates and registers the shared control
// buffers — one for the posted RECV, one every SEND is copied into
// before posting, since the SGE lkey a real ibv_post_send validates
// must cover the exact memory the SGE addresses (§4.7) — and posts the
// first RECV, so the peer may SEND immediately.
func NewControlExchange(t wireTransport) (*ControlExchange, error) {
	ce := &ControlExchange{
		t:       t,
		recvBuf: make([]byte, MaxControlBuffer),
		sendBuf: make([]byte, MaxControlBuffer),
	}

	recvMR, err := t.RegisterMemory(ce.recvBuf)
	if err != nil {
		return nil, fmt.Errorf("rdma: register control recv buffer: %w", err)
	}
	ce.recvMR = recvMR
	ce.recvKey = recvMR.LKey()

	sendMR, err := t.RegisterMemory(ce.sendBuf)
	if err != nil {
		return nil, fmt.Errorf("rdma: register control send buffer: %w", err)
	}
	ce.sendMR = sendMR
	ce.sendKey = sendMR.LKey()

	if err := ce.postRecv(); err != nil {
		return nil, err
	}

	return ce, nil
}

func (ce *ControlExchange) postRecv() error {
	return ce.t.PostRecv(wridControlRecv, ce.recvBuf, ce.recvKey)
}

// SendReady announces this side is ready to receive the next control
// message.
func (ce *ControlExchange) SendReady() error {
	return ce.send(ControlHeader{Type: ControlReady}, nil)
}

// send copies the header and payload into the registered send buffer
// before posting, so the SGE lkey passed to PostSend always covers the
// exact bytes the SGE addresses.
func (ce *ControlExchange) send(hdr ControlHeader, payload []byte) error {
	hdr.Len = uint32(len(payload))
	total := ControlHeaderSize + len(payload)
	if total > len(ce.sendBuf) {
		return fmt.Errorf("rdma: control message of %d bytes exceeds send buffer", total)
	}
	copy(ce.sendBuf[:ControlHeaderSize], hdr.Encode())
	copy(ce.sendBuf[ControlHeaderSize:total], payload)
	return ce.t.PostSend(wridControlSend, ce.sendBuf[:total], ce.sendKey)
}

// decode parses one control message out of buf, copies its payload,
// and re-posts a RECV for the next message. It polls no completion
// itself: the caller must already know a RECV completion has landed in
// buf (AwaitMessage and the write engine's completion loop do the
// waiting; tests feed buf directly).
func (ce *ControlExchange) decode(buf []byte) (ControlHeader, []byte, error) {
	hdr, err := DecodeControlHeader(buf)
	if err != nil {
		return ControlHeader{}, nil, err
	}
	payload := make([]byte, hdr.Len)
	copy(payload, buf[ControlHeaderSize:ControlHeaderSize+int(hdr.Len)])
	if err := ce.postRecv(); err != nil {
		return ControlHeader{}, nil, err
	}
	return hdr, payload, nil
}

// ReadyExpected reports whether this side has a request outstanding
// that it is still waiting on an answer for. BeginRequest sets the flag
// when it expects a response; CompleteResponse and AwaitMessage clear it.
func (ce *ControlExchange) ReadyExpected() bool { return ce.readyExpected }

// BeginRequest implements the sending half of §4.7's gating discipline
// for a request that expects a response: if the peer still owes this
// side a READY, the caller must wait for it (via the completion
// handler) before calling BeginRequest. BeginRequest then posts an
// extra RECV for the anticipated response and sends the request.
func (ce *ControlExchange) BeginRequest(msgType ControlType, payload []byte, repeat uint32, expectResponse bool) error {
	if expectResponse {
		if err := ce.postRecv(); err != nil {
			return err
		}
		ce.readyExpected = true
	}
	return ce.send(ControlHeader{Type: msgType, Repeat: repeat}, payload)
}

// CompleteResponse clears the ready-expected flag once a response has
// been observed by the completion handler and decoded.
func (ce *ControlExchange) CompleteResponse(buf []byte) (ControlHeader, []byte, error) {
	hdr, payload, err := ce.decode(buf)
	if err != nil {
		return ControlHeader{}, nil, err
	}
	ce.readyExpected = false
	return hdr, payload, nil
}

// AwaitMessage blocks (busy-polling the completion queue, §5's
// block_for_wrid "blocking" scheduling strategy) until the next
// control-channel RECV completes, then decodes it. Control-SEND
// completions are drained and ignored; a non-success completion status
// is fatal (§7 "Transport runtime").
func (ce *ControlExchange) AwaitMessage() (ControlHeader, []byte, error) {
	for {
		if ce.checkErr != nil {
			if err := ce.checkErr(); err != nil {
				return ControlHeader{}, nil, err
			}
		}

		ev, ok, err := ce.t.PollOnce()
		if err != nil {
			return ControlHeader{}, nil, err
		}
		if !ok {
			continue
		}
		if ev.Status != 0 {
			return ControlHeader{}, nil, fmt.Errorf("%w: control completion status %d", ErrProtocol, ev.Status)
		}
		if ev.WRID != wridControlRecv {
			continue
		}
		hdr, payload, err := ce.decode(ce.recvBuf)
		if err != nil {
			return ControlHeader{}, nil, err
		}
		ce.readyExpected = false
		return hdr, payload, nil
	}
}

// Close deregisters both control buffers, aggregating any failures so a
// problem deregistering one side doesn't hide a problem on the other.
func (ce *ControlExchange) Close() error {
	var errs *multierror.Error
	if err := ce.t.DeregisterMemory(ce.recvMR); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("deregister control recv buffer: %w", err))
	}
	if err := ce.t.DeregisterMemory(ce.sendMR); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("deregister control send buffer: %w", err))
	}
	return errs.ErrorOrNil()
}
