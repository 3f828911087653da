//go:build linux && cgo

package rdma

// #cgo LDFLAGS: -libverbs -lrdmacm
// #include <stdlib.h>
// #include <string.h>
// #include <rdma/rdma_cma.h>
// #include <infiniband/verbs.h>
//
// static int mcr_post_send(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
//                           uint32_t length, uint32_t lkey, int opcode,
//                           uint64_t remote_addr, uint32_t rkey) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr, *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = length > 0 ? 1 : 0;
//     wr.opcode = opcode;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// static int mcr_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
//                           uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr, *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// static int mcr_poll_cq(struct ibv_cq *cq, struct ibv_wc *wc) {
//     return ibv_poll_cq(cq, 1, wc);
// }
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// verbs wraps the process-wide rdmacm event channel plus one
// ibv_context/ibv_pd pair, mirroring RDMAContext in migration-rdma.c.
type verbs struct {
	mu sync.Mutex

	channel *C.struct_rdma_event_channel
	id      *C.struct_rdma_cm_id
	pd      *C.struct_ibv_pd
	cq      *C.struct_ibv_cq
	qp      *C.struct_ibv_qp

	lastPeerData []byte
	lastEventID  *C.struct_rdma_cm_id

	sendMax uint32
}

// maxRecvWR matches migration-rdma.c's fixed receive depth: the
// control channel never needs more than a handful of posted RECVs
// outstanding (§4.5).
const maxRecvWR = 3

// PinHandle is an opaque handle to one ibv_mr registration, returned by
// RegisterMemory and consumed by DeregisterMemory (§4.6). On non-Linux
// or non-cgo builds it is an empty struct (see verbs_other.go); the
// portable layers of this package only ever pass it through.
type PinHandle struct {
	mr   *C.struct_ibv_mr
	addr unsafe.Pointer
}

// RKey and Addr expose the fields a control-exchange REGISTER_RESULT
// record needs (§4.7).
func (h PinHandle) RKey() uint32 {
	if h.mr == nil {
		return 0
	}
	return uint32(h.mr.rkey)
}

func (h PinHandle) LKey() uint32 {
	if h.mr == nil {
		return 0
	}
	return uint32(h.mr.lkey)
}

func (h PinHandle) HostAddr() uint64 {
	return uint64(uintptr(h.addr))
}

// newVerbs allocates the event channel used to drive rdma_cm address
// and route resolution (§4.1).
func newVerbs(sendMax uint32) (*verbs, error) {
	ch, errno := C.rdma_create_event_channel()
	if ch == nil {
		return nil, fmt.Errorf("rdma: rdma_create_event_channel failed: %w", errno)
	}
	return &verbs{channel: ch, sendMax: sendMax}, nil
}

// ResolveAndConnect performs address resolution, route resolution, QP
// creation, and rdma_connect for the connecting (source) side, mirroring
// qemu_rdma_connect in migration-rdma.c.
func (v *verbs) ResolveAndConnect(host string, port int, timeoutMS int, preferIPv6 bool, privateData []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ret, errno := C.rdma_create_id(v.channel, &v.id, nil, C.RDMA_PS_TCP); ret != 0 {
		return fmt.Errorf("rdma: rdma_create_id: %w", errno)
	}

	hints := C.struct_addrinfo{}
	if preferIPv6 {
		hints.ai_family = C.AF_INET6
	} else {
		hints.ai_family = C.AF_INET
	}
	hints.ai_socktype = C.SOCK_STREAM

	cHost := C.CString(host)
	defer C.free(unsafe.Pointer(cHost))
	cPort := C.CString(fmt.Sprintf("%d", port))
	defer C.free(unsafe.Pointer(cPort))

	var res *C.struct_addrinfo
	if ret := C.getaddrinfo(cHost, cPort, &hints, &res); ret != 0 {
		return fmt.Errorf("rdma: getaddrinfo(%s:%d) failed", host, port)
	}
	defer C.freeaddrinfo(res)

	if ret, errno := C.rdma_resolve_addr(v.id, nil, res.ai_addr, C.int(timeoutMS)); ret != 0 {
		return fmt.Errorf("rdma: rdma_resolve_addr: %w", errno)
	}
	if err := v.waitEvent(C.RDMA_CM_EVENT_ADDR_RESOLVED); err != nil {
		return err
	}

	if ret, errno := C.rdma_resolve_route(v.id, C.int(timeoutMS)); ret != 0 {
		return fmt.Errorf("rdma: rdma_resolve_route: %w", errno)
	}
	if err := v.waitEvent(C.RDMA_CM_EVENT_ROUTE_RESOLVED); err != nil {
		return err
	}

	if err := v.createQueuePair(); err != nil {
		return err
	}

	var connParam C.struct_rdma_conn_param
	if len(privateData) > 0 {
		connParam.private_data = unsafe.Pointer(&privateData[0])
		connParam.private_data_len = C.uint8_t(len(privateData))
	}
	connParam.initiator_depth = 4
	connParam.responder_resources = 4
	connParam.retry_count = 5

	if ret, errno := C.rdma_connect(v.id, &connParam); ret != 0 {
		return fmt.Errorf("rdma: rdma_connect: %w", errno)
	}

	_, err := v.waitEventData(C.RDMA_CM_EVENT_ESTABLISHED)
	return err
}

// ResolveAndConnectCapturingPeer is ResolveAndConnect, additionally
// returning the private data the peer attached to its ESTABLISHED
// event (the peer's capability record, §4.5).
func (v *verbs) ResolveAndConnectCapturingPeer(host string, port int, timeoutMS int, preferIPv6 bool, privateData []byte) ([]byte, error) {
	if err := v.ResolveAndConnect(host, port, timeoutMS, preferIPv6, privateData); err != nil {
		return nil, err
	}
	return v.lastPeerData, nil
}

// Listen binds and listens for an incoming connection on host:port,
// mirroring the destination side's qemu_rdma_accept setup in
// migration-rdma.c.
func (v *verbs) Listen(host string, port int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ret, errno := C.rdma_create_id(v.channel, &v.id, nil, C.RDMA_PS_TCP); ret != 0 {
		return fmt.Errorf("rdma: rdma_create_id: %w", errno)
	}

	hints := C.struct_addrinfo{}
	hints.ai_family = C.AF_UNSPEC
	hints.ai_socktype = C.SOCK_STREAM
	hints.ai_flags = C.AI_PASSIVE

	cHost := C.CString(host)
	defer C.free(unsafe.Pointer(cHost))
	cPort := C.CString(fmt.Sprintf("%d", port))
	defer C.free(unsafe.Pointer(cPort))

	var res *C.struct_addrinfo
	if ret := C.getaddrinfo(cHost, cPort, &hints, &res); ret != 0 {
		return fmt.Errorf("rdma: getaddrinfo(%s:%d) failed", host, port)
	}
	defer C.freeaddrinfo(res)

	if ret, errno := C.rdma_bind_addr(v.id, res.ai_addr); ret != 0 {
		return fmt.Errorf("rdma: rdma_bind_addr: %w", errno)
	}
	if ret, errno := C.rdma_listen(v.id, 1); ret != 0 {
		return fmt.Errorf("rdma: rdma_listen: %w", errno)
	}
	return nil
}

// Accept waits for one CONNECT_REQUEST, builds the QP on the new
// per-connection id, and completes the handshake, returning the
// private data the connecting peer attached to its request.
func (v *verbs) Accept(privateData []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	peerData, err := v.waitEventData(C.RDMA_CM_EVENT_CONNECT_REQUEST)
	if err != nil {
		return nil, err
	}
	v.id = v.lastEventID

	if err := v.createQueuePair(); err != nil {
		return nil, err
	}

	var connParam C.struct_rdma_conn_param
	if len(privateData) > 0 {
		connParam.private_data = unsafe.Pointer(&privateData[0])
		connParam.private_data_len = C.uint8_t(len(privateData))
	}
	connParam.initiator_depth = 4
	connParam.responder_resources = 4

	if ret, errno := C.rdma_accept(v.id, &connParam); ret != 0 {
		return nil, fmt.Errorf("rdma: rdma_accept: %w", errno)
	}

	if _, err := v.waitEventData(C.RDMA_CM_EVENT_ESTABLISHED); err != nil {
		return nil, err
	}

	return peerData, nil
}

// createQueuePair sizes the CQ at 3x send_max and the QP's send depth
// at send_max, per §4.5.
func (v *verbs) createQueuePair() error {
	v.pd = C.ibv_alloc_pd(v.id.verbs)
	if v.pd == nil {
		return fmt.Errorf("rdma: ibv_alloc_pd failed")
	}

	v.cq = C.ibv_create_cq(v.id.verbs, C.int(3*v.sendMax), nil, nil, 0)
	if v.cq == nil {
		return fmt.Errorf("rdma: ibv_create_cq failed")
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = v.cq
	attr.recv_cq = v.cq
	attr.qp_type = C.IBV_QPT_RC
	attr.cap.max_send_wr = C.uint32_t(v.sendMax)
	attr.cap.max_recv_wr = maxRecvWR
	attr.cap.max_send_sge = 1
	attr.cap.max_recv_sge = 1

	if ret, errno := C.rdma_create_qp(v.id, v.pd, &attr); ret != 0 {
		return fmt.Errorf("rdma: rdma_create_qp: %w", errno)
	}
	v.qp = v.id.qp

	return nil
}

// waitEvent blocks for the next rdma_cm event and verifies it matches
// want. waitEventData is the general form that also captures the
// event's private data and originating id before acking (mirrors the
// qemu_rdma_wait_comp_channel-adjacent cm event loops in
// migration-rdma.c, which always check event->event before acking).
func (v *verbs) waitEvent(want C.enum_rdma_cm_event_type) error {
	_, err := v.waitEventData(want)
	return err
}

func (v *verbs) waitEventData(want C.enum_rdma_cm_event_type) ([]byte, error) {
	var event *C.struct_rdma_cm_event
	if ret, errno := C.rdma_get_cm_event(v.channel, &event); ret != 0 {
		return nil, fmt.Errorf("rdma: rdma_get_cm_event: %w", errno)
	}
	got := event.event
	v.lastEventID = event.id

	var data []byte
	if n := event.param.conn.private_data_len; n > 0 && event.param.conn.private_data != nil {
		data = C.GoBytes(event.param.conn.private_data, C.int(n))
	}
	v.lastPeerData = data
	C.rdma_ack_cm_event(event)

	if got != want {
		return nil, fmt.Errorf("rdma: unexpected cm event %d, want %d", got, want)
	}
	return data, nil
}

// RegisterMemory pins a host buffer for local and remote RDMA access
// (§4.6 "register on demand").
func (v *verbs) RegisterMemory(buf []byte) (PinHandle, error) {
	if len(buf) == 0 {
		return PinHandle{}, fmt.Errorf("rdma: cannot register empty buffer")
	}
	const access = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ
	addr := unsafe.Pointer(&buf[0])
	mr, errno := C.ibv_reg_mr(v.pd, addr, C.size_t(len(buf)), access)
	if mr == nil {
		return PinHandle{}, fmt.Errorf("rdma: ibv_reg_mr failed: %w", errno)
	}
	return PinHandle{mr: mr, addr: addr}, nil
}

// DeregisterMemory releases a pinned region (§4.6 "unregister queue").
func (v *verbs) DeregisterMemory(h PinHandle) error {
	if h.mr == nil {
		return nil
	}
	if ret, errno := C.ibv_dereg_mr(h.mr); ret != 0 {
		return fmt.Errorf("rdma: ibv_dereg_mr failed: %w", errno)
	}
	return nil
}

// PostSend posts a SEND work request on the control channel.
func (v *verbs) PostSend(wrID uint64, buf []byte, lkey uint32) error {
	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	ret, errno := C.mcr_post_send(v.qp, C.uint64_t(wrID), C.uint64_t(uintptr(addr)),
		C.uint32_t(len(buf)), C.uint32_t(lkey), C.IBV_WR_SEND, 0, 0)
	if ret != 0 {
		return fmt.Errorf("rdma: ibv_post_send(SEND) failed: %w", errno)
	}
	return nil
}

// PostRecv posts a RECV work request for the control channel (the
// posted-RECV discipline in §4.7: the peer must have a RECV posted
// before the corresponding SEND arrives).
func (v *verbs) PostRecv(wrID uint64, buf []byte, lkey uint32) error {
	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	ret, errno := C.mcr_post_recv(v.qp, C.uint64_t(wrID), C.uint64_t(uintptr(addr)), C.uint32_t(len(buf)), C.uint32_t(lkey))
	if ret != 0 {
		return fmt.Errorf("rdma: ibv_post_recv failed: %w", errno)
	}
	return nil
}

// PostWrite posts a one-sided RDMA WRITE to the peer's pinned chunk
// (§4.8).
func (v *verbs) PostWrite(wrID uint64, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32) error {
	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	ret, errno := C.mcr_post_send(v.qp, C.uint64_t(wrID), C.uint64_t(uintptr(addr)),
		C.uint32_t(len(buf)), C.uint32_t(lkey), C.IBV_WR_RDMA_WRITE, C.uint64_t(remoteAddr), C.uint32_t(rkey))
	if ret != 0 {
		return fmt.Errorf("rdma: ibv_post_send(RDMA_WRITE) failed: %w", errno)
	}
	return nil
}

// CompletionEvent mirrors the fields of struct ibv_wc that this
// package's poll loop needs (wr_id carries the packed WorkRequestID).
type CompletionEvent struct {
	WRID   uint64
	Status uint32
	Opcode uint32
}

// PollOnce drains up to one completion, returning ok=false when the CQ
// is currently empty (mirrors qemu_rdma_poll's non-blocking ibv_poll_cq
// loop in migration-rdma.c).
func (v *verbs) PollOnce() (CompletionEvent, bool, error) {
	var wc C.struct_ibv_wc
	n := C.mcr_poll_cq(v.cq, &wc)
	if n < 0 {
		return CompletionEvent{}, false, fmt.Errorf("rdma: ibv_poll_cq failed")
	}
	if n == 0 {
		return CompletionEvent{}, false, nil
	}
	return CompletionEvent{
		WRID:   uint64(wc.wr_id),
		Status: uint32(wc.status),
		Opcode: uint32(wc.opcode),
	}, true, nil
}

// Close tears down the queue pair, PD, and rdma_cm identifier.
func (v *verbs) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.id != nil && v.id.qp != nil {
		C.rdma_destroy_qp(v.id)
	}
	if v.cq != nil {
		C.ibv_destroy_cq(v.cq)
		v.cq = nil
	}
	if v.pd != nil {
		C.ibv_dealloc_pd(v.pd)
		v.pd = nil
	}
	if v.id != nil {
		C.rdma_destroy_id(v.id)
		v.id = nil
	}
	if v.channel != nil {
		C.rdma_destroy_event_channel(v.channel)
		v.channel = nil
	}
	return nil
}
