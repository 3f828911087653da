// Package rdma implements the remote-DMA transport: connection setup
// over librdmacm/libibverbs (C6), the block registry tracking guest RAM
// and its pinning state (C7), the SEND/RECV control-message exchange
// (C8), the RDMA WRITE-posting write engine (C9), and the liveness
// keepalive (C10).
//
// The verbs themselves are reached through cgo (verbs_linux.go, built
// only on linux with cgo enabled); every other file in this package is
// portable Go operating on plain data, so the merge/flush logic, wire
// codecs, block registry, and keepalive miss-counting can all be
// exercised by tests without a real RDMA-capable NIC.
package rdma
