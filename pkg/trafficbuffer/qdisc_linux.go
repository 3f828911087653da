//go:build linux

package trafficbuffer

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NetlinkDriver drives a Linux "plug" qdisc over NETLINK_ROUTE, the same
// mechanism the original C implementation reaches via libnl3. There is
// no netlink library anywhere in the reference pack (see DESIGN.md), so
// this is built directly on golang.org/x/sys/unix, in the same
// raw-syscall idiom the teacher uses for sendmsg/recvmsg/setsockopt.
type NetlinkDriver struct {
	seq uint32
}

// NewNetlinkDriver returns a Driver backed by a real rtnetlink socket.
func NewNetlinkDriver() *NetlinkDriver {
	return &NetlinkDriver{}
}

// tc_plug_qopt actions (linux/pkt_sched.h).
const (
	tcqPlugBuffer            = 0
	tcqPlugReleaseOne        = 1
	tcqPlugReleaseIndefinite = 2
	tcqPlugLimit             = 3
)

const (
	rtmNewQdisc = 36
	rtmDelQdisc = 37

	tcaKind    = 1
	tcaOptions = 2

	nlmFRequest = 0x0100
	nlmFAck     = 0x0004
	nlmFCreate  = 0x0400
	nlmFExcl    = 0x0200
)

func (d *NetlinkDriver) CreatePlug(device string, limitBytes uint32) error {
	ifindex, err := interfaceIndex(device)
	if err != nil {
		return err
	}

	opt := encodePlugOpt(tcqPlugBuffer, limitBytes)

	return d.sendQdisc(rtmNewQdisc, nlmFRequest|nlmFAck|nlmFCreate|nlmFExcl, ifindex, opt)
}

func (d *NetlinkDriver) InsertBarrier(device string) error {
	ifindex, err := interfaceIndex(device)
	if err != nil {
		return err
	}
	opt := encodePlugOpt(tcqPlugBuffer, 0)
	return d.sendQdisc(rtmNewQdisc, nlmFRequest|nlmFAck, ifindex, opt)
}

func (d *NetlinkDriver) ReleaseOne(device string) error {
	ifindex, err := interfaceIndex(device)
	if err != nil {
		return err
	}
	opt := encodePlugOpt(tcqPlugReleaseOne, 0)
	return d.sendQdisc(rtmNewQdisc, nlmFRequest|nlmFAck, ifindex, opt)
}

func (d *NetlinkDriver) ReleaseIndefinite(device string) error {
	ifindex, err := interfaceIndex(device)
	if err != nil {
		return err
	}
	opt := encodePlugOpt(tcqPlugReleaseIndefinite, 0)
	return d.sendQdisc(rtmNewQdisc, nlmFRequest|nlmFAck, ifindex, opt)
}

func (d *NetlinkDriver) Destroy(device string) error {
	ifindex, err := interfaceIndex(device)
	if err != nil {
		return err
	}
	return d.sendQdisc(rtmDelQdisc, nlmFRequest|nlmFAck, ifindex, nil)
}

func (d *NetlinkDriver) Size(device string) (uint32, error) {
	// The kernel does not expose the configured limit back through a
	// simple query; the controller is the sole writer of it, so it is
	// tracked by the caller. Report zero here rather than fabricate a
	// read path that doesn't exist.
	return 0, nil
}

// encodePlugOpt packs a tc_plug_qopt struct (linux/pkt_sched.h):
//
//	struct tc_plug_qopt {
//	    int    action;
//	    __u32  limit;
//	};
//
// rtnetlink attributes are always host-native-endian, unlike the
// big-endian wire protocols elsewhere in this repository.
func encodePlugOpt(action int32, limit uint32) []byte {
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(action))
	binary.NativeEndian.PutUint32(buf[4:8], limit)
	return buf
}

// sendQdisc builds and sends one RTM_{NEW,DEL}QDISC message carrying a
// "plug" kind and (if non-nil) opt as its raw TCA_OPTIONS payload, then
// waits for the kernel's ACK.
func (d *NetlinkDriver) sendQdisc(msgType uint16, flags uint16, ifindex int32, opt []byte) error {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("trafficbuffer: open netlink socket: %w", err)
	}
	defer unix.Close(sock)

	if err := unix.Bind(sock, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("trafficbuffer: bind netlink socket: %w", err)
	}

	d.seq++
	msg := buildQdiscMessage(msgType, flags, d.seq, ifindex, opt)

	if err := unix.Sendto(sock, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("trafficbuffer: send netlink message: %w", err)
	}

	return readNetlinkAck(sock, d.seq)
}

// buildQdiscMessage lays out:
//
//	struct nlmsghdr { len, type, flags, seq, pid }
//	struct tcmsg     { family, pad1, pad2, ifindex, handle, parent, info }
//	rtattr{TCA_KIND, "plug\0"}
//	rtattr{TCA_OPTIONS, opt}   (only when opt != nil)
func buildQdiscMessage(msgType uint16, flags uint16, seq uint32, ifindex int32, opt []byte) []byte {
	kind := append([]byte("plug"), 0)

	tcmsg := make([]byte, 20)
	// family/pad1/pad2 left zero.
	binary.NativeEndian.PutUint32(tcmsg[4:8], uint32(ifindex))
	// handle, parent, info left zero: the default (only) qdisc instance
	// on this device, attached at the root, exactly as §4.2 specifies.

	kindAttr := encodeRTAttr(tcaKind, kind)

	body := append(tcmsg, kindAttr...)
	if opt != nil {
		body = append(body, encodeRTAttr(tcaOptions, opt)...)
	}

	hdr := make([]byte, 16)
	total := 16 + len(body)
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(total))
	binary.NativeEndian.PutUint16(hdr[4:6], msgType)
	binary.NativeEndian.PutUint16(hdr[6:8], flags)
	binary.NativeEndian.PutUint32(hdr[8:12], seq)
	binary.NativeEndian.PutUint32(hdr[12:16], uint32(os.Getpid()))

	return append(hdr, body...)
}

// encodeRTAttr packs one rtattr{len, type, data...}, padded to a 4-byte
// boundary as rtnetlink requires.
func encodeRTAttr(attrType uint16, data []byte) []byte {
	l := 4 + len(data)
	buf := make([]byte, align4(l))
	binary.NativeEndian.PutUint16(buf[0:2], uint16(l))
	binary.NativeEndian.PutUint16(buf[2:4], attrType)
	copy(buf[4:], data)
	return buf
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// readNetlinkAck reads one response and returns nil if it is a bare ACK
// matching seq, or the kernel's reported errno otherwise.
func readNetlinkAck(sock int, seq uint32) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(sock, buf, 0)
	if err != nil {
		return fmt.Errorf("trafficbuffer: recv netlink ack: %w", err)
	}
	if n < 16 {
		return fmt.Errorf("trafficbuffer: short netlink message (%d bytes)", n)
	}

	msgType := binary.NativeEndian.Uint16(buf[4:6])
	gotSeq := binary.NativeEndian.Uint32(buf[8:12])
	if gotSeq != seq {
		return fmt.Errorf("trafficbuffer: netlink ack sequence mismatch: got %d want %d", gotSeq, seq)
	}

	const nlmsgError = 2
	if msgType != nlmsgError {
		return nil
	}

	errno := int32(binary.NativeEndian.Uint32(buf[16:20]))
	if errno == 0 {
		return nil
	}

	return fmt.Errorf("trafficbuffer: netlink error: %w", unix.Errno(-errno))
}

// interfaceIndex resolves a device name to its kernel interface index.
func interfaceIndex(device string) (int32, error) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return 0, fmt.Errorf("trafficbuffer: lookup device %s: %w", device, err)
	}
	return int32(iface.Index), nil
}
