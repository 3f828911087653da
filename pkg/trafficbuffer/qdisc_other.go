//go:build !linux

package trafficbuffer

import "errors"

// errNoNetlink is returned by every NetlinkDriver method on platforms
// without NETLINK_ROUTE, mirroring pkg/rdma/verbs_other.go's stub
// pattern so cmd/ binaries still build everywhere even though the real
// qdisc plug is Linux-only.
var errNoNetlink = errors.New("trafficbuffer: netlink qdisc driver is only available on linux")

// NetlinkDriver is an unusable stub on non-Linux platforms.
type NetlinkDriver struct{}

// NewNetlinkDriver returns a Driver every method of which fails.
func NewNetlinkDriver() *NetlinkDriver { return &NetlinkDriver{} }

func (d *NetlinkDriver) CreatePlug(device string, limitBytes uint32) error { return errNoNetlink }
func (d *NetlinkDriver) InsertBarrier(device string) error                 { return errNoNetlink }
func (d *NetlinkDriver) ReleaseOne(device string) error                    { return errNoNetlink }
func (d *NetlinkDriver) ReleaseIndefinite(device string) error             { return errNoNetlink }
func (d *NetlinkDriver) Destroy(device string) error                       { return errNoNetlink }
func (d *NetlinkDriver) Size(device string) (uint32, error)                { return 0, errNoNetlink }
