// Package bytestream adapts a slab.Ring to the hypervisor's save/load
// byte-stream interface (C2). It is deliberately thin: all staging
// logic lives in pkg/slab, this package only satisfies io.Writer/
// io.Reader against the ring's Put/Get.
package bytestream

import (
	"io"

	"github.com/kvtransit/mcreplica/pkg/slab"
)

// Adapter is an io.Writer (for hypervisor save-state) and io.Reader (for
// hypervisor load-state) backed by a slab.Ring.
type Adapter struct {
	ring *slab.Ring
}

// New wraps ring in a byte-stream adapter.
func New(ring *slab.Ring) *Adapter {
	return &Adapter{ring: ring}
}

// Write implements io.Writer by appending to the ring. It never
// short-writes, matching slab.Ring.Put's contract.
func (a *Adapter) Write(p []byte) (int, error) {
	return a.ring.Put(p), nil
}

// Read implements io.Reader by draining the ring. It returns io.EOF only
// once the caller has asked for bytes and the ring has none left to
// give, matching the semantics load-state needs to know when the
// checkpoint has been fully replayed.
func (a *Adapter) Read(p []byte) (int, error) {
	n := a.ring.Get(p, len(p))
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}
