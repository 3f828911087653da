package rdma

// unregisterItem names one chunk queued for speculative unpin.
type unregisterItem struct {
	block *LocalBlock
	chunk int
}

// UnregisterQueue is a fixed-capacity ring of chunks that have
// completed a WRITE and may be safe to deregister speculatively
// (§4.8 "Unregister queue"). Enqueue is guarded by each block's
// UnregisterBitmap so a chunk is never queued twice.
type UnregisterQueue struct {
	items    []unregisterItem
	head     int
	tail     int
	count    int
	capacity int
	enabled  bool
}

// NewUnregisterQueue allocates a queue with capacity send_max, as
// §4.8 specifies. Disabled by default; production wiring enables it
// only when pin_all is off and the unregistration-example feature is
// turned on, matching migration-rdma.c's rdma_unregistration_enabled.
func NewUnregisterQueue(sendMax uint32) *UnregisterQueue {
	capacity := int(sendMax)
	if capacity <= 0 {
		capacity = 1
	}
	return &UnregisterQueue{items: make([]unregisterItem, capacity), capacity: capacity}
}

// Enable turns on speculative unpinning.
func (q *UnregisterQueue) Enable()  { q.enabled = true }
func (q *UnregisterQueue) Enabled() bool { return q.enabled }

// Enqueue adds chunk to the ring unless it is already queued, per the
// UnregisterBitmap guard.
func (q *UnregisterQueue) Enqueue(block *LocalBlock, chunk int) {
	if chunk >= len(block.UnregisterBitmap) {
		return
	}
	if block.UnregisterBitmap[chunk] {
		return
	}
	if q.count == q.capacity {
		return
	}
	block.UnregisterBitmap[chunk] = true
	q.items[q.tail] = unregisterItem{block: block, chunk: chunk}
	q.tail = (q.tail + 1) % q.capacity
	q.count++
}

// Drain removes and returns every currently queued item, clearing
// each one's UnregisterBitmap bit so it may be re-enqueued later.
func (q *UnregisterQueue) Drain() []unregisterItem {
	out := make([]unregisterItem, 0, q.count)
	for q.count > 0 {
		item := q.items[q.head]
		q.head = (q.head + 1) % q.capacity
		q.count--
		item.block.UnregisterBitmap[item.chunk] = false
		out = append(out, item)
	}
	return out
}

// Len reports how many chunks are currently queued.
func (q *UnregisterQueue) Len() int { return q.count }
