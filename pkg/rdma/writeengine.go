package rdma

import (
	"errors"
	"fmt"
	"unsafe"
)

// cursor tracks one running write-engine range: the block it belongs
// to, the VM-space address its pending bytes start at, and how many
// bytes are pending (§4.8).
type cursor struct {
	block  *LocalBlock
	addr   uint64
	length uint64
}

// chunkIndex returns which chunk of block the cursor's current start
// address falls in.
func (c *cursor) chunkIndex() int {
	return int((c.addr - c.block.Offset) / ChunkSize)
}

// mergeable reports whether extending this cursor by [addr, addr+length)
// stays contiguous, on the same block, and inside the cursor's current
// chunk (§4.8 merge rule).
func (c *cursor) mergeable(block *LocalBlock, addr, length uint64) bool {
	if c.length == 0 {
		return false
	}
	if c.block != block {
		return false
	}
	if c.addr+c.length != addr {
		return false
	}
	endChunk := int((addr + length - 1 - c.block.Offset) / ChunkSize)
	return endChunk == c.chunkIndex()
}

// ErrENOMEM marks a post that failed because the adapter transiently
// ran out of send-queue resources; postWriteWithRetry drains one
// completion and retries on it (§4.8 step 6).
var ErrENOMEM = errors.New("rdma: ENOMEM posting write, retrying after drain")

// WriteEngine is the §4.8 hot path: it merges contiguous save_page and
// copy_page calls into chunk-bounded ranges, registers chunks on
// demand (or uses the whole-block rkey in pin_all mode), elides
// all-zero chunks via COMPRESS, and serializes one RDMA WRITE per
// flushed range.
type WriteEngine struct {
	conn *Connection
	ce   *ControlExchange
	t    wireTransport

	remote    cursor
	localSrc  cursor
	localDest cursor

	unregister *UnregisterQueue

	nbSent int // in-flight signaled WRs, for Drain-CQ (§4.8)

	totalWrites        uint64
	totalRegistrations uint64
	totalCompressed    uint64

	// waitControlResponse blocks until the next control-channel
	// response has been decoded by the completion handler, returning
	// its raw buffer. Production wiring polls conn's CQ via
	// HandleCompletion; tests inject a canned sequence.
	waitControlResponse func() ([]byte, error)

	// chunkBytes, when set, returns the live contents of a RAM block's
	// chunk so chunkIsAllZero can inspect real guest memory (§4.8 step
	// 3, §8 S5). Left nil, chunkIsAllZero never elides a chunk, which
	// keeps callers that only exercise chunk bookkeeping (no real
	// backing memory behind LocalBlock.HostAddr) safe from reading
	// unmapped addresses.
	chunkBytes func(block *LocalBlock, chunkStart, length uint64) []byte
}

// SetChunkReader installs the function the write engine uses to read a
// RAM block's live chunk contents for the zero-page check. Production
// wiring passes HostMemoryChunkReader; tests that want to exercise
// COMPRESS elision without real pinned memory can inject their own.
func (we *WriteEngine) SetChunkReader(f func(block *LocalBlock, chunkStart, length uint64) []byte) {
	we.chunkBytes = f
}

// HostMemoryChunkReader reads a chunk directly out of a block's pinned
// host memory at HostAddr — the same bytes already registered for RDMA
// (§4.8 step 3). It is the production chunk reader; anything that
// hasn't actually pinned real memory at HostAddr must not use it.
func HostMemoryChunkReader(block *LocalBlock, chunkStart, length uint64) []byte {
	if block.HostAddr == 0 || length == 0 {
		return nil
	}
	ptr := unsafe.Pointer(block.HostAddr + uintptr(chunkStart))
	return unsafe.Slice((*byte)(ptr), length)
}

// NewWriteEngine builds a write engine bound to conn's queue pair and
// control exchange, with an unregister queue sized to send_max.
func NewWriteEngine(conn *Connection, ce *ControlExchange, t wireTransport, sendMax uint32) *WriteEngine {
	return &WriteEngine{
		conn:       conn,
		ce:         ce,
		t:          t,
		unregister: NewUnregisterQueue(sendMax),
	}
}

// Stats returns the read-only bookkeeping counters migration-rdma.c
// keeps on RDMAContext for observability.
type WriteEngineStats struct {
	TotalWrites        uint64
	TotalRegistrations uint64
	TotalCompressed    uint64
}

func (we *WriteEngine) Stats() WriteEngineStats {
	return WriteEngineStats{
		TotalWrites:        we.totalWrites,
		TotalRegistrations: we.totalRegistrations,
		TotalCompressed:    we.totalCompressed,
	}
}

// SavePage merges or flushes a range of guest RAM destined for a
// one-sided WRITE to the peer (§4.8's save_page).
func (we *WriteEngine) SavePage(blockOffset, offset, length uint64) error {
	b, ok := we.conn.Registry.ByOffset(blockOffset)
	if !ok {
		return fmt.Errorf("rdma: save_page: no block at offset %#x", blockOffset)
	}
	addr := b.Offset + offset
	return we.mergeOrFlush(&we.remote, b, addr, length)
}

// CopyPage merges or flushes a local RDMA-loopback copy: the source
// bytes are read from srcBlock via the local-src cursor's pin handle
// and written into dstBlock via the local-dest cursor's registration
// (§4.8's copy_page). The two cursors are kept in lockstep: either
// both extend together or both flush together.
func (we *WriteEngine) CopyPage(srcBlockOffset, srcOffset, dstBlockOffset, dstOffset, length uint64) error {
	srcBlock, ok := we.conn.Registry.ByOffset(srcBlockOffset)
	if !ok {
		return fmt.Errorf("rdma: copy_page: no src block at offset %#x", srcBlockOffset)
	}
	dstBlock, ok := we.conn.Registry.ByOffset(dstBlockOffset)
	if !ok {
		return fmt.Errorf("rdma: copy_page: no dst block at offset %#x", dstBlockOffset)
	}

	srcAddr := srcBlock.Offset + srcOffset
	dstAddr := dstBlock.Offset + dstOffset

	if we.localSrc.mergeable(srcBlock, srcAddr, length) && we.localDest.mergeable(dstBlock, dstAddr, length) {
		we.localSrc.length += length
		we.localDest.length += length
		return nil
	}

	if err := we.flushCursor(&we.localSrc, srcBlock); err != nil {
		return err
	}
	if err := we.flushCursor(&we.localDest, dstBlock); err != nil {
		return err
	}

	we.localSrc = cursor{block: srcBlock, addr: srcAddr, length: length}
	we.localDest = cursor{block: dstBlock, addr: dstAddr, length: length}
	return nil
}

func (we *WriteEngine) mergeOrFlush(c *cursor, block *LocalBlock, addr, length uint64) error {
	if c.mergeable(block, addr, length) {
		c.length += length
		return nil
	}
	if err := we.flushCursor(c, block); err != nil {
		return err
	}
	*c = cursor{block: block, addr: addr, length: length}
	return nil
}

// flushCursor implements §4.8 steps 1-7 for one cursor, then starts
// replaceBlock as the cursor's new (empty) range owner.
func (we *WriteEngine) flushCursor(c *cursor, replaceBlock *LocalBlock) error {
	if c.length == 0 {
		c.block = replaceBlock
		return nil
	}

	block := c.block
	_, chunk, err := we.conn.Registry.Search(block.Offset, c.addr-block.Offset, c.length)
	if err != nil {
		return err
	}

	we.drainUnregisterQueue()

	if err := we.waitTransitClear(block, chunk); err != nil {
		return err
	}

	compressedBefore := we.totalCompressed
	if err := we.registerChunkIfNeeded(block, chunk); err != nil {
		return err
	}
	if we.totalCompressed != compressedBefore {
		// The all-zero chunk went out as COMPRESS; no WRITE is posted.
		c.length = 0
		c.block = replaceBlock
		return nil
	}

	if err := we.postWriteWithRetry(c, block, chunk); err != nil {
		return err
	}

	block.TransitBitmap[chunk] = true
	we.nbSent++
	we.totalWrites++

	c.length = 0
	c.block = replaceBlock
	return nil
}

// waitTransitClear blocks until no WRITE is outstanding on chunk,
// draining completions from the CQ as they arrive (§4.8 step 2).
func (we *WriteEngine) waitTransitClear(block *LocalBlock, chunk int) error {
	for block.TransitBitmap[chunk] {
		ev, ok, err := we.t.PollOnce()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := we.HandleCompletion(ev); err != nil {
			return err
		}
	}
	return nil
}

// registerChunkIfNeeded implements §4.8 step 3: pin_all connections
// use the whole-block rkey; others register on demand, eliding the
// RDMA entirely for all-zero RAM chunks via COMPRESS.
func (we *WriteEngine) registerChunkIfNeeded(block *LocalBlock, chunk int) error {
	if we.conn.PinAll() || block.WholeBlockPinned {
		return nil
	}
	if block.RemoteKeys[chunk] != 0 {
		return nil
	}

	if block.IsRAMBlock && we.chunkIsAllZero(block, chunk) {
		we.totalCompressed++
		return we.sendCompress(block, chunk)
	}

	return we.registerChunk(block, chunk)
}

// chunkIsAllZero reports whether every byte of a chunk is zero, so an
// all-zero RAM chunk can be elided via COMPRESS instead of registered
// and written (§4.8 step 3, §8 S5). Without a configured chunk reader
// (SetChunkReader) it never treats a chunk as all-zero.
func (we *WriteEngine) chunkIsAllZero(block *LocalBlock, chunk int) bool {
	if we.chunkBytes == nil {
		return false
	}

	chunkStart := uint64(chunk) * ChunkSize
	length := uint64(ChunkSize)
	if rem := block.Length - chunkStart; rem < length {
		length = rem
	}
	if length == 0 {
		return true
	}

	bytes := we.chunkBytes(block, chunkStart, length)
	if bytes == nil {
		return false
	}
	for _, b := range bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

func (we *WriteEngine) sendCompress(block *LocalBlock, chunk int) error {
	chunkStart := uint64(chunk) * ChunkSize
	length := ChunkSize
	if rem := block.Length - chunkStart; rem < uint64(length) {
		length = int(rem)
	}
	payload := Compress{Value: 0, BlockIdx: uint32(block.Index), Offset: chunkStart, Length: uint64(length)}.Encode()
	if err := we.ce.BeginRequest(ControlCompress, payload, 0, false); err != nil {
		return err
	}
	we.nbSent++
	return nil
}

// registerChunk issues REGISTER_REQUEST, pins the chunk locally, and
// on response stores the returned rkey and peer host address
// (§4.8 step 3b).
func (we *WriteEngine) registerChunk(block *LocalBlock, chunk int) error {
	chunkStart := uint64(chunk) * ChunkSize
	chunkLen := ChunkSize
	if rem := block.Length - chunkStart; rem < uint64(chunkLen) {
		chunkLen = int(rem)
	}

	buf := make([]byte, chunkLen)
	if we.chunkBytes != nil {
		if src := we.chunkBytes(block, chunkStart, uint64(chunkLen)); src != nil {
			copy(buf, src)
		}
	}
	local, err := we.t.RegisterMemory(buf)
	if err != nil {
		return fmt.Errorf("rdma: register chunk %d of block %d: %w", chunk, block.Index, err)
	}
	if block.PinHandle == nil {
		block.PinHandle = make([]PinHandle, block.NbChunks)
	}
	if block.PinBuf == nil {
		block.PinBuf = make([][]byte, block.NbChunks)
	}
	block.PinHandle[chunk] = local
	block.PinBuf[chunk] = buf
	we.totalRegistrations++

	reg := Register{Key: uint64(block.HostAddr) + chunkStart, CurrentBlockIdx: uint32(block.Index), Chunks: 1}
	if err := we.ce.BeginRequest(ControlRegisterRequest, reg.Encode(), 1, true); err != nil {
		return err
	}
	we.nbSent++

	respBuf, err := we.waitControlResponseBuf()
	if err != nil {
		return err
	}
	_, payload, err := we.ce.CompleteResponse(respBuf)
	if err != nil {
		return err
	}
	result, err := DecodeRegisterResult(payload)
	if err != nil {
		return err
	}

	block.RemoteKeys[chunk] = result.RKey
	block.RemoteHostAddr = result.HostAddr
	return nil
}

func (we *WriteEngine) waitControlResponseBuf() ([]byte, error) {
	if we.waitControlResponse == nil {
		return nil, fmt.Errorf("rdma: no control-response waiter configured")
	}
	return we.waitControlResponse()
}

// postWriteWithRetry builds and posts the WRITE work request,
// retrying on ENOMEM after draining a completion (§4.8 steps 5-6).
func (we *WriteEngine) postWriteWithRetry(c *cursor, block *LocalBlock, chunk int) error {
	wrid := WorkRequestID{Type: WRWriteRemote, Block: uint16(block.Index), Chunk: uint64(chunk)}.Encode()

	remoteAddr := block.RemoteHostAddr + (c.addr - block.Offset)
	wholePinned := we.conn.PinAll() || block.WholeBlockPinned
	rkey := block.RemoteRKey
	if !wholePinned {
		rkey = block.RemoteKeys[chunk]
	}

	lkey := uint32(0)
	if chunk < len(block.PinHandle) {
		lkey = block.PinHandle[chunk].LKey()
	}

	// The SGE must address the exact bytes that were registered under
	// lkey (§4.7/§4.8): slice the chunk's own pin buffer at the
	// cursor's offset within it rather than posting an unrelated
	// buffer that merely happens to be the right length.
	buf := make([]byte, c.length)
	switch {
	case chunk < len(block.PinBuf) && block.PinBuf[chunk] != nil:
		chunkStart := block.Offset + uint64(chunk)*ChunkSize
		off := c.addr - chunkStart
		end := off + c.length
		if end <= uint64(len(block.PinBuf[chunk])) {
			buf = block.PinBuf[chunk][off:end]
		}
	case wholePinned && we.chunkBytes != nil:
		if src := we.chunkBytes(block, c.addr-block.Offset, c.length); src != nil {
			buf = src
		}
	}

	for {
		err := we.t.PostWrite(wrid, buf, lkey, remoteAddr, rkey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrENOMEM) {
			return err
		}
		if err := we.drainOneCompletion(); err != nil {
			return err
		}
	}
}

func (we *WriteEngine) drainOneCompletion() error {
	for {
		ev, ok, err := we.t.PollOnce()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		return we.HandleCompletion(ev)
	}
}

// HandleCompletion implements the §4.8 "completion handler (polling)"
// paragraph: it demuxes one work-completion by its decoded wr_id,
// clearing transit bits for WRITE completions (and opportunistically
// enqueuing the chunk for speculative unpin) or, for control SEND and
// RECV completions, only decrementing the engine's nbSent count. A
// non-success status is fatal and sets the connection's sticky error.
func (we *WriteEngine) HandleCompletion(ev CompletionEvent) error {
	if ev.Status != 0 {
		err := fmt.Errorf("rdma: work completion status %d (wr_id=%#x)", ev.Status, ev.WRID)
		we.conn.setErr(err)
		we.conn.reportErrorOnce(err)
		return err
	}

	switch ev.WRID {
	case wridControlSend, wridControlRecv:
		we.nbSent--
		return nil
	case wridKeepalive:
		// The keepalive sender's own timer goroutine posts this WRITE
		// and never waits on its completion (§4.9); discard it here
		// rather than falling through to DecodeWorkRequestID, which
		// would otherwise decode it as block 0/chunk 0 and corrupt
		// that block's transit bitmap.
		return nil
	}

	wrid := DecodeWorkRequestID(ev.WRID)
	we.nbSent--

	blocks := we.conn.Registry.Blocks()
	if int(wrid.Block) >= len(blocks) {
		return nil
	}
	block := blocks[wrid.Block]
	chunk := int(wrid.Chunk)
	if chunk >= len(block.TransitBitmap) {
		return nil
	}

	block.TransitBitmap[chunk] = false

	if !we.conn.PinAll() && we.unregister.Enabled() {
		we.unregister.Enqueue(block, chunk)
	}

	return nil
}

// drainUnregisterQueue runs the unregister queue opportunistically at
// the start of each flush, as §4.8 specifies.
func (we *WriteEngine) drainUnregisterQueue() {
	drained := we.unregister.Drain()
	for _, item := range drained {
		if item.block.TransitBitmap[item.chunk] {
			we.unregister.Enqueue(item.block, item.chunk)
			continue
		}
		if item.chunk < len(item.block.PinHandle) {
			we.t.DeregisterMemory(item.block.PinHandle[item.chunk])
		}
		item.block.RemoteKeys[item.chunk] = 0

		payload := Register{Key: uint64(item.chunk), CurrentBlockIdx: uint32(item.block.Index), Chunks: 1}.Encode()
		if err := we.ce.BeginRequest(ControlUnregisterRequest, payload, 1, false); err == nil {
			we.nbSent++
		}
	}
}

// DrainCQ blocks until no signaled WR is outstanding, flushing both
// cursors first (§4.8 "Drain-CQ").
func (we *WriteEngine) DrainCQ() error {
	if err := we.flushCursor(&we.remote, we.remote.block); err != nil {
		return err
	}
	if err := we.flushCursor(&we.localSrc, we.localSrc.block); err != nil {
		return err
	}
	if err := we.flushCursor(&we.localDest, we.localDest.block); err != nil {
		return err
	}
	for we.nbSent > 0 {
		ev, ok, err := we.t.PollOnce()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := we.HandleCompletion(ev); err != nil {
			return err
		}
	}
	return nil
}
