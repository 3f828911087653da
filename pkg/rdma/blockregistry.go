package rdma

import "fmt"

// ChunkSize is the fixed chunk granularity for dynamic pinning and
// transit-tracking (§3, §6): 1 MiB, 2^20 bytes.
const ChunkSize = 1 << 20

// LocalBlock is the local (source-side) representation of one guest RAM
// block, including its chunk-granularity pinning bookkeeping (§3 "RAM
// block (local)"). The *ibv_mr handles themselves live behind the
// PinHandle type defined in verbs_linux.go; this file only manages
// their slot bookkeeping and the transit/unregister bitmaps so that it
// can be exercised by tests without real hardware.
type LocalBlock struct {
	HostAddr   uintptr
	Offset     uint64
	Length     uint64
	Index      int
	IsRAMBlock bool
	NbChunks   int

	RemoteKeys       []uint32 // rkey per chunk, 0 until pinned remotely
	RemoteHostAddr   uint64   // peer's base host address for this block
	TransitBitmap    []bool   // set while a WRITE on that chunk is outstanding
	UnregisterBitmap []bool   // set while a chunk is queued for speculative unpin

	PinHandle     []PinHandle // per-chunk remote-QP pin, or len==1 when pin_all
	PinBuf        [][]byte    // per-chunk buffer backing PinHandle, so lkey and posted SGE always agree
	PinHandleSrc  []PinHandle // per-chunk local-copy source pin
	PinHandleDest []PinHandle // per-chunk local-copy dest pin

	RemoteRKey uint32 // whole-block rkey, used only in pin_all mode

	// WholeBlockPinned marks a block that is registered as a single
	// whole-block MR up front regardless of the connection-wide
	// pin_all setting (the checkpoint stream block, §4.8), so the
	// write engine skips per-chunk REGISTER_REQUEST for it even when
	// guest RAM blocks use on-demand registration.
	WholeBlockPinned bool
}

// nbChunksFor rounds length up to the chunk size, as §3 specifies.
func nbChunksFor(length uint64) int {
	n := (length + ChunkSize - 1) / ChunkSize
	if n == 0 {
		n = 1
	}
	return int(n)
}

// BlockRegistry tracks guest RAM blocks and chunk-granularity pinning
// state (C7): a block-map (by VM-space offset) kept in sync with the
// array representation, as §3/§4.6 require.
type BlockRegistry struct {
	blocks   []*LocalBlock
	byOffset map[uint64]*LocalBlock
}

// NewBlockRegistry returns an empty registry.
func NewBlockRegistry() *BlockRegistry {
	return &BlockRegistry{byOffset: make(map[uint64]*LocalBlock)}
}

// Add registers a new RAM block. Per §4.6, the first block added is
// treated as the RAM block proper; every subsequent block defaults to
// IsRAMBlock=false (it represents a non-RAM region registered later by
// a caller) unless the caller overrides it via AddBlock.
func (r *BlockRegistry) Add(hostAddr uintptr, offset, length uint64) *LocalBlock {
	return r.AddBlock(hostAddr, offset, length, len(r.blocks) == 0)
}

// AddBlock is Add with an explicit IsRAMBlock flag, for callers that
// need to register non-RAM regions.
func (r *BlockRegistry) AddBlock(hostAddr uintptr, offset, length uint64, isRAMBlock bool) *LocalBlock {
	nbChunks := nbChunksFor(length)

	b := &LocalBlock{
		HostAddr:         hostAddr,
		Offset:           offset,
		Length:           length,
		Index:            len(r.blocks),
		IsRAMBlock:       isRAMBlock,
		NbChunks:         nbChunks,
		RemoteKeys:       make([]uint32, nbChunks),
		TransitBitmap:    make([]bool, nbChunks),
		UnregisterBitmap: make([]bool, nbChunks),
	}

	r.blocks = append(r.blocks, b)
	r.byOffset[offset] = b

	return b
}

// Delete removes the block at the given VM-space offset and
// renumbers the survivors so indices stay contiguous 0..n-1, as §4.6
// requires.
func (r *BlockRegistry) Delete(offset uint64) error {
	b, ok := r.byOffset[offset]
	if !ok {
		return fmt.Errorf("rdma: no block at offset %#x", offset)
	}

	delete(r.byOffset, offset)

	idx := b.Index
	r.blocks = append(r.blocks[:idx], r.blocks[idx+1:]...)
	for i := idx; i < len(r.blocks); i++ {
		r.blocks[i].Index = i
	}

	return nil
}

// Blocks returns the array representation, indexed 0..n-1.
func (r *BlockRegistry) Blocks() []*LocalBlock {
	return r.blocks
}

// ByOffset looks up a block by its VM-space base offset.
func (r *BlockRegistry) ByOffset(offset uint64) (*LocalBlock, bool) {
	b, ok := r.byOffset[offset]
	return b, ok
}

// Len reports the number of registered blocks.
func (r *BlockRegistry) Len() int { return len(r.blocks) }

// Search resolves a (block VM-space offset, intra-block byte offset)
// pair to a (block index, chunk index), as §4.6 specifies.
func (r *BlockRegistry) Search(blockOffset, offset, length uint64) (blockIdx, chunkIdx int, err error) {
	b, ok := r.byOffset[blockOffset]
	if !ok {
		return 0, 0, fmt.Errorf("rdma: search: no block at offset %#x", blockOffset)
	}

	if offset+length > b.Length {
		return 0, 0, fmt.Errorf("rdma: search: range [%d,%d) exceeds block length %d", offset, offset+length, b.Length)
	}

	return b.Index, int(offset / ChunkSize), nil
}

// keysAgree reports whether the block-map and array representation
// agree on the same set of keys — a §8 invariant, exposed so tests can
// assert it directly after mutation sequences.
func (r *BlockRegistry) keysAgree() bool {
	if len(r.byOffset) != len(r.blocks) {
		return false
	}
	for _, b := range r.blocks {
		if got, ok := r.byOffset[b.Offset]; !ok || got != b {
			return false
		}
	}
	return true
}
