package rdma

import "encoding/binary"

// ControlType identifies a control-exchange message (§4.7).
type ControlType uint32

const (
	ControlNone ControlType = iota
	ControlError
	ControlReady
	ControlQEMUFile
	ControlRAMBlocksRequest
	ControlRAMBlocksResult
	ControlCompress
	ControlRegisterRequest
	ControlRegisterResult
	ControlRegisterFinished
	ControlUnregisterRequest
	ControlUnregisterFinished
)

func (t ControlType) String() string {
	names := map[ControlType]string{
		ControlNone:               "NONE",
		ControlError:              "ERROR",
		ControlReady:              "READY",
		ControlQEMUFile:           "QEMU_FILE",
		ControlRAMBlocksRequest:   "RAM_BLOCKS_REQUEST",
		ControlRAMBlocksResult:    "RAM_BLOCKS_RESULT",
		ControlCompress:           "COMPRESS",
		ControlRegisterRequest:    "REGISTER_REQUEST",
		ControlRegisterResult:     "REGISTER_RESULT",
		ControlRegisterFinished:   "REGISTER_FINISHED",
		ControlUnregisterRequest:  "UNREGISTER_REQUEST",
		ControlUnregisterFinished: "UNREGISTER_FINISHED",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// MaxControlBuffer and MaxRecordsPerMessage bound the control channel's
// SEND/RECV buffer and batch size (§4.7, §6).
const (
	MaxControlBuffer     = 512 * 1024
	MaxRecordsPerMessage = 4096
)

// ControlHeaderSize is the encoded size of ControlHeader.
const ControlHeaderSize = 4 + 4 + 4 + 4

// ControlHeader is the bit-exact, network-byte-order message header
// that precedes every control-exchange payload (§4.7).
type ControlHeader struct {
	Len     uint32
	Type    ControlType
	Repeat  uint32
	Padding uint32
}

// Encode writes the header in its wire form.
func (h ControlHeader) Encode() []byte {
	buf := make([]byte, ControlHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Len)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Repeat)
	binary.BigEndian.PutUint32(buf[12:16], h.Padding)
	return buf
}

// DecodeControlHeader parses a header from its wire form, and validates
// the §4.7/§6 bounds (repeat <= 4096, len within the control buffer).
func DecodeControlHeader(buf []byte) (ControlHeader, error) {
	if len(buf) < ControlHeaderSize {
		return ControlHeader{}, errShortBuffer("control header", ControlHeaderSize, len(buf))
	}

	h := ControlHeader{
		Len:     binary.BigEndian.Uint32(buf[0:4]),
		Type:    ControlType(binary.BigEndian.Uint32(buf[4:8])),
		Repeat:  binary.BigEndian.Uint32(buf[8:12]),
		Padding: binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Repeat > MaxRecordsPerMessage {
		return ControlHeader{}, errRepeatTooLarge(h.Repeat)
	}
	if h.Len > MaxControlBuffer-ControlHeaderSize {
		return ControlHeader{}, errLenTooLarge(h.Len)
	}

	return h, nil
}

func errRepeatTooLarge(got uint32) error {
	return errShortBuffer("repeat", MaxRecordsPerMessage, int(got))
}

func errLenTooLarge(got uint32) error {
	return errShortBuffer("len", MaxControlBuffer-ControlHeaderSize, int(got))
}

// RemoteBlockWireSize is the encoded size of one RemoteBlock record.
const RemoteBlockWireSize = 8 + 8 + 8 + 4 + 4

// RemoteBlock is the wire-format record describing one RAM block from
// the destination's point of view, used for the RAM_BLOCKS_RESULT block
// table and, in pin-all mode, carrying the whole-block rkey (§3 "RAM
// block (remote)").
type RemoteBlock struct {
	RemoteHostAddr uint64
	Offset         uint64
	Length         uint64
	RemoteRKey     uint32
	Padding        uint32
}

func (b RemoteBlock) Encode() []byte {
	buf := make([]byte, RemoteBlockWireSize)
	binary.BigEndian.PutUint64(buf[0:8], b.RemoteHostAddr)
	binary.BigEndian.PutUint64(buf[8:16], b.Offset)
	binary.BigEndian.PutUint64(buf[16:24], b.Length)
	binary.BigEndian.PutUint32(buf[24:28], b.RemoteRKey)
	binary.BigEndian.PutUint32(buf[28:32], b.Padding)
	return buf
}

func DecodeRemoteBlock(buf []byte) (RemoteBlock, error) {
	if len(buf) < RemoteBlockWireSize {
		return RemoteBlock{}, errShortBuffer("remote block", RemoteBlockWireSize, len(buf))
	}
	return RemoteBlock{
		RemoteHostAddr: binary.BigEndian.Uint64(buf[0:8]),
		Offset:         binary.BigEndian.Uint64(buf[8:16]),
		Length:         binary.BigEndian.Uint64(buf[16:24]),
		RemoteRKey:     binary.BigEndian.Uint32(buf[24:28]),
		Padding:        binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}

// RegisterWireSize is the encoded size of one Register record.
const RegisterWireSize = 8 + 4 + 4 + 8

// Register is a REGISTER_REQUEST/UNREGISTER_REQUEST record: either a
// chunk address to pin (Key = current address), or a chunk index to
// unpin (Key = chunk), disambiguated by the message type it travels in.
type Register struct {
	Key             uint64
	CurrentBlockIdx uint32
	Padding         uint32
	Chunks          uint64
}

func (r Register) Encode() []byte {
	buf := make([]byte, RegisterWireSize)
	binary.BigEndian.PutUint64(buf[0:8], r.Key)
	binary.BigEndian.PutUint32(buf[8:12], r.CurrentBlockIdx)
	binary.BigEndian.PutUint32(buf[12:16], r.Padding)
	binary.BigEndian.PutUint64(buf[16:24], r.Chunks)
	return buf
}

func DecodeRegister(buf []byte) (Register, error) {
	if len(buf) < RegisterWireSize {
		return Register{}, errShortBuffer("register", RegisterWireSize, len(buf))
	}
	return Register{
		Key:             binary.BigEndian.Uint64(buf[0:8]),
		CurrentBlockIdx: binary.BigEndian.Uint32(buf[8:12]),
		Padding:         binary.BigEndian.Uint32(buf[12:16]),
		Chunks:          binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// CompressWireSize is the encoded size of one Compress record.
const CompressWireSize = 4 + 4 + 8 + 8

// Compress announces that a chunk is entirely one repeated value (in
// practice always zero, §4.8 step 3a) so the peer can synthesize it
// locally instead of receiving it over RDMA.
type Compress struct {
	Value    uint32
	BlockIdx uint32
	Offset   uint64
	Length   uint64
}

func (c Compress) Encode() []byte {
	buf := make([]byte, CompressWireSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Value)
	binary.BigEndian.PutUint32(buf[4:8], c.BlockIdx)
	binary.BigEndian.PutUint64(buf[8:16], c.Offset)
	binary.BigEndian.PutUint64(buf[16:24], c.Length)
	return buf
}

func DecodeCompress(buf []byte) (Compress, error) {
	if len(buf) < CompressWireSize {
		return Compress{}, errShortBuffer("compress", CompressWireSize, len(buf))
	}
	return Compress{
		Value:    binary.BigEndian.Uint32(buf[0:4]),
		BlockIdx: binary.BigEndian.Uint32(buf[4:8]),
		Offset:   binary.BigEndian.Uint64(buf[8:16]),
		Length:   binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// RegisterResultWireSize is the encoded size of one RegisterResult record.
const RegisterResultWireSize = 4 + 4 + 8

// RegisterResult is the REGISTER_RESULT record: the rkey and peer host
// address to use for subsequent RDMA WRITEs to a newly pinned chunk.
type RegisterResult struct {
	RKey     uint32
	Padding  uint32
	HostAddr uint64
}

func (r RegisterResult) Encode() []byte {
	buf := make([]byte, RegisterResultWireSize)
	binary.BigEndian.PutUint32(buf[0:4], r.RKey)
	binary.BigEndian.PutUint32(buf[4:8], r.Padding)
	binary.BigEndian.PutUint64(buf[8:16], r.HostAddr)
	return buf
}

func DecodeRegisterResult(buf []byte) (RegisterResult, error) {
	if len(buf) < RegisterResultWireSize {
		return RegisterResult{}, errShortBuffer("register result", RegisterResultWireSize, len(buf))
	}
	return RegisterResult{
		RKey:     binary.BigEndian.Uint32(buf[0:4]),
		Padding:  binary.BigEndian.Uint32(buf[4:8]),
		HostAddr: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// CheckpointAnnounceWireSize is the encoded size of a checkpoint
// size announcement: once the write engine has WRITE-landed a
// checkpoint's bytes directly into the peer's stream block, the
// QEMU_FILE message carries only this announcement rather than the
// checkpoint itself (§4.7, §4.8).
const CheckpointAnnounceWireSize = 4

func EncodeCheckpointSize(size uint32) []byte {
	buf := make([]byte, CheckpointAnnounceWireSize)
	binary.BigEndian.PutUint32(buf, size)
	return buf
}

func DecodeCheckpointSize(buf []byte) (uint32, error) {
	if len(buf) < CheckpointAnnounceWireSize {
		return 0, errShortBuffer("checkpoint announce", CheckpointAnnounceWireSize, len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// EncodeRemoteBlocks/DecodeRemoteBlocks, EncodeRegisters/DecodeRegisters
// and EncodeRegisterResults/DecodeRegisterResults pack/unpack the
// `repeat`-many fixed records that follow a control header for the
// batch-oriented message types (§4.7).

func EncodeRemoteBlocks(blocks []RemoteBlock) []byte {
	buf := make([]byte, 0, len(blocks)*RemoteBlockWireSize)
	for _, b := range blocks {
		buf = append(buf, b.Encode()...)
	}
	return buf
}

func DecodeRemoteBlocks(buf []byte, repeat uint32) ([]RemoteBlock, error) {
	out := make([]RemoteBlock, 0, repeat)
	for i := uint32(0); i < repeat; i++ {
		start := int(i) * RemoteBlockWireSize
		b, err := DecodeRemoteBlock(buf[start:])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func EncodeRegisters(regs []Register) []byte {
	buf := make([]byte, 0, len(regs)*RegisterWireSize)
	for _, r := range regs {
		buf = append(buf, r.Encode()...)
	}
	return buf
}

func DecodeRegisters(buf []byte, repeat uint32) ([]Register, error) {
	out := make([]Register, 0, repeat)
	for i := uint32(0); i < repeat; i++ {
		start := int(i) * RegisterWireSize
		r, err := DecodeRegister(buf[start:])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func EncodeRegisterResults(results []RegisterResult) []byte {
	buf := make([]byte, 0, len(results)*RegisterResultWireSize)
	for _, r := range results {
		buf = append(buf, r.Encode()...)
	}
	return buf
}

func DecodeRegisterResults(buf []byte, repeat uint32) ([]RegisterResult, error) {
	out := make([]RegisterResult, 0, repeat)
	for i := uint32(0); i < repeat; i++ {
		start := int(i) * RegisterResultWireSize
		r, err := DecodeRegisterResult(buf[start:])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
