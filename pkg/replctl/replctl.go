// Package replctl implements the plain-socket replication control
// protocol between the MC loop (C4) and the MC receiver (C5): a fixed
// COMMIT/size/payload/ACK sequence per checkpoint, all integers
// big-endian (§6).
package replctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel is one of the fixed u32 values exchanged on the control
// stream.
type Sentinel uint32

const (
	NACK   Sentinel = 0xFFFFFFFF // -1 as an unsigned 32-bit value
	COMMIT Sentinel = 1
	CANCEL Sentinel = 2
	ACK    Sentinel = 3
)

func (s Sentinel) String() string {
	switch s {
	case NACK:
		return "NACK"
	case COMMIT:
		return "COMMIT"
	case CANCEL:
		return "CANCEL"
	case ACK:
		return "ACK"
	default:
		return fmt.Sprintf("Sentinel(%d)", uint32(s))
	}
}

// ErrUnexpectedSentinel is returned when a peer sends a sentinel the
// protocol does not expect at that point in the exchange.
var ErrUnexpectedSentinel = errors.New("replctl: unexpected sentinel")

// ErrZeroSizeCommit is returned when a COMMIT announces a zero-length
// payload, which §4.4 treats as a protocol violation.
var ErrZeroSizeCommit = errors.New("replctl: commit with zero size")

// WriteSentinel writes a single big-endian u32 sentinel.
func WriteSentinel(w io.Writer, s Sentinel) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(s))
	_, err := w.Write(buf[:])
	return err
}

// ReadSentinel reads a single big-endian u32 sentinel.
func ReadSentinel(r io.Reader) (Sentinel, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return Sentinel(binary.BigEndian.Uint32(buf[:])), nil
}

// ExpectSentinel reads a sentinel and fails unless it matches want.
func ExpectSentinel(r io.Reader, want Sentinel) error {
	got, err := ReadSentinel(r)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSentinel, got, want)
	}
	return nil
}

// WriteSize writes a big-endian u32 byte count.
func WriteSize(w io.Writer, n uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// ReadSize reads a big-endian u32 byte count.
func ReadSize(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// SendCommit writes the COMMIT sentinel, the size prefix, and the
// payload itself, in that order, matching the §6 wire sequence.
func SendCommit(w io.Writer, payload io.Reader, size uint32) error {
	if err := WriteSentinel(w, COMMIT); err != nil {
		return fmt.Errorf("replctl: write commit: %w", err)
	}
	if err := WriteSize(w, size); err != nil {
		return fmt.Errorf("replctl: write size: %w", err)
	}
	if _, err := io.CopyN(w, payload, int64(size)); err != nil {
		return fmt.Errorf("replctl: write payload: %w", err)
	}
	return nil
}

// RecvCommit reads the COMMIT sentinel (or CANCEL, which the caller
// must handle as an orderly-stop request per §9) and the size prefix,
// then copies exactly size bytes of payload into dst. A zero size is a
// protocol violation.
func RecvCommit(r io.Reader, dst io.Writer) (Sentinel, uint32, error) {
	sentinel, err := ReadSentinel(r)
	if err != nil {
		return 0, 0, fmt.Errorf("replctl: read sentinel: %w", err)
	}

	if sentinel == CANCEL {
		return CANCEL, 0, nil
	}

	if sentinel != COMMIT {
		return 0, 0, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedSentinel, sentinel, COMMIT)
	}

	size, err := ReadSize(r)
	if err != nil {
		return 0, 0, fmt.Errorf("replctl: read size: %w", err)
	}
	if size == 0 {
		return 0, 0, ErrZeroSizeCommit
	}

	if _, err := io.CopyN(dst, r, int64(size)); err != nil {
		return 0, 0, fmt.Errorf("replctl: read payload: %w", err)
	}

	return COMMIT, size, nil
}
