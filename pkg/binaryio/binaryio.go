// Package binaryio implements the little-endian, section-framed encoding
// shared by every log record and copy message.
//
// A section is a 4-byte size followed by fields. The size counts the size
// prefix itself, so a reader can always seek to the end of a section and skip
// fields appended by newer writers. Reading past the declared end of a section
// is corruption.
package binaryio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
)

// X64Alignment is the alignment of physical frames.
const X64Alignment = 8

// SectionHeaderSize is the size of the section size prefix.
const SectionHeaderSize = 4

// ErrCorrupt is wrapped by every decoding failure.
var ErrCorrupt = errors.New("corrupt data")

var crcTable = crc64.MakeTable(crc64.ECMA)

// Checksum returns the 64-bit CRC of b.
func Checksum(b []byte) uint64 {
	return crc64.Checksum(b, crcTable)
}

// IsAligned reports whether n is a multiple of X64Alignment.
func IsAligned(n int) bool { return n%X64Alignment == 0 }

// CheckAligned returns an error if n is not a multiple of X64Alignment.
func CheckAligned(n int) error {
	if !IsAligned(n) {
		return fmt.Errorf("%w: offset %d is not %d-byte aligned", ErrCorrupt, n, X64Alignment)
	}
	return nil
}

// Padding returns the number of bytes needed to align n.
func Padding(n int) int {
	if r := n % X64Alignment; r != 0 {
		return X64Alignment - r
	}
	return 0
}

// Writer appends encoded values to a growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer appending to b[:0].
func NewWriter(b []byte) *Writer {
	return &Writer{buf: b[:0]}
}

// Position returns the number of bytes written.
func (w *Writer) Position() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Reset discards written bytes, keeping the buffer.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// BeginSection reserves the section size prefix and returns the section start.
func (w *Writer) BeginSection() int {
	start := len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
	return start
}

// EndSection back-patches the size of the section that began at start and
// returns it.
func (w *Writer) EndSection(start int) uint32 {
	size := uint32(len(w.buf) - start)
	binary.LittleEndian.PutUint32(w.buf[start:], size)
	return size
}

// PutUint32At overwrites 4 bytes at pos.
func (w *Writer) PutUint32At(pos int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[pos:], v)
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

// WriteBool appends v as a byte holding 0 or 1.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteUint32 appends v in little-endian order.
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

// WriteInt32 appends v in little-endian order.
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

// WriteUint64 appends v in little-endian order.
func (w *Writer) WriteUint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// WriteInt64 appends v in little-endian order.
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteBytes appends a length-prefixed byte slice. A nil slice is written
// with length -1 and read back as nil.
func (w *Writer) WriteBytes(b []byte) {
	if b == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString appends a length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WritePaddingUntilAligned appends zero bytes until the position is aligned.
func (w *Writer) WritePaddingUntilAligned() {
	for i := Padding(len(w.buf)); i > 0; i-- {
		w.buf = append(w.buf, 0)
	}
}

// Reader decodes values from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Position returns the read offset.
func (r *Reader) Position() int { return r.pos }

// Len returns the total size of the underlying buffer.
func (r *Reader) Len() int { return len(r.buf) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Seek moves the read offset to pos.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return fmt.Errorf("%w: seek to %d outside buffer of %d bytes", ErrCorrupt, pos, len(r.buf))
	}
	r.pos = pos
	return nil
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrCorrupt, n, r.pos, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// BeginSection reads a section size and returns the offset the section ends at.
func (r *Reader) BeginSection() (int, error) {
	start := r.pos
	size, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	if size < SectionHeaderSize || uint64(start)+uint64(size) > uint64(len(r.buf)) {
		return 0, fmt.Errorf("%w: section of %d bytes at offset %d exceeds buffer of %d bytes", ErrCorrupt, size, start, len(r.buf))
	}
	return start + int(size), nil
}

// EndSection moves to end, skipping unread trailing fields. Reading beyond
// end is corruption.
func (r *Reader) EndSection(end int) error {
	if r.pos > end {
		return fmt.Errorf("%w: read %d bytes past section end %d", ErrCorrupt, r.pos-end, end)
	}
	r.pos = end
	return nil
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a byte that must be 0 or 1.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: invalid boolean %d", ErrCorrupt, v)
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadRaw returns the next n bytes. The slice aliases the reader's buffer.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	return r.next(n)
}

// ReadBytes reads a length-prefixed byte slice into a new slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	} else if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrCorrupt, n)
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("%w: invalid string length %d", ErrCorrupt, n)
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadPaddingUntilAligned skips the zero padding up to the next aligned offset.
func (r *Reader) ReadPaddingUntilAligned() error {
	b, err := r.next(Padding(r.pos))
	if err != nil {
		return err
	}
	for _, c := range b {
		if c != 0 {
			return fmt.Errorf("%w: non-zero padding", ErrCorrupt)
		}
	}
	return nil
}
