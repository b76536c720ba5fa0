// Package buffer implements the growable byte window each connection reads
// into and writes out of.
package buffer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	perrors "github.com/mir00r/reactor-proxy/internal/errors"
)

const (
	// InitialSize is the capacity of a freshly created buffer.
	InitialSize = 40960
	// Prepend is the reserved prefix in front of the readable region.
	Prepend = 0
)

// Buffer is a contiguous region with a read index and a write index:
//
//	| prependable | readable          | writable          |
//	0         readIndex          writeIndex          len(buf)
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// New returns a buffer with InitialSize capacity.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a buffer with the given initial capacity.
func NewSize(size int) *Buffer {
	return &Buffer{
		buf:        make([]byte, Prepend+size),
		readIndex:  Prepend,
		writeIndex: Prepend,
	}
}

// NewBufferFrom returns a buffer of capacity size holding a copy of p.
// It fails when p does not fit.
func NewBufferFrom(p []byte, size int) (*Buffer, error) {
	if len(p) > size {
		return nil, perrors.NewOutOfRangeError(len(p), size)
	}
	b := NewSize(size)
	copy(b.buf[b.writeIndex:], p)
	b.writeIndex += len(p)
	return b, nil
}

// ReadableBytes is writeIndex - readIndex.
func (b *Buffer) ReadableBytes() int {
	return b.writeIndex - b.readIndex
}

// WritableBytes is capacity - writeIndex.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writeIndex
}

// PrependableBytes is the slack in front of the readable region.
func (b *Buffer) PrependableBytes() int {
	return b.readIndex
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the readable region without consuming it. The slice aliases
// the buffer and is invalidated by the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// WritableSlice returns the writable region so a raw read can fill it; pair
// it with HasWritten.
func (b *Buffer) WritableSlice() []byte {
	return b.buf[b.writeIndex:]
}

// FindLineEnd returns the offset, relative to the readable region, of the
// first '\n', or -1.
func (b *Buffer) FindLineEnd() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// FindLineEndFrom searches from start (an offset into the readable region).
func (b *Buffer) FindLineEndFrom(start int) (int, error) {
	if start < 0 || start > b.ReadableBytes() {
		return -1, perrors.NewOutOfRangeError(start, b.ReadableBytes())
	}
	idx := bytes.IndexByte(b.Peek()[start:], '\n')
	if idx < 0 {
		return -1, nil
	}
	return start + idx, nil
}

// Retrieve consumes n readable bytes.
func (b *Buffer) Retrieve(n int) error {
	if n < 0 || n > b.ReadableBytes() {
		return perrors.NewOutOfRangeError(n, b.ReadableBytes())
	}
	if n < b.ReadableBytes() {
		b.readIndex += n
	} else {
		b.RetrieveAll()
	}
	return nil
}

// RetrieveUntil consumes up to pos, an offset into the readable region.
func (b *Buffer) RetrieveUntil(pos int) error {
	return b.Retrieve(pos)
}

// RetrieveBytes consumes n bytes and returns a copy of them.
func (b *Buffer) RetrieveBytes(n int) ([]byte, error) {
	if n < 0 || n > b.ReadableBytes() {
		return nil, perrors.NewOutOfRangeError(n, b.ReadableBytes())
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readIndex:])
	_ = b.Retrieve(n)
	return out, nil
}

// RetrieveAsString consumes n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) (string, error) {
	if n < 0 || n > b.ReadableBytes() {
		return "", perrors.NewOutOfRangeError(n, b.ReadableBytes())
	}
	s := string(b.buf[b.readIndex : b.readIndex+n])
	_ = b.Retrieve(n)
	return s, nil
}

// RetrieveAllAsString drains the readable region into a string.
func (b *Buffer) RetrieveAllAsString() string {
	s, _ := b.RetrieveAsString(b.ReadableBytes())
	return s
}

// RetrieveAll resets both indices to the reserved prefix.
func (b *Buffer) RetrieveAll() {
	b.readIndex = Prepend
	b.writeIndex = Prepend
}

// RetrieveInt64 consumes a big-endian int64.
func (b *Buffer) RetrieveInt64() (int64, error) {
	p, err := b.RetrieveBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

// RetrieveInt32 consumes a big-endian int32.
func (b *Buffer) RetrieveInt32() (int32, error) {
	p, err := b.RetrieveBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

// RetrieveInt16 consumes a big-endian int16.
func (b *Buffer) RetrieveInt16() (int16, error) {
	p, err := b.RetrieveBytes(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(p)), nil
}

// RetrieveInt8 consumes one byte.
func (b *Buffer) RetrieveInt8() (int8, error) {
	p, err := b.RetrieveBytes(1)
	if err != nil {
		return 0, err
	}
	return int8(p[0]), nil
}

// Append copies p to the end of the readable region, growing if needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writeIndex:], p)
	b.writeIndex += len(p)
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writeIndex:], s)
	b.writeIndex += len(s)
}

// EnsureWritable makes room for at least n more bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// HasWritten advances the write index after an external write into
// WritableSlice. n must not exceed WritableBytes.
func (b *Buffer) HasWritten(n int) error {
	if n < 0 || n > b.WritableBytes() {
		return perrors.NewOutOfRangeError(n, b.WritableBytes())
	}
	b.writeIndex += n
	return nil
}

// Swap exchanges contents with other.
func (b *Buffer) Swap(other *Buffer) {
	b.buf, other.buf = other.buf, b.buf
	b.readIndex, other.readIndex = other.readIndex, b.readIndex
	b.writeIndex, other.writeIndex = other.writeIndex, b.writeIndex
}

// makeSpace compacts in place when the leading plus trailing slack is
// enough, otherwise grows the backing array.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+Prepend {
		grown := make([]byte, b.writeIndex+n)
		copy(grown, b.buf[:b.writeIndex])
		b.buf = grown
		return
	}

	readable := b.ReadableBytes()
	copy(b.buf[Prepend:], b.buf[b.readIndex:b.writeIndex])
	b.readIndex = Prepend
	b.writeIndex = b.readIndex + readable

	if readable != b.ReadableBytes() {
		panic(fmt.Sprintf("buffer: compaction changed readable bytes from %d to %d", readable, b.ReadableBytes()))
	}
}
