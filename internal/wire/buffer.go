// Package wire provides a zero-copy cursor over a byte buffer, the
// primitive the startup codec parses frames out of.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Buffer is a cursor over an immutable byte slice. Every slice it returns
// shares storage with the backing array — no copies, no allocations beyond
// what the caller asks for.
type Buffer struct {
	data []byte
	idx  int
}

// NewBuffer wraps data for cursor-based reads starting at offset 0.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Remaining returns the unread tail of the buffer.
func (b *Buffer) Remaining() []byte {
	return b.data[b.idx:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.idx
}

// ReadCString scans for the next zero byte, returns the bytes strictly
// before it, and advances the cursor past the terminator.
func (b *Buffer) ReadCString() ([]byte, error) {
	pos := bytes.IndexByte(b.Remaining(), 0)
	if pos < 0 {
		return nil, io.ErrUnexpectedEOF
	}
	start := b.idx
	end := start + pos
	b.idx = end + 1
	return b.data[start:end], nil
}

// ReadAll returns everything left and advances the cursor to the end.
func (b *Buffer) ReadAll() []byte {
	rest := b.data[b.idx:]
	b.idx = len(b.data)
	return rest
}

// ReadUint32 reads a big-endian uint32, advancing the cursor by 4.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(b.data[b.idx : b.idx+4])
	b.idx += 4
	return v, nil
}

// ReadInt32 reads a big-endian int32, advancing the cursor by 4.
func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadByte reads a single byte, advancing the cursor by 1.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.idx]
	b.idx++
	return v, nil
}

// CopyTo copies min(len(dst), b.Len()) bytes into dst, advancing the cursor
// by that many bytes, and returns the count copied.
func (b *Buffer) CopyTo(dst []byte) int {
	n := copy(dst, b.Remaining())
	b.idx += n
	return n
}

// Empty reports whether the cursor has reached the end of the buffer.
func (b *Buffer) Empty() bool {
	return b.Len() == 0
}
