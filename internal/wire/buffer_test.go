package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestReadCString(t *testing.T) {
	b := NewBuffer([]byte("hello\x00world\x00"))

	s, err := b.ReadCString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(s, []byte("hello")) {
		t.Fatalf("got %q, want %q", s, "hello")
	}

	s, err = b.ReadCString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(s, []byte("world")) {
		t.Fatalf("got %q, want %q", s, "world")
	}

	if !b.Empty() {
		t.Fatalf("expected buffer to be empty, got %d bytes left", b.Len())
	}
}

func TestReadCStringMissingTerminator(t *testing.T) {
	b := NewBuffer([]byte("no terminator here"))
	if _, err := b.ReadCString(); err != io.ErrUnexpectedEOF {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadCStringSharesStorage(t *testing.T) {
	data := []byte("abc\x00def")
	b := NewBuffer(data)
	s, err := b.ReadCString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Mutate through the original slice and confirm the returned slice sees it
	// — proof the two share a backing array (zero-copy).
	data[0] = 'z'
	if s[0] != 'z' {
		t.Fatalf("ReadCString result does not share storage with input")
	}
}

func TestReadAll(t *testing.T) {
	b := NewBuffer([]byte{1, 2, 3, 4})
	_, _ = b.ReadByte()
	rest := b.ReadAll()
	if !bytes.Equal(rest, []byte{2, 3, 4}) {
		t.Fatalf("got %v, want [2 3 4]", rest)
	}
	if !b.Empty() {
		t.Fatalf("expected buffer to be empty after ReadAll")
	}
}

func TestReadUint32BigEndian(t *testing.T) {
	b := NewBuffer([]byte{0x00, 0x03, 0x00, 0x00, 0xAA})
	v, err := b.ReadUint32()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 196608 {
		t.Fatalf("got %d, want 196608", v)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 byte left, got %d", b.Len())
	}
}

func TestReadUint32ShortBuffer(t *testing.T) {
	b := NewBuffer([]byte{0x00, 0x01})
	if _, err := b.ReadUint32(); err != io.ErrUnexpectedEOF {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadInt32Negative(t *testing.T) {
	b := NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	v, err := b.ReadInt32()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != -1 {
		t.Fatalf("got %d, want -1", v)
	}
}

func TestCopyTo(t *testing.T) {
	b := NewBuffer([]byte{1, 2, 3, 4, 5})
	dst := make([]byte, 3)
	n := b.CopyTo(dst)
	if n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
	if !bytes.Equal(dst, []byte{1, 2, 3}) {
		t.Fatalf("got %v", dst)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 bytes left, got %d", b.Len())
	}
}
