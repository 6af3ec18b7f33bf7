package session

import (
	"bytes"
	"testing"
)

func TestScrollbackAppendUnderCap(t *testing.T) {
	sb := newScrollback(1024)
	sb.Append([]byte("hello"))
	sb.Append([]byte(" world"))

	data, end := sb.Snapshot()
	if string(data) != "hello world" {
		t.Fatalf("snapshot = %q, want %q", data, "hello world")
	}
	if end != int64(len("hello world")) {
		t.Fatalf("end offset = %d, want %d", end, len("hello world"))
	}
}

func TestScrollbackCapEnforced(t *testing.T) {
	sb := newScrollback(16)
	for i := 0; i < 10; i++ {
		sb.Append([]byte("0123456789"))
	}
	if sb.Len() > 16 {
		t.Fatalf("scrollback len = %d, want <= 16", sb.Len())
	}
}

func TestScrollbackTrimIsUTF8Safe(t *testing.T) {
	// "é" is two bytes (0xC3 0xA9). Put it at the front so a naive one-byte
	// trim would land inside the rune.
	sb := newScrollback(10)
	sb.Append([]byte("é1234567")) // 9 bytes
	sb.Append([]byte("89"))       // 11 bytes: one past cap, forcing a trim

	data, _ := sb.Snapshot()
	if bytes.Contains(data, []byte{0xA9}) && !bytes.Contains(data, []byte{0xC3, 0xA9}) {
		t.Fatalf("trim split a multi-byte rune: %x", data)
	}
}

func TestScrollbackNeverExceedsCapAcrossManyWrites(t *testing.T) {
	sb := newScrollback(100)
	for i := 0; i < 1000; i++ {
		sb.Append(bytes.Repeat([]byte{'a'}, 7))
		if sb.Len() > 100 {
			t.Fatalf("iteration %d: len %d exceeds cap 100", i, sb.Len())
		}
	}
}
