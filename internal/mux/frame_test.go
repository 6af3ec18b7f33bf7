package mux

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/midterm/midterm/internal/wireproto"
)

func TestEncodeOutputRoundTrip(t *testing.T) {
	frame := encodeOutput(42, 80, 24, []byte("hello"))

	in, err := decodeInbound(frame)
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if in.Type != wireproto.FrameOutput {
		t.Fatalf("type = %v, want FrameOutput", in.Type)
	}
	if in.SessionID != 42 {
		t.Fatalf("sessionID = %d, want 42", in.SessionID)
	}
	cols := binary.LittleEndian.Uint16(in.Payload[0:2])
	rows := binary.LittleEndian.Uint16(in.Payload[2:4])
	if cols != 80 || rows != 24 {
		t.Fatalf("cols/rows = %d/%d, want 80/24", cols, rows)
	}
	if string(in.Payload[4:]) != "hello" {
		t.Fatalf("payload data = %q, want %q", in.Payload[4:], "hello")
	}
}

func TestEncodeCompressedOutputDecompresses(t *testing.T) {
	data := []byte(strings.Repeat("x", 4096))
	frame, err := encodeCompressedOutput(7, 80, 24, data)
	if err != nil {
		t.Fatalf("encodeCompressedOutput: %v", err)
	}

	in, err := decodeInbound(frame)
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if in.Type != wireproto.FrameCompressedOutput {
		t.Fatalf("type = %v, want FrameCompressedOutput", in.Type)
	}

	uncompressedLen := binary.LittleEndian.Uint32(in.Payload[4:8])
	if int(uncompressedLen) != len(data) {
		t.Fatalf("uncompressed_len = %d, want %d", uncompressedLen, len(data))
	}

	gz, err := gzip.NewReader(bytes.NewReader(in.Payload[8:]))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("decompressed mismatch, got %d bytes want %d", len(got), len(data))
	}
}

func TestEncodeMissingContainsSessionID(t *testing.T) {
	frame := encodeMissing(4242)
	in, err := decodeInbound(frame)
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if in.Type != wireproto.FrameProcessEvent {
		t.Fatalf("type = %v, want FrameProcessEvent", in.Type)
	}
	if !strings.Contains(string(in.Payload), `"Missing"`) || !strings.Contains(string(in.Payload), "4242") {
		t.Fatalf("payload = %q, want Missing event naming session 4242", in.Payload)
	}
}

func TestDecodeInboundRejectsShortFrame(t *testing.T) {
	if _, err := decodeInbound([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for frame shorter than header")
	}
}

func TestDecodeResizeAndActiveHint(t *testing.T) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], 100)
	binary.LittleEndian.PutUint16(payload[2:4], 40)
	cols, rows, err := decodeResize(payload)
	if err != nil {
		t.Fatalf("decodeResize: %v", err)
	}
	if cols != 100 || rows != 40 {
		t.Fatalf("cols/rows = %d/%d, want 100/40", cols, rows)
	}
	if _, _, err := decodeResize([]byte{0x01}); err == nil {
		t.Fatal("expected error for short resize payload")
	}

	active, err := decodeActiveHint([]byte{1})
	if err != nil || !active {
		t.Fatalf("decodeActiveHint(1) = %v, %v, want true, nil", active, err)
	}
	active, err = decodeActiveHint([]byte{0})
	if err != nil || active {
		t.Fatalf("decodeActiveHint(0) = %v, %v, want false, nil", active, err)
	}
	if _, err := decodeActiveHint(nil); err == nil {
		t.Fatal("expected error for empty active_hint payload")
	}
}
