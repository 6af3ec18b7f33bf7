// Package mux implements the Mux Gateway (spec.md §4.5): the WebSocket
// front door that multiplexes many Sessions' output over a single
// `/ws/mux` connection per browser tab, plus the `/ws/state` JSON
// sidecar. It is the Gateway half of the Host/Gateway split; it never
// touches a PTY directly, only internal/hostclient.
package mux

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/midterm/midterm/internal/midtermerr"
	"github.com/midterm/midterm/internal/wireproto"
)

// encodeFrame builds a full mux wire frame: [type:1][session_id:8][payload].
func encodeFrame(frameType wireproto.FrameType, sessionID uint64, payload []byte) []byte {
	out := make([]byte, wireproto.HeaderSize+len(payload))
	out[0] = byte(frameType)
	binary.LittleEndian.PutUint64(out[1:9], sessionID)
	copy(out[9:], payload)
	return out
}

// encodeOutput builds an Output frame: [cols:2][rows:2][raw bytes].
func encodeOutput(sessionID uint64, cols, rows int, data []byte) []byte {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], uint16(cols))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(rows))
	copy(payload[4:], data)
	return encodeFrame(wireproto.FrameOutput, sessionID, payload)
}

// encodeCompressedOutput builds a CompressedOutput frame:
// [cols:2][rows:2][uncompressed_len:4][gzip bytes].
func encodeCompressedOutput(sessionID uint64, cols, rows int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, wireproto.GzipLevel)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	payload := make([]byte, 8+buf.Len())
	binary.LittleEndian.PutUint16(payload[0:2], uint16(cols))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(rows))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(data)))
	copy(payload[8:], buf.Bytes())
	return encodeFrame(wireproto.FrameCompressedOutput, sessionID, payload), nil
}

// encodeResync builds an empty Resync frame.
func encodeResync(sessionID uint64) []byte {
	return encodeFrame(wireproto.FrameResync, sessionID, nil)
}

// encodeMissing builds the JSON ProcessEvent the spec calls "exactly one
// Missing event" for a BufferRequest naming an unknown session.
func encodeMissing(sessionID uint64) []byte {
	payload := mustJSON(wireproto.MissingSessionEvent{Type: "Missing", SessionID: sessionID})
	return encodeFrame(wireproto.FrameProcessEvent, sessionID, payload)
}

// decodedInbound is one frame read from the browser.
type decodedInbound struct {
	Type      wireproto.FrameType
	SessionID uint64
	Payload   []byte
}

// decodeInbound parses a client→gateway frame: Input (raw bytes), Resize
// ([cols:2][rows:2]), BufferRequest (empty), or ActiveHint ([1 byte]).
func decodeInbound(raw []byte) (decodedInbound, error) {
	if len(raw) < wireproto.HeaderSize {
		return decodedInbound{}, &midtermerr.ProtocolError{Reason: fmt.Sprintf("frame shorter than header (%d bytes)", len(raw))}
	}
	return decodedInbound{
		Type:      wireproto.FrameType(raw[0]),
		SessionID: binary.LittleEndian.Uint64(raw[1:9]),
		Payload:   raw[9:],
	}, nil
}

func decodeResize(payload []byte) (cols, rows int, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("mux: resize payload too short")
	}
	return int(binary.LittleEndian.Uint16(payload[0:2])), int(binary.LittleEndian.Uint16(payload[2:4])), nil
}

func decodeActiveHint(payload []byte) (active bool, err error) {
	if len(payload) < 1 {
		return false, fmt.Errorf("mux: active_hint payload empty")
	}
	return payload[0] != 0, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
