// Package wireproto defines the wire-level constants and envelope shapes
// shared by the Mux Gateway's WebSocket frames and the Host's local IPC
// transport (spec.md §4.4, §4.5, §6). Tagged-variant style grounded on
// internal/ws/protocol.go's type-constant block, generalized from a JSON
// `type` discriminator to a one-byte binary discriminator for the mux
// frames (the teacher's PTYOutput/PTYInput/PTYResize family maps directly
// onto Output/Input/Resize below).
package wireproto

// FrameType is the one-byte discriminator at the head of every mux frame:
// [type:1][session_id:8][payload:N].
type FrameType byte

const (
	FrameOutput            FrameType = 0x01 // S→C [cols:2 LE][rows:2 LE][raw bytes]
	FrameInput             FrameType = 0x02 // C→S raw bytes
	FrameResize            FrameType = 0x03 // C→S [cols:2 LE][rows:2 LE]
	FrameResync            FrameType = 0x05 // S→C empty
	FrameBufferRequest     FrameType = 0x06 // C→S empty
	FrameCompressedOutput  FrameType = 0x07 // S→C [cols:2 LE][rows:2 LE][uncompressed_len:4 LE][gzip bytes]
	FrameActiveHint        FrameType = 0x08 // C→S [1 byte: 1=active,0=inactive]
	FrameProcessEvent      FrameType = 0x09 // S→C UTF-8 JSON
	FrameForegroundChange  FrameType = 0x0A // S→C UTF-8 JSON
)

// HeaderSize is the fixed [type:1][session_id:8] prefix length of every frame.
const HeaderSize = 1 + 8

// MinDim and MaxDim bound cols/rows carried in Output/Resize payloads.
const (
	MinDim = 1
	MaxDim = 500
)

// CoalesceWindow and CoalesceMaxBytes are the Gateway's flush coalescing
// rule for an active (visible) session (spec.md §4.5).
const (
	CoalesceWindow        = 16 // milliseconds
	CoalesceMaxBytes      = 64 * 1024
	InactiveCoalesceWindow = 250 // milliseconds, when ActiveHint=inactive
	CompressThreshold     = 1024 // bytes; payloads at/above this are gzipped
	GzipLevel             = 6
	BackpressureTimeoutMS = 200
)

// WSCloseAuthRejected is the close code used when a WebSocket upgrade
// arrives without a valid auth cookie (spec.md §4.5, §7 AuthRejected).
const WSCloseAuthRejected = 4401

// WSCloseProtocolError is used when a malformed mux frame forces the
// connection closed (spec.md §7 ProtocolError).
const WSCloseProtocolError = 1002

// MissingSessionEvent is the ProcessEvent JSON body sent when a
// BufferRequest names an unknown session id (spec.md §4.5).
type MissingSessionEvent struct {
	Type      string `json:"type"` // always "Missing"
	SessionID uint64 `json:"sessionId"`
}
