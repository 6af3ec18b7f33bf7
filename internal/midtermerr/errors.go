// Package midtermerr defines the error taxonomy shared by every layer of the
// host and gateway. Each kind is a distinct type rather than a sentinel
// string so that IPC and mux handlers can switch on errors.As mechanically.
package midtermerr

import "fmt"

// PtyErrorKind tags the stage at which a PTY Adapter operation failed.
type PtyErrorKind string

const (
	PtyOpenPt  PtyErrorKind = "OpenPt"
	PtyGrant   PtyErrorKind = "Grant"
	PtyUnlock  PtyErrorKind = "Unlock"
	PtyPtsname PtyErrorKind = "Ptsname"
	PtyIoctl   PtyErrorKind = "Ioctl"
	PtySpawn   PtyErrorKind = "Spawn"
	PtyWait    PtyErrorKind = "Wait"
)

// PtyError is returned by PTY Adapter operations that hit an OS-level failure.
type PtyError struct {
	Kind   PtyErrorKind
	Reason string
	Err    error
}

func (e *PtyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pty: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("pty: %s: %s", e.Kind, e.Reason)
}

func (e *PtyError) Unwrap() error { return e.Err }

// SpawnFailed wraps a PtyError raised specifically by Start.
func SpawnFailed(reason string, err error) error {
	return &PtyError{Kind: PtySpawn, Reason: reason, Err: err}
}

// SessionNotFound is returned when an IPC command references an unknown Session id.
type SessionNotFound struct {
	ID uint64
}

func (e *SessionNotFound) Error() string {
	return fmt.Sprintf("session %08x not found", e.ID)
}

// SessionExited is returned by Write/Resize/Rename on a Draining or Closed Session.
type SessionExited struct {
	ID uint64
}

func (e *SessionExited) Error() string {
	return fmt.Sprintf("session %08x has exited", e.ID)
}

// ProtocolError is returned for a malformed frame on the mux WebSocket.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// BackpressureDrop is recorded internally when a subscriber queue overflows.
// It is never surfaced to a user; recovery is an automatic Resync.
type BackpressureDrop struct {
	SessionID uint64
	ClientID  string
}

func (e *BackpressureDrop) Error() string {
	return fmt.Sprintf("backpressure drop: session %08x client %s", e.SessionID, e.ClientID)
}

// IpcError is a transport-level failure on the Host<->Gateway local channel.
type IpcError struct {
	Reason string
	Err    error
}

func (e *IpcError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ipc: %s: %v", e.Reason, e.Err)
	}
	return "ipc: " + e.Reason
}

func (e *IpcError) Unwrap() error { return e.Err }

// AuthRejected is returned when a WebSocket upgrade arrives without a valid cookie.
type AuthRejected struct {
	Reason string
}

func (e *AuthRejected) Error() string { return "auth rejected: " + e.Reason }

// PlatformUnsupported is returned when the host OS lacks a required primitive.
type PlatformUnsupported struct {
	Primitive string
}

func (e *PlatformUnsupported) Error() string {
	return "platform unsupported: " + e.Primitive
}
