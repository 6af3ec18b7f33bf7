package mux

import (
	"bytes"
	"time"

	"github.com/midterm/midterm/internal/wireproto"
)

// flushLoop drains one Session's attach stream and writes coalesced
// frames to the WebSocket (spec.md §4.5). Output bytes are concatenated
// until 64 KiB accumulates or 16 ms has elapsed since the oldest queued
// chunk (relaxed to 250 ms while the client has signaled the session is
// inactive via ActiveHint), then flushed as one Output or
// CompressedOutput frame — compressed whenever the payload is at least 1
// KiB, or unconditionally while the session is inactive. Resync/
// ProcessEvent/ForegroundChange frames from the Host pass straight
// through, unbuffered.
func (c *connection) flushLoop(sa *sessionAttach) {
	defer c.removeAttach(sa.sessionID)
	defer sa.stream.Close()

	var pending bytes.Buffer
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		cols, rows := sa.dims()
		data := pending.Bytes()
		frame := encodeOutput(sa.sessionID, cols, rows, data)
		// Inactive sessions always compress, regardless of payload size
		// (spec.md §4.5 ActiveHint semantics): their flush interval is
		// already relaxed to 250ms, so whatever arrives in that window is
		// assumed to be worth the gzip cost.
		if len(data) >= wireproto.CompressThreshold || !sa.isActive() {
			if f, err := encodeCompressedOutput(sa.sessionID, cols, rows, data); err == nil {
				frame = f
			}
		}
		if err := c.writeRaw(frame); err != nil {
			sa.cancel()
		}
		pending.Reset()
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case frame, ok := <-sa.stream.Frames():
			if !ok {
				return
			}
			switch frame.Type {
			case wireproto.FrameResync:
				flush()
				if err := c.writeRaw(encodeResync(sa.sessionID)); err != nil {
					return
				}

			case wireproto.FrameOutput:
				if pending.Len() == 0 {
					resetTimer(timer, sa.coalesceWindow())
				}
				pending.Write(frame.Payload)
				if pending.Len() >= wireproto.CoalesceMaxBytes {
					flush()
					stopTimer(timer)
				}

			case wireproto.FrameProcessEvent, wireproto.FrameForegroundChange:
				flush()
				if err := c.writeRaw(encodeFrame(frame.Type, sa.sessionID, frame.Payload)); err != nil {
					return
				}

			default:
				// Unrecognized frame types from a newer Host are ignored
				// rather than forwarded verbatim, so the wire contract
				// this Gateway speaks never drifts silently.
			}

		case <-timer.C:
			flush()
		}
	}
}

func (sa *sessionAttach) dims() (cols, rows int) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.cols, sa.rows
}

func (sa *sessionAttach) isActive() bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.active
}

func (sa *sessionAttach) coalesceWindow() time.Duration {
	if sa.isActive() {
		return wireproto.CoalesceWindow * time.Millisecond
	}
	return wireproto.InactiveCoalesceWindow * time.Millisecond
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
