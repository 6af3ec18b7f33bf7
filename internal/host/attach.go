package host

import (
	"encoding/json"

	"github.com/midterm/midterm/internal/session"
	"github.com/midterm/midterm/internal/wireproto"
)

// AttachStream is the handle session.attach hands back to the IPC server:
// a merged view of one Session's output Subscription plus its process/
// foreground events, pre-framed as binary mux frames (wireproto) ready to
// copy onto the wire. One AttachStream exists per (sessionID, clientID)
// pair, mirroring Session.Subscribe's per-client replacement semantics.
type AttachStream struct {
	sessionID uint64
	sub       *session.Subscription
	events    chan []byte
	host      *Host
	clientID  string
}

// Attach begins streaming sessionID's output to clientID. The first frame
// the caller should write is always a Resync (ResyncPayload), since
// Subscribe unconditionally marks an initial loss.
func (h *Host) Attach(sessionID uint64, clientID string) (*AttachStream, bool) {
	sess, ok := h.Get(sessionID)
	if !ok {
		return nil, false
	}
	sub := sess.Subscribe(clientID)

	events := make(chan []byte, 64)
	h.eventMu.Lock()
	if h.eventSubs[sessionID] == nil {
		h.eventSubs[sessionID] = make(map[string]chan []byte)
	}
	h.eventSubs[sessionID][clientID] = events
	h.eventMu.Unlock()

	h.ensureEventCallbacks(sess, sessionID)

	return &AttachStream{sessionID: sessionID, sub: sub, events: events, host: h, clientID: clientID}, true
}

// Wait returns a channel that fires when new output or a loss is pending
// on the subscription, for use in the IPC server's write-loop select.
// Events arrive separately on Events.
func (a *AttachStream) Wait() <-chan struct{} { return a.sub.Wait() }

// Events returns the channel of pre-encoded ProcessEvent/ForegroundChange
// binary frames pending for this client.
func (a *AttachStream) Events() <-chan []byte { return a.events }

// Drain delegates to the underlying Subscription.
func (a *AttachStream) Drain() (chunks [][]byte, needsResync bool) { return a.sub.Drain() }

// ResyncPayload delegates to the underlying Subscription.
func (a *AttachStream) ResyncPayload() []byte { return a.sub.ResyncPayload() }

// Close unsubscribes and removes the event channel.
func (a *AttachStream) Close() {
	a.sub.Close()
	a.host.eventMu.Lock()
	if m := a.host.eventSubs[a.sessionID]; m != nil {
		delete(m, a.clientID)
		if len(m) == 0 {
			delete(a.host.eventSubs, a.sessionID)
		}
	}
	a.host.eventMu.Unlock()
}

// ensureEventCallbacks wires Session.OnProcessEvent/OnForegroundChange to
// fan out into every attach client's event channel exactly once per
// Session (subsequent Attach calls for other clients share the same
// wiring; the fan-out lookup happens at broadcast time, not at wiring
// time).
func (h *Host) ensureEventCallbacks(sess *session.Session, sessionID uint64) {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	if h.eventWired == nil {
		h.eventWired = make(map[uint64]bool)
	}
	if h.eventWired[sessionID] {
		return
	}
	h.eventWired[sessionID] = true

	sess.OnProcessEvent = func(pe session.ProcessEvent) {
		h.broadcastEventFrame(sessionID, wireproto.FrameProcessEvent, pe)
	}
	sess.OnForegroundChange = func(fg session.ForegroundInfo) {
		h.broadcastEventFrame(sessionID, wireproto.FrameForegroundChange, fg)
	}
}

func (h *Host) broadcastEventFrame(sessionID uint64, frameType wireproto.FrameType, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	frame := encodeAttachFrame(byte(frameType), body)

	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	for _, ch := range h.eventSubs[sessionID] {
		select {
		case ch <- frame:
		default:
			// Slow attach client: drop this event frame. Output loss is
			// handled by the Subscription's own Resync mechanism; a
			// dropped ProcessEvent is informational and superseded by
			// the next state.subscribe snapshot.
		}
	}
}

// encodeAttachFrame mirrors the mux frame shape ([type:1][payload]) that
// the Gateway relays verbatim onto the WebSocket, minus the session_id
// field the IPC transport's own binFrame header already carries.
func encodeAttachFrame(frameType byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = frameType
	copy(out[1:], payload)
	return out
}
