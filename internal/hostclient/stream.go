package hostclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/wireproto"
)

// Frame is one decoded attach-stream frame, handed to the Gateway's mux
// encoder (internal/mux) for relay onto the browser WebSocket largely
// unchanged — only the session_id is already known to the caller (it
// dialed this specific session's attach), so Frame omits it.
type Frame struct {
	Type    wireproto.FrameType
	Payload []byte
}

// AttachStream is a dedicated connection streaming one session's output.
type AttachStream struct {
	conn      net.Conn
	sessionID uint64
	frames    chan Frame
	done      chan struct{}
}

// Attach dials a fresh connection and issues session.attach. The returned
// stream's Frames channel yields Resync/Output/ProcessEvent/
// ForegroundChange frames in wire order until Close or the Host drops the
// connection.
func (c *Client) Attach(ctx context.Context, sessionID uint64, clientID string) (*AttachStream, error) {
	conn, err := dial(ctx, &c.dialer, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostclient: attach dial: %w", err)
	}

	req := host.Request{
		Command: host.CmdSessionAttach,
		ID:      c.nextID(),
		Payload: mustMarshal(struct {
			ID       uint64 `json:"id"`
			ClientID string `json:"clientId"`
		}{sessionID, clientID}),
	}
	if err := host.WriteRequest(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := host.ReadResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ack.OK {
		conn.Close()
		return nil, fmt.Errorf("hostclient: attach %d: %s", sessionID, ack.Error)
	}

	s := &AttachStream{conn: conn, sessionID: sessionID, frames: make(chan Frame, 64), done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *AttachStream) readLoop() {
	defer close(s.frames)
	for {
		frameType, _, payload, err := host.ReadBinFrame(s.conn)
		if err != nil {
			return
		}
		select {
		case s.frames <- Frame{Type: wireproto.FrameType(frameType), Payload: payload}:
		case <-s.done:
			return
		}
	}
}

// Frames returns the channel of decoded frames.
func (s *AttachStream) Frames() <-chan Frame { return s.frames }

// Close tears down the attach connection.
func (s *AttachStream) Close() error {
	close(s.done)
	return s.conn.Close()
}

// StateStream is a dedicated connection streaming host.InfoEvent JSON
// frames from state.subscribe.
type StateStream struct {
	conn   net.Conn
	events chan host.InfoEvent
}

// SubscribeState dials a fresh connection and issues state.subscribe.
func (c *Client) SubscribeState(ctx context.Context, subscriberID string) (*StateStream, error) {
	conn, err := dial(ctx, &c.dialer, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostclient: state.subscribe dial: %w", err)
	}

	req := host.Request{
		Command: host.CmdStateSubscribe,
		ID:      c.nextID(),
		Payload: mustMarshal(struct {
			SubscriberID string `json:"subscriberId"`
		}{subscriberID}),
	}
	if err := host.WriteRequest(conn, req); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := host.ReadResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ack.OK {
		conn.Close()
		return nil, fmt.Errorf("hostclient: state.subscribe: %s", ack.Error)
	}

	s := &StateStream{conn: conn, events: make(chan host.InfoEvent, 64)}
	go s.readLoop()
	return s, nil
}

func (s *StateStream) readLoop() {
	defer close(s.events)
	for {
		raw, err := host.ReadFrame(s.conn)
		if err != nil {
			return
		}
		var ev host.InfoEvent
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		s.events <- ev
	}
}

// Events returns the channel of state events.
func (s *StateStream) Events() <-chan host.InfoEvent { return s.events }

// Close tears down the state.subscribe connection.
func (s *StateStream) Close() error { return s.conn.Close() }

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
