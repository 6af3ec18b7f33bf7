package mux

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/midterm/midterm/internal/hostclient"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/wireproto"
)

// connState is the per-connection lifecycle (spec.md §4.5).
type connState string

const (
	connConnecting   connState = "connecting"
	connAuthenticated connState = "authenticated"
	connReady        connState = "ready"
	connClosing      connState = "closing"
)

// AuthFunc validates the incoming request (the session cookie set by the
// external auth collaborator, per spec.md §6) and returns a stable client
// id for logging/Session-attach purposes, or ok=false to reject.
type AuthFunc func(r *http.Request) (clientID string, ok bool)

// Gateway serves /ws/mux. Each accepted connection gets its own
// connection struct with a Connecting→Authenticated→Ready→Closing state
// machine (spec.md §4.5) and independent attach streams per Session.
type Gateway struct {
	Host *hostclient.Client
	Auth AuthFunc
	Log  *hostlog.Logger

	ReadLimitBytes int64
}

// NewGateway wires a Gateway to a Host IPC client.
func NewGateway(host *hostclient.Client, auth AuthFunc, log *hostlog.Logger) *Gateway {
	return &Gateway{Host: host, Auth: auth, Log: log, ReadLimitBytes: 512 * 1024}
}

// ServeMux handles /ws/mux upgrades.
func (g *Gateway) ServeMux(w http.ResponseWriter, r *http.Request) {
	clientID, ok := g.Auth(r)
	if !ok {
		if conn, err := websocket.Accept(w, r, nil); err == nil {
			conn.Close(websocket.StatusCode(wireproto.WSCloseAuthRejected), "auth rejected")
		}
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if g.ReadLimitBytes > 0 {
		conn.SetReadLimit(g.ReadLimitBytes)
	}

	c := &connection{
		id:       uuid.NewString(),
		clientID: clientID,
		conn:     conn,
		host:     g.Host,
		log:      g.Log.With("conn_id", clientID),
		sessions: make(map[uint64]*sessionAttach),
		state:    connAuthenticated,
	}
	c.ctx, c.cancel = context.WithCancel(r.Context())
	defer c.cancel()

	c.run()
}

// sessionAttach tracks one attached Session's flush state within a
// connection.
type sessionAttach struct {
	sessionID uint64
	stream    *hostclient.AttachStream
	cancel    context.CancelFunc

	mu     sync.Mutex
	active bool
	cols   int
	rows   int
}

type connection struct {
	id       string
	clientID string
	conn     *websocket.Conn
	host     *hostclient.Client
	log      *hostlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	state    connState
	sessions map[uint64]*sessionAttach
}

// run drives one WebSocket connection end to end: read loop in the
// foreground, attach/flush tasks fanning out in the background
// (spec.md §5's per-connection task inventory).
func (c *connection) run() {
	c.mu.Lock()
	c.state = connReady
	c.mu.Unlock()

	defer c.teardown()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		in, err := decodeInbound(data)
		if err != nil {
			c.log.Warn("mux: malformed frame, closing connection", "err", err)
			c.conn.Close(websocket.StatusCode(wireproto.WSCloseProtocolError), "protocol error")
			return
		}
		c.handleInbound(in)
	}
}

func (c *connection) handleInbound(in decodedInbound) {
	switch in.Type {
	case wireproto.FrameInput:
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		if err := c.host.Write(ctx, in.SessionID, in.Payload); err != nil {
			c.log.Verbose("mux: write to session failed", "session", in.SessionID, "err", err)
		}

	case wireproto.FrameResize:
		cols, rows, err := decodeResize(in.Payload)
		if err != nil {
			return
		}
		if cols < wireproto.MinDim || cols > wireproto.MaxDim || rows < wireproto.MinDim || rows > wireproto.MaxDim {
			c.log.Warn("mux: dropping resize with out-of-range dims", "session", in.SessionID, "cols", cols, "rows", rows)
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		c.host.Resize(ctx, in.SessionID, cols, rows)
		if sa := c.getAttach(in.SessionID); sa != nil {
			sa.mu.Lock()
			sa.cols, sa.rows = cols, rows
			sa.mu.Unlock()
		}

	case wireproto.FrameActiveHint:
		active, err := decodeActiveHint(in.Payload)
		if err != nil {
			return
		}
		if sa := c.getAttach(in.SessionID); sa != nil {
			sa.mu.Lock()
			sa.active = active
			sa.mu.Unlock()
		}

	case wireproto.FrameBufferRequest:
		c.handleBufferRequest(in.SessionID)

	default:
		c.log.Verbose("mux: ignoring unexpected inbound frame type", "type", in.Type)
	}
}

// handleBufferRequest opens (or re-opens) an attach stream for the named
// Session, starting a dedicated flush task. An unknown Session id gets
// exactly one Missing ProcessEvent and no attach, per spec.md §8.
func (c *connection) handleBufferRequest(sessionID uint64) {
	if old := c.getAttach(sessionID); old != nil {
		old.cancel()
		c.removeAttach(sessionID)
	}

	attachCtx, cancel := context.WithCancel(c.ctx)
	stream, err := c.host.Attach(attachCtx, sessionID, c.clientID)
	if err != nil {
		cancel()
		c.writeRaw(encodeMissing(sessionID))
		return
	}

	sa := &sessionAttach{sessionID: sessionID, stream: stream, cancel: cancel, cols: 80, rows: 24, active: true}
	c.mu.Lock()
	c.sessions[sessionID] = sa
	c.mu.Unlock()

	go c.flushLoop(sa)
}

func (c *connection) getAttach(sessionID uint64) *sessionAttach {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

func (c *connection) removeAttach(sessionID uint64) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// writeRaw serializes writes across flush tasks and the read loop's own
// error responses onto the single WebSocket connection.
func (c *connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, wireproto.BackpressureTimeoutMS*time.Millisecond)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func (c *connection) teardown() {
	c.mu.Lock()
	c.state = connClosing
	sessions := make([]*sessionAttach, 0, len(c.sessions))
	for _, sa := range c.sessions {
		sessions = append(sessions, sa)
	}
	c.mu.Unlock()

	for _, sa := range sessions {
		sa.cancel()
	}
	// Closing the WebSocket cancels every attach stream for this
	// connection but never touches the underlying Sessions (spec.md
	// §4.5): a later reconnect just issues fresh BufferRequests.
	c.conn.Close(websocket.StatusNormalClosure, "")
}
