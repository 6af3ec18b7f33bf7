// Package hostclient is the Mux Gateway's IPC client to a midterm Host
// (spec.md §4.4, §4.5, §6). Grounded on internal/transport/client.go's
// one-method-per-command shape, but over the Host's own length-prefixed
// framing (internal/host.WriteRequest/ReadResponse) instead of
// http.Client-over-unix-socket, since the Host speaks a framed JSON/binary
// protocol rather than HTTP.
package hostclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/session"
)

// Client is a single persistent connection to a Host's IPC socket, used
// for request/response commands. Attach and SubscribeState open their own
// dedicated connections (the Host upgrades a connection into a stream the
// moment it sees those commands, so they cannot share a connection with
// ordinary request/response traffic).
type Client struct {
	socketPath string
	dialer     net.Dialer

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan host.Response

	reqCounter uint64
}

// New returns a Client bound to socketPath. Dial is lazy: the first call
// establishes the connection.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, pending: make(map[string]chan host.Response)}
}

func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := dial(ctx, &c.dialer, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostclient: dial %s: %w", c.socketPath, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		resp, err := host.ReadResponse(conn)
		if err != nil {
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (c *Client) nextID() string {
	n := atomic.AddUint64(&c.reqCounter, 1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), n)
}

// call sends req and waits (bounded by ctx, default 30s per spec.md §6)
// for the matching Response.
func (c *Client) call(ctx context.Context, command string, payload any) (host.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return host.Response{}, err
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return host.Response{}, err
		}
		raw = b
	}
	req := host.Request{Command: command, ID: c.nextID(), Payload: raw}

	ch := make(chan host.Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := host.WriteRequest(conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return host.Response{}, fmt.Errorf("hostclient: write %s: %w", command, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return host.Response{}, fmt.Errorf("hostclient: connection closed awaiting %s response", command)
		}
		if !resp.OK {
			return resp, fmt.Errorf("hostclient: %s: %s", command, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return host.Response{}, ctx.Err()
	}
}

// ListSessions issues session.list.
func (c *Client) ListSessions(ctx context.Context) ([]session.InfoDto, error) {
	resp, err := c.call(ctx, host.CmdSessionList, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Sessions []session.InfoDto `json:"sessions"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// CreateParams mirrors the Host's session.create payload.
type CreateParams struct {
	Shell session.ShellKind `json:"shell"`
	Args  []string          `json:"args,omitempty"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
	CWD   string            `json:"cwd,omitempty"`
	Env   []string          `json:"env,omitempty"`
	Name  string            `json:"name,omitempty"`
}

// CreateSession issues session.create.
func (c *Client) CreateSession(ctx context.Context, p CreateParams) (session.InfoDto, error) {
	resp, err := c.call(ctx, host.CmdSessionCreate, p)
	if err != nil {
		return session.InfoDto{}, err
	}
	var out struct {
		Info session.InfoDto `json:"info"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return session.InfoDto{}, err
	}
	return out.Info, nil
}

// CloseSession issues session.close.
func (c *Client) CloseSession(ctx context.Context, id uint64) error {
	_, err := c.call(ctx, host.CmdSessionClose, struct {
		ID uint64 `json:"id"`
	}{id})
	return err
}

// Resize issues session.resize.
func (c *Client) Resize(ctx context.Context, id uint64, cols, rows int) error {
	_, err := c.call(ctx, host.CmdSessionResize, struct {
		ID   uint64 `json:"id"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}{id, cols, rows})
	return err
}

// Rename issues session.rename.
func (c *Client) Rename(ctx context.Context, id uint64, name string, auto bool) error {
	_, err := c.call(ctx, host.CmdSessionRename, struct {
		ID   uint64 `json:"id"`
		Name string `json:"name"`
		Auto bool   `json:"auto"`
	}{id, name, auto})
	return err
}

// Write issues session.write; bytes are transparently base64-encoded by
// encoding/json's []byte marshaling, matching spec.md §6's JSON-channel
// convention.
func (c *Client) Write(ctx context.Context, id uint64, data []byte) error {
	_, err := c.call(ctx, host.CmdSessionWrite, struct {
		ID    uint64 `json:"id"`
		Bytes []byte `json:"bytes"`
	}{id, data})
	return err
}

// Reorder issues the supplemental session.reorder command.
func (c *Client) Reorder(ctx context.Context, ids []uint64) error {
	_, err := c.call(ctx, host.CmdSessionReorder, struct {
		IDs []uint64 `json:"ids"`
	}{ids})
	return err
}

// Shutdown issues host.shutdown.
func (c *Client) Shutdown(ctx context.Context, graceMS int) error {
	_, err := c.call(ctx, host.CmdHostShutdown, struct {
		GraceMS int `json:"graceMs"`
	}{graceMS})
	return err
}

// Close tears down the request/response connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
