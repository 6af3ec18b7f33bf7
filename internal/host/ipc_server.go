package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/midtermerr"
)

// IPCServer listens on a unix domain socket (a Windows named pipe on that
// platform — see listen_unix.go / listen_windows.go) and dispatches
// length-prefixed JSON Requests to a Host. Grounded on
// internal/transport/server.go's ListenAndServe lifecycle (stale-socket
// cleanup, context-driven graceful shutdown) — but the wire format below is
// this spec's own length-prefixed framing, not that file's HTTP routing,
// since spec.md §6 mandates a length-prefixed request/response channel
// rather than REST-over-unix-socket.
type IPCServer struct {
	host       *Host
	socketPath string
	log        *hostlog.Logger
	workers    int

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewIPCServer constructs a server that will listen at socketPath with the
// given worker pool size (spec.md default: 4).
func NewIPCServer(h *Host, socketPath string, workers int, log *hostlog.Logger) *IPCServer {
	if workers <= 0 {
		workers = 4
	}
	return &IPCServer{host: h, socketPath: socketPath, log: log, workers: workers, conns: make(map[net.Conn]struct{})}
}

// ListenAndServe blocks accepting connections until ctx is cancelled, then
// closes the listener and every open connection, removing the socket file
// on the way out.
func (s *IPCServer) ListenAndServe(ctx context.Context) error {
	ln, cleanup, err := listen(s.socketPath)
	if err != nil {
		return fmt.Errorf("host: listen %s: %w", s.socketPath, err)
	}
	defer cleanup()

	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAllConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("host: accept: %w", err)
			}
		}
		s.trackConn(conn)
		go s.serveConn(ctx, conn)
	}
}

func (s *IPCServer) trackConn(c net.Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *IPCServer) untrackConn(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *IPCServer) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// serveConn reads one request at a time off conn and dispatches it to a
// bounded worker pool, writing each response back as its worker finishes,
// so responses may leave in a different order than their requests arrived
// (the Gateway pipelines requests and matches responses by id; serializing
// writes avoids interleaving JSON frames on the wire).
func (s *IPCServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrackConn(conn)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var writeMu sync.Mutex

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		req, err := ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Verbose("host: ipc read error", "err", err)
			}
			return
		}

		switch req.Command {
		case CmdSessionAttach:
			s.handleAttach(ctx, conn, &writeMu, req)
			continue
		case CmdStateSubscribe:
			s.handleStateSubscribe(ctx, conn, &writeMu, req)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			resp := s.host.Dispatch(ctx, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := WriteResponse(conn, resp); err != nil {
				s.log.Verbose("host: ipc write error", "err", err)
			}
		}(req)
	}
}

type attachParams struct {
	ID       uint64 `json:"id"`
	ClientID string `json:"clientId"`
}

// handleAttach upgrades this request into a long-lived binary stream: an
// immediate Response acknowledges the attach, then [type:1][sessionId:8]
// [len:4][payload] frames follow on the same connection until the client
// disconnects or the Host shuts the session down.
func (s *IPCServer) handleAttach(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, req Request) {
	var p attachParams
	decodeErr := decodePayload(req.Payload, &p)

	writeMu.Lock()
	if decodeErr != nil {
		WriteResponse(conn, errResponse(req.ID, decodeErr))
		writeMu.Unlock()
		return
	}

	stream, ok := s.host.Attach(p.ID, p.ClientID)
	if !ok {
		WriteResponse(conn, errResponse(req.ID, &midtermerr.SessionNotFound{ID: p.ID}))
		writeMu.Unlock()
		return
	}
	WriteResponse(conn, okResponse(req.ID, nil))
	writeMu.Unlock()

	defer stream.Close()

	// First frame is always a Resync: Subscribe unconditionally marks an
	// initial loss so every attach begins with a full replay. Draining here
	// clears that loss (anything queued so far is already in the replay),
	// so the loop below does not send a second Resync for it.
	stream.Drain()
	writeMu.Lock()
	WriteBinFrame(conn, 0x05, p.ID, nil)
	WriteBinFrame(conn, 0x01, p.ID, stream.ResyncPayload())
	writeMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Wait():
			chunks, needsResync := stream.Drain()
			writeMu.Lock()
			if needsResync {
				WriteBinFrame(conn, 0x05, p.ID, nil)
				WriteBinFrame(conn, 0x01, p.ID, stream.ResyncPayload())
			}
			for _, c := range chunks {
				if err := WriteBinFrame(conn, 0x01, p.ID, c); err != nil {
					writeMu.Unlock()
					return
				}
			}
			writeMu.Unlock()
		case ev := <-stream.Events():
			writeMu.Lock()
			err := WriteBinFrame(conn, ev[0], p.ID, ev[1:])
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type stateSubscribeParams struct {
	SubscriberID string `json:"subscriberId"`
}

// handleStateSubscribe streams InfoEvents as length-prefixed JSON frames
// on the same connection, beginning with an immediate Response ack.
func (s *IPCServer) handleStateSubscribe(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, req Request) {
	var p stateSubscribeParams
	if err := decodePayload(req.Payload, &p); err != nil {
		writeMu.Lock()
		WriteResponse(conn, errResponse(req.ID, err))
		writeMu.Unlock()
		return
	}
	if p.SubscriberID == "" {
		p.SubscriberID = fmt.Sprintf("conn-%p", conn)
	}

	ch, cancel := s.host.SubscribeState(p.SubscriberID)
	defer cancel()

	writeMu.Lock()
	WriteResponse(conn, okResponse(req.ID, nil))
	writeMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeMu.Lock()
			err := WriteFrame(conn, mustJSON(ev))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func decodePayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("host: empty payload")
	}
	return jsonUnmarshal(raw, v)
}
