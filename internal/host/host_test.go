package host

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/session"
)

func testLogger(t *testing.T) *hostlog.Logger {
	t.Helper()
	log, err := hostlog.New(hostlog.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("hostlog.New: %v", err)
	}
	return log
}

func testConfig() hostconfig.Config {
	cfg := hostconfig.Default()
	cfg.ScrollbackBytes = 64 * 1024
	cfg.SubscriberMaxBytes = 64 * 1024
	cfg.SubscriberMaxChunks = 64
	return cfg
}

func startTestIPCServer(t *testing.T) (h *Host, socketPath string) {
	t.Helper()
	h = New(testConfig(), testLogger(t))
	socketPath = filepath.Join(t.TempDir(), "midterm-host-test.sock")
	srv := NewIPCServer(h, socketPath, 4, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		for {
			if _, err := net.Dial("unix", socketPath); err == nil {
				close(ready)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	go srv.ListenAndServe(ctx)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ipc server never came up")
	}
	t.Cleanup(cancel)
	return h, socketPath
}

// TestCreateListCloseOverIPC exercises the full request/response round
// trip through the wire framing, not just the Host's in-process methods.
func TestCreateListCloseOverIPC(t *testing.T) {
	_, socketPath := startTestIPCServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	createPayload, _ := json.Marshal(createParams{Shell: session.ShellBash, Args: []string{"--noprofile", "--norc"}, Cols: 80, Rows: 24})
	if err := WriteRequest(conn, Request{Command: CmdSessionCreate, ID: "1", Payload: createPayload}); err != nil {
		t.Fatalf("write create: %v", err)
	}
	resp, err := ReadResponse(conn)
	if err != nil {
		t.Fatalf("read create response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("create failed: %s", resp.Error)
	}
	var created createResult
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("unmarshal create result: %v", err)
	}
	if created.Info.ID == 0 {
		t.Fatal("expected nonzero session id")
	}

	if err := WriteRequest(conn, Request{Command: CmdSessionList, ID: "2"}); err != nil {
		t.Fatalf("write list: %v", err)
	}
	resp, err = ReadResponse(conn)
	if err != nil {
		t.Fatalf("read list response: %v", err)
	}
	var listed listResult
	if err := json.Unmarshal(resp.Data, &listed); err != nil {
		t.Fatalf("unmarshal list result: %v", err)
	}
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != created.Info.ID {
		t.Fatalf("list = %+v, want one session with id %d", listed.Sessions, created.Info.ID)
	}

	closePayload, _ := json.Marshal(struct {
		ID uint64 `json:"id"`
	}{created.Info.ID})
	if err := WriteRequest(conn, Request{Command: CmdSessionClose, ID: "3", Payload: closePayload}); err != nil {
		t.Fatalf("write close: %v", err)
	}
	resp, err = ReadResponse(conn)
	if err != nil {
		t.Fatalf("read close response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("close failed: %s", resp.Error)
	}
}

func TestSessionCloseUnknownIDReturnsError(t *testing.T) {
	_, socketPath := startTestIPCServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, _ := json.Marshal(struct {
		ID uint64 `json:"id"`
	}{999})
	WriteRequest(conn, Request{Command: CmdSessionClose, ID: "1", Payload: payload})
	resp, err := ReadResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.OK {
		t.Fatal("expected error response for unknown session id")
	}
}
