package mux

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/hostclient"
	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/wireproto"
)

func startGatewayTestServer(t *testing.T) (*httptest.Server, *hostclient.Client) {
	t.Helper()
	log, err := hostlog.New(hostlog.DefaultConfig(), "")
	if err != nil {
		t.Fatalf("hostlog.New: %v", err)
	}
	cfg := hostconfig.Default()
	cfg.ScrollbackBytes = 64 * 1024
	cfg.SubscriberMaxBytes = 64 * 1024
	cfg.SubscriberMaxChunks = 64

	h := host.New(cfg, log)
	socketPath := filepath.Join(t.TempDir(), "midterm-host-test.sock")
	ipcSrv := host.NewIPCServer(h, socketPath, 4, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ipcSrv.ListenAndServe(ctx)

	for i := 0; i < 200; i++ {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := hostclient.New(socketPath)
	t.Cleanup(func() { client.Close() })

	gw := NewGateway(client, allowAllAuth, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/mux", gw.ServeMux)
	mux.HandleFunc("/ws/state", gw.ServeState)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, client
}

func allowAllAuth(r *http.Request) (string, bool) { return "test-client", true }

// TestBufferRequestMissingSessionEmitsOneEvent exercises spec.md §8's
// requirement: a BufferRequest for an unknown id emits exactly one
// Missing event and the Gateway does not attach.
func TestBufferRequestMissingSessionEmitsOneEvent(t *testing.T) {
	srv, _ := startGatewayTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/mux"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := make([]byte, wireproto.HeaderSize)
	req[0] = byte(wireproto.FrameBufferRequest)
	binary.LittleEndian.PutUint64(req[1:9], 4242)
	if err := conn.Write(ctx, websocket.MessageBinary, req); err != nil {
		t.Fatalf("write BufferRequest: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) < wireproto.HeaderSize {
		t.Fatalf("frame too short: %d bytes", len(data))
	}
	if wireproto.FrameType(data[0]) != wireproto.FrameProcessEvent {
		t.Fatalf("frame type = %v, want ProcessEvent (Missing)", data[0])
	}
	if !strings.Contains(string(data[wireproto.HeaderSize:]), `"Missing"`) {
		t.Fatalf("payload = %q, want a Missing event", data[wireproto.HeaderSize:])
	}
}

// TestCreateAttachEchoOverMux exercises spec.md §8 scenario 1 through the
// full Gateway: create a session via the IPC client, BufferRequest it
// over /ws/mux, write input, and observe the echoed bytes in an Output
// frame.
func TestCreateAttachEchoOverMux(t *testing.T) {
	srv, client := startGatewayTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := client.CreateSession(ctx, hostclient.CreateParams{
		Shell: "bash",
		Args:  []string{"--noprofile", "--norc"},
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/mux"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	buf := make([]byte, wireproto.HeaderSize)
	buf[0] = byte(wireproto.FrameBufferRequest)
	binary.LittleEndian.PutUint64(buf[1:9], info.ID)
	if err := conn.Write(ctx, websocket.MessageBinary, buf); err != nil {
		t.Fatalf("write BufferRequest: %v", err)
	}

	inputPayload := []byte("echo hello-mux\n")
	in := make([]byte, wireproto.HeaderSize+len(inputPayload))
	in[0] = byte(wireproto.FrameInput)
	binary.LittleEndian.PutUint64(in[1:9], info.ID)
	copy(in[9:], inputPayload)
	if err := conn.Write(ctx, websocket.MessageBinary, in); err != nil {
		t.Fatalf("write Input: %v", err)
	}

	var seen strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (saw so far: %q)", err, seen.String())
		}
		if len(data) < wireproto.HeaderSize {
			continue
		}
		switch wireproto.FrameType(data[0]) {
		case wireproto.FrameOutput:
			payload := data[wireproto.HeaderSize:]
			if len(payload) > 4 {
				seen.Write(payload[4:])
			}
		}
		if strings.Contains(seen.String(), "hello-mux") {
			return
		}
	}
}
