package hostclient

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/session"
	"github.com/midterm/midterm/internal/wireproto"
)

func startTestHost(t *testing.T) string {
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
	srv := host.NewIPCServer(h, socketPath, 4, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ListenAndServe(ctx)

	for i := 0; i < 200; i++ {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return socketPath
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ipc server never came up")
	return ""
}

func TestClientCreateWriteAttach(t *testing.T) {
	socketPath := startTestHost(t)
	client := New(socketPath)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := client.CreateSession(ctx, CreateParams{
		Shell: session.ShellBash,
		Args:  []string{"--noprofile", "--norc"},
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	stream, err := client.Attach(ctx, info.ID, "client-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer stream.Close()

	if err := client.Write(ctx, info.ID, []byte("echo hello-hostclient\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var seen strings.Builder
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				t.Fatal("attach stream closed before seeing expected output")
			}
			if frame.Type == wireproto.FrameOutput {
				seen.Write(frame.Payload)
			}
			if strings.Contains(seen.String(), "hello-hostclient") {
				return
			}
		case <-deadline:
			t.Fatalf("did not observe echoed output, got: %q", seen.String())
		}
	}
}

func TestClientListSessions(t *testing.T) {
	socketPath := startTestHost(t)
	client := New(socketPath)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.CreateSession(ctx, CreateParams{Shell: session.ShellBash, Args: []string{"--noprofile", "--norc"}, Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
}

func TestSubscribeStateReceivesSnapshot(t *testing.T) {
	socketPath := startTestHost(t)
	client := New(socketPath)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stateStream, err := client.SubscribeState(ctx, "watcher-1")
	if err != nil {
		t.Fatalf("SubscribeState: %v", err)
	}
	defer stateStream.Close()

	select {
	case ev := <-stateStream.Events():
		if ev.Type != "snapshot" {
			t.Fatalf("first event type = %q, want snapshot", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received initial snapshot")
	}
}
