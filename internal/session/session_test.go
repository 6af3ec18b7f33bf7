package session

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/midterm/midterm/internal/hostconfig"
)

func testConfig() hostconfig.Config {
	cfg := hostconfig.Default()
	cfg.ScrollbackBytes = 64 * 1024
	cfg.SubscriberMaxBytes = 64 * 1024
	cfg.SubscriberMaxChunks = 64
	return cfg
}

// TestBasicEcho exercises spec.md §8 scenario 1: write, attach, observe the
// echoed bytes within a bounded window.
func TestBasicEcho(t *testing.T) {
	s, err := Start(context.Background(), NewOptions{
		ID:     1,
		Shell:  ShellBash,
		Args:   []string{"--noprofile", "--norc"},
		Cols:   80,
		Rows:   24,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	sub := s.Subscribe("client-1")
	defer sub.Close()

	if err := s.Write([]byte("echo hello-midterm\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out bytes.Buffer
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-sub.Wait():
			chunks, _ := sub.Drain()
			for _, c := range chunks {
				out.Write(c)
			}
			if strings.Contains(out.String(), "hello-midterm") {
				return
			}
		case <-deadline:
			t.Fatalf("did not observe echoed output within deadline, got: %q", out.String())
		}
	}
}

func TestResizeOutOfBoundsIsDropped(t *testing.T) {
	s, err := Start(context.Background(), NewOptions{
		ID:     2,
		Shell:  ShellBash,
		Args:   []string{"--noprofile", "--norc"},
		Cols:   80,
		Rows:   24,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	s.Resize(0, 24)
	s.Resize(80, 501)
	cols, rows := s.CurrentDims()
	if cols != 80 || rows != 24 {
		t.Fatalf("dims after invalid resize = %d,%d, want 80,24", cols, rows)
	}

	s.Resize(132, 40)
	cols, rows = s.CurrentDims()
	if cols != 132 || rows != 40 {
		t.Fatalf("dims after valid resize = %d,%d, want 132,40", cols, rows)
	}
}

func TestRenameIdempotentAndAutoNeverOverridesManual(t *testing.T) {
	s, err := Start(context.Background(), NewOptions{
		ID:     3,
		Shell:  ShellBash,
		Args:   []string{"--noprofile", "--norc"},
		Cols:   80,
		Rows:   24,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	s.Rename("foo", false)
	s.Rename("foo", false)
	if got := s.Snapshot().Name; got != "foo" {
		t.Fatalf("name = %q, want foo", got)
	}

	s.Rename("y", false)
	s.Rename("x", true) // auto rename must not override a manual name
	if got := s.Snapshot().Name; got != "y" {
		t.Fatalf("name after auto rename = %q, want y (manual wins)", got)
	}
}

func TestSubscribeThenResubscribeForcesResync(t *testing.T) {
	s, err := Start(context.Background(), NewOptions{
		ID:     4,
		Shell:  ShellBash,
		Args:   []string{"--noprofile", "--norc"},
		Cols:   80,
		Rows:   24,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	sub1 := s.Subscribe("client-1")
	_, loss1 := sub1.Peek()
	if !loss1 {
		t.Fatal("first subscribe should force a Resync")
	}
	sub1.Drain()

	sub2 := s.Subscribe("client-1")
	_, loss2 := sub2.Peek()
	if !loss2 {
		t.Fatal("resubscribe on the same client id should force a fresh Resync")
	}
}

func TestWriteAfterCloseReturnsSessionExited(t *testing.T) {
	s, err := Start(context.Background(), NewOptions{
		ID:     5,
		Shell:  ShellBash,
		Args:   []string{"--noprofile", "--norc"},
		Cols:   80,
		Rows:   24,
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Close() // synchronously transitions to Terminating before returning

	if err := s.Write([]byte("echo too-late\n")); err == nil {
		t.Fatal("expected SessionExited after Close, got nil")
	}
}
