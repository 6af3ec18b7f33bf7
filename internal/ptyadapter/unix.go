//go:build !windows

package ptyadapter

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/midterm/midterm/internal/midtermerr"
)

// unixAdapter wraps a single master FD (ptmx) borrowed by two independent
// read/write views. The adapter, not either view, owns the close — Design
// Note "Manual FD/handle ownership."
type unixAdapter struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	disposed bool

	waitOnce sync.Once
	waitCh   chan waitResult
}

type waitResult struct {
	code int
	err  error
}

func start(ctx context.Context, opts StartOptions) (Adapter, error) {
	name, argv := shellCommand(opts.Shell, opts.Args)
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, midtermerr.SpawnFailed("shell not found: "+name, err)
	}

	cmd := exec.Command(path, argv...)
	cmd.Dir = opts.CWD
	cmd.Env = opts.Env
	if opts.RunAsUser != "" || opts.RunAsUID != 0 {
		if err := applyRunAs(cmd, opts); err != nil {
			return nil, midtermerr.SpawnFailed("run-as de-elevation", err)
		}
	}
	// Let the child flush before the slave FD is torn down; the kernel still
	// buffers data on the slave side at the moment of kill (Design Note
	// "Process teardown ordering").
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = time.Second

	size := &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, &midtermerr.PtyError{Kind: midtermerr.PtySpawn, Reason: "pty.StartWithSize", Err: err}
	}

	a := &unixAdapter{
		cmd:    cmd,
		ptmx:   ptmx,
		waitCh: make(chan waitResult, 1),
	}
	go a.reap()
	return a, nil
}

func (a *unixAdapter) reap() {
	err := a.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	a.waitCh <- waitResult{code: code, err: nil}
}

func (a *unixAdapter) Reader() io.Reader { return a.ptmx }
func (a *unixAdapter) Writer() io.Writer { return a.ptmx }
func (a *unixAdapter) PID() int          { return a.cmd.Process.Pid }

func (a *unixAdapter) Resize(cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed || !ValidDim(cols, rows) {
		return
	}
	pty.Setsize(a.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill terminates the entire process group rooted at the shell. Idempotent:
// repeated signals to an already-dead group simply fail and are ignored.
func (a *unixAdapter) Kill() {
	a.mu.Lock()
	proc := a.cmd.Process
	a.mu.Unlock()
	if proc == nil {
		return
	}
	// Negative pid targets the whole process group; the shell was started in
	// its own session/pgrp by pty.StartWithSize.
	syscall.Kill(-proc.Pid, syscall.SIGTERM)
}

func (a *unixAdapter) Wait(ctx context.Context) (int, error) {
	select {
	case r := <-a.waitCh:
		a.waitCh <- r // allow later Waits and Dispose to observe it too
		return r.code, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *unixAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.mu.Unlock()

	// Ordered teardown per spec.md §4.1: kill, wait up to 1s, close streams,
	// release the master handle, close the FD. Since unixAdapter wraps a
	// single *os.File for both directions, "dispose write/read stream" and
	// "release/close the master" collapse into one Close on ptmx, but the
	// KILL-THEN-WAIT-THEN-CLOSE order is still honored explicitly.
	a.Kill()

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case r := <-a.waitCh:
		a.waitCh <- r
	case <-waitCtx.Done():
		syscall.Kill(-a.cmd.Process.Pid, syscall.SIGKILL)
	}

	if err := a.ptmx.Close(); err != nil {
		// Disposal must never fail; log at verbose only. The caller (Session)
		// supplies a logger via a package-level hook to avoid a global.
		disposeLogHook(err)
	}
}

// disposeLogHook lets Session install verbose logging for swallowed dispose
// errors without this package depending on hostlog directly.
var disposeLogHook = func(error) {}

// SetDisposeLogHook installs the verbose-log callback used by Dispose.
func SetDisposeLogHook(fn func(error)) { disposeLogHook = fn }
