//go:build windows

package ptyadapter

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/windows"

	"github.com/midterm/midterm/internal/midtermerr"
)

// windowsAdapter wraps a ConPTY handle pair plus the process attached to it
// via the extended startup attribute list, per spec.md §4.1 Windows
// specifics. conIn/conOut are the pipe ends the host reads/writes; conpty is
// the pseudo-console handle, torn down only after the child has exited.
type windowsAdapter struct {
	cmd    *exec.Cmd
	conpty windows.Handle
	conIn  io.WriteCloser
	conOut io.ReadCloser

	mu       sync.Mutex
	disposed bool
	waitCh   chan waitResult
}

func start(ctx context.Context, opts StartOptions) (Adapter, error) {
	name, argv := shellCommand(opts.Shell, opts.Args)
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, midtermerr.SpawnFailed("shell not found: "+name, err)
	}

	conpty, conIn, conOut, err := newConPTY(opts.Cols, opts.Rows)
	if err != nil {
		return nil, &midtermerr.PtyError{Kind: midtermerr.PtyOpenPt, Reason: "CreatePseudoConsole", Err: err}
	}

	cmd := exec.Command(path, argv...)
	cmd.Dir = opts.CWD
	cmd.Env = opts.Env
	if opts.RunAsUser != "" || opts.RunAsSID != "" {
		if err := applyRunAsToken(cmd, opts); err != nil {
			conpty.close()
			return nil, midtermerr.SpawnFailed("run-as de-elevation", err)
		}
	}
	if err := attachConPTY(cmd, conpty); err != nil {
		conpty.close()
		return nil, &midtermerr.PtyError{Kind: midtermerr.PtySpawn, Reason: "attach ConPTY to child", Err: err}
	}

	if err := cmd.Start(); err != nil {
		conpty.close()
		return nil, &midtermerr.PtyError{Kind: midtermerr.PtySpawn, Reason: "start child", Err: err}
	}

	a := &windowsAdapter{
		cmd:    cmd,
		conpty: conpty.handle,
		conIn:  conIn,
		conOut: conOut,
		waitCh: make(chan waitResult, 1),
	}
	go a.reap()
	return a, nil
}

func (a *windowsAdapter) reap() {
	err := a.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	a.waitCh <- waitResult{code: code}
}

func (a *windowsAdapter) Reader() io.Reader { return a.conOut }
func (a *windowsAdapter) Writer() io.Writer { return a.conIn }
func (a *windowsAdapter) PID() int          { return a.cmd.Process.Pid }

func (a *windowsAdapter) Resize(cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed || !ValidDim(cols, rows) {
		return
	}
	resizeConPTY(a.conpty, cols, rows)
}

func (a *windowsAdapter) Kill() {
	if a.cmd.Process == nil {
		return
	}
	// Terminates the shell process itself; processes it spawned are not
	// terminated by this call.
	killJobTree(a.cmd.Process.Pid)
}

func (a *windowsAdapter) Wait(ctx context.Context) (int, error) {
	select {
	case r := <-a.waitCh:
		a.waitCh <- r
		return r.code, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a *windowsAdapter) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.mu.Unlock()

	a.Kill()
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case r := <-a.waitCh:
		a.waitCh <- r
	case <-waitCtx.Done():
	}

	a.conIn.Close()
	a.conOut.Close()
	// Close the ConPTY handle only after the child has exited or been
	// killed, per spec.md §4.1 Windows specifics.
	windows.Close(a.conpty)
}

