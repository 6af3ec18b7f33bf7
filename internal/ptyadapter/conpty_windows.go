//go:build windows

package ptyadapter

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/windows"
)

// conpty bundles the pseudo-console handle with the pipe ends the host
// process keeps; the child receives the *other* ends via the startup
// attribute list (attachConPTY).
type conpty struct {
	handle   windows.Handle
	hostIn   windows.Handle // write end the host writes to (child's stdin)
	hostOut  windows.Handle // read end the host reads from (child's stdout/stderr)
	childIn  windows.Handle
	childOut windows.Handle
}

func (c *conpty) close() {
	if c.handle != 0 {
		windows.Close(c.handle)
	}
}

// newConPTY allocates a ConPTY of the given size and the pipes attached to
// it, returning host-side read/write streams.
func newConPTY(cols, rows int) (*conpty, io.WriteCloser, io.ReadCloser, error) {
	var childIn, hostIn, hostOut, childOut windows.Handle
	if err := windows.CreatePipe(&childIn, &hostIn, nil, 0); err != nil {
		return nil, nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := windows.CreatePipe(&hostOut, &childOut, nil, 0); err != nil {
		return nil, nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	size := windows.Coord{X: int16(cols), Y: int16(rows)}
	var handle windows.Handle
	if err := windows.CreatePseudoConsole(size, childIn, childOut, 0, &handle); err != nil {
		return nil, nil, nil, fmt.Errorf("CreatePseudoConsole: %w", err)
	}

	c := &conpty{handle: handle, hostIn: hostIn, hostOut: hostOut, childIn: childIn, childOut: childOut}
	return c, os.NewFile(uintptr(hostIn), "conpty-in"), os.NewFile(uintptr(hostOut), "conpty-out"), nil
}

// attachConPTY wires cmd to run attached to the ConPTY via the extended
// startup attribute list, matching spec.md §4.1's "process attached to them
// via the extended startup attribute list."
func attachConPTY(cmd *exec.Cmd, c *conpty) error {
	attrList, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		return err
	}
	if err := attrList.Update(
		windows.PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE,
		unsafe.Pointer(c.handle),
		unsafe.Sizeof(c.handle),
	); err != nil {
		return err
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &windows.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.EXTENDED_STARTUPINFO_PRESENT
	cmd.SysProcAttr.ParentProcess = 0
	cmd.SysProcAttr.ProcThreadAttributeList = attrList
	return nil
}

func resizeConPTY(h windows.Handle, cols, rows int) {
	windows.ResizePseudoConsole(h, windows.Coord{X: int16(cols), Y: int16(rows)})
}

// killJobTree terminates the single process pid with TerminateProcess. No job
// object is involved, so descendants of pid are not terminated.
func killJobTree(pid int) {
	proc, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return
	}
	defer windows.CloseHandle(proc)
	windows.TerminateProcess(proc, 1)
}
