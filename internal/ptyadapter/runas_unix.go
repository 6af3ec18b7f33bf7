//go:build !windows

package ptyadapter

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// applyRunAs sets Credential on cmd.SysProcAttr so the child is spawned as
// the requested uid/gid, the Unix half of the Host's run-as de-elevation
// (spec.md §4.4). Failure to de-elevate is fatal for this session only.
func applyRunAs(cmd *exec.Cmd, opts StartOptions) error {
	uid, gid := opts.RunAsUID, opts.RunAsGID
	if opts.RunAsUser != "" && uid == 0 {
		u, err := user.Lookup(opts.RunAsUser)
		if err != nil {
			return fmt.Errorf("lookup user %q: %w", opts.RunAsUser, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
		gid, _ = strconv.Atoi(u.Gid)
	}
	if uid == 0 && gid == 0 {
		return nil
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return nil
}
