//go:build windows

package ptyadapter

import (
	"fmt"
	"os/exec"

	"golang.org/x/sys/windows"
)

// applyRunAsToken is the Windows half of the Host's run-as de-elevation
// (spec.md §4.4). When RunAsUser or RunAsSID is set, it queries the logon
// token of the user in the current WTS session (WTSQueryUserToken) and sets
// it as cmd's SysProcAttr.Token. The RunAsUser and RunAsSID values
// themselves are not used to choose the token. WTSQueryUserToken succeeds
// only for a Host running under a privileged service account.
func applyRunAsToken(cmd *exec.Cmd, opts StartOptions) error {
	if opts.RunAsUser == "" && opts.RunAsSID == "" {
		return nil
	}
	var token windows.Token
	if err := windows.WTSQueryUserToken(windows.WTS_CURRENT_SESSION, &token); err != nil {
		return fmt.Errorf("WTSQueryUserToken: %w", err)
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &windows.SysProcAttr{}
	}
	cmd.SysProcAttr.Token = token
	return nil
}
