//go:build !windows

package foreground

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// currentForegroundPID reads the PTY's foreground process group via
// TIOCGPGRP and picks the newest process in /proc whose parent chain leads
// back to the shell, per spec.md §4.2's tie-break rule.
func currentForegroundPID(shellPID int, masterFD uintptr) (int, error) {
	pgrp, err := unix.IoctlGetInt(int(masterFD), unix.TIOCGPGRP)
	if err != nil {
		return 0, fmt.Errorf("tcgetpgrp: %w", err)
	}
	if pgrp == shellPID {
		return shellPID, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("read /proc: %w", err)
	}

	var best int
	var bestStart uint64
	for _, e := range entries {
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		stat, err := readProcStat(pid)
		if err != nil {
			continue
		}
		if stat.pgrp != pgrp {
			continue
		}
		if !leadsToShell(pid, shellPID) {
			continue
		}
		if stat.startTime >= bestStart {
			best = pid
			bestStart = stat.startTime
		}
	}
	if best == 0 {
		return shellPID, nil
	}
	return best, nil
}

type procStat struct {
	ppid      int
	pgrp      int
	startTime uint64
}

// readProcStat parses the fields of /proc/<pid>/stat this package needs:
// ppid (field 4), pgrp (field 5), and starttime (field 22). Field 2 (comm)
// may itself contain spaces and parentheses, so it is skipped via the last
// ')' in the line rather than a naive split.
func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return procStat{}, err
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 >= len(line) {
		return procStat{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] = state (field 3); ppid is field 4 -> fields[1]; pgrp is
	// field 5 -> fields[2]; starttime is field 22 -> fields[19].
	if len(fields) < 20 {
		return procStat{}, fmt.Errorf("too few stat fields for pid %d", pid)
	}
	ppid, _ := strconv.Atoi(fields[1])
	pgrp, _ := strconv.Atoi(fields[2])
	start, _ := strconv.ParseUint(fields[19], 10, 64)
	return procStat{ppid: ppid, pgrp: pgrp, startTime: start}, nil
}

func leadsToShell(pid, shellPID int) bool {
	seen := map[int]bool{}
	for pid != 0 && pid != 1 && !seen[pid] {
		seen[pid] = true
		if pid == shellPID {
			return true
		}
		stat, err := readProcStat(pid)
		if err != nil {
			return false
		}
		pid = stat.ppid
	}
	return false
}

// resolveProcessInfo resolves a pid's executable basename, command line, and
// cwd. If pid == shellPID it returns the shell's own snapshot.
func resolveProcessInfo(pid, shellPID int) (Info, error) {
	exe, _ := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
	name := filepath.Base(exe)
	if name == "" || name == "." {
		name = "?"
	}

	cmdline, _ := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	commandLine := strings.ReplaceAll(strings.TrimRight(string(cmdline), "\x00"), "\x00", " ")

	cwd, _ := os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "cwd"))

	return Info{PID: pid, Name: name, CommandLine: commandLine, CWD: cwd}, nil
}

// ShellCwd returns the shell's own cwd via /proc/<pid>/cwd.
func ShellCwd(shellPID int) (string, bool) {
	cwd, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(shellPID), "cwd"))
	if err != nil {
		return "", false
	}
	return cwd, true
}
