//go:build windows

package foreground

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// currentForegroundPID walks the process snapshot for the leaf descendant of
// shellPID closest to the ConPTY — there is no pgrp concept on Windows, so
// the process tree rooted at the shell stands in for it (spec.md §4.2:
// "Windows: walk the process tree from the shell pid; pick the leaf closest
// to the ConPTY"). masterFD is unused on this platform; it exists so the
// signature matches unix.go's.
func currentForegroundPID(shellPID int, _ uintptr) (int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	children := map[int][]int{}
	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return 0, fmt.Errorf("Process32First: %w", err)
	}
	for {
		pid := int(entry.ProcessID)
		ppid := int(entry.ParentProcessID)
		children[ppid] = append(children[ppid], pid)
		if err := windows.Process32Next(snap, &entry); err != nil {
			break
		}
	}

	leaf := shellPID
	frontier := []int{shellPID}
	for len(frontier) > 0 {
		next := []int{}
		for _, pid := range frontier {
			kids := children[pid]
			if len(kids) == 0 {
				continue
			}
			next = append(next, kids...)
		}
		if len(next) == 0 {
			break
		}
		// Deepest single-chain descendant wins; a fan-out (the shell spawned
		// more than one live child) keeps the most recently seen pid, which
		// approximates "topmost ConPTY descendant" without a timestamp API.
		leaf = next[len(next)-1]
		frontier = next
	}
	return leaf, nil
}

// resolveProcessInfo resolves pid's image name via the Toolhelp snapshot and
// its full image path via QueryFullProcessImageName, reporting that path as
// CommandLine. The process's actual command-line arguments and its cwd are
// not queried; CWD is always empty.
func resolveProcessInfo(pid, shellPID int) (Info, error) {
	name, err := imageName(pid)
	if err != nil {
		return Info{}, err
	}

	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// Access denied is common for processes owned by another session;
		// fall back to the name alone rather than failing the whole poll.
		return Info{PID: pid, Name: name}, nil
	}
	defer windows.CloseHandle(h)

	cmdline, _ := windows.QueryFullProcessImageName(h, 0)
	return Info{PID: pid, Name: name, CommandLine: cmdline, CWD: ""}, nil
}

func imageName(pid int) (string, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, uint32(pid))
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return "", err
	}
	for {
		if int(entry.ProcessID) == pid {
			name := windows.UTF16ToString(entry.ExeFile[:])
			return strings.TrimSuffix(name, ".exe"), nil
		}
		if err := windows.Process32Next(snap, &entry); err != nil {
			return "", fmt.Errorf("pid %d not found in snapshot", pid)
		}
	}
}

// ShellCwd is unsupported on Windows: there is no stable way to read a
// foreign process's cwd without its cooperation, so callers fall back to
// whatever cwd the Session itself was started with.
func ShellCwd(_ int) (string, bool) {
	return "", false
}
