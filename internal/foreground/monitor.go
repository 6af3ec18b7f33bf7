// Package foreground implements the Foreground Monitor (spec.md §4.2): it
// tracks whichever process currently sits at the head of the shell's
// foreground process group (Unix) or is the topmost ConPTY descendant
// (Windows), and emits rate-limited change events.
package foreground

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/midterm/midterm/internal/hostlog"
)

// Info is the spec's "Foreground process info" value.
type Info struct {
	PID         int
	Name        string
	CommandLine string
	CWD         string
}

func (a Info) equal(b Info) bool {
	return a.PID == b.PID && a.Name == b.Name && a.CommandLine == b.CommandLine && a.CWD == b.CWD
}

const pollInterval = 200 * time.Millisecond

// Monitor polls the shell's direct child on a low-priority ticker and
// reports changes via OnForegroundChanged.
type Monitor struct {
	shellPID int
	log      *hostlog.Logger

	OnForegroundChanged func(Info)

	limiter *rate.Limiter

	mu      sync.Mutex
	current Info

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor for the given shell pid. New does not use
// masterFD; the PTY master fd the Unix implementation reads the foreground
// pgrp from (via TIOCGPGRP) is the one passed to Start.
func New(shellPID int, masterFD uintptr, log *hostlog.Logger) *Monitor {
	return &Monitor{
		shellPID: shellPID,
		log:      log,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		current:  Info{PID: shellPID},
		done:     make(chan struct{}),
	}
}

// Start begins polling. Safe to call once.
func (m *Monitor) Start(masterFD uintptr) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.loop(ctx, masterFD)
}

// Stop halts polling and releases any OS handles opened against observed
// processes.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// CurrentForeground returns the current snapshot, or the shell itself if no
// foreground child is running.
func (m *Monitor) CurrentForeground() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) loop(ctx context.Context, masterFD uintptr) {
	defer close(m.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(masterFD)
		}
	}
}

func (m *Monitor) poll(masterFD uintptr) {
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()

	// The pgrp/pid probe is cheap and always run. Re-resolving name, command
	// line, and cwd for a pid we've already seen is the expensive part
	// (exe symlink reads, /proc/<pid>/cmdline, /proc/<pid>/cwd), so once a
	// pid is confirmed unchanged it is only refreshed at the limiter's rate
	// of once per 2s — matching spec.md's "rate-limit re-lookup of an
	// unchanged foreground to at most once per 2 s."
	pid, err := currentForegroundPID(m.shellPID, masterFD)
	if err != nil {
		if m.log != nil {
			m.log.Verbose("foreground: pgrp probe failed, keeping previous snapshot", "err", err)
		}
		return
	}

	if pid == prev.PID && !m.limiter.Allow() {
		return
	}

	info, err := resolveProcessInfo(pid, m.shellPID)
	if err != nil {
		if m.log != nil {
			m.log.Verbose("foreground: resolve failed, keeping previous snapshot", "err", err)
		}
		return
	}

	if info.equal(prev) {
		return
	}
	m.mu.Lock()
	m.current = info
	m.mu.Unlock()
	if m.OnForegroundChanged != nil {
		m.OnForegroundChanged(info)
	}
}
