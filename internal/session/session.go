// Package session implements the per-terminal aggregate (spec.md §4.3): a
// Session owns one PTY Adapter, one Foreground Monitor, a bounded scrollback
// ring, and a set of per-client output subscribers.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/midterm/midterm/internal/foreground"
	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/midtermerr"
	"github.com/midterm/midterm/internal/ptyadapter"
)

const (
	minDim = ptyadapter.MinDim
	maxDim = ptyadapter.MaxDim

	readChunkSize = 64 * 1024
	closeGrace    = 2 * time.Second
	killWait      = 1 * time.Second
)

// NewOptions parametrizes Start.
type NewOptions struct {
	ID       uint64
	Shell    ShellKind
	Args     []string
	CWD      string
	Cols     int
	Rows     int
	Env      []string
	Name     string
	Config   hostconfig.Config // snapshotted at creation time, never mutated after
	RunAs    ptyadapter.StartOptions
	Sequence uint64 // monotonic launch-history sequence number
}

// Session is the per-terminal aggregate. It exclusively owns its PTY Adapter
// and Foreground Monitor (spec.md §3 ownership rule); the Host owns the
// Session, and Gateway instances hold only the id -> Session lookup.
type Session struct {
	id       uint64
	shell    ShellKind
	cwd      string
	cfg      hostconfig.Config
	log      *hostlog.Logger
	sequence uint64

	pty     ptyadapter.Adapter
	monitor *foreground.Monitor

	mu            sync.RWMutex
	state         State
	cols, rows    int
	name          string
	manuallyNamed bool
	title         string
	fg            ForegroundInfo
	createdAt     time.Time
	exited        bool
	exitCode      int
	order         int

	scrollback *scrollback
	titleFSM   titleParser
	vt         *vterm

	subsMu sync.Mutex
	subs   map[string]*subscriber

	OnStateChange     func(InfoDto)
	OnProcessEvent    func(ProcessEvent)
	OnForegroundChange func(ForegroundInfo)

	closeOnce sync.Once
	done      chan struct{}
}

// Start allocates the PTY, spawns the shell, and begins the reader/monitor/
// wait tasks. Returns SpawnFailed (via midtermerr.PtyError) if the
// child cannot be started.
func Start(ctx context.Context, opts NewOptions) (*Session, error) {
	cols, rows := clampDim(opts.Cols), clampDim(opts.Rows)

	startOpts := opts.RunAs
	startOpts.Shell = ptyadapter.ShellKind(opts.Shell)
	startOpts.Args = opts.Args
	startOpts.CWD = opts.CWD
	startOpts.Cols = cols
	startOpts.Rows = rows
	startOpts.Env = opts.Env

	adapter, err := ptyadapter.Start(ctx, startOpts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        opts.ID,
		shell:     opts.Shell,
		cwd:       opts.CWD,
		cfg:       opts.Config,
		sequence:  opts.Sequence,
		pty:       adapter,
		state:     StateRunning,
		cols:      cols,
		rows:      rows,
		name:      opts.Name,
		createdAt: time.Now(),
		order:     0,
		scrollback: newScrollback(opts.Config.ScrollbackBytes),
		subs:      make(map[string]*subscriber),
		done:      make(chan struct{}),
	}
	if opts.Config.ResyncMode == hostconfig.ResyncVTerm {
		s.vt = newVTerm(cols, rows)
	}

	s.monitor = foreground.New(adapter.PID(), 0, nil)
	s.monitor.OnForegroundChanged = s.handleForegroundChanged

	go s.readLoop()
	go s.waitLoop()

	return s, nil
}

// SetLogger attaches a per-Session child logger (constructed by the Host
// with the "session_id" attribute, per Design Note "Global logger
// singleton"). Safe to call once, immediately after Start.
func (s *Session) SetLogger(log *hostlog.Logger) {
	s.mu.Lock()
	s.log = log.With("session_id", fmt.Sprintf("%08x", s.id))
	s.mu.Unlock()
}

// ID returns the Session's opaque 64-bit identifier.
func (s *Session) ID() uint64 { return s.id }

// Write passes client input straight to the adapter's writer stream and
// returns once that write returns; there is no separate input queue, so a
// PTY that is not accepting input blocks the caller. Fails with
// SessionExited if the shell is gone.
func (s *Session) Write(p []byte) error {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateDraining || state == StateTerminating || state == StateClosed {
		return &midtermerr.SessionExited{ID: s.id}
	}
	_, err := s.pty.Writer().Write(p)
	if err != nil {
		// Per spec.md §4.3: a PTY-write error is surfaced to the writer;
		// client input is dropped, never retried.
		return err
	}
	return nil
}

// Resize validates bounds, updates cached dims, and calls the PTY Adapter.
// Out-of-bounds requests are dropped silently (existing dims preserved),
// matching spec.md §8's boundary-behavior requirement.
func (s *Session) Resize(cols, rows int) {
	if !ptyadapter.ValidDim(cols, rows) {
		return
	}
	s.mu.Lock()
	if s.cols == cols && s.rows == rows {
		s.mu.Unlock()
		return
	}
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	s.pty.Resize(cols, rows)
	if s.vt != nil {
		s.vt.Resize(cols, rows)
	}
	s.emitStateChange()
}

// Rename sets or clears the display name. When auto is true, the rename
// only takes effect if the Session has not been manually named — used by
// title-sequence parsing so a user's explicit name always wins.
func (s *Session) Rename(name string, auto bool) {
	name = strings.TrimSpace(name)
	if len(name) > 128 {
		name = name[:128]
	}
	s.mu.Lock()
	if auto && s.manuallyNamed {
		s.mu.Unlock()
		return
	}
	if s.name == name && s.manuallyNamed == !auto {
		s.mu.Unlock()
		return
	}
	s.name = name
	if !auto {
		s.manuallyNamed = name != ""
	}
	s.mu.Unlock()
	s.emitStateChange()
}

// Subscribe returns a handle delivering an initial Resync (full or trimmed
// scrollback/vterm snapshot) followed by live output. Idempotent per
// clientID: a second Subscribe for the same client replaces the queue and
// triggers a fresh Resync.
func (s *Session) Subscribe(clientID string) *Subscription {
	sub := newSubscriber(clientID, s.cfg.SubscriberMaxBytes, s.cfg.SubscriberMaxChunks)

	s.subsMu.Lock()
	if old, ok := s.subs[clientID]; ok {
		old.Close()
	}
	s.subs[clientID] = sub
	s.subsMu.Unlock()

	// A fresh Subscribe always needs a Resync: either this is the first
	// attach, or it replaced a stale queue whose position the client no
	// longer trusts.
	sub.MarkLoss()

	return &Subscription{session: s, sub: sub, clientID: clientID}
}

// Unsubscribe removes the subscription; the Session itself is not affected.
func (s *Session) Unsubscribe(clientID string) {
	s.subsMu.Lock()
	sub, ok := s.subs[clientID]
	delete(s.subs, clientID)
	s.subsMu.Unlock()
	if ok {
		sub.Close()
	}
}

// ResyncPayload returns the bytes a Subscription's Resync replay should
// send: a vterm-rendered snapshot if resync_mode is vterm, else the raw
// scrollback buffer — the wire contract (spec.md §4.5) is unaffected either
// way, only the Output frame payload differs.
func (s *Session) ResyncPayload() []byte {
	if s.vt != nil {
		return s.vt.Snapshot()
	}
	raw, _ := s.scrollback.Snapshot()
	return raw
}

// CurrentDims returns the Session's cached cols/rows. The Gateway does not
// read it: Output/CompressedOutput frame headers carry the dims from the
// last Resize that connection's client sent (80x24 until the first one).
func (s *Session) CurrentDims() (cols, rows int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

// Close begins graceful teardown: signal the child, wait up to killWait,
// then force-kill, then drain and close after closeGrace so late reconnects
// can still observe the exit code.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminating
		s.mu.Unlock()
		s.emitStateChange()

		go func() {
			s.pty.Kill()
			waitCtx, cancel := context.WithTimeout(context.Background(), killWait)
			defer cancel()
			s.pty.Wait(waitCtx)
			s.pty.Dispose()
		}()
	})
}

// Snapshot returns a read-only view for the state channel.
func (s *Session) Snapshot() InfoDto {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return InfoDto{
		ID:             s.id,
		Shell:          s.shell,
		PID:            s.pty.PID(),
		Cols:           s.cols,
		Rows:           s.rows,
		CWD:            s.cwd,
		Name:           s.name,
		ManuallyNamed:  s.manuallyNamed,
		Title:          s.title,
		Foreground:     s.fg,
		CreatedAt:      s.createdAt,
		Exited:         s.exited,
		ExitCode:       s.exitCode,
		Order:          s.order,
		State:          s.state,
		LaunchSequence: s.sequence,
	}
}

// SetOrder sets the dense presentation-order integer (supplemental
// session.reorder IPC command, SPEC_FULL.md §4.4).
func (s *Session) SetOrder(order int) {
	s.mu.Lock()
	s.order = order
	s.mu.Unlock()
	s.emitStateChange()
}

// Done returns a channel closed once the Session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func clampDim(d int) int {
	if d < minDim || d > maxDim {
		return 80
	}
	return d
}

func (s *Session) readLoop() {
	buf := make([]byte, readChunkSize)
	reader := s.pty.Reader()
	if fd, ok := reader.(interface{ Fd() uintptr }); ok {
		s.monitor.Start(fd.Fd())
	} else {
		s.monitor.Start(0)
	}
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.scrollback.Append(data)
			if s.vt != nil {
				s.vt.Write(data)
			}
			s.titleFSM.Feed(data, func(title string) {
				s.mu.Lock()
				s.title = title
				s.mu.Unlock()
				s.Rename(title, true)
			})
			s.fanOut(data)
		}
		if err != nil {
			// Per spec.md §4.3: a PTY-read error promotes the Session to
			// Draining rather than failing outright.
			s.promoteDraining()
			return
		}
	}
}

func (s *Session) fanOut(data []byte) {
	s.subsMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Enqueue(data)
	}
}

func (s *Session) promoteDraining() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateDraining
	}
	s.mu.Unlock()
	s.emitStateChange()
}

func (s *Session) waitLoop() {
	code, _ := s.pty.Wait(context.Background())
	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	if s.state != StateTerminating {
		s.state = StateDraining
	}
	s.mu.Unlock()
	s.emitStateChange()

	s.monitor.Stop()
	s.pty.Dispose()

	s.subsMu.Lock()
	for _, sub := range s.subs {
		sub.MarkLoss()
	}
	s.subsMu.Unlock()

	<-time.After(closeGrace)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.emitStateChange()
	close(s.done)
}

func (s *Session) handleForegroundChanged(info foreground.Info) {
	s.mu.Lock()
	s.fg = ForegroundInfo{PID: info.PID, Name: info.Name, CommandLine: info.CommandLine, CWD: info.CWD}
	s.mu.Unlock()
	if s.OnForegroundChange != nil {
		s.OnForegroundChange(s.fg)
	}
	if s.OnProcessEvent != nil {
		evType := "exec"
		if info.PID == s.pty.PID() {
			evType = "exit"
		}
		s.OnProcessEvent(ProcessEvent{Type: evType, ForegroundInfo: s.fg})
	}
	s.emitStateChange()
}

func (s *Session) emitStateChange() {
	if s.OnStateChange != nil {
		s.OnStateChange(s.Snapshot())
	}
}
