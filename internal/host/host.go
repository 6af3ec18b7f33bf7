package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/midterm/midterm/internal/hostconfig"
	"github.com/midterm/midterm/internal/hostlog"
	"github.com/midterm/midterm/internal/midtermerr"
	"github.com/midterm/midterm/internal/ptyadapter"
	"github.com/midterm/midterm/internal/session"
)

// Host owns every live Session and is the single process any number of
// Gateway connections talk to over the IPC transport (spec.md §4.4). Its
// lock only ever guards the Sessions map itself; each Session guards its
// own state, matching Design Note "Per-Session locking, coarse Host lock".
type Host struct {
	log *hostlog.Logger

	cfgMu sync.RWMutex
	cfg   hostconfig.Config

	mu       sync.RWMutex
	sessions map[uint64]*session.Session
	nextID   uint64
	nextSeq  uint64

	stateMu  sync.Mutex
	stateSubs map[string]chan InfoEvent

	eventMu    sync.Mutex
	eventSubs  map[uint64]map[string]chan []byte
	eventWired map[uint64]bool
}

// InfoEvent is one push on the state.subscribe stream: a full snapshot list
// (Type=="snapshot", sent once on subscribe), a single Session's delta
// (Type=="delta"), or the id of a Session that has gone away
// (Type=="removed", carried in Removed).
type InfoEvent struct {
	Type     string             `json:"type"`
	Sessions []session.InfoDto  `json:"sessions,omitempty"`
	Session  *session.InfoDto   `json:"session,omitempty"`
	Removed  uint64             `json:"removed,omitempty"`
}

// New constructs a Host bound to cfg. log should already carry whatever
// static attributes distinguish this Host instance in multi-host logs.
func New(cfg hostconfig.Config, log *hostlog.Logger) *Host {
	return &Host{
		log:       log,
		cfg:       cfg,
		sessions:   make(map[uint64]*session.Session),
		stateSubs:  make(map[string]chan InfoEvent),
		eventSubs:  make(map[uint64]map[string]chan []byte),
		eventWired: make(map[uint64]bool),
	}
}

// UpdateConfig is the hostconfig.Watcher onChange callback: it affects only
// Sessions created from this point forward (spec.md's hot-reload rule).
func (h *Host) UpdateConfig(cfg hostconfig.Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

func (h *Host) currentConfig() hostconfig.Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// --- session.create ---------------------------------------------------

type createParams struct {
	Shell session.ShellKind `json:"shell"`
	Args  []string          `json:"args,omitempty"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
	CWD   string            `json:"cwd,omitempty"`
	Env   []string          `json:"env,omitempty"`
	Name  string            `json:"name,omitempty"`
}

type createResult struct {
	Info session.InfoDto `json:"info"`
}

// CreateSession starts a new Session and registers it with the Host.
func (h *Host) CreateSession(ctx context.Context, p createParams) (*session.Session, error) {
	cfg := h.currentConfig()

	var startOpts ptyadapter.StartOptions
	runAs := cfg.RunAs
	if runAs == (hostconfig.RunAsTarget{}) {
		runAs = runAsFromEnv()
	}
	resolveRunAs(runAs, &startOpts)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.nextSeq++
	seq := h.nextSeq
	h.mu.Unlock()

	sess, err := session.Start(ctx, session.NewOptions{
		ID:       id,
		Shell:    p.Shell,
		Args:     p.Args,
		CWD:      p.CWD,
		Cols:     p.Cols,
		Rows:     p.Rows,
		Env:      p.Env,
		Name:     p.Name,
		Config:   cfg,
		RunAs:    startOpts,
		Sequence: seq,
	})
	if err != nil {
		return nil, fmt.Errorf("host: spawn session: %w", err)
	}
	sess.SetLogger(h.log)
	sess.OnStateChange = h.broadcastDelta

	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()

	go func() {
		<-sess.Done()
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
		h.eventMu.Lock()
		delete(h.eventSubs, id)
		delete(h.eventWired, id)
		h.eventMu.Unlock()
		h.broadcastRemoved(id)
	}()

	h.broadcastDelta(sess.Snapshot())
	return sess, nil
}

// --- session.list -------------------------------------------------------

type listResult struct {
	Sessions []session.InfoDto `json:"sessions"`
}

func (h *Host) listSessions() []session.InfoDto {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]session.InfoDto, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Get returns the Session for id, or false if it's unknown (already closed
// or never existed). For attach, ipc_server answers a false with an error
// Response, which the Gateway turns into a Missing ProcessEvent.
func (h *Host) Get(id uint64) (*session.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// --- session.reorder ------------------------------------------------------

type reorderParams struct {
	IDs []uint64 `json:"ids"`
}

func (h *Host) reorder(ids []uint64) {
	for i, id := range ids {
		if s, ok := h.Get(id); ok {
			s.SetOrder(i)
		}
	}
}

// --- host.shutdown ------------------------------------------------------

type shutdownParams struct {
	GraceMS int `json:"graceMs"`
}

// Shutdown closes every Session and returns without waiting for their
// teardown to settle.
func (h *Host) Shutdown(graceMS int) {
	h.mu.RLock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	// graceMS is not used here; the Sessions run their own closeGrace drain
	// independently in the background.
	_ = graceMS
}

// --- dispatch -------------------------------------------------------------

// Dispatch handles every request/response command except session.attach
// and state.subscribe, which are long-lived streams the IPC server drives
// directly via Attach/SubscribeState.
func (h *Host) Dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CmdSessionList:
		return okResponse(req.ID, listResult{Sessions: h.listSessions()})

	case CmdSessionCreate:
		var p createParams
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, fmt.Errorf("bad session.create payload: %w", err))
		}
		s, err := h.CreateSession(ctx, p)
		if err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, createResult{Info: s.Snapshot()})

	case CmdSessionClose:
		var p struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		s, ok := h.Get(p.ID)
		if !ok {
			return errResponse(req.ID, &midtermerr.SessionNotFound{ID: p.ID})
		}
		s.Close()
		return okResponse(req.ID, nil)

	case CmdSessionResize:
		var p struct {
			ID   uint64 `json:"id"`
			Cols int    `json:"cols"`
			Rows int    `json:"rows"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		s, ok := h.Get(p.ID)
		if !ok {
			return errResponse(req.ID, &midtermerr.SessionNotFound{ID: p.ID})
		}
		s.Resize(p.Cols, p.Rows)
		return okResponse(req.ID, nil)

	case CmdSessionRename:
		var p struct {
			ID   uint64 `json:"id"`
			Name string `json:"name"`
			Auto bool   `json:"auto"`
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		s, ok := h.Get(p.ID)
		if !ok {
			return errResponse(req.ID, &midtermerr.SessionNotFound{ID: p.ID})
		}
		s.Rename(p.Name, p.Auto)
		return okResponse(req.ID, nil)

	case CmdSessionWrite:
		var p struct {
			ID    uint64 `json:"id"`
			Bytes []byte `json:"bytes"` // base64 in JSON, per spec.md §6
		}
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		s, ok := h.Get(p.ID)
		if !ok {
			return errResponse(req.ID, &midtermerr.SessionNotFound{ID: p.ID})
		}
		if err := s.Write(p.Bytes); err != nil {
			return errResponse(req.ID, err)
		}
		return okResponse(req.ID, nil)

	case CmdSessionReorder:
		var p reorderParams
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errResponse(req.ID, err)
		}
		h.reorder(p.IDs)
		return okResponse(req.ID, nil)

	case CmdHostShutdown:
		var p shutdownParams
		_ = json.Unmarshal(req.Payload, &p)
		h.Shutdown(p.GraceMS)
		return okResponse(req.ID, nil)

	default:
		return errResponse(req.ID, fmt.Errorf("unknown command %q", req.Command))
	}
}

// --- state.subscribe streaming -------------------------------------------

// SubscribeState registers a new state-channel listener and returns a
// channel of InfoEvents beginning with a full snapshot. Call the returned
// cancel func when the IPC connection drops.
func (h *Host) SubscribeState(subscriberID string) (<-chan InfoEvent, func()) {
	ch := make(chan InfoEvent, 256)
	h.stateMu.Lock()
	h.stateSubs[subscriberID] = ch
	h.stateMu.Unlock()

	ch <- InfoEvent{Type: "snapshot", Sessions: h.listSessions()}

	cancel := func() {
		h.stateMu.Lock()
		if cur, ok := h.stateSubs[subscriberID]; ok && cur == ch {
			delete(h.stateSubs, subscriberID)
			close(cur)
		}
		h.stateMu.Unlock()
	}
	return ch, cancel
}

func (h *Host) broadcastDelta(info session.InfoDto) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	ev := InfoEvent{Type: "delta", Session: &info}
	for id, ch := range h.stateSubs {
		select {
		case ch <- ev:
		default:
			// Slow state-channel consumer: drop rather than block the
			// Session that produced this delta. The next delta carries
			// current truth regardless.
			h.log.Warn("host: dropping state delta for slow subscriber", "subscriber", id)
		}
	}
}

func (h *Host) broadcastRemoved(id uint64) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	ev := InfoEvent{Type: "removed", Removed: id}
	for _, ch := range h.stateSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
