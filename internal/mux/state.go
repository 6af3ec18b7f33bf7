package mux

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/midterm/midterm/internal/host"
	"github.com/midterm/midterm/internal/session"
	"github.com/midterm/midterm/internal/wireproto"
)

const stateWriteTimeout = 2 * time.Second

// StateMessage is the JSON pushed on every state change (spec.md §6):
// `{ "sessions": [SessionInfoDto...], "update": UpdateInfo? }`.
type StateMessage struct {
	Sessions []session.InfoDto `json:"sessions"`
	Update   *UpdateInfo       `json:"update,omitempty"`
}

// UpdateInfo describes the single delta that triggered this push, absent
// on the initial snapshot message.
type UpdateInfo struct {
	Kind      string `json:"kind"` // "removed" | "changed"; a newly created Session is reported as "changed"
	SessionID uint64 `json:"sessionId"`
}

// ServeState handles /ws/state upgrades: one JSON message per state
// change, always carrying the full current session list so a client that
// missed deltas can resync by just taking the latest message.
func (g *Gateway) ServeState(w http.ResponseWriter, r *http.Request) {
	clientID, ok := g.Auth(r)
	if !ok {
		if conn, err := websocket.Accept(w, r, nil); err == nil {
			conn.Close(websocket.StatusCode(wireproto.WSCloseAuthRejected), "auth rejected")
		}
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	stream, err := g.Host.SubscribeState(ctx, clientID+"-"+uuid.NewString())
	if err != nil {
		g.Log.Warn("mux: state.subscribe failed", "err", err)
		return
	}
	defer stream.Close()

	var current []session.InfoDto
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			msg, next := applyInfoEvent(current, ev)
			current = next
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, stateWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, b)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func applyInfoEvent(current []session.InfoDto, ev host.InfoEvent) (StateMessage, []session.InfoDto) {
	switch ev.Type {
	case "snapshot":
		return StateMessage{Sessions: ev.Sessions}, append([]session.InfoDto(nil), ev.Sessions...)

	case "delta":
		if ev.Session == nil {
			return StateMessage{Sessions: current}, current
		}
		next := upsert(current, *ev.Session)
		return StateMessage{Sessions: next, Update: &UpdateInfo{Kind: "changed", SessionID: ev.Session.ID}}, next

	case "removed":
		next := remove(current, ev.Removed)
		return StateMessage{Sessions: next, Update: &UpdateInfo{Kind: "removed", SessionID: ev.Removed}}, next

	default:
		return StateMessage{Sessions: current}, current
	}
}

func upsert(list []session.InfoDto, info session.InfoDto) []session.InfoDto {
	for i, s := range list {
		if s.ID == info.ID {
			out := append([]session.InfoDto(nil), list...)
			out[i] = info
			return out
		}
	}
	return append(append([]session.InfoDto(nil), list...), info)
}

func remove(list []session.InfoDto, id uint64) []session.InfoDto {
	out := make([]session.InfoDto, 0, len(list))
	for _, s := range list {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
