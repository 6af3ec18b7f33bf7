package session

// Subscription is the handle returned by Session.Subscribe. The Host's IPC
// attach loop (internal/host) drives it: Wait for new data, then Drain to
// collect it along with whether a Resync frame must precede the next Output
// frame.
type Subscription struct {
	session  *Session
	sub      *subscriber
	clientID string
}

// Wait returns a channel that closes the next time output is enqueued, loss
// is marked, or the subscription is closed — for use in the attach loop's
// select.
func (s *Subscription) Wait() <-chan struct{} { return s.sub.Wait() }

// Drain returns queued chunks (oldest first) and whether a Resync must
// precede them, clearing both.
func (s *Subscription) Drain() (chunks [][]byte, needsResync bool) { return s.sub.Drain() }

// Peek reports pending/loss state without draining.
func (s *Subscription) Peek() (pending bool, needsResync bool) { return s.sub.Peek() }

// MarkLoss forces the next Drain to report that a Resync is needed. Nothing
// outside this package calls it; in particular a Gateway WebSocket send that
// times out does not mark loss here.
func (s *Subscription) MarkLoss() { s.sub.MarkLoss() }

// ResyncPayload returns the bytes to replay immediately after a Resync
// frame (raw scrollback or a vterm-rendered snapshot, per the Session's
// configured resync_mode).
func (s *Subscription) ResyncPayload() []byte { return s.session.ResyncPayload() }

// ClientID returns the subscribing client's id.
func (s *Subscription) ClientID() string { return s.clientID }

// Close unsubscribes, equivalent to calling Session.Unsubscribe(clientID).
func (s *Subscription) Close() { s.session.Unsubscribe(s.clientID) }
