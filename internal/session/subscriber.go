package session

import "sync"

// subscriber is a bounded per-(Session, client) output queue (spec.md §3's
// "Output subscriber"). Bounded by both byte count and chunk count; overflow
// drops the oldest queued chunk and sets a sticky loss flag that the Host's
// IPC attach loop (internal/host) clears by emitting a Resync before any
// further Output frame.
//
// Grounded on the teacher's replayBuffer cursor/notify pattern
// (internal/egg/server.go) but reshaped into a plain bounded queue per
// Design Note "Channel-based fan-out": drop-oldest instead of blocking the
// writer, since here the writer is the shared PTY reader task and must never
// stall on one slow subscriber.
type subscriber struct {
	clientID string

	mu       sync.Mutex
	chunks   [][]byte
	bytes    int
	maxBytes int
	maxChunks int
	loss     bool
	closed   bool
	notify   chan struct{} // closed+replaced whenever a chunk is enqueued or closed
}

func newSubscriber(clientID string, maxBytes, maxChunks int) *subscriber {
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}
	if maxChunks <= 0 {
		maxChunks = 1024
	}
	return &subscriber{
		clientID:  clientID,
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
		notify:    make(chan struct{}),
	}
}

// Enqueue appends a chunk, dropping the oldest queued chunk(s) and setting
// loss if the bounds would be exceeded. Never blocks.
func (s *subscriber) Enqueue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	s.bytes += len(cp)
	for (s.bytes > s.maxBytes || len(s.chunks) > s.maxChunks) && len(s.chunks) > 1 {
		dropped := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.bytes -= len(dropped)
		s.loss = true
	}
	s.wake()
}

// MarkLoss sets the sticky loss flag directly. Session.Subscribe calls it so
// every new subscription starts with a Resync, and the Session calls it on
// every subscriber when the shell exits. The Gateway's WebSocket send
// timeouts do not reach it.
func (s *subscriber) MarkLoss() {
	s.mu.Lock()
	s.loss = true
	s.wake()
	s.mu.Unlock()
}

// Drain returns every queued chunk (oldest first) and whether loss was set,
// clearing both. Intended to be called once per Gateway flush tick.
func (s *subscriber) Drain() (chunks [][]byte, loss bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks, loss = s.chunks, s.loss
	s.chunks, s.bytes, s.loss = nil, 0, false
	return chunks, loss
}

// Peek reports whether anything is queued or loss is pending, without
// draining — used by the flush loop to decide whether to wait.
func (s *subscriber) Peek() (pending bool, loss bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks) > 0, s.loss
}

// Wait returns a channel that closes the next time Enqueue, MarkLoss, or
// Close is called.
func (s *subscriber) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Close marks the subscriber closed; further Enqueue calls are no-ops.
func (s *subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.wake()
}

// wake must be called with mu held.
func (s *subscriber) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}
