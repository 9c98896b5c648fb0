// Package channel implements the bounded, bidirectional, fixed-record
// message queue (C1) that carries requests from client to server and
// responses back, plus a side-band terminate signal.
//
// The shape is a fixed-capacity ring of slots guarded by head/tail
// indices, with a blocking wait for the next readable entry, kept as a
// pure in-process queue rather than a kernel-backed ring.
package channel

import (
	"sync"

	"github.com/dblk/blocksrv/internal/wire"
)

type ring struct {
	buf   []wire.RequestRecord
	head  int
	tail  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]wire.RequestRecord, capacity)}
}

func (r *ring) push(rec wire.RequestRecord) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.tail] = rec
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return true
}

func (r *ring) pop() (wire.RequestRecord, bool) {
	if r.count == 0 {
		return wire.RequestRecord{}, false
	}
	rec := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return rec, true
}

type respRing struct {
	buf   []wire.ResponseRecord
	head  int
	tail  int
	count int
}

func newRespRing(capacity int) *respRing {
	return &respRing{buf: make([]wire.ResponseRecord, capacity)}
}

func (r *respRing) push(rec wire.ResponseRecord) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.tail] = rec
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return true
}

func (r *respRing) pop() (wire.ResponseRecord, bool) {
	if r.count == 0 {
		return wire.ResponseRecord{}, false
	}
	rec := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return rec, true
}

// Channel is the message channel between one client end and the serving
// worker. A Channel is created fresh per session by Device.GetFIFOs and torn
// down when the session ends.
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	requests  *ring
	responses *respRing

	peerClosed bool
	terminate  bool
}

// New creates a channel with the given per-direction capacity.
func New(capacity int) *Channel {
	c := &Channel{
		requests:  newRing(capacity),
		responses: newRespRing(capacity),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Submit is the client-side call that enqueues one request record.
// Non-blocking: returns false if the request ring is full.
func (c *Channel) Submit(req wire.RequestRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerClosed {
		return false
	}
	ok := c.requests.push(req)
	if ok {
		c.cond.Broadcast()
	}
	return ok
}

// ReadBatch is the server-side call. It is non-blocking if requests are
// already available; otherwise it blocks on the composite condition
// readable OR peer-closed OR terminate-signaled. It returns the number
// of records copied into out and whether the channel should be
// considered closed (PEER_CLOSED or terminate).
func (c *Channel) ReadBatch(out []wire.RequestRecord) (n int, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.requests.count == 0 && !c.peerClosed && !c.terminate {
		c.cond.Wait()
	}

	for n < len(out) {
		rec, ok := c.requests.pop()
		if !ok {
			break
		}
		out[n] = rec
		n++
	}

	if n > 0 {
		return n, false
	}
	return 0, c.peerClosed || c.terminate
}

// Write is the server-side call that enqueues one response record.
// Non-blocking: returns false if the response ring is full or the
// client end has closed; callers log and continue on failure per §4.1.
func (c *Channel) Write(resp wire.ResponseRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerClosed {
		return false
	}
	ok := c.responses.push(resp)
	if ok {
		c.cond.Broadcast()
	}
	return ok
}

// Receive is the client-side blocking read of the next response record.
// Returns false if no response will ever arrive (peer closed with an
// empty response ring).
func (c *Channel) Receive() (wire.ResponseRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.responses.count == 0 && !c.peerClosed {
		c.cond.Wait()
	}

	rec, ok := c.responses.pop()
	return rec, ok
}

// Close marks the client end closed. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerClosed = true
	c.cond.Broadcast()
}

// SignalTerminate sets the side-band USER_SIGNAL_0 terminate signal.
// Idempotent; either end may call it.
func (c *Channel) SignalTerminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminate = true
	c.cond.Broadcast()
}

// Terminated reports whether the terminate signal has been set.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminate
}

// ClientEnd is the handle GET_FIFOS hands back to the caller: the
// client-facing half of a Channel, narrowed to the four operations a
// client needs and none of the server-side internals.
type ClientEnd struct {
	ch *Channel
}

// NewClientEnd wraps ch for client-side use.
func NewClientEnd(ch *Channel) *ClientEnd {
	return &ClientEnd{ch: ch}
}

// Submit enqueues one request record; see Channel.Submit.
func (e *ClientEnd) Submit(req wire.RequestRecord) bool {
	return e.ch.Submit(req)
}

// Receive blocks for the next response record; see Channel.Receive.
func (e *ClientEnd) Receive() (wire.ResponseRecord, bool) {
	return e.ch.Receive()
}

// Close marks the client end closed; see Channel.Close.
func (e *ClientEnd) Close() {
	e.ch.Close()
}

// SignalTerminate requests the serving worker stop; see
// Channel.SignalTerminate.
func (e *ClientEnd) SignalTerminate() {
	e.ch.SignalTerminate()
}
