// Package txntable implements the Transaction Table (C3): a fixed-size
// array of transaction slots, each of which accumulates sub-messages
// until it is closed and a single response is emitted.
package txntable

import (
	"sync"
	"sync/atomic"

	"github.com/dblk/blocksrv/internal/constants"
	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/wire"
)

// SubMsgFlags are the ordering hints forwarded to the lower driver.
type SubMsgFlags uint8

const (
	SyncBefore SubMsgFlags = 1 << 0
	SyncAfter  SubMsgFlags = 1 << 1
)

// Responder is the channel-facing capability the table needs to emit
// out-of-band error responses (on a duplicate respond-requested enqueue)
// and the transaction's final response (on completion). The table is
// deliberately ignorant of the channel type itself.
type Responder interface {
	Write(resp wire.ResponseRecord) bool
}

// SubMessage is one physical I/O operation enqueued on a transaction
// slot. It may itself be split into multiple lower-driver operations,
// tracked by SubTxns. It holds plain Go pointers to its owning slot and
// region — ordinary references that the garbage collector keeps alive,
// standing in for the reference-counted handles a non-GC'd server would
// need for the same liveness guarantee.
type SubMessage struct {
	Op      wire.Op
	Flags   SubMsgFlags
	subTxns int32

	Slot   *Slot
	Region *registry.Region
}

// SetSubTxns initializes the number of outstanding lower-driver
// completions this sub-message is split into. Must be called before the
// sub-message is issued to the lower driver.
func (m *SubMessage) SetSubTxns(n int32) {
	atomic.StoreInt32(&m.subTxns, n)
}

// SubTxns reports the current outstanding-completion count.
func (m *SubMessage) SubTxns() int32 {
	return atomic.LoadInt32(&m.subTxns)
}

// Slot is one transaction slot. Table.Allocate hands out a fresh *Slot
// each time a txn ID is reused; a slot freed while sub-messages still
// hold a pointer to it stays valid for them even after the table's own
// mapping for that ID is cleared or reassigned.
type Slot struct {
	ID uint8

	mu               sync.Mutex
	ctr              uint32
	respondRequested bool
	status           int32
	count            uint32
}

// errIO mirrors the root package's InvalidArgs/IO kind without importing
// it (txntable sits below the root package in the dependency graph).
type tableError string

func (e tableError) Error() string { return string(e) }

const (
	errIO          tableError = "enqueue on a slot already flagged for response"
	errNoResources tableError = "no free transaction slots"
)

// ErrIO is returned by Enqueue when the slot already has
// RESPOND_REQUESTED set.
var ErrIO error = errIO

// ErrNoResources is returned by Allocate when the table is full.
var ErrNoResources error = errNoResources

// Enqueue adds a new sub-message to the slot. See §4.3: if the slot is
// already flagged RESPOND_REQUESTED this fails with ErrIO (and, if
// respondNow was requested, also emits an out-of-band error response);
// if this is the last free slot for more sub-messages, respondNow is
// forced true regardless of what the caller passed.
func (s *Slot) Enqueue(respondNow bool, responder Responder) (*SubMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.respondRequested {
		if respondNow && responder != nil {
			responder.Write(wire.ResponseRecord{TxnID: s.ID, Status: wire.StatusIO})
		}
		return nil, errIO
	}

	if s.ctr == constants.MaxTxnMessages-1 {
		respondNow = true
	}

	sm := &SubMessage{Slot: s}
	if s.ctr == 0 {
		sm.Flags |= SyncBefore
	}
	if respondNow {
		sm.Flags |= SyncAfter
		s.respondRequested = true
	}
	sm.subTxns = 1
	s.ctr++

	return sm, nil
}

// Complete records one lower-driver completion for sm, under the slot
// lock. First-error stickiness: response.status only changes away from
// OK once. When the sub-message's last outstanding completion arrives
// and, if a response was requested, every sub-message on the slot has
// completed, Complete writes the transaction's response and resets the
// slot to idle.
func (s *Slot) Complete(sm *SubMessage, status int32, responder Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == wire.StatusOK && status != wire.StatusOK {
		s.status = status
	}

	if remaining := atomic.AddInt32(&sm.subTxns, -1); remaining > 0 {
		return
	}

	s.count++

	if s.respondRequested && s.count == s.ctr {
		if responder != nil {
			responder.Write(wire.ResponseRecord{TxnID: s.ID, Status: s.status, Count: s.count})
		}
		s.status = wire.StatusOK
		s.count = 0
		s.ctr = 0
		s.respondRequested = false
	}

	if sm.Region != nil {
		sm.Region.Release()
		sm.Region = nil
	}
	sm.Slot = nil
}

// Snapshot returns the slot's current ctr/count/respondRequested for
// tests and diagnostics without exposing the lock.
func (s *Slot) Snapshot() (ctr, count uint32, respondRequested bool, status int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctr, s.count, s.respondRequested, s.status
}

// Table is the fixed-size array of transaction slots.
type Table struct {
	mu    sync.Mutex
	slots [constants.MaxTxnCount]*Slot
}

// New creates an empty transaction table.
func New() *Table {
	return &Table{}
}

// Allocate reserves the first empty slot and returns its txn ID.
func (t *Table) Allocate() (uint8, *Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == nil {
			id := uint8(i)
			slot := &Slot{ID: id}
			t.slots[i] = slot
			return id, slot, nil
		}
	}
	return 0, nil, errNoResources
}

// Free clears the slot mapping for txnID. Idempotent. Any *Slot already
// handed to a sub-message remains valid independently of this table.
func (t *Table) Free(txnID uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[txnID] = nil
}

// Get returns the live slot for txnID, if any is currently allocated.
func (t *Table) Get(txnID uint8) (*Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slots[txnID]
	return slot, slot != nil
}
