// Package pipeline implements the Request Pipeline (C4): the single
// serving worker that reads batches of requests off the message channel,
// validates them against the registry and transaction table, splits
// oversize READ/WRITE requests into lower-driver-sized operations, and
// routes completions back to their owning transaction.
package pipeline

import (
	"context"
	"time"

	"github.com/dblk/blocksrv/internal/channel"
	"github.com/dblk/blocksrv/internal/constants"
	"github.com/dblk/blocksrv/internal/logging"
	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/txntable"
	"github.com/dblk/blocksrv/internal/wire"
)

// maxUint32 bounds the wire Length field per §4.4's "length ≤ UINT32_MAX".
const maxUint32 = 1<<32 - 1

// Observer receives pipeline events for metrics collection, following the
// same pluggable-Observer shape used for the device's I/O telemetry.
type Observer interface {
	// ObserveIO is called once per lower-driver operation issued (i.e.
	// once per split, or once for an unsplit sub-message) when its
	// completion arrives.
	ObserveIO(op wire.Op, bytes uint64, latencyNs uint64, success bool)
	// ObserveSplit is called once per enqueued sub-message with the
	// number of lower-driver operations it was split into (1 if
	// unsplit).
	ObserveSplit(count int)
	ObserveSync()
	ObserveCloseVMO()
	// ObserveResponse is called whenever a response record is written
	// to the channel, whether a normal transaction response or an
	// out-of-band error/ack response (count is 0 for the latter).
	ObserveResponse(count uint32, status int32)
}

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIO(wire.Op, uint64, uint64, bool) {}
func (NoOpObserver) ObserveSplit(int)                        {}
func (NoOpObserver) ObserveSync()                            {}
func (NoOpObserver) ObserveCloseVMO()                        {}
func (NoOpObserver) ObserveResponse(uint32, int32)           {}

// pipelineError is a string-sentinel error, matching the style used by
// the registry and transaction-table packages.
type pipelineError string

func (e pipelineError) Error() string { return string(e) }

// ErrPeerClosed is returned by Run when the channel reports the client
// end closed or the terminate signal was raised.
const ErrPeerClosed pipelineError = "peer closed or terminate signaled"

// Config bundles everything the pipeline needs from its session.
type Config struct {
	Channel  *channel.Channel
	Registry *registry.Registry
	Table    *txntable.Table
	Adapter  lower.Adapter
	ReadOnly bool
	Logger   *logging.Logger
	Observer Observer
}

// Pipeline is the serving loop for one session.
type Pipeline struct {
	ch        *channel.Channel
	reg       *registry.Registry
	table     *txntable.Table
	adapter   lower.Adapter
	responder txntable.Responder
	readOnly  bool
	logger    *logging.Logger
	obs       Observer

	geo lower.Geometry
}

// New builds a pipeline from cfg. Logger and Observer default to a
// no-op implementation when left nil.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	p := &Pipeline{
		ch:       cfg.Channel,
		reg:      cfg.Registry,
		table:    cfg.Table,
		adapter:  cfg.Adapter,
		readOnly: cfg.ReadOnly,
		logger:   logger,
		obs:      obs,
	}
	p.responder = meteredResponder{ch: cfg.Channel, obs: obs}
	return p
}

// meteredResponder wraps the channel so every response write — final
// transaction response or out-of-band error/ack — is observed, without
// the transaction table needing to know metrics exist.
type meteredResponder struct {
	ch  *channel.Channel
	obs Observer
}

func (m meteredResponder) Write(resp wire.ResponseRecord) bool {
	ok := m.ch.Write(resp)
	m.obs.ObserveResponse(resp.Count, resp.Status)
	return ok
}

// Run drives the serving loop until the channel reports PEER_CLOSED or
// the terminate signal, per §4.4 step 1-2. The only blocking point is
// the channel read; everything else is non-blocking (§5).
func (p *Pipeline) Run(ctx context.Context) error {
	geo, err := p.adapter.Query(ctx)
	if err != nil {
		return err
	}
	p.geo = geo

	batch := make([]wire.RequestRecord, constants.FIFOMaxDepth)
	for {
		n, closed := p.ch.ReadBatch(batch)
		for i := 0; i < n; i++ {
			p.handleRequest(ctx, batch[i])
		}
		if n == 0 && closed {
			return ErrPeerClosed
		}
	}
}

// handleRequest applies the generic region/txn gating of §4.4 step 2,
// then dispatches on opcode.
func (p *Pipeline) handleRequest(ctx context.Context, req wire.RequestRecord) {
	op, txnEnd := wire.DecodeOp(req.OpFlags)

	region, ok := p.reg.Find(req.RegionID)
	if !ok {
		p.respondOrDrop(req.TxnID, txnEnd, wire.StatusInvalidArgs)
		return
	}

	slot, ok := p.table.Get(req.TxnID)
	if !ok {
		p.respondOrDrop(req.TxnID, txnEnd, wire.StatusInvalidArgs)
		return
	}

	switch op {
	case wire.OpRead, wire.OpWrite:
		p.handleReadWrite(ctx, req, op, txnEnd, region, slot)
	case wire.OpCloseVMO:
		p.reg.Detach(req.RegionID)
		p.obs.ObserveCloseVMO()
		if txnEnd {
			p.respond(req.TxnID, wire.StatusOK)
		}
	case wire.OpSync:
		p.logger.Warn("SYNC is accepted but unimplemented", "txn_id", req.TxnID)
		p.obs.ObserveSync()
	default:
		p.logger.Warn("ignoring unknown opcode", "op_flags", req.OpFlags, "txn_id", req.TxnID)
	}
}

// respondOrDrop implements the "emit out-of-band error response only if
// TXN_END, otherwise silently discard" policy shared by every validation
// failure path in §4.4/§7.
func (p *Pipeline) respondOrDrop(txnID uint8, txnEnd bool, status int32) {
	if txnEnd {
		p.respond(txnID, status)
	}
}

func (p *Pipeline) respond(txnID uint8, status int32) {
	if !p.responder.Write(wire.ResponseRecord{TxnID: txnID, Status: status}) {
		p.logger.Warn("dropped response, channel closed", "txn_id", txnID)
	}
}

// handleReadWrite implements §4.4 step 3 (validation), step 4 (enqueue),
// and step 5 (splitting).
func (p *Pipeline) handleReadWrite(ctx context.Context, req wire.RequestRecord, op wire.Op, txnEnd bool, region *registry.Region, slot *txntable.Slot) {
	if !p.validateReadWrite(req, op, region) {
		p.respondOrDrop(req.TxnID, txnEnd, wire.StatusInvalidArgs)
		return
	}

	sm, err := slot.Enqueue(txnEnd, p.responder)
	if err != nil {
		// txntable.Slot.Enqueue already wrote the out-of-band IO-error
		// response itself when txnEnd was set; nothing further to do.
		return
	}
	sm.Op = op
	region.AddRef()
	sm.Region = region

	p.issue(ctx, sm, op, region, req.Length, req.VMOOffset, req.DevOffset, slot)
}

func (p *Pipeline) validateReadWrite(req wire.RequestRecord, op wire.Op, region *registry.Region) bool {
	if req.Length > maxUint32 {
		return false
	}

	blockSize := uint64(p.geo.BlockSize)
	if blockSize == 0 {
		blockSize = constants.DefaultLogicalBlockSize
	}

	if req.Length%blockSize != 0 || req.DevOffset%blockSize != 0 || req.VMOOffset%blockSize != 0 {
		return false
	}

	blocks := req.Length / blockSize
	if blocks < constants.MinBlocksPerRequest || blocks > constants.MaxBlocksPerRequest {
		return false
	}

	if region.Handle.Size() < req.VMOOffset+req.Length {
		return false
	}

	if op == wire.OpWrite && p.readOnly {
		return false
	}

	return true
}

// issue implements §4.4 step 5: split the sub-message into lower-driver
// operations of at most max_transfer_size bytes, preserving SYNC_BEFORE
// on only the first issued operation and SYNC_AFTER on only the last.
func (p *Pipeline) issue(ctx context.Context, sm *txntable.SubMessage, op wire.Op, region *registry.Region, length, vmoOff, devOff uint64, slot *txntable.Slot) {
	maxTransfer := uint64(p.geo.MaxTransferSize)
	syncBefore := sm.Flags&txntable.SyncBefore != 0
	syncAfter := sm.Flags&txntable.SyncAfter != 0

	if maxTransfer == constants.UnlimitedMaxTransfer || length <= maxTransfer {
		sm.SetSubTxns(1)
		p.obs.ObserveSplit(1)
		p.issueOne(ctx, sm, op, region, length, vmoOff, devOff, syncBefore, syncAfter, slot)
		return
	}

	splitCount := int((length + maxTransfer - 1) / maxTransfer)
	sm.SetSubTxns(int32(splitCount))
	p.obs.ObserveSplit(splitCount)

	remaining := length
	for i := 0; i < splitCount; i++ {
		n := maxTransfer
		if remaining < n {
			n = remaining
		}
		first := i == 0 && syncBefore
		last := i == splitCount-1 && syncAfter
		p.issueOne(ctx, sm, op, region, n, vmoOff, devOff, first, last, slot)
		vmoOff += n
		devOff += n
		remaining -= n
	}
}

func (p *Pipeline) issueOne(ctx context.Context, sm *txntable.SubMessage, op wire.Op, region *registry.Region, length, vmoOff, devOff uint64, syncBefore, syncAfter bool, slot *txntable.Slot) {
	start := time.Now()
	p.adapter.Issue(ctx, &lower.OpRequest{
		Command:    op,
		SyncBefore: syncBefore,
		SyncAfter:  syncAfter,
		Region:     region,
		Length:     length,
		VMOOffset:  vmoOff,
		DevOffset:  devOff,
		OnComplete: func(status int32) {
			p.obs.ObserveIO(op, length, uint64(time.Since(start)), status == wire.StatusOK)
			slot.Complete(sm, status, p.responder)
		},
	})
}
