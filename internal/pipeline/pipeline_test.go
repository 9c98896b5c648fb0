package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dblk/blocksrv/internal/channel"
	"github.com/dblk/blocksrv/internal/constants"
	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/txntable"
	"github.com/dblk/blocksrv/internal/wire"
)

// fakeRegion is a fixed-size region handle for tests.
type fakeRegion struct{ size uint64 }

func (r fakeRegion) Size() uint64 { return r.size }

// fakeAdapter is a lower.Adapter double that records issued operations
// and completes them according to a scripted status, or leaves them
// pending for the test to complete manually.
type fakeAdapter struct {
	mu       sync.Mutex
	geo      lower.Geometry
	issued   []*lower.OpRequest
	autoOK   bool
	statuses []int32 // per-issue scripted status, consumed in order
}

func (a *fakeAdapter) Query(ctx context.Context) (lower.Geometry, error) {
	return a.geo, nil
}

func (a *fakeAdapter) Issue(ctx context.Context, req *lower.OpRequest) {
	a.mu.Lock()
	a.issued = append(a.issued, req)
	idx := len(a.issued) - 1
	a.mu.Unlock()

	if a.autoOK {
		req.OnComplete(wire.StatusOK)
		return
	}
	if idx < len(a.statuses) {
		req.OnComplete(a.statuses[idx])
	}
}

func (a *fakeAdapter) Issued() []*lower.OpRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*lower.OpRequest, len(a.issued))
	copy(out, a.issued)
	return out
}

type harness struct {
	ch      *channel.Channel
	reg     *registry.Registry
	table   *txntable.Table
	adapter *fakeAdapter
	pipe    *Pipeline
}

func newHarness(t *testing.T, geo lower.Geometry, autoOK bool) *harness {
	t.Helper()
	h := &harness{
		ch:      channel.New(constants.ChannelCapacity),
		reg:     registry.New(),
		table:   txntable.New(),
		adapter: &fakeAdapter{geo: geo, autoOK: autoOK},
	}
	h.pipe = New(Config{
		Channel:  h.ch,
		Registry: h.reg,
		Table:    h.table,
		Adapter:  h.adapter,
	})
	return h
}

func (h *harness) attachRegion(t *testing.T, size uint64) uint16 {
	t.Helper()
	region, err := h.reg.Attach(fakeRegion{size: size})
	require.NoError(t, err)
	return region.ID
}

func (h *harness) allocTxn(t *testing.T) uint8 {
	t.Helper()
	id, _, err := h.table.Allocate()
	require.NoError(t, err)
	return id
}

// drain submits reqs, signals terminate, and runs the pipeline loop until
// it has handled them and Run returns ErrPeerClosed.
func (h *harness) drain(t *testing.T, reqs ...wire.RequestRecord) {
	t.Helper()
	for _, r := range reqs {
		require.True(t, h.ch.Submit(r))
	}
	h.ch.SignalTerminate()
	err := h.pipe.Run(context.Background())
	require.ErrorIs(t, err, ErrPeerClosed)
}

// S1 — simple read, no splitting.
func TestS1SimpleRead(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID:     txnID,
		RegionID:  regionID,
		OpFlags:   wire.EncodeOp(wire.OpRead, true),
		Length:    4096,
		VMOOffset: 0,
		DevOffset: 8192,
	})

	issued := h.adapter.Issued()
	require.Len(t, issued, 1)
	assert.Equal(t, wire.OpRead, issued[0].Command)
	assert.EqualValues(t, 4096, issued[0].Length)
	assert.EqualValues(t, 8192, issued[0].DevOffset)
	assert.True(t, issued[0].SyncBefore)
	assert.True(t, issued[0].SyncAfter)

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.EqualValues(t, txnID, resp.TxnID)
	assert.Equal(t, wire.StatusOK, resp.Status)
	assert.EqualValues(t, 1, resp.Count)
}

// S2 — multi-message transaction, response only after both complete.
func TestS2MultiMessageTransaction(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t,
		wire.RequestRecord{TxnID: txnID, RegionID: regionID, OpFlags: wire.EncodeOp(wire.OpWrite, false), Length: 512, DevOffset: 0},
		wire.RequestRecord{TxnID: txnID, RegionID: regionID, OpFlags: wire.EncodeOp(wire.OpWrite, true), Length: 512, DevOffset: 512},
	)

	issued := h.adapter.Issued()
	require.Len(t, issued, 2)
	assert.True(t, issued[0].SyncBefore)
	assert.False(t, issued[0].SyncAfter)
	assert.False(t, issued[1].SyncBefore)
	assert.True(t, issued[1].SyncAfter)

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.EqualValues(t, 2, resp.Count)
	assert.Equal(t, wire.StatusOK, resp.Status)
}

// S3 — split by max_transfer_size.
func TestS3SplitByMaxTransfer(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512, MaxTransferSize: 4096}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpRead, true),
		Length:  10240,
	})

	issued := h.adapter.Issued()
	require.Len(t, issued, 3)
	assert.EqualValues(t, 4096, issued[0].Length)
	assert.EqualValues(t, 4096, issued[1].Length)
	assert.EqualValues(t, 2048, issued[2].Length)

	assert.True(t, issued[0].SyncBefore)
	assert.False(t, issued[1].SyncBefore)
	assert.False(t, issued[2].SyncBefore)

	assert.False(t, issued[0].SyncAfter)
	assert.False(t, issued[1].SyncAfter)
	assert.True(t, issued[2].SyncAfter)

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.EqualValues(t, 3, resp.Count)
}

// S4 — first-error stickiness.
func TestS4FirstErrorStickiness(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, false)
	h.adapter.statuses = []int32{wire.StatusIO, wire.StatusOK}
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t,
		wire.RequestRecord{TxnID: txnID, RegionID: regionID, OpFlags: wire.EncodeOp(wire.OpWrite, false), Length: 512, DevOffset: 0},
		wire.RequestRecord{TxnID: txnID, RegionID: regionID, OpFlags: wire.EncodeOp(wire.OpWrite, true), Length: 512, DevOffset: 512},
	)

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, wire.StatusIO, resp.Status)
	assert.EqualValues(t, 2, resp.Count)
}

// S5 — invalid alignment produces an out-of-band error, no lower op.
func TestS5InvalidAlignment(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpWrite, true),
		Length:  513,
	})

	assert.Empty(t, h.adapter.Issued())

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, wire.StatusInvalidArgs, resp.Status)
}

// Unregistered region without TXN_END is silently dropped: no response,
// no lower op.
func TestUnregisteredRegionWithoutTxnEndIsDropped(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	txnID := h.allocTxn(t)

	h.ch.Submit(wire.RequestRecord{
		TxnID: txnID, RegionID: 999,
		OpFlags: wire.EncodeOp(wire.OpRead, false),
		Length:  512,
	})
	h.ch.SignalTerminate()
	err := h.pipe.Run(context.Background())
	require.ErrorIs(t, err, ErrPeerClosed)

	assert.Empty(t, h.adapter.Issued())
	h.ch.Close()
	_, ok := h.ch.Receive()
	assert.False(t, ok)
}

// CLOSE_VMO detaches the region and, with TXN_END, emits an OK response.
func TestCloseVMOWithTxnEndRespondsOK(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpCloseVMO, true),
	})

	_, stillThere := h.reg.Find(regionID)
	assert.False(t, stillThere)

	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, wire.StatusOK, resp.Status)
}

// A detached region stays valid for sub-messages already referencing it.
func TestDetachedRegionStaysValidForOutstandingSubMessage(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, false) // manual completion
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.ch.Submit(wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpRead, false),
		Length:  512,
	})
	h.ch.Submit(wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpCloseVMO, true),
	})

	batch := make([]wire.RequestRecord, 8)
	n, _ := h.ch.ReadBatch(batch)
	for i := 0; i < n; i++ {
		h.pipe.handleRequest(context.Background(), batch[i])
	}

	_, stillThere := h.reg.Find(regionID)
	assert.False(t, stillThere, "CLOSE_VMO must remove it from the registry immediately")

	issued := h.adapter.Issued()
	require.Len(t, issued, 1)
	assert.EqualValues(t, 1, issued[0].Region.RefCount(), "sub-message still holds its own reference")

	issued[0].OnComplete(wire.StatusOK)
	assert.EqualValues(t, 0, issued[0].Region.RefCount())
}

// SYNC is accepted as a no-op and never produces a lower-driver op.
func TestSyncIsAcceptedNoOp(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpSync, true),
	})

	assert.Empty(t, h.adapter.Issued())
}

// Read-only devices reject WRITE with InvalidArgs.
func TestReadOnlyRejectsWrite(t *testing.T) {
	h := newHarness(t, lower.Geometry{BlockSize: 512}, true)
	h.pipe.readOnly = true
	regionID := h.attachRegion(t, 1<<20)
	txnID := h.allocTxn(t)

	h.drain(t, wire.RequestRecord{
		TxnID: txnID, RegionID: regionID,
		OpFlags: wire.EncodeOp(wire.OpWrite, true),
		Length:  512,
	})

	assert.Empty(t, h.adapter.Issued())
	resp, ok := h.ch.Receive()
	require.True(t, ok)
	assert.Equal(t, wire.StatusInvalidArgs, resp.Status)
}
