// Package lower implements the Lower-Driver Adapter (C5): translation
// from this server's internal operation record to whichever of the two
// historical lower-driver operation shapes the underlying driver
// expects, and back on completion.
package lower

import (
	"context"
	"sync"

	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/wire"
)

// Geometry is the device geometry reported by Query.
type Geometry struct {
	BlockSize       uint32
	BlockCount      uint64
	MaxTransferSize uint32 // 0 = unlimited
}

// OpRequest is the operation record the pipeline issues to an Adapter.
// It is expressed in bytes; adapters translate into whatever unit their
// wrapped driver shape expects.
type OpRequest struct {
	Command    wire.Op // OpRead or OpWrite
	SyncBefore bool
	SyncAfter  bool
	Region     *registry.Region
	Length     uint64
	VMOOffset  uint64
	DevOffset  uint64

	// OnComplete is invoked exactly once, from whatever goroutine the
	// underlying driver chooses, with the completion status.
	OnComplete func(status int32)
}

// Adapter is the contract the pipeline drives; exactly one
// implementation is selected per device at session-open time.
type Adapter interface {
	Query(ctx context.Context) (Geometry, error)
	Issue(ctx context.Context, req *OpRequest)
}

// ModernDriver is the "block operation" lower-driver shape: the adapter
// allocates an operation record, the driver invokes Complete on it
// exactly once.
type ModernDriver interface {
	Query(ctx context.Context) (Geometry, error)
	Queue(ctx context.Context, op *BlockOp)
}

// BlockOp is the modern-shape operation record. Length is block count
// minus one to match the historical 16-bit on-the-wire encoding.
type BlockOp struct {
	Command    wire.Op
	Length     uint16
	Region     *registry.Region
	OffsetDev  uint64
	OffsetVMO  uint64
	SyncBefore bool
	SyncAfter  bool

	onComplete func(status int32)
}

// Complete is called by the driver exactly once with the operation's
// result.
func (op *BlockOp) Complete(status int32) {
	cb := op.onComplete
	blockOpPool.Put(op)
	if cb != nil {
		cb(status)
	}
}

var blockOpPool = sync.Pool{New: func() any { return &BlockOp{} }}

// ModernAdapter adapts a ModernDriver to the Adapter contract. Device
// geometry is snapshotted on the first Query call, per §4.6's
// "snapshot device geometry if the modern shape is present."
type ModernAdapter struct {
	driver ModernDriver

	mu       sync.Mutex
	geo      Geometry
	geoReady bool
}

// NewModernAdapter wraps driver behind the Adapter contract.
func NewModernAdapter(driver ModernDriver) *ModernAdapter {
	return &ModernAdapter{driver: driver}
}

func (a *ModernAdapter) Query(ctx context.Context) (Geometry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.geoReady {
		return a.geo, nil
	}
	geo, err := a.driver.Query(ctx)
	if err != nil {
		return Geometry{}, err
	}
	if geo.BlockSize == 0 {
		geo.BlockSize = 512
	}
	a.geo = geo
	a.geoReady = true
	return geo, nil
}

func (a *ModernAdapter) Issue(ctx context.Context, req *OpRequest) {
	op := blockOpPool.Get().(*BlockOp)
	*op = BlockOp{
		Command:    req.Command,
		Region:     req.Region,
		SyncBefore: req.SyncBefore,
		SyncAfter:  req.SyncAfter,
		onComplete: req.OnComplete,
	}

	geo, _ := a.Query(ctx)
	blockSize := uint64(geo.BlockSize)

	op.Length = uint16(req.Length/blockSize - 1)
	op.OffsetDev = req.DevOffset / blockSize
	op.OffsetVMO = req.VMOOffset / blockSize

	a.driver.Queue(ctx, op)
}

// LegacyDriver is the "io-transaction" lower-driver shape: offsets are
// byte-addressed and the driver reports the result by calling SetStatus
// on the txn.
type LegacyDriver interface {
	Query(ctx context.Context) (Geometry, error)
	Queue(ctx context.Context, txn *IOTxn)
}

// IOTxn is the legacy-shape operation record.
type IOTxn struct {
	Op          wire.Op
	OffsetBytes uint64
	LengthBytes uint64
	Region      *registry.Region
	Cookie      uint64

	onComplete func(status int32)
}

// SetStatus is called by the driver exactly once; it passes status to
// the txn's completion callback.
func (t *IOTxn) SetStatus(status int32) {
	cb := t.onComplete
	ioTxnPool.Put(t)
	if cb != nil {
		cb(status)
	}
}

var ioTxnPool = sync.Pool{New: func() any { return &IOTxn{} }}

// LegacyAdapter adapts a LegacyDriver to the Adapter contract.
type LegacyAdapter struct {
	driver  LegacyDriver
	cookies uint64
	mu      sync.Mutex
}

// NewLegacyAdapter wraps driver behind the Adapter contract.
func NewLegacyAdapter(driver LegacyDriver) *LegacyAdapter {
	return &LegacyAdapter{driver: driver}
}

func (a *LegacyAdapter) Query(ctx context.Context) (Geometry, error) {
	return a.driver.Query(ctx)
}

func (a *LegacyAdapter) Issue(ctx context.Context, req *OpRequest) {
	txn := ioTxnPool.Get().(*IOTxn)

	a.mu.Lock()
	a.cookies++
	cookie := a.cookies
	a.mu.Unlock()

	*txn = IOTxn{
		Op:          req.Command,
		OffsetBytes: req.DevOffset,
		LengthBytes: req.Length,
		Region:      req.Region,
		Cookie:      cookie,
		onComplete:  req.OnComplete,
	}

	a.driver.Queue(ctx, txn)
}
