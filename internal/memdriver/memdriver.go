// Package memdriver provides an in-memory lower-driver implementation
// (the "modern block operation" shape, §4.5) and a matching in-memory
// VMO, for demos and tests that never touch a real block device or a
// real client-shared memory region.
package memdriver

import (
	"context"
	"sync"

	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/wire"
)

// VMO is a byte-slice-backed client region implementing
// registry.RegionHandle plus the ReadAt/WriteAt pair the in-memory
// driver needs to actually move bytes in and out of it.
type VMO struct {
	mu   sync.RWMutex
	data []byte
}

// NewVMO allocates a zeroed region of the given size.
func NewVMO(size uint64) *VMO {
	return &VMO{data: make([]byte, size)}
}

// Size implements registry.RegionHandle.
func (v *VMO) Size() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return uint64(len(v.data))
}

// ReadAt copies len(p) bytes starting at off into p.
func (v *VMO) ReadAt(p []byte, off uint64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	copy(p, v.data[off:off+uint64(len(p))])
}

// WriteAt copies p into the region starting at off.
func (v *VMO) WriteAt(p []byte, off uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	copy(v.data[off:off+uint64(len(p))], p)
}

// regionData is the interface memdriver needs from whatever
// registry.RegionHandle the pipeline hands it; *VMO satisfies it.
type regionData interface {
	ReadAt(p []byte, off uint64)
	WriteAt(p []byte, off uint64)
}

// Device is a ram-disk implementing lower.ModernDriver: every READ/WRITE
// operation copies bytes between the device's backing store and the
// region attached to the operation.
type Device struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	maxXfer   uint32
}

// New creates an in-memory device of size bytes with the given geometry.
// A maxTransfer of 0 means unlimited (no splitting).
func New(size uint64, blockSize uint32, maxTransfer uint32) *Device {
	return &Device{
		data:      make([]byte, size),
		blockSize: blockSize,
		maxXfer:   maxTransfer,
	}
}

// Query implements lower.ModernDriver.
func (d *Device) Query(ctx context.Context) (lower.Geometry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lower.Geometry{
		BlockSize:       d.blockSize,
		BlockCount:      uint64(len(d.data)) / uint64(d.blockSize),
		MaxTransferSize: d.maxXfer,
	}, nil
}

// Queue implements lower.ModernDriver. It performs the copy synchronously
// and completes op inline; a real driver would do this asynchronously,
// but nothing in the Adapter contract requires that.
func (d *Device) Queue(ctx context.Context, op *lower.BlockOp) {
	blockSize := uint64(d.blockSize)
	length := (uint64(op.Length) + 1) * blockSize
	devOff := op.OffsetDev * blockSize
	vmoOff := op.OffsetVMO * blockSize

	region, ok := op.Region.Handle.(regionData)
	if !ok {
		op.Complete(wire.StatusInvalidArgs)
		return
	}

	d.mu.Lock()
	status := wire.StatusOK
	if devOff+length > uint64(len(d.data)) {
		status = wire.StatusOutOfRange
	} else {
		buf := make([]byte, length)
		switch op.Command {
		case wire.OpRead:
			copy(buf, d.data[devOff:devOff+length])
			region.WriteAt(buf, vmoOff)
		case wire.OpWrite:
			region.ReadAt(buf, vmoOff)
			copy(d.data[devOff:devOff+length], buf)
		default:
			status = wire.StatusNotSupported
		}
	}
	d.mu.Unlock()

	op.Complete(status)
}

var _ lower.ModernDriver = (*Device)(nil)
