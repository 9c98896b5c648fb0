// Package partition implements the Partition Remapper (C7): a thin
// lower.Adapter wrapper that rewrites device offsets by a fixed LBA base
// and rejects out-of-range requests before forwarding to the real
// lower-driver adapter. Partition table discovery itself is out of
// scope; this assumes a validated window handed to it by the caller.
package partition

import (
	"context"

	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/wire"
)

// Remapper wraps a parent lower.Adapter, exposing only the LBA window
// [FirstLBA, LastLBA] of the parent device as if it were the whole
// device. TypeGUID/PartitionGUID/Name are passthrough metadata surfaced
// by the hosting Device's GET_TYPE_GUID/GET_PARTITION_GUID/GET_NAME
// ioctls; the remapper itself never reads them.
type Remapper struct {
	parent   lower.Adapter
	firstLBA uint64
	lastLBA  uint64

	TypeGUID      [16]byte
	PartitionGUID [16]byte
	Name          string
}

// New creates a Remapper over parent exposing blocks [firstLBA, lastLBA]
// (inclusive) of the parent's address space as blocks [0, lastLBA-firstLBA].
func New(parent lower.Adapter, firstLBA, lastLBA uint64) *Remapper {
	return &Remapper{parent: parent, firstLBA: firstLBA, lastLBA: lastLBA}
}

// windowBlocks is the number of blocks visible through this partition.
func (r *Remapper) windowBlocks() uint64 {
	return r.lastLBA - r.firstLBA + 1
}

// Query reports the parent's geometry with BlockCount narrowed to this
// partition's window.
func (r *Remapper) Query(ctx context.Context) (lower.Geometry, error) {
	geo, err := r.parent.Query(ctx)
	if err != nil {
		return lower.Geometry{}, err
	}
	geo.BlockCount = r.windowBlocks()
	return geo, nil
}

// Issue rewrites req's device offset by the partition's LBA base and
// forwards READ/WRITE to the parent, rejecting anything that would fall
// outside the window. Non-I/O opcodes reaching the adapter layer (the
// pipeline only ever issues READ/WRITE here) are rejected as
// NotSupported, mirroring gpt_queue's fallthrough.
func (r *Remapper) Issue(ctx context.Context, req *lower.OpRequest) {
	switch req.Command {
	case wire.OpRead, wire.OpWrite:
		geo, err := r.parent.Query(ctx)
		if err != nil {
			r.fail(req, wire.StatusIO)
			return
		}
		blockSize := uint64(geo.BlockSize)
		if blockSize == 0 {
			blockSize = 512
		}

		offsetBlocks := req.DevOffset / blockSize
		lengthBlocks := req.Length / blockSize
		window := r.windowBlocks()

		if offsetBlocks >= window || window-offsetBlocks < lengthBlocks {
			r.fail(req, wire.StatusOutOfRange)
			return
		}

		remapped := *req
		remapped.DevOffset = req.DevOffset + r.firstLBA*blockSize
		r.parent.Issue(ctx, &remapped)
	default:
		r.fail(req, wire.StatusNotSupported)
	}
}

func (r *Remapper) fail(req *lower.OpRequest, status int32) {
	if req.OnComplete != nil {
		req.OnComplete(status)
	}
}

var _ lower.Adapter = (*Remapper)(nil)
