package blocksrv

import (
	"context"
	"sync"

	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/wire"
)

// MockLowerDriver implements lower.ModernDriver for library consumers'
// unit tests: a byte-slice-backed ram disk with call-count tracking and
// optional forced-error injection, equivalent in role to the backend
// test double but speaking the block_op completion shape this server
// drives rather than a plain ReadAt/WriteAt backend.
type MockLowerDriver struct {
	mu sync.Mutex

	data      []byte
	blockSize uint32
	maxXfer   uint32
	closed    bool

	readCalls  int
	writeCalls int

	// ForcedStatus, when non-zero, is returned for every subsequent
	// Queue call instead of performing the copy.
	ForcedStatus int32
}

// NewMockLowerDriver creates a mock lower driver of the given size and
// geometry. A maxTransfer of 0 means unlimited.
func NewMockLowerDriver(size uint64, blockSize uint32, maxTransfer uint32) *MockLowerDriver {
	return &MockLowerDriver{
		data:      make([]byte, size),
		blockSize: blockSize,
		maxXfer:   maxTransfer,
	}
}

// Query implements lower.ModernDriver.
func (m *MockLowerDriver) Query(ctx context.Context) (lower.Geometry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lower.Geometry{
		BlockSize:       m.blockSize,
		BlockCount:      uint64(len(m.data)) / uint64(m.blockSize),
		MaxTransferSize: m.maxXfer,
	}, nil
}

// mockRegion is the ReadAt/WriteAt contract MockLowerDriver needs from
// whatever registry.RegionHandle the pipeline hands it.
type mockRegion interface {
	ReadAt(p []byte, off uint64)
	WriteAt(p []byte, off uint64)
}

// Queue implements lower.ModernDriver, copying bytes synchronously
// between the backing store and the operation's region.
func (m *MockLowerDriver) Queue(ctx context.Context, op *lower.BlockOp) {
	m.mu.Lock()

	if m.ForcedStatus != 0 {
		status := m.ForcedStatus
		m.mu.Unlock()
		op.Complete(status)
		return
	}

	switch op.Command {
	case wire.OpRead:
		m.readCalls++
	case wire.OpWrite:
		m.writeCalls++
	}

	blockSize := uint64(m.blockSize)
	length := (uint64(op.Length) + 1) * blockSize
	devOff := op.OffsetDev * blockSize
	vmoOff := op.OffsetVMO * blockSize

	region, ok := op.Region.Handle.(mockRegion)
	if !ok {
		m.mu.Unlock()
		op.Complete(wire.StatusInvalidArgs)
		return
	}

	status := wire.StatusOK
	if m.closed {
		status = wire.StatusIO
	} else if devOff+length > uint64(len(m.data)) {
		status = wire.StatusOutOfRange
	} else {
		buf := make([]byte, length)
		switch op.Command {
		case wire.OpRead:
			copy(buf, m.data[devOff:devOff+length])
			region.WriteAt(buf, vmoOff)
		case wire.OpWrite:
			region.ReadAt(buf, vmoOff)
			copy(m.data[devOff:devOff+length], buf)
		default:
			status = wire.StatusNotSupported
		}
	}

	m.mu.Unlock()
	op.Complete(status)
}

// Close marks the driver closed; subsequent Queue calls fail with
// StatusIO.
func (m *MockLowerDriver) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// IsClosed reports whether Close has been called.
func (m *MockLowerDriver) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of Queue calls observed per opcode;
// calls answered with ForcedStatus are not counted.
func (m *MockLowerDriver) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
	}
}

// Reset zeroes call counters and clears forced-error injection.
func (m *MockLowerDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = 0
	m.writeCalls = 0
	m.ForcedStatus = 0
}

var _ lower.ModernDriver = (*MockLowerDriver)(nil)
