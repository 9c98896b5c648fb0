package lower

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dblk/blocksrv/internal/wire"
)

type fakeModernDriver struct {
	geo     Geometry
	queued  []*BlockOp
	autoRun bool
}

func (d *fakeModernDriver) Query(ctx context.Context) (Geometry, error) {
	return d.geo, nil
}

func (d *fakeModernDriver) Queue(ctx context.Context, op *BlockOp) {
	d.queued = append(d.queued, op)
	if d.autoRun {
		op.Complete(0)
	}
}

func TestModernAdapterIssueTranslatesToBlocks(t *testing.T) {
	driver := &fakeModernDriver{geo: Geometry{BlockSize: 512, BlockCount: 1 << 20}}
	adapter := NewModernAdapter(driver)

	var gotStatus int32 = -99
	adapter.Issue(context.Background(), &OpRequest{
		Command:   wire.OpRead,
		Length:    4096,
		VMOOffset: 0,
		DevOffset: 8192,
		OnComplete: func(status int32) {
			gotStatus = status
		},
	})

	require.Len(t, driver.queued, 1)
	op := driver.queued[0]
	assert.Equal(t, wire.OpRead, op.Command)
	assert.EqualValues(t, 7, op.Length) // (4096/512)-1
	assert.EqualValues(t, 16, op.OffsetDev)
	assert.EqualValues(t, 0, op.OffsetVMO)

	op.Complete(0)
	assert.Equal(t, int32(0), gotStatus)
}

func TestModernAdapterGeometryIsSnapshotted(t *testing.T) {
	driver := &fakeModernDriver{geo: Geometry{BlockSize: 512}}
	adapter := NewModernAdapter(driver)

	geo1, err := adapter.Query(context.Background())
	require.NoError(t, err)

	driver.geo.BlockSize = 4096 // driver "changes" after session open
	geo2, err := adapter.Query(context.Background())
	require.NoError(t, err)

	assert.Equal(t, geo1, geo2, "adapter must keep the snapshot taken at session open")
}

type fakeLegacyDriver struct {
	queued []*IOTxn
}

func (d *fakeLegacyDriver) Query(ctx context.Context) (Geometry, error) {
	return Geometry{BlockSize: 512}, nil
}

func (d *fakeLegacyDriver) Queue(ctx context.Context, txn *IOTxn) {
	d.queued = append(d.queued, txn)
}

func TestLegacyAdapterIssueUsesByteOffsets(t *testing.T) {
	driver := &fakeLegacyDriver{}
	adapter := NewLegacyAdapter(driver)

	adapter.Issue(context.Background(), &OpRequest{
		Command:   wire.OpWrite,
		Length:    512,
		DevOffset: 1024,
	})

	require.Len(t, driver.queued, 1)
	txn := driver.queued[0]
	assert.Equal(t, wire.OpWrite, txn.Op)
	assert.EqualValues(t, 1024, txn.OffsetBytes)
	assert.EqualValues(t, 512, txn.LengthBytes)
	assert.NotZero(t, txn.Cookie)
}

func TestLegacyAdapterCookiesAreUnique(t *testing.T) {
	driver := &fakeLegacyDriver{}
	adapter := NewLegacyAdapter(driver)

	for i := 0; i < 3; i++ {
		adapter.Issue(context.Background(), &OpRequest{Command: wire.OpRead})
	}

	seen := map[uint64]bool{}
	for _, txn := range driver.queued {
		assert.False(t, seen[txn.Cookie])
		seen[txn.Cookie] = true
	}
}

func TestIOTxnSetStatusInvokesCallbackOnce(t *testing.T) {
	driver := &fakeLegacyDriver{}
	adapter := NewLegacyAdapter(driver)

	calls := 0
	adapter.Issue(context.Background(), &OpRequest{
		Command: wire.OpRead,
		OnComplete: func(status int32) {
			calls++
		},
	})

	driver.queued[0].SetStatus(0)
	assert.Equal(t, 1, calls)
}
