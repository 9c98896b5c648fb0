package memdriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dblk/blocksrv/internal/lower"
	"github.com/dblk/blocksrv/internal/registry"
	"github.com/dblk/blocksrv/internal/wire"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dev := New(1<<20, 512, 0)
	adapter := lower.NewModernAdapter(dev)

	vmo := NewVMO(4096)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	vmo.WriteAt(payload, 0)

	region := &registry.Region{ID: 1, Handle: vmo}

	done := make(chan int32, 1)
	adapter.Issue(context.Background(), &lower.OpRequest{
		Command:   wire.OpWrite,
		Region:    region,
		Length:    512,
		VMOOffset: 0,
		DevOffset: 512,
		OnComplete: func(status int32) {
			done <- status
		},
	})
	require.Equal(t, wire.StatusOK, <-done)

	readVMO := NewVMO(4096)
	readRegion := &registry.Region{ID: 2, Handle: readVMO}
	adapter.Issue(context.Background(), &lower.OpRequest{
		Command:   wire.OpRead,
		Region:    readRegion,
		Length:    512,
		VMOOffset: 0,
		DevOffset: 512,
		OnComplete: func(status int32) {
			done <- status
		},
	})
	require.Equal(t, wire.StatusOK, <-done)

	got := make([]byte, 512)
	readVMO.ReadAt(got, 0)
	assert.Equal(t, payload, got)
}

func TestQueueRejectsOutOfRange(t *testing.T) {
	dev := New(4096, 512, 0)
	adapter := lower.NewModernAdapter(dev)
	vmo := NewVMO(4096)
	region := &registry.Region{ID: 1, Handle: vmo}

	done := make(chan int32, 1)
	adapter.Issue(context.Background(), &lower.OpRequest{
		Command:   wire.OpRead,
		Region:    region,
		Length:    512,
		DevOffset: 4096, // device is only 4096 bytes == 8 blocks; this is past the end
		OnComplete: func(status int32) {
			done <- status
		},
	})
	assert.Equal(t, wire.StatusOutOfRange, <-done)
}

func TestQueryReportsGeometry(t *testing.T) {
	dev := New(1<<20, 512, 4096)
	geo, err := dev.Query(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 512, geo.BlockSize)
	assert.EqualValues(t, 2048, geo.BlockCount)
	assert.EqualValues(t, 4096, geo.MaxTransferSize)
}
