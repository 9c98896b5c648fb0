package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ size uint64 }

func (f fakeHandle) Size() uint64 { return f.size }

func TestAttachReturnsNonZeroUniqueIDs(t *testing.T) {
	r := New()

	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		region, err := r.Attach(fakeHandle{size: 4096})
		require.NoError(t, err)
		require.NotZero(t, region.ID)
		require.False(t, seen[region.ID], "region ID reused while still attached")
		seen[region.ID] = true
	}
	assert.Equal(t, 10, r.Count())
}

func TestFindAfterAttach(t *testing.T) {
	r := New()
	region, err := r.Attach(fakeHandle{size: 512})
	require.NoError(t, err)

	found, ok := r.Find(region.ID)
	require.True(t, ok)
	assert.Same(t, region, found)
}

func TestFindUnknownID(t *testing.T) {
	r := New()
	_, ok := r.Find(999)
	assert.False(t, ok)
}

func TestDetachRemovesMappingButKeepsHandleAliveForHolders(t *testing.T) {
	r := New()
	region, err := r.Attach(fakeHandle{size: 1024})
	require.NoError(t, err)

	region.AddRef() // a sub-message takes a reference before detach
	assert.True(t, r.Detach(region.ID))

	_, ok := r.Find(region.ID)
	assert.False(t, ok, "detached region should no longer be findable")

	// The sub-message's own pointer still works; releasing it is safe.
	assert.EqualValues(t, 0, region.Release())
}

func TestDetachUnknownIDReturnsFalse(t *testing.T) {
	r := New()
	assert.False(t, r.Detach(42))
}

func TestAttachAfterDetachReturnsNonZeroID(t *testing.T) {
	r := New()

	first, err := r.Attach(fakeHandle{size: 1})
	require.NoError(t, err)

	require.True(t, r.Detach(first.ID))

	second, err := r.Attach(fakeHandle{size: 1})
	require.NoError(t, err)
	assert.NotZero(t, second.ID)
}
