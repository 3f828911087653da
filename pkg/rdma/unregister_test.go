package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBlockForUnregister() *LocalBlock {
	r := NewBlockRegistry()
	return r.Add(0, 0, 4*ChunkSize)
}

func TestEnqueueGuardedByUnregisterBitmap(t *testing.T) {
	q := NewUnregisterQueue(4)
	b := newTestBlockForUnregister()

	q.Enqueue(b, 1)
	q.Enqueue(b, 1) // duplicate, should be ignored
	require.Equal(t, 1, q.Len())
	require.True(t, b.UnregisterBitmap[1])
}

func TestDrainClearsBitmapAndReturnsItems(t *testing.T) {
	q := NewUnregisterQueue(4)
	b := newTestBlockForUnregister()

	q.Enqueue(b, 0)
	q.Enqueue(b, 2)

	items := q.Drain()
	require.Len(t, items, 2)
	require.Equal(t, 0, q.Len())
	require.False(t, b.UnregisterBitmap[0])
	require.False(t, b.UnregisterBitmap[2])
}

func TestEnqueueDropsWhenAtCapacity(t *testing.T) {
	q := NewUnregisterQueue(2)
	b := newTestBlockForUnregister()

	q.Enqueue(b, 0)
	q.Enqueue(b, 1)
	q.Enqueue(b, 2) // queue full, dropped

	require.Equal(t, 2, q.Len())
	require.False(t, b.UnregisterBitmap[2])
}

func TestEnabledDefaultsFalse(t *testing.T) {
	q := NewUnregisterQueue(4)
	require.False(t, q.Enabled())
	q.Enable()
	require.True(t, q.Enabled())
}
