package galloc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlmalloc/avlmalloc/internal/block"
	"github.com/avlmalloc/avlmalloc/internal/index"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	return a
}

func TestAllocReturnsMinBlockSizeForSmallRequest(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Alloc(32)
	require.NoError(t, err)
	hdr, err := block.ReadHeader(a.heap, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(index.MinBlockSize), block.SizeOf(hdr))
	assert.True(t, block.IsAllocated(hdr))
}

func TestAllocZeroStillReturnsMinBlockSize(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Alloc(0)
	require.NoError(t, err)
	hdr, err := block.ReadHeader(a.heap, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(index.MinBlockSize), block.SizeOf(hdr))
}

func TestFreeNilIsNoOp(t *testing.T) {
	a := newAllocator(t)
	require.NoError(t, a.Free(0))
	assert.Equal(t, uint64(0), a.Stats().LiveAllocations)
}

func TestCallocZeroesAllBytes(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Calloc(5, 32)
	require.NoError(t, err)
	data, err := a.ReadBytes(p, 5*32)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, make([]byte, 5*32)))
}

func TestCallocZeroOperandReturnsNull(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Calloc(0, 32)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), p)

	p, err = a.Calloc(32, 0)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), p)
}

func TestCallocOverflowingProductErrors(t *testing.T) {
	a := newAllocator(t)

	_, err := a.Calloc(1<<40, 1<<40)
	assert.Error(t, err)
}

func TestReallocNilBehavesLikeAlloc(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Realloc(0, 64)
	require.NoError(t, err)
	assert.NotEqual(t, Addr(0), p)
}

func TestReallocZeroBehavesLikeFree(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Alloc(64)
	require.NoError(t, err)
	q, err := a.Realloc(p, 0)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), q)
	assert.Equal(t, uint64(0), a.Stats().LiveAllocations)
}

func TestReallocGrowPreservesContent(t *testing.T) {
	a := newAllocator(t)

	p, err := a.Alloc(64)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0xAB}, 64)
	require.NoError(t, a.WriteBytes(p, payload))

	q, err := a.Realloc(p, 2000)
	require.NoError(t, err)
	require.NotEqual(t, Addr(0), q)

	got, err := a.ReadBytes(q, 64)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	hdr, err := block.ReadHeader(a.heap, q)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, block.SizeOf(hdr)-2*block.WordSize, uint64(2000))
}

func TestReallocShrinkSplitsAndCoalescesOnFree(t *testing.T) {
	a := newAllocator(t)

	x, err := a.Alloc(256)
	require.NoError(t, err)
	y, err := a.Alloc(256)
	require.NoError(t, err)

	shrunk, err := a.Realloc(x, 64)
	require.NoError(t, err)
	assert.Equal(t, x, shrunk, "in-place shrink keeps the same address")

	require.NoError(t, a.Free(shrunk))
	require.NoError(t, a.Free(y))

	// The shrink remainder and the freed y, plus whatever coalesces between
	// them, must be enough to satisfy a 400-byte request without growing
	// the heap.
	statsBefore := a.Stats().Heap.ExtendCount
	z, err := a.Alloc(400)
	require.NoError(t, err)
	assert.NotEqual(t, Addr(0), z)
	assert.Equal(t, statsBefore, a.Stats().Heap.ExtendCount, "should be satisfied from the free list, not a new extend")
}

func TestBestFitSelectionScenario(t *testing.T) {
	a := newAllocator(t)

	_, err := a.Alloc(100)
	require.NoError(t, err)
	x, err := a.Alloc(200)
	require.NoError(t, err)
	_, err = a.Alloc(100)
	require.NoError(t, err)
	z, err := a.Alloc(300)
	require.NoError(t, err)

	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(z))

	extendsBefore := a.Stats().Heap.ExtendCount
	w, err := a.Alloc(150)
	require.NoError(t, err)
	assert.Equal(t, x, w, "best fit should reuse the freed 200-byte block, not the freed 300-byte one")
	assert.Equal(t, extendsBefore, a.Stats().Heap.ExtendCount)
}

func TestStatsTrackLiveAllocations(t *testing.T) {
	a := newAllocator(t)

	p1, err := a.Alloc(32)
	require.NoError(t, err)
	p2, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Stats().LiveAllocations)

	require.NoError(t, a.Free(p1))
	assert.Equal(t, uint64(1), a.Stats().LiveAllocations)
	require.NoError(t, a.Free(p2))
	assert.Equal(t, uint64(0), a.Stats().LiveAllocations)
}
