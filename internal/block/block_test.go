package block

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a minimal Memory backed by a plain byte slice, used only to
// exercise the block layer in isolation from the real heap implementation.
type fakeMemory struct {
	buf []byte
	lo  Addr
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (m *fakeMemory) ReadUint64(addr Addr) (uint64, error) {
	if int(addr)+8 > len(m.buf) {
		return 0, fmt.Errorf("oob read at %d", addr)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(m.buf[int(addr)+i]) << (8 * i)
	}
	return v, nil
}

func (m *fakeMemory) WriteUint64(addr Addr, v uint64) error {
	if int(addr)+8 > len(m.buf) {
		return fmt.Errorf("oob write at %d", addr)
	}
	for i := 0; i < 8; i++ {
		m.buf[int(addr)+i] = byte(v >> (8 * i))
	}
	return nil
}

func (m *fakeMemory) ReadBytes(addr Addr, n uint32) ([]byte, error) {
	if int(addr)+int(n) > len(m.buf) {
		return nil, fmt.Errorf("oob read at %d len %d", addr, n)
	}
	out := make([]byte, n)
	copy(out, m.buf[addr:int(addr)+int(n)])
	return out, nil
}

func (m *fakeMemory) WriteBytes(addr Addr, data []byte) error {
	if int(addr)+len(data) > len(m.buf) {
		return fmt.Errorf("oob write at %d len %d", addr, len(data))
	}
	copy(m.buf[addr:], data)
	return nil
}

func (m *fakeMemory) Zero(addr Addr, n uint32) error {
	return m.WriteBytes(addr, make([]byte, n))
}

func (m *fakeMemory) Lo() Addr { return m.lo }
func (m *fakeMemory) Hi() Addr { return Addr(len(m.buf)) }

func TestPackWordRoundTrip(t *testing.T) {
	w := PackWord(256, true)
	assert.Equal(t, uint64(256), SizeOf(w))
	assert.True(t, IsAllocated(w))

	w = PackWord(48, false)
	assert.Equal(t, uint64(48), SizeOf(w))
	assert.False(t, IsAllocated(w))
}

func TestWriteTagsHeaderEqualsFooter(t *testing.T) {
	mem := newFakeMemory(256)
	p := Addr(WordSize)
	require.NoError(t, WriteTags(mem, p, 64, true))

	hdr, err := ReadHeader(mem, p)
	require.NoError(t, err)

	ftr, err := FooterAddr(mem, p)
	require.NoError(t, err)
	ftrWord, err := mem.ReadUint64(ftr)
	require.NoError(t, err)

	assert.Equal(t, hdr, ftrWord)
	assert.Equal(t, uint64(64), SizeOf(hdr))
	assert.True(t, IsAllocated(hdr))
}

func TestNextInHeapWalksPartition(t *testing.T) {
	mem := newFakeMemory(256)
	mem.lo = WordSize
	p1 := Addr(WordSize)
	require.NoError(t, WriteTags(mem, p1, 48, true))
	p2 := p1 + 48
	require.NoError(t, WriteTags(mem, p2, 64, false))

	next, ok, err := NextInHeap(mem, p1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p2, next)

	// p2's block ends at byte 112, well short of mem.Hi() == len(buf) ==
	// 256; the bytes after it are not a tagged block, so next is not
	// followed from p2 here.
}

func TestPrevInHeapGuardsFirstBlock(t *testing.T) {
	mem := newFakeMemory(256)
	mem.lo = WordSize
	p1 := Addr(WordSize)
	require.NoError(t, WriteTags(mem, p1, 48, true))
	p2 := p1 + 48
	require.NoError(t, WriteTags(mem, p2, 64, false))

	// p1 is the first block: no valid predecessor, and PrevInHeap must
	// not attempt to read memory below lo.
	prev, ok, err := PrevInHeap(mem, p1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Addr(0), prev)

	prev, ok, err = PrevInHeap(mem, p2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p1, prev)
}

func TestPrevInHeapGuardsFirstBlockWhenLoIsHeaderAddress(t *testing.T) {
	// heap.Heap records Lo() as the address of the first block's *header*
	// word, one word below its payload (see heap.Extend) — not the
	// payload address itself, as the other guard test above uses. The
	// guard must still hold under this convention, or freeing the very
	// first block ever allocated would try to read a footer word that
	// precedes the managed region.
	mem := newFakeMemory(256)
	mem.lo = 0
	p1 := Addr(WordSize)
	require.NoError(t, WriteTags(mem, p1, 48, true))

	prev, ok, err := PrevInHeap(mem, p1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Addr(0), prev)
}

func TestInHeapBounds(t *testing.T) {
	mem := newFakeMemory(256)
	mem.lo = WordSize
	assert.False(t, InHeap(mem, 0))
	assert.True(t, InHeap(mem, WordSize))
	assert.False(t, InHeap(mem, mem.Hi()))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(16), AlignUp(1, 16))
	assert.Equal(t, uint64(16), AlignUp(16, 16))
	assert.Equal(t, uint64(32), AlignUp(17, 16))
}
