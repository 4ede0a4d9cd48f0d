// Package galloc is the Allocator Facade: the public alloc/free/realloc/
// calloc surface built on top of the heap, block, and index layers. It
// owns the only process-wide mutable state — the index root link and the
// heap's watermarks (the latter actually owned by *heap.Heap itself) — and
// is the sole caller of every lower-layer operation.
package galloc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	allocerrors "github.com/avlmalloc/avlmalloc/internal/errors"
	"github.com/avlmalloc/avlmalloc/internal/heap"
	"github.com/avlmalloc/avlmalloc/internal/block"
	"github.com/avlmalloc/avlmalloc/internal/index"
)

// Addr is a payload address returned by Alloc/Calloc/Realloc. The zero
// Addr represents a null pointer.
type Addr = block.Addr

// Allocator is a single best-fit heap. Its zero value is not usable; build
// one with New. A correct deployment either pins an Allocator to one
// goroutine or accepts the coarse serialization this type already
// provides: every public method takes the same mutex for its whole
// duration, which is the "wrap every facade entry in a mutual-exclusion
// lock" option the design notes call out as the simplest safe option —
// nothing below this facade is itself safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	heap *heap.Heap
	root Addr

	liveAllocations atomic.Uint64
	bytesRequested  atomic.Uint64
	freeBlockCount  atomic.Int64
}

// New builds an Allocator backed by a fresh wazero-managed heap region.
func New(ctx context.Context, opts ...heap.Option) (*Allocator, error) {
	h, err := heap.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Allocator{heap: h}, nil
}

// Close releases the backing heap's resources.
func (a *Allocator) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heap.Close(ctx)
}

// Stats is a point-in-time snapshot of the allocator's bookkeeping.
type Stats struct {
	Heap            heap.Stats
	LiveAllocations uint64
	BytesRequested  uint64
	FreeBlockCount  int64
	IndexHeight     uint32
}

// Stats reports the allocator's current bookkeeping.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := index.Height(a.heap, a.root)
	if err != nil {
		h = 0
	}
	return Stats{
		Heap:            a.heap.Stats(),
		LiveAllocations: a.liveAllocations.Load(),
		BytesRequested:  a.bytesRequested.Load(),
		FreeBlockCount:  a.freeBlockCount.Load(),
		IndexHeight:     h,
	}
}

// insertFree adds addr to the free-block index and keeps the free count
// in sync.
func (a *Allocator) insertFree(addr Addr) error {
	newRoot, err := index.Insert(a.heap, a.root, addr)
	if err != nil {
		return err
	}
	a.root = newRoot
	a.freeBlockCount.Add(1)
	return nil
}

// removeFree deletes addr from the free-block index and keeps the free
// count in sync.
func (a *Allocator) removeFree(addr Addr) error {
	newRoot, err := index.Delete(a.heap, a.root, addr)
	if err != nil {
		return err
	}
	a.root = newRoot
	a.freeBlockCount.Add(^int64(0))
	return nil
}

// popBestFit finds and removes the best-fit free block for size s.
func (a *Allocator) popBestFit(s uint64) (Addr, error) {
	found, newRoot, err := index.PopBestFit(a.heap, a.root, s)
	if err != nil {
		return 0, err
	}
	a.root = newRoot
	if found != 0 {
		a.freeBlockCount.Add(^int64(0))
	}
	return found, nil
}

// requestedSize computes S = ALIGN_UP(requested + 2W), clamped up to M,
// and rejects requests that cannot be represented as a 32-bit heap
// address-space size.
func requestedSize(requested uint64) (uint64, error) {
	if requested > math.MaxUint32 {
		return 0, allocerrors.SizeOverflow(requested)
	}
	s := block.AlignUp(requested+2*block.WordSize, block.Alignment)
	if s < index.MinBlockSize {
		s = index.MinBlockSize
	}
	if s > math.MaxUint32 {
		return 0, allocerrors.SizeOverflow(requested)
	}
	return s, nil
}

// Alloc requests a payload of at least n bytes and returns its address, or
// a zero Addr and an error if the heap cannot be extended.
func (a *Allocator) Alloc(n uint64) (Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(n)
}

func (a *Allocator) allocLocked(requested uint64) (Addr, error) {
	s, err := requestedSize(requested)
	if err != nil {
		return 0, err
	}

	node, err := a.popBestFit(s)
	if err != nil {
		return 0, err
	}

	if node == 0 {
		p, err := a.heap.Extend(uint32(s))
		if err != nil {
			return 0, err
		}
		a.liveAllocations.Add(1)
		a.bytesRequested.Add(requested)
		return p, nil
	}

	hdr, err := block.ReadHeader(a.heap, node)
	if err != nil {
		return 0, err
	}
	sFree := block.SizeOf(hdr)

	if sFree-s >= index.MinBlockSize {
		if err := block.WriteTags(a.heap, node, s, true); err != nil {
			return 0, err
		}
		remainder := node + Addr(s)
		remSize := sFree - s
		if err := block.WriteTags(a.heap, remainder, remSize, false); err != nil {
			return 0, err
		}
		if err := index.InitNode(a.heap, remainder, remSize); err != nil {
			return 0, err
		}
		if err := a.insertFree(remainder); err != nil {
			return 0, err
		}
	} else {
		if err := block.WriteTags(a.heap, node, sFree, true); err != nil {
			return 0, err
		}
	}

	a.liveAllocations.Add(1)
	a.bytesRequested.Add(requested)
	return node, nil
}

// Free returns p to the free-block index, coalescing with any free
// neighbors. Free(0) is a no-op. Freeing a pointer not returned by this
// allocator, or freeing the same pointer twice, is undefined behavior.
func (a *Allocator) Free(p Addr) error {
	if p == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(p)
}

func (a *Allocator) freeLocked(p Addr) error {
	hdr, err := block.ReadHeader(a.heap, p)
	if err != nil {
		return err
	}
	size := block.SizeOf(hdr)
	if err := block.WriteTags(a.heap, p, size, false); err != nil {
		return err
	}

	q, err := a.coalesce(p)
	if err != nil {
		return err
	}

	qHdr, err := block.ReadHeader(a.heap, q)
	if err != nil {
		return err
	}
	if err := index.InitNode(a.heap, q, block.SizeOf(qHdr)); err != nil {
		return err
	}
	if err := a.insertFree(q); err != nil {
		return err
	}

	a.liveAllocations.Add(^uint64(0))
	return nil
}

// coalesce merges the just-freed block at p with whichever free neighbors
// it has, removing each merged neighbor from the index, and returns the
// address of the resulting (possibly larger) free block.
func (a *Allocator) coalesce(p Addr) (Addr, error) {
	prevP, prevOK, err := block.PrevInHeap(a.heap, p)
	if err != nil {
		return 0, err
	}
	nextP, nextOK, err := block.NextInHeap(a.heap, p)
	if err != nil {
		return 0, err
	}

	prevFree, err := a.isFreeNeighbor(prevP, prevOK)
	if err != nil {
		return 0, err
	}
	nextFree, err := a.isFreeNeighbor(nextP, nextOK)
	if err != nil {
		return 0, err
	}

	hdr, err := block.ReadHeader(a.heap, p)
	if err != nil {
		return 0, err
	}
	size := block.SizeOf(hdr)

	switch {
	case !prevFree && !nextFree:
		return p, nil

	case prevFree && !nextFree:
		if err := a.removeFree(prevP); err != nil {
			return 0, err
		}
		prevSize, err := a.blockSize(prevP)
		if err != nil {
			return 0, err
		}
		total := prevSize + size
		if err := block.WriteTags(a.heap, prevP, total, false); err != nil {
			return 0, err
		}
		return prevP, nil

	case !prevFree && nextFree:
		if err := a.removeFree(nextP); err != nil {
			return 0, err
		}
		nextSize, err := a.blockSize(nextP)
		if err != nil {
			return 0, err
		}
		total := size + nextSize
		if err := block.WriteTags(a.heap, p, total, false); err != nil {
			return 0, err
		}
		return p, nil

	default: // both neighbors free
		if err := a.removeFree(prevP); err != nil {
			return 0, err
		}
		if err := a.removeFree(nextP); err != nil {
			return 0, err
		}
		prevSize, err := a.blockSize(prevP)
		if err != nil {
			return 0, err
		}
		nextSize, err := a.blockSize(nextP)
		if err != nil {
			return 0, err
		}
		total := prevSize + size + nextSize
		if err := block.WriteTags(a.heap, prevP, total, false); err != nil {
			return 0, err
		}
		return prevP, nil
	}
}

func (a *Allocator) isFreeNeighbor(addr Addr, inHeap bool) (bool, error) {
	if !inHeap {
		return false, nil
	}
	hdr, err := block.ReadHeader(a.heap, addr)
	if err != nil {
		return false, err
	}
	return !block.IsAllocated(hdr), nil
}

func (a *Allocator) blockSize(addr Addr) (uint64, error) {
	hdr, err := block.ReadHeader(a.heap, addr)
	if err != nil {
		return 0, err
	}
	return block.SizeOf(hdr), nil
}

// Realloc resizes the allocation at p to hold at least newPayload bytes,
// preserving the first min(old payload, newPayload) bytes of content.
// Realloc(0, n) behaves like Alloc(n); Realloc(p, 0) behaves like Free(p)
// and returns a zero Addr.
func (a *Allocator) Realloc(p Addr, newPayload uint64) (Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p == 0 {
		return a.allocLocked(newPayload)
	}
	if newPayload == 0 {
		if err := a.freeLocked(p); err != nil {
			return 0, err
		}
		return 0, nil
	}

	hdr, err := block.ReadHeader(a.heap, p)
	if err != nil {
		return 0, err
	}
	sOld := block.SizeOf(hdr)
	pOld := sOld - 2*block.WordSize

	sNew, err := requestedSize(newPayload)
	if err != nil {
		return 0, err
	}

	if sNew <= sOld {
		if sOld-sNew < index.MinBlockSize {
			return p, nil
		}
		if err := block.WriteTags(a.heap, p, sNew, true); err != nil {
			return 0, err
		}
		remainder := p + Addr(sNew)
		remSize := sOld - sNew
		if err := block.WriteTags(a.heap, remainder, remSize, false); err != nil {
			return 0, err
		}
		if err := a.freeLocked(remainder); err != nil {
			return 0, err
		}
		// freeLocked counts every block it frees as a released
		// allocation; the remainder never was one and p is still live.
		a.liveAllocations.Add(1)
		return p, nil
	}

	// Grow: allocate, copy, free the old block. No attempt is made to
	// extend in place into a free right neighbor — an intentional
	// simplification the design notes call out as a performance
	// opportunity, not a correctness gap.
	q, err := a.allocLocked(newPayload)
	if err != nil {
		return 0, err
	}
	copyLen := pOld
	if newPayload < copyLen {
		copyLen = newPayload
	}
	data, err := a.heap.ReadBytes(p, uint32(copyLen))
	if err != nil {
		return 0, err
	}
	if err := a.heap.WriteBytes(q, data); err != nil {
		return 0, err
	}
	if err := a.freeLocked(p); err != nil {
		return 0, err
	}
	return q, nil
}

// Calloc allocates space for nitems elements of size bytes each and
// zeroes the result. A zero operand, or a nitems*size product that would
// overflow, returns a zero Addr without touching the heap.
func (a *Allocator) Calloc(nitems, size uint64) (Addr, error) {
	if nitems == 0 || size == 0 {
		return 0, nil
	}
	if nitems > math.MaxUint64/size {
		return 0, allocerrors.SizeOverflow(nitems * size)
	}
	total := nitems * size

	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.allocLocked(total)
	if err != nil {
		return 0, err
	}
	hdr, err := block.ReadHeader(a.heap, p)
	if err != nil {
		return 0, err
	}
	payloadLen := block.SizeOf(hdr) - 2*block.WordSize
	if err := a.heap.Zero(p, uint32(payloadLen)); err != nil {
		return 0, err
	}
	return p, nil
}

// ReadBytes and WriteBytes expose the payload bytes of an allocated block
// to callers (analogous to dereferencing the pointer alloc returned in C);
// n must not exceed the block's payload size.
func (a *Allocator) ReadBytes(p Addr, n uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heap.ReadBytes(p, n)
}

func (a *Allocator) WriteBytes(p Addr, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heap.WriteBytes(p, data)
}
