// Package block implements the boundary-tagged block layout shared by every
// block in the managed heap: a header word, a payload, and a footer word
// that together encode the block's size and allocation state.
//
// Every function here takes a Memory as its first argument instead of
// holding one itself, the same way the teacher's wasm package threads a
// *Runtime through its pointer and bounds helpers — the block layer has no
// state of its own, only the read/write contract it needs from whatever
// backs the heap.
package block

import "fmt"

// Addr is a byte offset into the managed heap region. It plays the role a
// raw pointer would in a C allocator; the zero Addr is reserved to mean
// "no block" (the heap's first payload always starts past the initial
// header word, so 0 is never a valid payload address).
type Addr uint32

const (
	// WordSize is the width of a header/footer word in bytes.
	WordSize = 8
	// Alignment is the fixed machine alignment every block size is a
	// multiple of.
	Alignment = 16
)

// SizeMask isolates the size bits of a header/footer word, leaving bit 0
// (the allocation flag) out.
const SizeMask = ^uint64(Alignment - 1)

// Memory is the read/write surface the block layer needs from the heap
// that backs it. Implementations must bounds-check every offset
// themselves; block-layer callers only ever pass addresses derived from a
// prior InHeap check or from a block they are actively constructing.
type Memory interface {
	ReadUint64(addr Addr) (uint64, error)
	WriteUint64(addr Addr, v uint64) error
	ReadBytes(addr Addr, n uint32) ([]byte, error)
	WriteBytes(addr Addr, data []byte) error
	Zero(addr Addr, n uint32) error
	Lo() Addr
	Hi() Addr
}

// PackWord combines a block size and its allocation bit into one tag word.
func PackWord(size uint64, allocated bool) uint64 {
	w := size &^ uint64(1)
	if allocated {
		w |= 1
	}
	return w
}

// SizeOf extracts the block size encoded in a header/footer word.
func SizeOf(word uint64) uint64 { return word & SizeMask }

// IsAllocated reports the allocation bit of a header/footer word.
func IsAllocated(word uint64) bool { return word&1 == 1 }

// HeaderAddr returns the address of p's header word.
func HeaderAddr(p Addr) Addr { return p - WordSize }

// ReadHeader reads p's header word.
func ReadHeader(mem Memory, p Addr) (uint64, error) {
	return mem.ReadUint64(HeaderAddr(p))
}

// FooterAddr returns the address of p's footer word, derived from the size
// recorded in p's own header.
func FooterAddr(mem Memory, p Addr) (Addr, error) {
	w, err := ReadHeader(mem, p)
	if err != nil {
		return 0, err
	}
	size := SizeOf(w)
	return p + Addr(size) - 2*WordSize, nil
}

// WriteTags stamps both the header and footer of the block starting at
// payload p with the given size and allocation bit. It is the only way
// block tags are ever written; header and footer always receive the
// identical packed word, preserving the tag invariant.
func WriteTags(mem Memory, p Addr, size uint64, allocated bool) error {
	if size < 2*WordSize {
		return fmt.Errorf("block: size %d too small to hold header and footer", size)
	}
	word := PackWord(size, allocated)
	if err := mem.WriteUint64(HeaderAddr(p), word); err != nil {
		return err
	}
	footer := p + Addr(size) - 2*WordSize
	return mem.WriteUint64(footer, word)
}

// InHeap reports whether p falls in the half-open managed range [lo, hi).
func InHeap(mem Memory, p Addr) bool {
	return p >= mem.Lo() && p < mem.Hi()
}

// NextInHeap returns the payload address immediately following p's block.
// ok is false when that address is not itself the start of an in-heap
// block (p is the last block), in which case next is still the correct
// arithmetic result (hi + WordSize, one word past the top of the heap)
// but must not be dereferenced.
func NextInHeap(mem Memory, p Addr) (next Addr, ok bool, err error) {
	w, err := ReadHeader(mem, p)
	if err != nil {
		return 0, false, err
	}
	next = p + Addr(SizeOf(w))
	return next, InHeap(mem, next), nil
}

// PrevInHeap returns the payload address immediately preceding p's block,
// derived from that block's footer. It guards the extremal case flagged in
// the design notes: when p is the heap's first block there is no footer
// to its left, and this returns ok=false without reading out-of-range
// memory. Lo() is the address of the heap's first header word, one word
// below its first payload, so the guard must compare against Lo()+2*W
// rather than Lo() itself — a prior block's footer (at p-2*W) only exists
// if there is room for one before p's header.
func PrevInHeap(mem Memory, p Addr) (prev Addr, ok bool, err error) {
	if p < mem.Lo()+2*WordSize {
		return 0, false, nil
	}
	footer := p - 2*WordSize
	w, err := mem.ReadUint64(footer)
	if err != nil {
		return 0, false, err
	}
	prevSize := SizeOf(w)
	prev = p - Addr(prevSize)
	return prev, InHeap(mem, prev), nil
}

// AlignUp rounds v up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
