// Package heap implements the Heap Extender: the collaborator that grows
// the managed region and records its watermarks. It is the only place in
// the allocator that talks to anything outside the process's own byte
// buffer — here, a wazero-instantiated WebAssembly linear memory standing
// in for the OS's "extend the data segment" primitive.
package heap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/avlmalloc/avlmalloc/internal/block"
	allocerrors "github.com/avlmalloc/avlmalloc/internal/errors"
)

// Addr aliases the block layer's address type.
type Addr = block.Addr

// Option configures a Heap at construction time.
type Option func(*config)

type config struct {
	growthChunkPages uint32
}

// WithGrowthChunk sets the minimum size of each growth of the backing
// memory: when extend() has to grow it, it grows by at least this many
// bytes even if the request needs fewer, amortizing repeated small
// extensions across fewer Grow calls. It is rounded up to a whole number
// of WebAssembly pages (64KiB).
func WithGrowthChunk(bytes uint32) Option {
	return func(c *config) {
		pages := (bytes + pageSize - 1) / pageSize
		if pages < 1 {
			pages = 1
		}
		c.growthChunkPages = pages
	}
}

// Heap owns the wazero runtime backing the managed region plus the lo/hi
// watermarks. It implements block.Memory (and the small extra surface
// index.Memory needs), so both lower layers can operate directly against
// it.
type Heap struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	mem     api.Memory

	initialized      bool
	lo               Addr
	hi               Addr
	growthChunkPages uint32

	extendCount atomic.Uint64
	bytesGrown  atomic.Uint64
}

// New instantiates the backing WebAssembly memory and returns an empty
// Heap ready for its first Extend.
func New(ctx context.Context, opts ...Option) (*Heap, error) {
	cfg := config{growthChunkPages: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := wazero.NewRuntime(ctx)
	compiled, err := rt.CompileModule(ctx, linearMemoryModule)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("heap: compile backing module: %w", err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("heap"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("heap: instantiate backing module: %w", err)
	}

	h := &Heap{
		runtime:          rt,
		module:           mod,
		mem:              mod.Memory(),
		growthChunkPages: cfg.growthChunkPages,
	}
	return h, nil
}

// Close releases the backing wazero runtime.
func (h *Heap) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Lo returns the low watermark: the address of the heap's first block.
// It is unset (0) until the first Extend.
func (h *Heap) Lo() Addr { return h.lo }

// Hi returns the current top of the managed region.
func (h *Heap) Hi() Addr { return h.hi }

// InHeap reports whether p is a currently-managed address.
func (h *Heap) InHeap(p Addr) bool { return block.InHeap(h, p) }

// Extend requests n more bytes, already aligned and at least M per the
// Heap Extender's contract, writes a single allocated block covering them,
// and returns its payload pointer. On OS (wazero Grow) failure it returns
// a nil-equivalent (Addr 0) and an error; hi is left unmoved.
func (h *Heap) Extend(n uint32) (Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	blockStart := h.hi
	needed := uint64(blockStart) + uint64(n)
	capacity := uint64(h.mem.Size())

	if needed > capacity {
		deltaBytes := needed - capacity
		deltaPages := uint32((deltaBytes + pageSize - 1) / pageSize)
		if deltaPages < h.growthChunkPages {
			deltaPages = h.growthChunkPages
		}
		if _, ok := h.mem.Grow(deltaPages); !ok {
			return 0, allocerrors.OutOfMemory(uint64(n))
		}
	}

	if !h.initialized {
		h.lo = blockStart
		h.initialized = true
	}
	h.hi = blockStart + Addr(n)

	payload := blockStart + block.WordSize
	if err := block.WriteTags(h, payload, uint64(n), true); err != nil {
		return 0, err
	}

	h.extendCount.Add(1)
	h.bytesGrown.Add(uint64(n))
	return payload, nil
}

// Stats summarizes the Heap Extender's lifetime activity.
type Stats struct {
	Lo          Addr
	Hi          Addr
	Capacity    uint32
	ExtendCount uint64
	BytesGrown  uint64
}

func (h *Heap) Stats() Stats {
	return Stats{
		Lo:          h.lo,
		Hi:          h.hi,
		Capacity:    h.mem.Size(),
		ExtendCount: h.extendCount.Load(),
		BytesGrown:  h.bytesGrown.Load(),
	}
}

// --- block.Memory / index.Memory implementation, delegating to wazero's
// own bounds-checked little-endian accessors. ---

func (h *Heap) ReadUint64(addr Addr) (uint64, error) {
	v, ok := h.mem.ReadUint64Le(uint32(addr))
	if !ok {
		return 0, fmt.Errorf("heap: read64 oob at %d", addr)
	}
	return v, nil
}

func (h *Heap) WriteUint64(addr Addr, v uint64) error {
	if !h.mem.WriteUint64Le(uint32(addr), v) {
		return fmt.Errorf("heap: write64 oob at %d", addr)
	}
	return nil
}

func (h *Heap) ReadUint32(addr Addr) (uint32, error) {
	v, ok := h.mem.ReadUint32Le(uint32(addr))
	if !ok {
		return 0, fmt.Errorf("heap: read32 oob at %d", addr)
	}
	return v, nil
}

func (h *Heap) WriteUint32(addr Addr, v uint32) error {
	if !h.mem.WriteUint32Le(uint32(addr), v) {
		return fmt.Errorf("heap: write32 oob at %d", addr)
	}
	return nil
}

func (h *Heap) ReadBytes(addr Addr, n uint32) ([]byte, error) {
	b, ok := h.mem.Read(uint32(addr), n)
	if !ok {
		return nil, fmt.Errorf("heap: read oob at %d len %d", addr, n)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (h *Heap) WriteBytes(addr Addr, data []byte) error {
	if !h.mem.Write(uint32(addr), data) {
		return fmt.Errorf("heap: write oob at %d len %d", addr, len(data))
	}
	return nil
}

func (h *Heap) Zero(addr Addr, n uint32) error {
	return h.WriteBytes(addr, make([]byte, n))
}
