// Command galloc-demo exercises an Allocator end to end: a handful of
// allocations, a realloc grow and a realloc shrink, a pair of frees that
// coalesce, and a final Stats() dump.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/avlmalloc/avlmalloc/pkg/galloc"
)

func main() {
	ctx := context.Background()
	a, err := galloc.New(ctx)
	if err != nil {
		log.Fatalf("galloc: %v", err)
	}
	defer a.Close(ctx)

	p, err := a.Alloc(32)
	if err != nil {
		log.Fatalf("alloc: %v", err)
	}
	if err := a.WriteBytes(p, []byte("hello, allocator")); err != nil {
		log.Fatalf("write: %v", err)
	}

	q, err := a.Calloc(4, 16)
	if err != nil {
		log.Fatalf("calloc: %v", err)
	}

	r, err := a.Realloc(p, 2000)
	if err != nil {
		log.Fatalf("realloc grow: %v", err)
	}
	grown, err := a.ReadBytes(r, len("hello, allocator"))
	if err != nil {
		log.Fatalf("read: %v", err)
	}
	fmt.Printf("grown allocation still reads: %q\n", grown)

	if err := a.Free(q); err != nil {
		log.Fatalf("free: %v", err)
	}
	if _, err := a.Realloc(r, 64); err != nil {
		log.Fatalf("realloc shrink: %v", err)
	}

	stats := a.Stats()
	fmt.Printf("heap: lo=%d hi=%d capacity=%d extends=%d bytes_grown=%d\n",
		stats.Heap.Lo, stats.Heap.Hi, stats.Heap.Capacity, stats.Heap.ExtendCount, stats.Heap.BytesGrown)
	fmt.Printf("allocator: live=%d requested=%d free_blocks=%d index_height=%d\n",
		stats.LiveAllocations, stats.BytesRequested, stats.FreeBlockCount, stats.IndexHeight)
}
