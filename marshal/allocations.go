package marshal

import (
	"context"
	"sync"

	"github.com/wippyai/zen-runtime/abi"
)

// Allocations tracks native buffers acquired for one host to native call so
// they can all be released with a single deferred call.
type Allocations struct {
	ptrs []abi.Ptr
}

var allocationsPool = sync.Pool{
	New: func() any {
		return &Allocations{ptrs: make([]abi.Ptr, 0, 4)}
	},
}

// NewAllocations returns an empty list from the pool.
func NewAllocations() *Allocations {
	return allocationsPool.Get().(*Allocations)
}

const maxPooledAllocationCapacity = 64

// Release returns the list to the pool. The list is invalid afterwards.
func (al *Allocations) Release() {
	if cap(al.ptrs) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationsPool.Put(al)
}

// FreeAndRelease frees every tracked buffer and returns the list to the pool.
func (al *Allocations) FreeAndRelease(ctx context.Context, a abi.Allocator) {
	al.Free(ctx, a)
	al.Release()
}

// Add tracks p. Null pointers are ignored.
func (al *Allocations) Add(p abi.Ptr) {
	if p.IsNull() {
		return
	}
	al.ptrs = append(al.ptrs, p)
}

// CString copies data into a new NUL-terminated native buffer and tracks it.
func (al *Allocations) CString(ctx context.Context, a abi.Allocator, data []byte) (abi.Ptr, error) {
	p, err := WriteCString(ctx, a, data)
	if err != nil {
		return 0, err
	}
	al.Add(p)
	return p, nil
}

// Free releases every tracked buffer once and clears the list.
func (al *Allocations) Free(ctx context.Context, a abi.Allocator) {
	if a == nil {
		return
	}
	for _, p := range al.ptrs {
		_ = a.Free(ctx, p)
	}
	al.Reset()
}

// Reset forgets tracked buffers without freeing them.
func (al *Allocations) Reset() {
	al.ptrs = al.ptrs[:0]
}

// Count returns the number of tracked buffers.
func (al *Allocations) Count() int {
	return len(al.ptrs)
}
