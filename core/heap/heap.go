// Package heap simulates a 32-bit native heap for the reference engine core.
//
// Released addresses are quarantined before they are reused, so a double free
// or an access to a recently released block is always detected. Every
// allocation and release is recorded in a ledger that tests use to prove
// ownership rules.
package heap

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/wippyai/zen-runtime/abi"
)

const (
	// base is the first address handed out; everything below it is unmapped.
	base  = 16
	align = 8

	// quarantineSize bounds how many released blocks are remembered before
	// their addresses become reusable.
	quarantineSize = 1 << 14
)

// Stats is a snapshot of the allocation ledger.
type Stats struct {
	Allocs       uint64
	Frees        uint64
	DoubleFrees  uint64
	InvalidFrees uint64
	Live         int
	LiveBytes    uint64
}

// Leaked reports whether any block is still live.
func (s Stats) Leaked() bool { return s.Live > 0 }

// Heap is a thread-safe simulated native heap. It implements abi.Memory.
type Heap struct {
	mu     sync.RWMutex
	blocks map[abi.Ptr][]byte
	starts []abi.Ptr          // sorted live block addresses
	freed  map[abi.Ptr]uint32 // quarantined block -> capacity
	queue  []abi.Ptr          // quarantine in release order
	reuse  map[uint32][]abi.Ptr
	next   uint64
	stats  Stats
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{
		blocks: make(map[abi.Ptr][]byte),
		freed:  make(map[abi.Ptr]uint32),
		reuse:  make(map[uint32][]abi.Ptr),
		next:   base,
	}
}

// Alloc reserves size bytes, zero-filled. Zero-sized requests get one byte so
// that every allocation has a distinct address.
func (h *Heap) Alloc(size uint32) (abi.Ptr, error) {
	if size == 0 {
		size = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := (size + align - 1) &^ (align - 1)
	var p abi.Ptr
	if free := h.reuse[capacity]; len(free) > 0 {
		p = free[0]
		h.reuse[capacity] = free[1:]
	} else {
		end := h.next + uint64(capacity)
		if end > math.MaxUint32 {
			return 0, fmt.Errorf("heap exhausted: requested %d bytes at %#x", size, h.next)
		}
		p = abi.Ptr(h.next)
		h.next = end
	}

	h.blocks[p] = make([]byte, size)
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] >= p })
	h.starts = append(h.starts, 0)
	copy(h.starts[i+1:], h.starts[i:])
	h.starts[i] = p

	h.stats.Allocs++
	h.stats.Live++
	h.stats.LiveBytes += uint64(size)
	return p, nil
}

// Free releases the block starting at p. Freeing null is a no-op. Double and
// invalid frees are recorded in the ledger and reported as errors.
func (h *Heap) Free(p abi.Ptr) error {
	if p.IsNull() {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	block, ok := h.blocks[p]
	if !ok {
		if _, wasFreed := h.freed[p]; wasFreed {
			h.stats.DoubleFrees++
			return fmt.Errorf("double free at %#x", uint32(p))
		}
		h.stats.InvalidFrees++
		return fmt.Errorf("invalid free at %#x", uint32(p))
	}

	delete(h.blocks, p)
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] >= p })
	h.starts = append(h.starts[:i], h.starts[i+1:]...)
	h.quarantine(p, (uint32(len(block))+align-1)&^(align-1))

	h.stats.Frees++
	h.stats.Live--
	h.stats.LiveBytes -= uint64(len(block))
	return nil
}

// quarantine remembers p as released and recycles the oldest quarantined
// address once the quarantine is full. Caller holds the lock.
func (h *Heap) quarantine(p abi.Ptr, capacity uint32) {
	h.freed[p] = capacity
	h.queue = append(h.queue, p)
	if len(h.queue) <= quarantineSize {
		return
	}
	oldest := h.queue[0]
	h.queue = h.queue[1:]
	c := h.freed[oldest]
	delete(h.freed, oldest)
	h.reuse[c] = append(h.reuse[c], oldest)
}

// Live reports whether p is the start of a live block.
func (h *Heap) Live(p abi.Ptr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.blocks[p]
	return ok
}

// Stats returns a snapshot of the ledger.
func (h *Heap) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// locate finds the live block containing [offset, offset+length).
// Caller holds the lock.
func (h *Heap) locate(offset, length uint32) ([]byte, uint32, error) {
	p := abi.Ptr(offset)
	i := sort.Search(len(h.starts), func(i int) bool { return h.starts[i] > p })
	if i == 0 {
		return nil, 0, fmt.Errorf("access to unmapped address: offset=%d, length=%d", offset, length)
	}
	start := h.starts[i-1]
	block := h.blocks[start]
	rel := offset - uint32(start)
	if uint64(rel)+uint64(length) > uint64(len(block)) {
		return nil, 0, fmt.Errorf("access outside block %#x: offset=%d, length=%d", uint32(start), offset, length)
	}
	return block, rel, nil
}

// Read returns a copy of length bytes at offset.
func (h *Heap) Read(offset, length uint32) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	block, rel, err := h.locate(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, block[rel:])
	return out, nil
}

// Write copies data to offset.
func (h *Heap) Write(offset uint32, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	block, rel, err := h.locate(offset, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(block[rel:], data)
	return nil
}

// ReadU8 reads one byte.
func (h *Heap) ReadU8(offset uint32) (uint8, error) {
	b, err := h.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU32 reads a little-endian 32-bit value.
func (h *Heap) ReadU32(offset uint32) (uint32, error) {
	b, err := h.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteU8 writes one byte.
func (h *Heap) WriteU8(offset uint32, value uint8) error {
	return h.Write(offset, []byte{value})
}

// WriteU32 writes a little-endian 32-bit value.
func (h *Heap) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return h.Write(offset, b[:])
}

// Size returns the end of the highest address ever allocated.
func (h *Heap) Size() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint32(h.next)
}

var _ abi.Memory = (*Heap)(nil)

// Allocator adapts the heap to abi.Allocator.
func (h *Heap) Allocator() abi.Allocator {
	return allocator{h}
}

type allocator struct{ h *Heap }

func (a allocator) Memory() abi.Memory { return a.h }

func (a allocator) Alloc(_ context.Context, size uint32) (abi.Ptr, error) {
	return a.h.Alloc(size)
}

func (a allocator) Free(_ context.Context, p abi.Ptr) error {
	return a.h.Free(p)
}
