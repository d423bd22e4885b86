// Package registry keeps host objects alive while native code holds an
// integer reference to them.
//
// Native code never sees Go pointers. Instead the host stores a value in a
// Table and passes the returned ID across the boundary; callbacks resolve the
// ID back to the value. IDs start at 1 so that 0 always means "none", and
// released slots are reused.
package registry

import (
	"errors"
	"sync"
)

// ErrClosed is returned when inserting into a closed table.
var ErrClosed = errors.New("registry closed")

// ID identifies a table entry. Zero is never a valid ID.
type ID uint32

// Table is a thread-safe slot table with free-list reuse.
type Table[T any] struct {
	entries  []slot[T]
	freeList []ID
	mu       sync.RWMutex
	closed   bool
}

type slot[T any] struct {
	value T
	valid bool
}

// New creates an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{
		entries:  make([]slot[T], 0, 16),
		freeList: make([]ID, 0, 8),
	}
}

// Insert stores value and returns its ID.
func (t *Table[T]) Insert(value T) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	s := slot[T]{value: value, valid: true}
	if n := len(t.freeList); n > 0 {
		id := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[id-1] = s
		return id, nil
	}

	t.entries = append(t.entries, s)
	return ID(len(t.entries)), nil
}

// Get resolves id.
func (t *Table[T]) Get(id ID) (T, bool) {
	var zero T
	if id == 0 {
		return zero, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := int(id) - 1
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return zero, false
	}
	return t.entries[idx].value, true
}

// Remove drops id and returns the value it held.
func (t *Table[T]) Remove(id ID) (T, bool) {
	var zero T
	if id == 0 {
		return zero, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(id) - 1
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return zero, false
	}
	value := t.entries[idx].value
	t.entries[idx] = slot[T]{}
	t.freeList = append(t.freeList, id)
	return value, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries) - len(t.freeList)
}

// Each calls fn for every live entry until fn returns false.
func (t *Table[T]) Each(fn func(ID, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, s := range t.entries {
		if s.valid && !fn(ID(i+1), s.value) {
			return
		}
	}
}

// Close drops every entry and rejects further inserts.
func (t *Table[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.entries = nil
	t.freeList = nil
}
