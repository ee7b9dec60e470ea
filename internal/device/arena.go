package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// ErrOutOfMemory is returned when an allocation does not fit in the arena.
var ErrOutOfMemory = errors.New("device memory exhausted")

// Alignment is the byte alignment of every arena allocation.
const Alignment = 64

// Arena simulates a device memory region. Allocations are carved from one
// contiguous slab so that ownership of a buffer can be checked by address.
type Arena struct {
	mu    sync.Mutex
	slab  []byte
	free  []span // sorted by offset, coalesced
	inUse map[int]int
}

type span struct {
	off, size int
}

// NewArena creates an arena of capacity bytes, rounded up to Alignment.
func NewArena(capacity int) *Arena {
	capacity = alignUp(capacity)
	a := &Arena{
		slab:  make([]byte, capacity),
		inUse: make(map[int]int),
	}
	if capacity > 0 {
		a.free = []span{{0, capacity}}
	}
	return a
}

// Capacity returns the arena size in bytes.
func (a *Arena) Capacity() int { return len(a.slab) }

// Used returns the number of bytes currently allocated.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, size := range a.inUse {
		n += size
	}
	return n
}

// Alloc returns a zeroed buffer of n bytes backed by device memory.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", n)
	}
	size := alignUp(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.off + size, s.size - size}
		}
		a.inUse[off] = size
		buf := a.slab[off : off+n : off+n]
		clear(buf)
		return buf, nil
	}
	return nil, fmt.Errorf("alloc %d bytes (%d of %d in use): %w", n, len(a.slab)-a.freeBytes(), len(a.slab), ErrOutOfMemory)
}

// Free returns a buffer obtained from Alloc to the arena.
func (a *Arena) Free(buf []byte) error {
	off, ok := a.offset(buf)
	if !ok {
		return errors.New("buffer does not belong to this arena")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.inUse[off]
	if !ok {
		return fmt.Errorf("no allocation at offset %d", off)
	}
	delete(a.inUse, off)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off, size}

	// Coalesce with neighbours.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// Owns reports whether buf lies entirely inside the arena.
func (a *Arena) Owns(buf []byte) bool {
	off, ok := a.offset(buf)
	return ok && off+len(buf) <= len(a.slab)
}

func (a *Arena) offset(buf []byte) (int, bool) {
	if len(a.slab) == 0 || len(buf) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(a.slab)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if p < base || p >= base+uintptr(len(a.slab)) {
		return 0, false
	}
	return int(p - base), true
}

func (a *Arena) freeBytes() int {
	n := 0
	for _, s := range a.free {
		n += s.size
	}
	return n
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
