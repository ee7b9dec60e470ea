package device

import (
	"fmt"
	"sync"
	"unsafe"
)

// Borrow is one buffer a job intends to use. Exclusive borrows (outputs)
// conflict with any overlapping borrow; shared borrows (inputs) only
// conflict with exclusive ones.
type Borrow struct {
	Name      string
	Data      []byte
	Exclusive bool
}

// ConflictError reports a borrow that overlaps a buffer already in use.
type ConflictError struct {
	Name      string
	Exclusive bool
	Owner     uint32
}

func (e *ConflictError) Error() string {
	kind := "shared"
	if e.Exclusive {
		kind = "exclusive"
	}
	if e.Owner == 0 {
		return fmt.Sprintf("%s borrow of %q aliases another buffer of the same request", kind, e.Name)
	}
	return fmt.Sprintf("%s borrow of %q overlaps a buffer held by job %d", kind, e.Name, e.Owner)
}

type held struct {
	owner      uint32
	start, end uintptr
	exclusive  bool
}

// Tracker records which buffers are in use by in-flight jobs so that a
// caller cannot hand the same output buffer to two jobs at once.
type Tracker struct {
	mu   sync.Mutex
	held []held
}

// NewTracker creates an empty borrow tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Acquire registers all borrows for owner, or none of them if any conflicts
// with an existing borrow or with another borrow in the same request. Owner
// ids must be non-zero.
func (t *Tracker) Acquire(owner uint32, borrows []Borrow) error {
	pending := make([]held, 0, len(borrows))
	for _, b := range borrows {
		if len(b.Data) == 0 {
			continue
		}
		start := uintptr(unsafe.Pointer(unsafe.SliceData(b.Data)))
		h := held{owner: owner, start: start, end: start + uintptr(len(b.Data)), exclusive: b.Exclusive}
		for _, p := range pending {
			if overlaps(h, p) && (h.exclusive || p.exclusive) {
				return &ConflictError{Name: b.Name, Exclusive: b.Exclusive}
			}
		}
		pending = append(pending, h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range pending {
		for _, h := range t.held {
			if overlaps(h, p) && (h.exclusive || p.exclusive) {
				return &ConflictError{Name: nameAt(borrows, i), Exclusive: p.exclusive, Owner: h.owner}
			}
		}
	}
	t.held = append(t.held, pending...)
	return nil
}

// Release drops every borrow held by owner.
func (t *Tracker) Release(owner uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.held[:0]
	for _, h := range t.held {
		if h.owner != owner {
			kept = append(kept, h)
		}
	}
	clear(t.held[len(kept):])
	t.held = kept
}

// Held returns the number of active borrows.
func (t *Tracker) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

func overlaps(a, b held) bool {
	return a.start < b.end && b.start < a.end
}

// nameAt maps an index into the non-empty borrows back to its name.
func nameAt(borrows []Borrow, i int) string {
	for _, b := range borrows {
		if len(b.Data) == 0 {
			continue
		}
		if i == 0 {
			return b.Name
		}
		i--
	}
	return ""
}
