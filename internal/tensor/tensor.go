package tensor

import (
	"errors"
	"fmt"
	"io"
)

// ErrHWRequiresDevice is returned by Validate for a hardware-native tensor
// that is not backed by device memory. Zero-copy is only defined for
// device-resident, pre-formatted buffers.
var ErrHWRequiresDevice = errors.New("HW tensor requires DEVICE memory")

// noCopy may be embedded into structs which must not be copied after first
// use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Tensor couples a descriptor to a caller-owned buffer. It never frees or
// reallocates the buffer; the caller keeps the buffer alive and untouched
// until every execution using the tensor has reached a terminal status.
//
// A Tensor must not be copied. Pass *Tensor; handing the pointer to another
// owner moves the handle, not the buffer.
type Tensor struct {
	_ noCopy

	info       Info
	buffer     []byte
	memoryType MemoryType
	typ        Type
}

// New wraps buf. When typ is TypeHW the buffer must be device memory holding
// data already formatted for the hardware; New does not reject mismatches,
// execution does.
func New(info Info, buf []byte, memoryType MemoryType, typ Type) *Tensor {
	return &Tensor{
		info:       info.Clone(),
		buffer:     buf,
		memoryType: memoryType,
		typ:        typ,
	}
}

// Info returns the tensor metadata.
func (t *Tensor) Info() Info { return t.info }

// Buffer returns the buffer if it lives in the requested memory type, or nil.
func (t *Tensor) Buffer(memoryType MemoryType) []byte {
	if memoryType != t.memoryType {
		return nil
	}
	return t.buffer
}

// MemoryType returns where the buffer resides.
func (t *Tensor) MemoryType() MemoryType { return t.memoryType }

// TensorType returns the representation of the tensor.
func (t *Tensor) TensorType() Type { return t.typ }

// Validate checks the handle-level invariants: a known locality, HW only on
// DEVICE memory, and a buffer large enough for the descriptor.
func (t *Tensor) Validate() error {
	switch t.memoryType {
	case MemoryHost, MemoryDevice:
	default:
		return fmt.Errorf("tensor %q: unknown memory type", t.info.Name)
	}
	if t.typ == TypeHW && t.memoryType != MemoryDevice {
		return fmt.Errorf("tensor %q: %w", t.info.Name, ErrHWRequiresDevice)
	}
	if uint64(len(t.buffer)) < t.info.SizeInBytes {
		return fmt.Errorf("tensor %q: buffer holds %d bytes, need %d", t.info.Name, len(t.buffer), t.info.SizeInBytes)
	}
	return nil
}

// PrintInfo writes the tensor metadata as a table.
func (t *Tensor) PrintInfo(w io.Writer) {
	WriteInfoTable(w, []Info{t.info})
	fmt.Fprintf(w, "memory_type: %s  tensor_type: %s\n", t.memoryType, t.typ)
}
