package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Info describes one tensor: its name, element type, memory layout and size.
// Field names are part of the external contract; tooling that dumps tensor
// metadata depends on them.
type Info struct {
	Name         string       `json:"name" yaml:"name"`
	DataType     DataType     `json:"data_type" yaml:"data_type"`
	MemoryLayout MemoryLayout `json:"memory_layout" yaml:"memory_layout"`

	// MemoryLayoutOrder is the permutation of dimensions relative to the CPU
	// tensor when MemoryLayout is GENERIC. For a CPU format "ABCD" the order
	// is {0, 1, 2, 3}; an HW format "ADBC" is {0, 3, 1, 2}.
	MemoryLayoutOrder []uint32 `json:"memory_layout_order,omitempty" yaml:"memory_layout_order,omitempty"`

	// Size is the number of elements.
	Size        uint64   `json:"size" yaml:"size"`
	SizeInBytes uint64   `json:"size_in_bytes" yaml:"size_in_bytes"`
	Shape       []uint32 `json:"shape" yaml:"shape"`

	// Strides, when present, declare per-dimension steps in bytes and allow
	// SizeInBytes to include layout padding.
	Strides []uint32 `json:"strides,omitempty" yaml:"strides,omitempty"`
}

// Elements returns the product of the shape extents.
func (i Info) Elements() uint64 {
	if len(i.Shape) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range i.Shape {
		n *= uint64(d)
	}
	return n
}

// Normalize fills Size and SizeInBytes from the shape and data type when
// they are zero.
func (i *Info) Normalize() {
	if i.Size == 0 {
		i.Size = i.Elements()
	}
	if i.SizeInBytes == 0 {
		i.SizeInBytes = i.Size * uint64(i.DataType.ElementSize())
	}
}

// Validate checks the descriptor invariants.
func (i Info) Validate() error {
	if i.Name == "" {
		return errors.New("tensor name is empty")
	}
	if i.DataType == DataTypeUnknown || i.DataType.ElementSize() == 0 {
		return fmt.Errorf("tensor %q: unknown data type", i.Name)
	}
	if len(i.Shape) == 0 {
		return fmt.Errorf("tensor %q: empty shape", i.Name)
	}
	if i.Size != i.Elements() {
		return fmt.Errorf("tensor %q: size %d does not match shape %v", i.Name, i.Size, i.Shape)
	}

	dense := i.Size * uint64(i.DataType.ElementSize())
	if len(i.Strides) == 0 {
		if i.SizeInBytes != dense {
			return fmt.Errorf("tensor %q: size_in_bytes %d, want %d", i.Name, i.SizeInBytes, dense)
		}
	} else {
		if len(i.Strides) != len(i.Shape) {
			return fmt.Errorf("tensor %q: %d strides for %d dimensions", i.Name, len(i.Strides), len(i.Shape))
		}
		if i.SizeInBytes < dense {
			return fmt.Errorf("tensor %q: size_in_bytes %d smaller than dense size %d", i.Name, i.SizeInBytes, dense)
		}
	}

	if i.MemoryLayout == LayoutGeneric {
		if !isPermutation(i.MemoryLayoutOrder, len(i.Shape)) {
			return fmt.Errorf("tensor %q: memory_layout_order %v is not a permutation of %d dimensions",
				i.Name, i.MemoryLayoutOrder, len(i.Shape))
		}
	} else if len(i.MemoryLayoutOrder) > 0 {
		return fmt.Errorf("tensor %q: memory_layout_order requires GENERIC layout, got %s", i.Name, i.MemoryLayout)
	}
	return nil
}

// Matches reports whether other can fill the slot described by i: same name,
// data type and shape.
func (i Info) Matches(other Info) bool {
	return i.Name == other.Name && i.DataType == other.DataType && slices.Equal(i.Shape, other.Shape)
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	i.MemoryLayoutOrder = slices.Clone(i.MemoryLayoutOrder)
	i.Shape = slices.Clone(i.Shape)
	i.Strides = slices.Clone(i.Strides)
	return i
}

func isPermutation(order []uint32, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, o := range order {
		if int(o) >= n || seen[o] {
			return false
		}
		seen[o] = true
	}
	return true
}
