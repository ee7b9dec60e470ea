package tensor

import "fmt"

// DataType is the element type of a tensor.
type DataType uint8

// Supported data types. The string forms are part of the external contract
// and must not change.
const (
	DataTypeUnknown DataType = iota
	DataTypeInt8
	DataTypeUint8
	DataTypeInt16
	DataTypeUint16
	DataTypeBF16
	DataTypeFP16
	DataTypeFloat32
)

var dataTypeNames = []string{"UNKNOWN", "INT8", "UINT8", "INT16", "UINT16", "BF16", "FP16", "FLOAT32"}

// elementSizes holds the byte size of one element, indexed by DataType.
var elementSizes = []int{0, 1, 1, 2, 2, 2, 2, 4}

// ElementSize returns the size in bytes of one element, or 0 for UNKNOWN.
func (d DataType) ElementSize() int {
	if int(d) >= len(elementSizes) {
		return 0
	}
	return elementSizes[d]
}

func (d DataType) String() string { return enumName(dataTypeNames, d) }

func (d DataType) MarshalText() ([]byte, error) { return marshalEnum(dataTypeNames, d, "data type") }

func (d *DataType) UnmarshalText(b []byte) error { return unmarshalEnum(dataTypeNames, b, d, "data type") }

// MemoryLayout names how tensor dimensions are arranged in memory.
type MemoryLayout uint8

// Supported memory layouts. GENERIC defers to Info.MemoryLayoutOrder.
const (
	LayoutUnknown MemoryLayout = iota
	LayoutNHW
	LayoutNHWC
	LayoutNCHW
	LayoutNHWC4
	LayoutNC4HW4
	LayoutNC8HW8
	LayoutHCWNC4
	LayoutHCWNC8
	LayoutGeneric
)

var memoryLayoutNames = []string{"UNKNOWN", "NHW", "NHWC", "NCHW", "NHWC4", "NC4HW4", "NC8HW8", "HCWNC4", "HCWNC8", "GENERIC"}

func (l MemoryLayout) String() string { return enumName(memoryLayoutNames, l) }

func (l MemoryLayout) MarshalText() ([]byte, error) {
	return marshalEnum(memoryLayoutNames, l, "memory layout")
}

func (l *MemoryLayout) UnmarshalText(b []byte) error {
	return unmarshalEnum(memoryLayoutNames, b, l, "memory layout")
}

// MemoryType is the locality of a buffer.
type MemoryType uint8

const (
	MemoryUnknown MemoryType = iota
	MemoryDevice
	MemoryHost
)

var memoryTypeNames = []string{"UNKNOWN", "DEVICE", "HOST"}

func (m MemoryType) String() string { return enumName(memoryTypeNames, m) }

func (m MemoryType) MarshalText() ([]byte, error) { return marshalEnum(memoryTypeNames, m, "memory type") }

func (m *MemoryType) UnmarshalText(b []byte) error {
	return unmarshalEnum(memoryTypeNames, b, m, "memory type")
}

// Direction tells whether a tensor is consumed or produced by the model.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

var directionNames = []string{"INPUT", "OUTPUT"}

func (d Direction) String() string { return enumName(directionNames, d) }

func (d Direction) MarshalText() ([]byte, error) { return marshalEnum(directionNames, d, "tensor direction") }

func (d *Direction) UnmarshalText(b []byte) error {
	return unmarshalEnum(directionNames, b, d, "tensor direction")
}

// Type is the representation of a tensor: CPU is the logical, model-level
// form; HW is the hardware-native form consumed directly by the device.
type Type uint8

const (
	TypeCPU Type = iota
	TypeHW
)

var typeNames = []string{"CPU", "HW"}

func (t Type) String() string { return enumName(typeNames, t) }

func (t Type) MarshalText() ([]byte, error) { return marshalEnum(typeNames, t, "tensor type") }

func (t *Type) UnmarshalText(b []byte) error { return unmarshalEnum(typeNames, b, t, "tensor type") }

// ParseDirection parses the verbatim spelling of a tensor direction.
func ParseDirection(s string) (Direction, error) {
	var d Direction
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// ParseType parses the verbatim spelling of a tensor type.
func ParseType(s string) (Type, error) {
	var t Type
	err := t.UnmarshalText([]byte(s))
	return t, err
}

type enum interface {
	~uint8
}

func enumName[E enum](names []string, e E) string {
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("%d", uint8(e))
}

func marshalEnum[E enum](names []string, e E, what string) ([]byte, error) {
	if int(e) >= len(names) {
		return nil, fmt.Errorf("invalid %s %d", what, uint8(e))
	}
	return []byte(names[e]), nil
}

func unmarshalEnum[E enum](names []string, b []byte, out *E, what string) error {
	s := string(b)
	for i, name := range names {
		if name == s {
			*out = E(i)
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", what, s)
}
