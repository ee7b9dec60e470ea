package tensor_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/npurt/internal/tensor"
)

func float32Info(name string, shape ...uint32) tensor.Info {
	info := tensor.Info{
		Name:         name,
		DataType:     tensor.DataTypeFloat32,
		MemoryLayout: tensor.LayoutNHWC,
		Shape:        shape,
	}
	info.Normalize()
	return info
}

func TestElementSizes(t *testing.T) {
	tests := []struct {
		dt   tensor.DataType
		want int
	}{
		{tensor.DataTypeUnknown, 0},
		{tensor.DataTypeInt8, 1},
		{tensor.DataTypeUint8, 1},
		{tensor.DataTypeInt16, 2},
		{tensor.DataTypeUint16, 2},
		{tensor.DataTypeBF16, 2},
		{tensor.DataTypeFP16, 2},
		{tensor.DataTypeFloat32, 4},
	}
	for _, tt := range tests {
		if got := tt.dt.ElementSize(); got != tt.want {
			t.Errorf("%s.ElementSize() = %d, want %d", tt.dt, got, tt.want)
		}
	}
}

func TestEnumSpellings(t *testing.T) {
	tests := []struct {
		value interface{ String() string }
		want  string
	}{
		{tensor.DataTypeBF16, "BF16"},
		{tensor.DataTypeFloat32, "FLOAT32"},
		{tensor.LayoutNC4HW4, "NC4HW4"},
		{tensor.LayoutGeneric, "GENERIC"},
		{tensor.MemoryDevice, "DEVICE"},
		{tensor.MemoryHost, "HOST"},
		{tensor.DirectionOutput, "OUTPUT"},
		{tensor.TypeHW, "HW"},
	}
	for _, tt := range tests {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestUnmarshalTextRejectsUnknown(t *testing.T) {
	var dt tensor.DataType
	if err := dt.UnmarshalText([]byte("FLOAT64")); err == nil {
		t.Error("expected error for unknown data type")
	}
	if _, err := tensor.ParseType("GPU"); err == nil {
		t.Error("expected error for unknown tensor type")
	}
	d, err := tensor.ParseDirection("OUTPUT")
	if err != nil || d != tensor.DirectionOutput {
		t.Errorf("ParseDirection(OUTPUT) = %v, %v", d, err)
	}
}

func TestInfoJSONUsesVerbatimNames(t *testing.T) {
	info := float32Info("conv_out", 1, 4, 4, 8)

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"data_type":"FLOAT32"`, `"memory_layout":"NHWC"`, `"size_in_bytes":512`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("json %s missing %s", data, want)
		}
	}

	var back tensor.Info
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(info, back); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoYAML(t *testing.T) {
	src := `
name: logits
data_type: BF16
memory_layout: GENERIC
memory_layout_order: [0, 2, 1]
shape: [1, 10, 3]
`
	var info tensor.Info
	if err := yaml.Unmarshal([]byte(src), &info); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	info.Normalize()
	if info.Size != 30 || info.SizeInBytes != 60 {
		t.Errorf("Normalize: size=%d bytes=%d, want 30 and 60", info.Size, info.SizeInBytes)
	}
	if err := info.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*tensor.Info)
		wantErr bool
	}{
		{"valid", func(*tensor.Info) {}, false},
		{"empty name", func(i *tensor.Info) { i.Name = "" }, true},
		{"unknown dtype", func(i *tensor.Info) { i.DataType = tensor.DataTypeUnknown }, true},
		{"empty shape", func(i *tensor.Info) { i.Shape = nil }, true},
		{"size mismatch", func(i *tensor.Info) { i.Size = 7 }, true},
		{"bytes mismatch", func(i *tensor.Info) { i.SizeInBytes = 100 }, true},
		{"padded with strides", func(i *tensor.Info) {
			i.Strides = []uint32{64, 32, 16, 4}
			i.SizeInBytes = 1024
		}, false},
		{"strides rank", func(i *tensor.Info) { i.Strides = []uint32{4} }, true},
		{"strides too small", func(i *tensor.Info) {
			i.Strides = []uint32{64, 32, 16, 4}
			i.SizeInBytes = 8
		}, true},
		{"generic permutation", func(i *tensor.Info) {
			i.MemoryLayout = tensor.LayoutGeneric
			i.MemoryLayoutOrder = []uint32{0, 3, 1, 2}
		}, false},
		{"generic bad permutation", func(i *tensor.Info) {
			i.MemoryLayout = tensor.LayoutGeneric
			i.MemoryLayoutOrder = []uint32{0, 3, 3, 2}
		}, true},
		{"order without generic", func(i *tensor.Info) { i.MemoryLayoutOrder = []uint32{0, 1, 2, 3} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := float32Info("x", 1, 4, 4, 8)
			tt.mutate(&info)
			err := info.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInfoMatchesAndClone(t *testing.T) {
	a := float32Info("x", 2, 3)
	b := a.Clone()
	if !a.Matches(b) {
		t.Fatal("clone should match original")
	}
	b.Shape[0] = 9
	if a.Shape[0] != 2 {
		t.Error("Clone shares shape storage with original")
	}
	if a.Matches(b) {
		t.Error("different shapes should not match")
	}
	c := a.Clone()
	c.DataType = tensor.DataTypeFP16
	if a.Matches(c) {
		t.Error("different data types should not match")
	}
}

func TestTensorBuffer(t *testing.T) {
	info := float32Info("x", 4)
	buf := make([]byte, 16)
	tn := tensor.New(info, buf, tensor.MemoryHost, tensor.TypeCPU)

	if got := tn.Buffer(tensor.MemoryHost); &got[0] != &buf[0] {
		t.Error("Buffer(HOST) should return the caller's buffer")
	}
	if got := tn.Buffer(tensor.MemoryDevice); got != nil {
		t.Errorf("Buffer(DEVICE) = %v, want nil", got)
	}
	if err := tn.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestTensorValidate(t *testing.T) {
	info := float32Info("x", 4)

	hw := tensor.New(info, make([]byte, 16), tensor.MemoryHost, tensor.TypeHW)
	if err := hw.Validate(); !errors.Is(err, tensor.ErrHWRequiresDevice) {
		t.Errorf("HW on HOST: err = %v, want ErrHWRequiresDevice", err)
	}

	short := tensor.New(info, make([]byte, 15), tensor.MemoryHost, tensor.TypeCPU)
	if err := short.Validate(); err == nil {
		t.Error("short buffer should fail validation")
	}

	unknown := tensor.New(info, make([]byte, 16), tensor.MemoryUnknown, tensor.TypeCPU)
	if err := unknown.Validate(); err == nil {
		t.Error("UNKNOWN memory type should fail validation")
	}
}

func TestPrintInfo(t *testing.T) {
	info := float32Info("image", 1, 2, 2, 3)
	info.MemoryLayout = tensor.LayoutGeneric
	info.MemoryLayoutOrder = []uint32{0, 3, 1, 2}
	tn := tensor.New(info, make([]byte, 48), tensor.MemoryDevice, tensor.TypeHW)

	var buf bytes.Buffer
	tn.PrintInfo(&buf)
	out := buf.String()
	for _, want := range []string{"image", "FLOAT32", "GENERIC[0,3,1,2]", "[1,2,2,3]", "48", "DEVICE", "HW"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintInfo output missing %q:\n%s", want, out)
		}
	}
}
