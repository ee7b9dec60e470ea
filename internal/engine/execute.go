package engine

import (
	"fmt"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/tensor"
)

// validate checks the shape of a request against the tensor contract.
// Input problems yield INVALID_INPUT and output problems INVALID_OUTPUT.
func (e *Engine) validate(inputs, outputs [][]*tensor.Tensor) (StatusCode, error) {
	if n := len(inputs); n == 0 || n > e.BatchSize() {
		return InvalidInput, fmt.Errorf("batch of %d inputs, want 1..%d", n, e.BatchSize())
	}
	if len(outputs) != len(inputs) {
		return InvalidOutput, fmt.Errorf("batch of %d outputs for %d inputs", len(outputs), len(inputs))
	}

	for b, row := range inputs {
		if err := e.checkRow(tensor.DirectionInput, b, row); err != nil {
			return InvalidInput, err
		}
	}
	for b, row := range outputs {
		if err := e.checkRow(tensor.DirectionOutput, b, row); err != nil {
			return InvalidOutput, err
		}
	}
	return Success, nil
}

func (e *Engine) checkRow(dir tensor.Direction, b int, row []*tensor.Tensor) error {
	want := len(e.contract(dir, tensor.TypeCPU))
	if len(row) != want {
		return fmt.Errorf("%s batch %d: %d tensors, want %d", dir, b, len(row), want)
	}
	for i, t := range row {
		if t == nil {
			return fmt.Errorf("%s batch %d slot %d: nil tensor", dir, b, i)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%s batch %d slot %d: %w", dir, b, i, err)
		}

		infos := e.contract(dir, t.TensorType())
		if len(infos) != want {
			return fmt.Errorf("%s batch %d slot %d: unknown tensor type %s", dir, b, i, t.TensorType())
		}
		expected := infos[i]
		got := t.Info()
		if !expected.Matches(got) {
			return fmt.Errorf("%s batch %d slot %d: tensor %q %s%v does not match %q %s%v (%s)",
				dir, b, i, got.Name, got.DataType, got.Shape, expected.Name, expected.DataType, expected.Shape, t.TensorType())
		}

		buf := t.Buffer(t.MemoryType())
		if uint64(len(buf)) < expected.SizeInBytes {
			return fmt.Errorf("%s batch %d slot %d: buffer holds %d bytes, need %d", dir, b, i, len(buf), expected.SizeInBytes)
		}
		if t.MemoryType() == tensor.MemoryDevice && e.arena != nil && !e.arena.Owns(buf) {
			return fmt.Errorf("%s batch %d slot %d: DEVICE buffer of %q was not allocated from the device arena", dir, b, i, got.Name)
		}
	}
	return nil
}

// stage builds the backend batch. Host inputs are copied; device inputs are
// passed in place when the backend supports zero-copy, unless copyAll is set.
// Outputs are written to scratch buffers that commit copies into the caller's
// tensors, so a failed execution never touches them.
func (e *Engine) stage(inputs, outputs [][]*tensor.Tensor, copyAll bool) (backend.Batch, func()) {
	batch := backend.Batch{
		Inputs:  make([][]backend.Buffer, len(inputs)),
		Outputs: make([][]backend.Buffer, len(outputs)),
	}

	for b, row := range inputs {
		batch.Inputs[b] = make([]backend.Buffer, len(row))
		for i, t := range row {
			info := e.contract(tensor.DirectionInput, t.TensorType())[i]
			data := t.Buffer(t.MemoryType())[:info.SizeInBytes]
			if copyAll || t.MemoryType() != tensor.MemoryDevice || !e.caps.ZeroCopy {
				data = append([]byte(nil), data...)
			}
			batch.Inputs[b][i] = backend.Buffer{Info: info.Clone(), Type: t.TensorType(), Data: data}
		}
	}

	for b, row := range outputs {
		batch.Outputs[b] = make([]backend.Buffer, len(row))
		for i, t := range row {
			info := e.contract(tensor.DirectionOutput, t.TensorType())[i]
			batch.Outputs[b][i] = backend.Buffer{Info: info.Clone(), Type: t.TensorType(), Data: make([]byte, info.SizeInBytes)}
		}
	}

	commit := func() {
		for b, row := range outputs {
			for i, t := range row {
				copy(t.Buffer(t.MemoryType()), batch.Outputs[b][i].Data)
			}
		}
	}
	return batch, commit
}
