package backend

import (
	"context"

	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

// Backend is the interface that every inference device must implement.
// The engine owns validation, job bookkeeping and buffer staging; a backend
// only computes.
type Backend interface {
	// Model returns the loaded model metadata. It must not change for the
	// lifetime of the backend.
	Model() *model.Manifest

	// Capabilities reports the backend name, whether it consumes device
	// buffers in place, and how many batches it can run at once.
	Capabilities() Capabilities

	// Execute computes one batch. Output buffers in b are engine-owned
	// scratch space; the backend may write them partially on failure.
	// The context carries cancellation for timeouts and shutdown. Errors
	// should wrap a StatusError to select the reported status code.
	Execute(ctx context.Context, b Batch) error

	// Close releases device resources.
	Close() error
}

// DeviceAllocator is implemented by backends that expose device memory.
// DEVICE-resident tensors handed to such a backend must be allocated from
// its arena.
type DeviceAllocator interface {
	Arena() *device.Arena
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string `json:"name"`
	ZeroCopy       bool   `json:"zero_copy"`
	MaxConcurrency int    `json:"max_concurrency"`
}

// Buffer is one tensor slot of a batch item.
type Buffer struct {
	Info tensor.Info `json:"info"`
	Type tensor.Type `json:"type"`
	Data []byte      `json:"data"`
}

// Batch holds the buffers of one execution, indexed [batch][tensor] in the
// order of the model manifest.
type Batch struct {
	Inputs  [][]Buffer `json:"inputs"`
	Outputs [][]Buffer `json:"outputs"`
}

// Size returns the number of batch items.
func (b Batch) Size() int { return len(b.Inputs) }
