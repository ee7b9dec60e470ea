// Package reference implements a simulated NPU. It owns a device memory
// arena, models execution latency, and computes each output as an
// element-wise conversion of its source input, so results are deterministic
// and easy to check.
package reference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/quant"
	"github.com/seantiz/npurt/internal/tensor"
)

// Option keys recognized by the reference backend.
const (
	OptLatency           = "latency"
	OptLatencyPerItem    = "latency_per_item"
	OptMaxConcurrency    = "max_concurrency"
	OptDeviceMemoryBytes = "device_memory_bytes"
	OptFailEvery         = "fail_every"
)

// Default option values.
const (
	DefaultLatency           = time.Millisecond
	DefaultMaxConcurrency    = 1
	DefaultDeviceMemoryBytes = 64 << 20
)

// Config holds the parsed options.
type Config struct {
	Latency           time.Duration
	LatencyPerItem    time.Duration
	MaxConcurrency    int
	DeviceMemoryBytes int
	FailEvery         int
}

// Backend is the simulated device.
type Backend struct {
	manifest *model.Manifest
	cfg      Config
	arena    *device.Arena
	sources  []int // input index feeding each output
	execs    atomic.Int64
	closed   atomic.Bool
}

// Registration returns the registry entry for the reference backend.
func Registration() backend.Registration {
	return backend.Registration{
		Factory:     Factory,
		Description: "simulated NPU with a local device arena",
		Options: []backend.OptionDoc{
			{Name: OptLatency, Kind: backend.KindDuration, Default: DefaultLatency.String(), Help: "fixed latency per execution"},
			{Name: OptLatencyPerItem, Kind: backend.KindDuration, Default: "0s", Help: "additional latency per batch item"},
			{Name: OptMaxConcurrency, Kind: backend.KindInt, Default: fmt.Sprint(DefaultMaxConcurrency), Help: "executions the device runs at once"},
			{Name: OptDeviceMemoryBytes, Kind: backend.KindInt, Default: fmt.Sprint(DefaultDeviceMemoryBytes), Help: "device arena size"},
			{Name: OptFailEvery, Kind: backend.KindInt, Default: "0", Help: "fail every Nth execution with RUNTIME_ERROR (0 disables)"},
		},
	}
}

// Factory loads the manifest at modelPath and builds a backend from opts.
func Factory(_ context.Context, modelPath string, opts backend.Options) (backend.Backend, error) {
	cfg, err := ParseOptions(opts)
	if err != nil {
		return nil, err
	}
	m, err := model.Load(modelPath)
	if err != nil {
		return nil, err
	}
	return New(m, cfg), nil
}

// ParseOptions validates opts and applies defaults.
func ParseOptions(opts backend.Options) (Config, error) {
	if err := opts.CheckKeys(OptLatency, OptLatencyPerItem, OptMaxConcurrency, OptDeviceMemoryBytes, OptFailEvery); err != nil {
		return Config{}, err
	}

	var cfg Config
	var err error
	if cfg.Latency, err = opts.Duration(OptLatency, DefaultLatency); err != nil {
		return Config{}, err
	}
	if cfg.LatencyPerItem, err = opts.Duration(OptLatencyPerItem, 0); err != nil {
		return Config{}, err
	}
	n, err := opts.Int(OptMaxConcurrency, DefaultMaxConcurrency)
	if err != nil {
		return Config{}, err
	}
	if n < 1 {
		return Config{}, fmt.Errorf("option %s must be at least 1, got %d", OptMaxConcurrency, n)
	}
	cfg.MaxConcurrency = int(n)

	if n, err = opts.Int(OptDeviceMemoryBytes, DefaultDeviceMemoryBytes); err != nil {
		return Config{}, err
	}
	if n < 0 {
		return Config{}, fmt.Errorf("option %s must not be negative", OptDeviceMemoryBytes)
	}
	cfg.DeviceMemoryBytes = int(n)

	if n, err = opts.Int(OptFailEvery, 0); err != nil {
		return Config{}, err
	}
	if n < 0 {
		return Config{}, fmt.Errorf("option %s must not be negative", OptFailEvery)
	}
	cfg.FailEvery = int(n)

	if cfg.Latency < 0 || cfg.LatencyPerItem < 0 {
		return Config{}, errors.New("latency options must not be negative")
	}
	return cfg, nil
}

// New creates a reference backend for an already validated manifest.
func New(m *model.Manifest, cfg Config) *Backend {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	b := &Backend{
		manifest: m,
		cfg:      cfg,
		arena:    device.NewArena(cfg.DeviceMemoryBytes),
		sources:  make([]int, len(m.Outputs)),
	}
	for j, out := range m.Outputs {
		b.sources[j] = j % len(m.Inputs)
		for i, in := range m.Inputs {
			if in.CPU.Name == out.Source {
				b.sources[j] = i
			}
		}
	}
	return b
}

func (b *Backend) Model() *model.Manifest { return b.manifest }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           string(backend.TypeReference),
		ZeroCopy:       true,
		MaxConcurrency: b.cfg.MaxConcurrency,
	}
}

// Arena returns the device memory that DEVICE tensors must be allocated from.
func (b *Backend) Arena() *device.Arena { return b.arena }

// Executions returns how many times Execute has been called.
func (b *Backend) Executions() int64 { return b.execs.Load() }

// Execute simulates the device: it waits out the latency model, then fills
// every output of every batch item concurrently.
func (b *Backend) Execute(ctx context.Context, batch backend.Batch) error {
	if b.closed.Load() {
		return backend.Errorf(model.DeviceError, "device is closed")
	}
	n := b.execs.Add(1)
	if b.cfg.FailEvery > 0 && n%int64(b.cfg.FailEvery) == 0 {
		return backend.Errorf(model.RuntimeError, "injected failure on execution %d", n)
	}
	if len(batch.Outputs) != batch.Size() {
		return backend.Errorf(model.InvalidOutput, "batch has %d inputs and %d outputs", batch.Size(), len(batch.Outputs))
	}

	latency := b.cfg.Latency + time.Duration(batch.Size())*b.cfg.LatencyPerItem
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range batch.Inputs {
		g.Go(func() error {
			return b.computeItem(ctx, batch.Inputs[i], batch.Outputs[i])
		})
	}
	return g.Wait()
}

func (b *Backend) computeItem(ctx context.Context, inputs, outputs []backend.Buffer) error {
	for j, out := range outputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if j >= len(b.sources) || b.sources[j] >= len(inputs) {
			return backend.Errorf(model.InvalidOutput, "no source input for output %q", out.Info.Name)
		}
		srcIdx := b.sources[j]
		in := inputs[srcIdx]

		n := int(min(in.Info.Size, out.Info.Size))
		vals, err := decode(in.Info.DataType, in.Data, n, quantFor(b.manifest.Inputs[srcIdx], in.Type))
		if err != nil {
			return backend.Errorf(model.InvalidInput, "%s: %w", in.Info.Name, err)
		}
		if err := encode(out.Info.DataType, vals, out.Data, quantFor(b.manifest.Outputs[j], out.Type)); err != nil {
			return backend.Errorf(model.InvalidOutput, "%s: %w", out.Info.Name, err)
		}
	}
	return nil
}

// quantFor returns the quant parameters that apply to a representation.
// Only integer representations are quantized.
func quantFor(p model.Port, typ tensor.Type) *quant.Params {
	switch p.Info(typ).DataType {
	case tensor.DataTypeInt8, tensor.DataTypeUint8, tensor.DataTypeInt16, tensor.DataTypeUint16:
		return p.Quant
	}
	return nil
}

// Close marks the device closed. Later executions fail with DEVICE_ERROR.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
