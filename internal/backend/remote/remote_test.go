package remote_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/npurt/internal/agent"
	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/backend/reference"
	"github.com/seantiz/npurt/internal/backend/remote"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

const echoYAML = `
name: echo
batch_size: 2
inputs:
  - cpu:
      name: x
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 1, 1, 4]
    hw:
      data_type: INT8
      memory_layout: NHWC
      shape: [1, 1, 1, 4]
    quant:
      scale: 0.5
      zero_point: 0
      rounding_mode: ROUND_TO_NEAREST_EVEN
outputs:
  - cpu:
      name: y
      data_type: FLOAT32
      memory_layout: NHWC
      shape: [1, 1, 1, 4]
    source: x
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startAgent serves a reference backend on a loopback port.
func startAgent(t *testing.T, cfg reference.Config) remote.Address {
	t.Helper()
	m, err := model.Parse([]byte(echoYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DeviceMemoryBytes == 0 {
		cfg.DeviceMemoryBytes = 1 << 16
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := agent.New(reference.New(m, cfg), quietLogger())
	done := make(chan error, 1)
	go func() { done <- a.Serve(l) }()

	t.Cleanup(func() {
		l.Close()
		a.Shutdown()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return remote.Address{Scheme: remote.SchemeTCP, Host: l.Addr().String()}
}

func openRemote(t *testing.T, addr remote.Address) *remote.Backend {
	t.Helper()
	b, err := remote.Open(context.Background(), addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func echoBatch(m *model.Manifest, inputs ...[]byte) backend.Batch {
	var b backend.Batch
	for _, data := range inputs {
		b.Inputs = append(b.Inputs, []backend.Buffer{{Info: m.Inputs[0].CPU, Type: tensor.TypeCPU, Data: data}})
		out := m.Outputs[0].CPU
		b.Outputs = append(b.Outputs, []backend.Buffer{{Info: out, Type: tensor.TypeCPU, Data: make([]byte, out.SizeInBytes)}})
	}
	return b
}

func TestOpenDescribesAgentModel(t *testing.T) {
	addr := startAgent(t, reference.Config{MaxConcurrency: 3})
	b := openRemote(t, addr)

	want, _ := model.Parse([]byte(echoYAML))
	if diff := cmp.Diff(want, b.Model()); diff != "" {
		t.Errorf("model mismatch (-want +got):\n%s", diff)
	}
	caps := b.Capabilities()
	if caps.Name != "remote" || caps.ZeroCopy || caps.MaxConcurrency != 3 {
		t.Errorf("Capabilities() = %+v", caps)
	}
	if b.Address() != addr {
		t.Errorf("Address() = %v, want %v", b.Address(), addr)
	}
}

func TestOpenNoAgent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := remote.Address{Scheme: remote.SchemeTCP, Host: l.Addr().String()}
	l.Close()

	if _, err := remote.Open(context.Background(), addr, 200*time.Millisecond); err == nil {
		t.Error("expected error when no agent is listening")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{}))

	batch := echoBatch(b.Model(), f32Bytes(1, 2, 3, 4), f32Bytes(-1, 0.5, 0, 8))
	if err := b.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := batch.Outputs[0][0].Data; !bytes.Equal(got, f32Bytes(1, 2, 3, 4)) {
		t.Errorf("item 0 = %x", got)
	}
	if got := batch.Outputs[1][0].Data; !bytes.Equal(got, f32Bytes(-1, 0.5, 0, 8)) {
		t.Errorf("item 1 = %x", got)
	}

	// The pooled connection is reused for a second request.
	if err := b.Execute(context.Background(), echoBatch(b.Model(), f32Bytes(0, 0, 0, 0))); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
}

func TestExecuteAgentFailure(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{FailEvery: 1}))

	batch := echoBatch(b.Model(), f32Bytes(1, 2, 3, 4))
	err := b.Execute(context.Background(), batch)
	if got := backend.StatusOf(err); got != model.RuntimeError {
		t.Errorf("status = %s (%v), want RUNTIME_ERROR", got, err)
	}
	if !bytes.Equal(batch.Outputs[0][0].Data, make([]byte, 16)) {
		t.Error("outputs were written on failure")
	}
}

func TestExecuteInvalidBatch(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{}))

	batch := echoBatch(b.Model(), f32Bytes(1, 2))
	err := b.Execute(context.Background(), batch)
	if got := backend.StatusOf(err); got != model.InvalidInput {
		t.Errorf("status = %s (%v), want INVALID_INPUT", got, err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{Latency: 5 * time.Second}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Execute(ctx, echoBatch(b.Model(), f32Bytes(1, 2, 3, 4)))
	if got := backend.StatusOf(err); got != model.Timeout {
		t.Errorf("status = %s (%v), want TIMEOUT", got, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute took %v after its deadline", elapsed)
	}
}

func TestExecuteAfterClose(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{}))
	b.Close()

	err := b.Execute(context.Background(), echoBatch(b.Model(), f32Bytes(1, 2, 3, 4)))
	if got := backend.StatusOf(err); got != model.DeviceError {
		t.Errorf("status = %s, want DEVICE_ERROR", got)
	}
}

func TestFactoryOptions(t *testing.T) {
	addr := startAgent(t, reference.Config{})

	tests := []struct {
		name    string
		opts    backend.Options
		wantErr bool
	}{
		{name: "ok", opts: backend.Options{remote.OptAddress: backend.String(addr.String())}},
		{name: "missing address", opts: backend.Options{}, wantErr: true},
		{name: "bad scheme", opts: backend.Options{remote.OptAddress: backend.String("http://x")}, wantErr: true},
		{name: "unknown key", opts: backend.Options{remote.OptAddress: backend.String(addr.String()), "latency": backend.String("1ms")}, wantErr: true},
		{name: "zero timeout", opts: backend.Options{remote.OptAddress: backend.String(addr.String()), remote.OptDialTimeout: backend.Duration(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := remote.Factory(context.Background(), "", tt.opts)
			if tt.wantErr {
				if err == nil {
					b.Close()
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Factory: %v", err)
			}
			b.Close()
		})
	}
}

func TestEngineOverRemote(t *testing.T) {
	b := openRemote(t, startAgent(t, reference.Config{MaxConcurrency: 2}))

	cfg := engine.DefaultConfig()
	cfg.Logger = quietLogger()
	e, err := engine.New(b, cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer e.Close()

	in := e.TensorsInfo(tensor.DirectionInput, tensor.TypeHW)[0]
	out := e.TensorsInfo(tensor.DirectionOutput, tensor.TypeCPU)[0]
	// The remote backend exposes no arena, so any buffer may back DEVICE memory.
	inputs := [][]*tensor.Tensor{{tensor.New(in, []byte{2, 4, 0xFA, 8}, tensor.MemoryDevice, tensor.TypeHW)}}
	outputs := [][]*tensor.Tensor{{tensor.New(out, make([]byte, out.SizeInBytes), tensor.MemoryHost, tensor.TypeCPU)}}

	h := e.ExecuteAsync(inputs, outputs)
	if h.Status != engine.Success {
		t.Fatalf("ExecuteAsync = %s", h.Status)
	}
	if got := e.Wait(h, 5*time.Second); got != engine.Success {
		t.Fatalf("Wait = %s", got)
	}
	if got, want := outputs[0][0].Buffer(tensor.MemoryHost), f32Bytes(1, 2, -3, 4); !bytes.Equal(got, want) {
		t.Errorf("output = %x, want %x", got, want)
	}
}
