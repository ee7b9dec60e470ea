// Package remote implements a backend that forwards executions to a device
// agent over a length-prefixed JSON protocol. The agent typically runs next
// to the accelerator, inside a microVM reached over vsock, or on another
// host reached over TCP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/model"
)

// Option keys recognized by the remote backend.
const (
	OptAddress     = "address"
	OptDialTimeout = "dial_timeout"
)

// DefaultDialTimeout bounds connection establishment including retries.
const DefaultDialTimeout = 5 * time.Second

// Backend forwards batches to a device agent. It keeps one idle connection
// per concurrent execution the agent allows.
type Backend struct {
	addr        Address
	dialTimeout time.Duration
	manifest    *model.Manifest
	caps        backend.Capabilities
	idle        chan net.Conn
	nextID      atomic.Uint64
	closed      atomic.Bool
}

// Registration returns the registry entry for the remote backend.
func Registration() backend.Registration {
	return backend.Registration{
		Factory:     Factory,
		Description: "device agent reached over vsock or tcp",
		Options: []backend.OptionDoc{
			{Name: OptAddress, Kind: backend.KindString, Help: "agent address: tcp://host:port, vsock://cid:port or uds:///path?port=N"},
			{Name: OptDialTimeout, Kind: backend.KindDuration, Default: DefaultDialTimeout.String(), Help: "connection timeout including retries"},
		},
	}
}

// Factory connects to the agent named by the address option. The agent owns
// the model; modelPath is ignored.
func Factory(ctx context.Context, _ string, opts backend.Options) (backend.Backend, error) {
	if err := opts.CheckKeys(OptAddress, OptDialTimeout); err != nil {
		return nil, err
	}
	raw, err := opts.String(OptAddress, "")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("option %s is required", OptAddress)
	}
	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := opts.Duration(OptDialTimeout, DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	if dialTimeout <= 0 {
		return nil, fmt.Errorf("option %s must be positive", OptDialTimeout)
	}
	return Open(ctx, addr, dialTimeout)
}

// Open dials the agent and fetches its model description.
func Open(ctx context.Context, addr Address, dialTimeout time.Duration) (*Backend, error) {
	b := &Backend{addr: addr, dialTimeout: dialTimeout}

	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := b.exchange(ctx, conn, &Request{Type: MsgDescribe})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("describe: %w", err)
	}
	if err := resp.Err(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("describe: %w", err)
	}
	if resp.Manifest == nil || resp.Capabilities == nil {
		conn.Close()
		return nil, errors.New("describe: agent sent no model")
	}

	resp.Manifest.Normalize()
	if err := resp.Manifest.Validate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent model: %w", err)
	}

	b.manifest = resp.Manifest
	b.caps = backend.Capabilities{
		Name:           string(backend.TypeRemote),
		MaxConcurrency: max(resp.Capabilities.MaxConcurrency, 1),
	}
	b.idle = make(chan net.Conn, b.caps.MaxConcurrency)
	b.put(conn)
	return b, nil
}

func (b *Backend) Model() *model.Manifest { return b.manifest }

// Capabilities reports the agent's concurrency. Buffers always cross the
// wire, so the remote backend is never zero-copy.
func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

// Address returns the agent address.
func (b *Backend) Address() Address { return b.addr }

// Execute sends the inputs and output descriptors to the agent and copies the
// returned outputs into the batch.
func (b *Backend) Execute(ctx context.Context, batch backend.Batch) error {
	if b.closed.Load() {
		return backend.Errorf(model.DeviceError, "remote backend is closed")
	}

	wire := backend.Batch{
		Inputs:  batch.Inputs,
		Outputs: make([][]backend.Buffer, len(batch.Outputs)),
	}
	for i, row := range batch.Outputs {
		wire.Outputs[i] = make([]backend.Buffer, len(row))
		for j, out := range row {
			wire.Outputs[i][j] = backend.Buffer{Info: out.Info, Type: out.Type}
		}
	}
	req := &Request{Type: MsgExecute, Batch: &wire}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}

	resp, err := b.roundTrip(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return backend.Errorf(model.DeviceError, "%s: %w", b.addr, err)
	}
	if err := resp.Err(); err != nil {
		return err
	}

	if len(resp.Outputs) != len(batch.Outputs) {
		return backend.Errorf(model.RuntimeError, "agent returned %d batch items, want %d", len(resp.Outputs), len(batch.Outputs))
	}
	for i, row := range batch.Outputs {
		if len(resp.Outputs[i]) != len(row) {
			return backend.Errorf(model.RuntimeError, "agent returned %d outputs for item %d, want %d", len(resp.Outputs[i]), i, len(row))
		}
		for j, out := range row {
			if len(resp.Outputs[i][j]) != len(out.Data) {
				return backend.Errorf(model.RuntimeError, "agent returned %d bytes for %q, want %d", len(resp.Outputs[i][j]), out.Info.Name, len(out.Data))
			}
			copy(out.Data, resp.Outputs[i][j])
		}
	}
	return nil
}

// Close drops idle connections. Later executions fail with DEVICE_ERROR.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	for {
		select {
		case conn := <-b.idle:
			conn.Close()
		default:
			return nil
		}
	}
}

// roundTrip runs one request on an idle or fresh connection. A connection
// that saw an error or a cancelled context is discarded.
func (b *Backend) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	conn, err := b.get(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := b.exchange(ctx, conn, req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.put(conn)
	return resp, nil
}

func (b *Backend) exchange(ctx context.Context, conn net.Conn, req *Request) (*Response, error) {
	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	req.ID = b.nextID.Add(1)
	var resp Response
	err := WriteMessage(conn, req)
	if err == nil {
		err = ReadMessage(conn, &resp)
	}
	if !stop() {
		// The deadline was forced; the connection is unusable.
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request %d", resp.ID, req.ID)
	}
	return &resp, nil
}

func (b *Backend) get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-b.idle:
		return conn, nil
	default:
		return b.dial(ctx)
	}
}

func (b *Backend) put(conn net.Conn) {
	if b.closed.Load() {
		conn.Close()
		return
	}
	select {
	case b.idle <- conn:
	default:
		conn.Close()
	}
}

func (b *Backend) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()
	return Dial(ctx, b.addr)
}
