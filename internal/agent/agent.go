// Package agent implements the device agent. It serves one backend over a
// listener so that a runner elsewhere can reach it through the remote
// backend: inside a microVM over vsock, or across hosts over TCP.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/backend/remote"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

// Agent handles connections and executes requests against a backend.
// Each connection is served by its own goroutine; requests on one
// connection run in order.
type Agent struct {
	backend backend.Backend
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates an agent serving b.
func New(b backend.Backend, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		backend: b,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until the listener is closed. It returns nil
// when the listener was closed by Shutdown or the caller.
func (a *Agent) Serve(l net.Listener) error {
	a.logger.Info("agent listening", "addr", l.Addr().String(), "model", a.backend.Model().Name)
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.mu.Lock()
		a.conns[conn] = struct{}{}
		a.mu.Unlock()
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// Shutdown cancels running executions, closes open connections and waits
// for their handlers to return.
func (a *Agent) Shutdown() {
	a.cancel()
	a.mu.Lock()
	for conn := range a.conns {
		conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// handleConnection serves requests on conn until the peer hangs up.
func (a *Agent) handleConnection(conn net.Conn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	for {
		var req remote.Request
		if err := remote.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("read request", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		resp := a.handle(&req)
		if err := remote.WriteMessage(conn, &resp); err != nil {
			a.logger.Warn("write response", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

func (a *Agent) handle(req *remote.Request) remote.Response {
	switch req.Type {
	case remote.MsgDescribe:
		caps := a.backend.Capabilities()
		return remote.Response{
			Type:         remote.MsgResult,
			ID:           req.ID,
			Manifest:     a.backend.Model(),
			Capabilities: &caps,
		}

	case remote.MsgExecute:
		start := time.Now()
		outputs, err := a.execute(req)
		if err != nil {
			a.logger.Warn("execute failed", "request_id", req.ID, "status", backend.StatusOf(err), "error", err)
			return remote.ErrorResponse(req.ID, err)
		}
		a.logger.Debug("execute done", "request_id", req.ID, "duration_ms", time.Since(start).Milliseconds())
		return remote.Response{Type: remote.MsgResult, ID: req.ID, Outputs: outputs}

	default:
		return remote.ErrorResponse(req.ID, backend.Errorf(model.Failure, "unknown request type %q", req.Type))
	}
}

// execute checks the batch against the model, allocates outputs and runs the
// backend.
func (a *Agent) execute(req *remote.Request) (outputs [][][]byte, err error) {
	if req.Batch == nil {
		return nil, backend.Errorf(model.InvalidInput, "execute request without batch")
	}
	batch := *req.Batch
	m := a.backend.Model()

	if n := batch.Size(); n == 0 || n > m.BatchSize {
		return nil, backend.Errorf(model.InvalidInput, "batch of %d items, want 1..%d", n, m.BatchSize)
	}
	if len(batch.Outputs) != batch.Size() {
		return nil, backend.Errorf(model.InvalidOutput, "batch of %d outputs for %d inputs", len(batch.Outputs), batch.Size())
	}
	for i := range batch.Inputs {
		if err := checkRow(m.Inputs, batch.Inputs[i], true); err != nil {
			return nil, backend.Errorf(model.InvalidInput, "item %d: %w", i, err)
		}
		if err := checkRow(m.Outputs, batch.Outputs[i], false); err != nil {
			return nil, backend.Errorf(model.InvalidOutput, "item %d: %w", i, err)
		}
		for j := range batch.Outputs[i] {
			out := &batch.Outputs[i][j]
			out.Info = m.Outputs[j].Info(out.Type)
			out.Data = make([]byte, out.Info.SizeInBytes)
		}
	}

	ctx := a.ctx
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = backend.Errorf(model.RuntimeError, "backend panic: %v", r)
		}
	}()
	if err := a.backend.Execute(ctx, batch); err != nil {
		return nil, err
	}

	outputs = make([][][]byte, len(batch.Outputs))
	for i, row := range batch.Outputs {
		outputs[i] = make([][]byte, len(row))
		for j, out := range row {
			outputs[i][j] = out.Data
		}
	}
	return outputs, nil
}

func checkRow(ports []model.Port, row []backend.Buffer, withData bool) error {
	if len(row) != len(ports) {
		return fmt.Errorf("%d tensors, want %d", len(row), len(ports))
	}
	for j, buf := range row {
		if buf.Type != tensor.TypeCPU && buf.Type != tensor.TypeHW {
			return fmt.Errorf("tensor %q: unknown tensor type", buf.Info.Name)
		}
		want := ports[j].Info(buf.Type)
		if !want.Matches(buf.Info) {
			return fmt.Errorf("tensor %q does not match %q", buf.Info.Name, want.Name)
		}
		if withData && uint64(len(buf.Data)) < want.SizeInBytes {
			return fmt.Errorf("tensor %q: %d bytes, need %d", want.Name, len(buf.Data), want.SizeInBytes)
		}
	}
	return nil
}
