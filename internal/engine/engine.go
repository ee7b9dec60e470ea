package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

// Engine runs inference jobs against one backend. It implements Runner.
//
// Every job runs on its own goroutine. Access to the device is gated by a
// weighted semaphore sized to the backend's MaxConcurrency: a job is PENDING
// while it waits for the semaphore and RUNNING while it holds it. Callbacks
// are delivered by a separate dispatcher pool.
type Engine struct {
	id       string
	backend  backend.Backend
	caps     backend.Capabilities
	manifest *model.Manifest
	arena    *device.Arena
	cfg      Config
	logger   *slog.Logger
	events   *EventBroker
	sem      *semaphore.Weighted
	borrows  *device.Tracker
	dispatch *dispatcher

	// infos[dir][typ] is the ordered tensor contract.
	infos [2][2][]tensor.Info
	quant map[string]QuantParameters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	refs   atomic.Int32

	mu     sync.Mutex
	jobs   *orderedmap.OrderedMap[uint32, *job]
	nextID uint32
	closed bool
}

var _ Runner = (*Engine)(nil)

// CreateRunner constructs a backend through the registry and wraps it in an
// Engine. The returned engine holds one reference.
func CreateRunner(ctx context.Context, reg *backend.Registry, typ backend.Type, modelPath string, opts backend.Options, cfg Config) (*Engine, error) {
	b, err := reg.Create(ctx, typ, modelPath, opts)
	if err != nil {
		return nil, err
	}
	e, err := New(b, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	return e, nil
}

// New wraps an open backend. The engine takes ownership of b and closes it
// when the last reference is released.
func New(b backend.Backend, cfg Config) (*Engine, error) {
	m := b.Model()
	if m == nil {
		return nil, fmt.Errorf("backend %s has no model", b.Capabilities().Name)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}

	cfg = cfg.withDefaults()
	caps := b.Capabilities()
	if caps.MaxConcurrency < 1 {
		caps.MaxConcurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:       model.NewID(),
		backend:  b,
		caps:     caps,
		manifest: m,
		cfg:      cfg,
		events:   cfg.Events,
		sem:      semaphore.NewWeighted(int64(caps.MaxConcurrency)),
		borrows:  device.NewTracker(),
		quant:    make(map[string]QuantParameters),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     orderedmap.New[uint32, *job](),
		nextID:   1,
	}
	e.logger = cfg.Logger.With("runner_id", e.id, "backend", caps.Name)
	if da, ok := b.(backend.DeviceAllocator); ok {
		e.arena = da.Arena()
	}

	for dir, ports := range [][]model.Port{m.Inputs, m.Outputs} {
		for _, typ := range []tensor.Type{tensor.TypeCPU, tensor.TypeHW} {
			infos := make([]tensor.Info, len(ports))
			for i, p := range ports {
				infos[i] = p.Info(typ).Clone()
			}
			e.infos[dir][typ] = infos
		}
		for _, p := range ports {
			if p.Quant == nil {
				continue
			}
			e.quant[p.CPU.Name] = *p.Quant
			if p.HW != nil {
				e.quant[p.HW.Name] = *p.Quant
			}
		}
	}

	e.dispatch = newDispatcher(cfg.CallbackWorkers, e.logger)
	e.refs.Store(1)

	e.logger.Info("runner created",
		"model", m.Name,
		"inputs", len(m.Inputs),
		"outputs", len(m.Outputs),
		"batch_size", m.BatchSize,
		"max_concurrency", caps.MaxConcurrency,
	)
	return e, nil
}

// ID returns the runner instance id.
func (e *Engine) ID() string { return e.id }

// Capabilities returns the backend capabilities.
func (e *Engine) Capabilities() backend.Capabilities { return e.caps }

// Model returns the model manifest.
func (e *Engine) Model() *model.Manifest { return e.manifest }

// Arena returns the backend device arena, or nil when the backend does not
// expose device memory.
func (e *Engine) Arena() *device.Arena { return e.arena }

// Events returns the broker that publishes job state changes.
func (e *Engine) Events() *EventBroker { return e.events }

// Acquire adds a reference. Each Acquire must be paired with a Close.
func (e *Engine) Acquire() *Engine {
	e.refs.Add(1)
	return e
}

// TensorsInfo returns the ordered tensors for a direction and representation.
func (e *Engine) TensorsInfo(dir tensor.Direction, typ tensor.Type) []tensor.Info {
	src := e.contract(dir, typ)
	out := make([]tensor.Info, len(src))
	for i, info := range src {
		out[i] = info.Clone()
	}
	return out
}

// TensorInfoByName looks a tensor up by name in either direction.
func (e *Engine) TensorInfoByName(name string, typ tensor.Type) (tensor.Info, error) {
	for _, dir := range []tensor.Direction{tensor.DirectionInput, tensor.DirectionOutput} {
		for _, info := range e.contract(dir, typ) {
			if info.Name == name {
				return info.Clone(), nil
			}
		}
	}
	return tensor.Info{}, e.notFound("tensor", name, typ)
}

// QuantParameters returns the quantization of a tensor. ErrNotFound means
// the tensor is not quantized or does not exist.
func (e *Engine) QuantParameters(name string) (QuantParameters, error) {
	if q, ok := e.quant[name]; ok {
		return q, nil
	}
	if _, err := e.TensorInfoByName(name, tensor.TypeCPU); err == nil {
		return QuantParameters{}, fmt.Errorf("quant parameters for tensor %q: %w", name, ErrNotFound)
	}
	if _, err := e.TensorInfoByName(name, tensor.TypeHW); err == nil {
		return QuantParameters{}, fmt.Errorf("quant parameters for tensor %q: %w", name, ErrNotFound)
	}
	return QuantParameters{}, e.notFound("tensor", name, tensor.TypeCPU)
}

// NumInputTensors returns the number of input tensors per batch item.
func (e *Engine) NumInputTensors() int { return len(e.manifest.Inputs) }

// NumOutputTensors returns the number of output tensors per batch item.
func (e *Engine) NumOutputTensors() int { return len(e.manifest.Outputs) }

// BatchSize returns the largest batch the model accepts.
func (e *Engine) BatchSize() int { return e.manifest.BatchSize }

func (e *Engine) contract(dir tensor.Direction, typ tensor.Type) []tensor.Info {
	if int(dir) > 1 || int(typ) > 1 {
		return nil
	}
	return e.infos[dir][typ]
}

// notFound builds an ErrNotFound error that suggests the closest known name.
func (e *Engine) notFound(what, name string, typ tensor.Type) error {
	var names []string
	for _, dir := range []tensor.Direction{tensor.DirectionInput, tensor.DirectionOutput} {
		for _, info := range e.contract(dir, typ) {
			names = append(names, info.Name)
		}
	}
	best, bestDist := "", -1
	for _, n := range names {
		if d := levenshtein.ComputeDistance(name, n); bestDist < 0 || d < bestDist {
			best, bestDist = n, d
		}
	}
	if best != "" && bestDist <= len(name)/2+1 {
		return fmt.Errorf("%s %q (%s): %w; did you mean %q?", what, name, typ, ErrNotFound, best)
	}
	return fmt.Errorf("%s %q (%s): %w", what, name, typ, ErrNotFound)
}

// Jobs returns snapshots of every job in the table, oldest first.
func (e *Engine) Jobs() []JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]JobInfo, 0, e.jobs.Len())
	for pair := e.jobs.Oldest(); pair != nil; pair = pair.Next() {
		infos = append(infos, pair.Value.info())
	}
	return infos
}

// Job returns a snapshot of one job.
func (e *Engine) Job(id uint32) (JobInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs.Get(id)
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

// Close drops a reference. The last Close shuts the engine down: new
// submissions fail with FAILURE and unfinished jobs become FAILED. A job the
// backend is still running against caller memory is failed once the backend
// returns. Close waits for the workers before closing the backend. Queued
// callbacks are still delivered but not awaited, so Close may be called from
// a callback.
func (e *Engine) Close() error {
	n := e.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("runner %s already closed", e.id)
	}

	e.mu.Lock()
	e.closed = true
	var aborted int
	now := time.Now()
	for pair := e.jobs.Oldest(); pair != nil; pair = pair.Next() {
		j := pair.Value
		if j.status.Terminal() || j.claimed {
			continue
		}
		aborted++
		if j.status == model.JobRunning && j.staged == nil {
			// The backend may still read the caller's buffers.
			j.aborting = true
			continue
		}
		e.terminate(j, model.JobFailed, Failure, "runner closed", now)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.dispatch.close()
	e.events.Shutdown()

	e.logger.Info("runner closed", "aborted_jobs", aborted)
	if err := e.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}
