package engine

import (
	"errors"
	"time"

	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/quant"
	"github.com/seantiz/npurt/internal/tensor"
)

// StatusCode is the result of every runner operation.
type StatusCode = model.StatusCode

const (
	Success       = model.Success
	Failure       = model.Failure
	InvalidInput  = model.InvalidInput
	InvalidOutput = model.InvalidOutput
	OutOfMemory   = model.OutOfMemory
	RuntimeError  = model.RuntimeError
	Timeout       = model.Timeout
	DeviceError   = model.DeviceError
)

// JobStatus is the lifecycle state of a job.
type JobStatus = model.JobStatus

// QuantParameters describes how a tensor's real values map onto its
// quantized representation.
type QuantParameters = quant.Params

// RoundingMode is the rounding policy of a quantized tensor.
type RoundingMode = quant.RoundingMode

const (
	RoundingUnknown    = quant.RoundingUnknown
	RoundToNearestEven = quant.RoundToNearestEven
	RoundTowardZero    = quant.RoundTowardZero
)

// ErrNotFound is returned by name lookups for tensors or quantization data
// that do not exist. Absence of quantization data means the tensor is not
// quantized.
var ErrNotFound = errors.New("not found")

// JobHandle identifies an asynchronous submission. Status is SUCCESS when
// the job was accepted; otherwise it carries the submission failure, which
// Wait on JobID reports as well.
type JobHandle struct {
	Status StatusCode `json:"status"`
	JobID  uint32     `json:"job_id"`
}

// ExecuteAsyncCallback receives the terminal status of a callback-form job.
// It runs on an engine-owned goroutine with no engine lock held.
type ExecuteAsyncCallback func(StatusCode)

// Runner is the inference contract. Inputs and outputs are indexed
// [batch][tensor], in the order returned by TensorsInfo.
type Runner interface {
	TensorsInfo(dir tensor.Direction, typ tensor.Type) []tensor.Info
	TensorInfoByName(name string, typ tensor.Type) (tensor.Info, error)
	QuantParameters(name string) (QuantParameters, error)
	NumInputTensors() int
	NumOutputTensors() int
	BatchSize() int

	// Execute blocks until the computation finishes. On any failure the
	// output buffers are left untouched.
	Execute(inputs, outputs [][]*tensor.Tensor) StatusCode

	// ExecuteAsync validates and submits without blocking on computation.
	ExecuteAsync(inputs, outputs [][]*tensor.Tensor) JobHandle

	// Wait blocks up to timeout for the job to finish. A zero timeout polls.
	// It returns TIMEOUT while the job is still running, the terminal status
	// otherwise, and INVALID_INPUT for an unknown or retired job.
	Wait(h JobHandle, timeout time.Duration) StatusCode

	// ExecuteAsyncCallback submits a job whose terminal status is delivered
	// to cb exactly once. A non-zero timeout bounds the job.
	ExecuteAsyncCallback(inputs, outputs [][]*tensor.Tensor, cb ExecuteAsyncCallback, timeout time.Duration) StatusCode

	// Release retires a terminal job. It reports false for unknown or
	// unfinished jobs.
	Release(jobID uint32) bool

	Close() error
}

// JobInfo is a snapshot of one job.
type JobInfo struct {
	ID          uint32     `json:"job_id"`
	Mode        string     `json:"mode"`
	Status      JobStatus  `json:"status"`
	Result      StatusCode `json:"result"`
	Error       string     `json:"error,omitempty"`
	Batch       int        `json:"batch"`
	Timeout     string     `json:"timeout,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
