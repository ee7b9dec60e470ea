package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/npurt/internal/backend"
	"github.com/seantiz/npurt/internal/device"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

// job is one execution. All fields are guarded by Engine.mu.
type job struct {
	id      uint32
	mode    string
	batch   int
	timeout time.Duration
	status  JobStatus
	result  StatusCode
	errMsg  string
	cb      ExecuteAsyncCallback

	// done is closed when the job becomes terminal.
	done chan struct{}

	// claimed is set once the worker has decided the natural outcome and is
	// committing outputs; timeouts and shutdown no longer apply.
	claimed bool

	// returned is set once the worker is finished with the caller's buffers.
	// Borrows are released when the job is terminal and returned.
	returned bool

	// observed is set when a Wait or callback has seen the terminal status.
	observed bool

	// staged holds a batch copied at submission. Jobs with a deadline are
	// staged early so that the backend never reads caller buffers after the
	// job has timed out; their borrows end with the terminal status.
	staged *backend.Batch
	commit func()

	// aborting marks a running job whose runner is closing. The worker
	// finishes it with FAILURE once the backend has returned.
	aborting bool

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

func (j *job) info() JobInfo {
	info := JobInfo{
		ID:          j.id,
		Mode:        j.mode,
		Status:      j.status,
		Result:      j.result,
		Error:       j.errMsg,
		Batch:       j.batch,
		SubmittedAt: j.submittedAt,
	}
	if j.timeout > 0 {
		info.Timeout = j.timeout.String()
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		info.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		info.FinishedAt = &t
	}
	return info
}

func (j *job) record(runnerID, backendName, modelName string) *model.JobRecord {
	r := &model.JobRecord{
		RunnerID:    runnerID,
		JobID:       j.id,
		Backend:     backendName,
		Model:       modelName,
		Mode:        j.mode,
		Status:      j.status,
		Result:      j.result,
		Batch:       j.batch,
		Error:       j.errMsg,
		SubmittedAt: j.submittedAt.UTC(),
	}
	if j.timeout > 0 {
		ms := int(j.timeout.Milliseconds())
		r.TimeoutMS = &ms
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt.UTC()
		r.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt.UTC()
		r.FinishedAt = &t
		ms := int(j.finishedAt.Sub(j.submittedAt).Milliseconds())
		r.DurationMS = &ms
	}
	return r
}

// Execute runs one batch synchronously. Synchronous executions draw ids
// from the same sequence as asynchronous jobs and are retired on return.
func (e *Engine) Execute(inputs, outputs [][]*tensor.Tensor) StatusCode {
	j, code := e.submit(inputs, outputs, model.ModeSync, nil, 0)
	if j == nil {
		return code
	}
	<-j.done

	e.mu.Lock()
	j.observed = true
	result := j.result
	e.mu.Unlock()

	e.Release(j.id)
	return result
}

// ExecuteAsync submits a poll-form job.
func (e *Engine) ExecuteAsync(inputs, outputs [][]*tensor.Tensor) JobHandle {
	j, code := e.submit(inputs, outputs, model.ModePoll, nil, 0)
	if j == nil {
		return JobHandle{Status: code}
	}
	return JobHandle{Status: code, JobID: j.id}
}

// ExecuteAsyncCallback submits a callback-form job. The returned status is
// the submission result; a submission failure is also delivered to cb.
func (e *Engine) ExecuteAsyncCallback(inputs, outputs [][]*tensor.Tensor, cb ExecuteAsyncCallback, timeout time.Duration) StatusCode {
	_, code := e.submit(inputs, outputs, model.ModeCallback, cb, timeout)
	return code
}

// Wait blocks up to timeout for a job to become terminal.
func (e *Engine) Wait(h JobHandle, timeout time.Duration) StatusCode {
	e.mu.Lock()
	j, ok := e.jobs.Get(h.JobID)
	if !ok {
		e.mu.Unlock()
		return InvalidInput
	}
	if j.status.Terminal() {
		j.observed = true
		result := j.result
		e.mu.Unlock()
		return result
	}
	done := j.done
	e.mu.Unlock()

	if timeout <= 0 {
		return Timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return Timeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	j.observed = true
	return j.result
}

// Release removes a terminal job from the table.
func (e *Engine) Release(jobID uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs.Get(jobID)
	if !ok || !j.status.Terminal() {
		return false
	}
	e.retire(j)
	return true
}

// submit validates a request and starts its worker. A rejected request still
// gets a job, recorded as SUBMIT_FAILED; only a closed engine returns nil.
func (e *Engine) submit(inputs, outputs [][]*tensor.Tensor, mode string, cb ExecuteAsyncCallback, timeout time.Duration) (*job, StatusCode) {
	code, verr := e.validate(inputs, outputs)
	if timeout < 0 {
		code, verr = InvalidInput, fmt.Errorf("negative timeout %s", timeout)
	}
	var staged *backend.Batch
	var commit func()
	if code == Success && timeout > 0 {
		batch, c := e.stage(inputs, outputs, true)
		staged, commit = &batch, c
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		if cb != nil {
			go cb(Failure)
		}
		return nil, Failure
	}

	id := e.nextID
	e.nextID++
	jobsSubmittedTotal.WithLabelValues(e.caps.Name, mode).Inc()

	j := &job{
		id:          id,
		mode:        mode,
		batch:       len(inputs),
		timeout:     timeout,
		status:      model.JobPending,
		cb:          cb,
		done:        make(chan struct{}),
		submittedAt: now,
		staged:      staged,
		commit:      commit,
	}

	if !e.makeRoom() {
		code, verr = OutOfMemory, fmt.Errorf("job table full (%d unfinished jobs)", e.jobs.Len())
	}
	if code == Success && e.cfg.CheckBorrows {
		if err := e.borrows.Acquire(id, borrowsOf(inputs, outputs)); err != nil {
			var conflict *device.ConflictError
			code, verr = InvalidInput, err
			if errors.As(err, &conflict) && conflict.Exclusive {
				code = InvalidOutput
			}
		}
	}

	if code != Success {
		e.rejectLocked(j, code, verr, now)
		return j, code
	}

	// The deadline is enforced by expire, which cancels ctx.
	j.ctx, j.cancel = context.WithCancel(e.ctx)
	if timeout > 0 {
		j.timer = time.AfterFunc(timeout, func() { e.expire(j) })
	}
	e.jobs.Set(id, j)
	jobsInFlight.WithLabelValues(e.caps.Name).Inc()
	e.publish(j, now)

	e.wg.Go(func() { e.run(j, inputs, outputs) })
	return j, Success
}

// rejectLocked records a submission failure as a terminal SUBMIT_FAILED job
// and delivers it to the callback, if any.
func (e *Engine) rejectLocked(j *job, code StatusCode, err error, now time.Time) {
	j.status = model.JobSubmitFailed
	j.result = code
	j.finishedAt = now
	j.returned = true
	if err != nil {
		j.errMsg = err.Error()
	}
	close(j.done)

	e.logger.Warn("submission rejected", "job_id", j.id, "mode", j.mode, "status", code, "error", j.errMsg)
	jobsFinishedTotal.WithLabelValues(e.caps.Name, j.mode, code.String()).Inc()

	inserted := e.jobs.Len() < e.cfg.MaxJobs
	if inserted {
		e.jobs.Set(j.id, j)
	}
	e.publish(j, now)
	if inserted {
		e.events.Close(j.id)
	} else {
		// Nothing will retire the job, so no marker is kept.
		e.events.Forget(j.id)
	}
	e.deliver(j)

	if e.cfg.Journal != nil {
		rec := j.record(e.id, e.caps.Name, e.manifest.Name)
		e.wg.Go(func() {
			if err := e.cfg.Journal.CreateJob(context.Background(), rec); err != nil {
				e.logger.Error("failed to journal job", "job_id", rec.JobID, "error", err)
			}
		})
	}
}

// run is the worker for one job.
func (e *Engine) run(j *job, inputs, outputs [][]*tensor.Tensor) {
	e.mu.Lock()
	rec := j.record(e.id, e.caps.Name, e.manifest.Name)
	e.mu.Unlock()
	e.journal(rec, true)

	defer func() {
		e.mu.Lock()
		j.returned = true
		e.releaseBorrows(j)
		rec := j.record(e.id, e.caps.Name, e.manifest.Name)
		e.mu.Unlock()
		j.cancel()
		e.journal(rec, false)
	}()

	if err := e.sem.Acquire(j.ctx, 1); err != nil {
		// Timed out or shut down while pending; already terminal.
		return
	}
	defer e.sem.Release(1)

	e.mu.Lock()
	if j.status.Terminal() {
		e.mu.Unlock()
		return
	}
	j.status = model.JobRunning
	j.startedAt = time.Now()
	e.publish(j, j.startedAt)
	e.mu.Unlock()

	var batch backend.Batch
	var commit func()
	if j.staged != nil {
		batch, commit = *j.staged, j.commit
	} else {
		batch, commit = e.stage(inputs, outputs, false)
	}
	err := e.invoke(j.ctx, batch)
	code := backend.StatusOf(err)

	e.mu.Lock()
	if j.status.Terminal() {
		e.mu.Unlock()
		return
	}
	if j.aborting {
		j.returned = true
		e.terminate(j, model.JobFailed, Failure, "runner closed", time.Now())
		e.mu.Unlock()
		return
	}
	j.claimed = true
	if j.timer != nil {
		j.timer.Stop()
	}
	e.mu.Unlock()

	if code == Success {
		commit()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	j.returned = true
	msg := ""
	if err != nil {
		msg = err.Error()
		e.logger.Warn("job failed", "job_id", j.id, "status", code, "error", err)
	}
	e.terminate(j, model.JobStatusFor(code), code, msg, time.Now())
}

// invoke calls the backend, converting a panic into RUNTIME_ERROR.
func (e *Engine) invoke(ctx context.Context, b backend.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backend.Errorf(RuntimeError, "backend panic: %v", r)
		}
	}()
	return e.backend.Execute(ctx, b)
}

// expire is the deadline of a callback-form job.
func (e *Engine) expire(j *job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if j.status.Terminal() || j.claimed {
		return
	}
	e.terminate(j, model.JobTimedOut, Timeout, fmt.Sprintf("deadline of %s exceeded", j.timeout), time.Now())
}

// terminate moves j to a terminal status, cancels its context and queues the
// callback. Callers hold e.mu.
func (e *Engine) terminate(j *job, status JobStatus, code StatusCode, msg string, now time.Time) {
	if !model.ValidTransition(j.status, status) {
		e.logger.Error("invalid job transition", "job_id", j.id, "from", j.status, "to", status)
		return
	}
	j.status = status
	j.result = code
	j.errMsg = msg
	j.finishedAt = now
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
	close(j.done)

	jobsInFlight.WithLabelValues(e.caps.Name).Dec()
	jobsFinishedTotal.WithLabelValues(e.caps.Name, j.mode, code.String()).Inc()
	jobDuration.WithLabelValues(e.caps.Name, j.mode).Observe(now.Sub(j.submittedAt).Seconds())
	e.logger.Debug("job finished", "job_id", j.id, "mode", j.mode, "status", code)

	e.publish(j, now)
	e.events.Close(j.id)
	e.releaseBorrows(j)
	e.deliver(j)
}

// deliver posts the callback of a terminal job. Each job's callback is
// taken exactly once.
func (e *Engine) deliver(j *job) {
	if j.cb == nil {
		return
	}
	cb, code := j.cb, j.result
	j.cb = nil
	j.observed = true
	e.dispatch.post(func() {
		callbacksDeliveredTotal.WithLabelValues(e.caps.Name, code.String()).Inc()
		cb(code)
	})
}

func (e *Engine) releaseBorrows(j *job) {
	if j.status.Terminal() && (j.returned || j.staged != nil) && e.cfg.CheckBorrows {
		e.borrows.Release(j.id)
	}
}

func (e *Engine) publish(j *job, now time.Time) {
	e.events.Publish(Event{
		RunnerID: e.id,
		JobID:    j.id,
		Mode:     j.mode,
		Status:   j.status,
		Result:   j.result,
		Time:     now.UTC(),
	})
}

func (e *Engine) journal(rec *model.JobRecord, create bool) {
	if e.cfg.Journal == nil {
		return
	}
	var err error
	if create {
		err = e.cfg.Journal.CreateJob(context.Background(), rec)
	} else {
		err = e.cfg.Journal.UpdateJob(context.Background(), rec)
	}
	if err != nil {
		e.logger.Error("failed to journal job", "job_id", rec.JobID, "error", err)
	}
}

// makeRoom evicts terminal jobs until the table has a free slot. It prefers
// the oldest job whose status was already observed, then the oldest
// terminal job. It reports false when every slot holds an unfinished job.
func (e *Engine) makeRoom() bool {
	for e.jobs.Len() >= e.cfg.MaxJobs {
		var victim, fallback *job
		for pair := e.jobs.Oldest(); pair != nil; pair = pair.Next() {
			j := pair.Value
			if !j.status.Terminal() {
				continue
			}
			if j.observed {
				victim = j
				break
			}
			if fallback == nil {
				fallback = j
			}
		}
		if victim == nil {
			victim = fallback
		}
		if victim == nil {
			return false
		}
		e.retire(victim)
	}
	return true
}

func (e *Engine) retire(j *job) {
	e.jobs.Delete(j.id)
	e.events.Forget(j.id)
}

func borrowsOf(inputs, outputs [][]*tensor.Tensor) []device.Borrow {
	var borrows []device.Borrow
	for _, row := range inputs {
		for _, t := range row {
			borrows = append(borrows, device.Borrow{Name: t.Info().Name, Data: t.Buffer(t.MemoryType())})
		}
	}
	for _, row := range outputs {
		for _, t := range row {
			borrows = append(borrows, device.Borrow{Name: t.Info().Name, Data: t.Buffer(t.MemoryType()), Exclusive: true})
		}
	}
	return borrows
}
