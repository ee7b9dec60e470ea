package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/seantiz/npurt/internal/config"
	"github.com/seantiz/npurt/internal/engine"
	"github.com/seantiz/npurt/internal/model"
	"github.com/seantiz/npurt/internal/tensor"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [MODEL]",
		Short: "Submit jobs with generated inputs and report their results",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHandler,
	}
	flags := cmd.Flags()
	flags.IntP("jobs", "n", 4, "number of jobs to submit")
	flags.Int("batch", 1, "batch items per job")
	flags.String("mode", model.ModePoll, "execution mode: sync, poll or callback")
	flags.String("type", "cpu", "tensor type of inputs and outputs: cpu or hw")
	flags.Duration("timeout", 10*time.Second, "per-job wait or execution timeout")
	return cmd
}

type runOptions struct {
	jobs    int
	batch   int
	mode    string
	typ     tensor.Type
	timeout time.Duration
}

type runResult struct {
	jobID    uint32
	status   string
	code     engine.StatusCode
	duration time.Duration
}

func runHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	var opts runOptions
	opts.jobs, _ = flags.GetInt("jobs")
	opts.batch, _ = flags.GetInt("batch")
	opts.mode, _ = flags.GetString("mode")
	opts.timeout, _ = flags.GetDuration("timeout")
	rawType, _ := flags.GetString("type")
	if opts.typ, err = tensor.ParseType(strings.ToUpper(rawType)); err != nil {
		return err
	}
	if opts.jobs < 1 {
		return errors.New("--jobs must be positive")
	}
	switch opts.mode {
	case model.ModeSync, model.ModePoll, model.ModeCallback:
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	modelPath := cfg.ModelPath
	if len(args) > 0 {
		modelPath = args[0]
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	runner, err := openRunner(cmd.Context(), cfg, modelPath, logger, nil)
	if err != nil {
		return err
	}
	defer runner.Close()

	if opts.batch < 1 || opts.batch > runner.BatchSize() {
		return fmt.Errorf("--batch must be in 1..%d", runner.BatchSize())
	}

	results := runJobs(runner, opts)
	writeResults(cmd.OutOrStdout(), results)

	for _, r := range results {
		if r.code != engine.Success {
			return fmt.Errorf("%d of %d jobs failed", countFailed(results), len(results))
		}
	}
	return nil
}

func runJobs(runner *engine.Engine, opts runOptions) []runResult {
	results := make([]runResult, opts.jobs)
	var held [][]byte
	defer func() {
		for _, buf := range held {
			runner.Arena().Free(buf)
		}
	}()

	// prepared reports whether job n has tensors; otherwise its result is
	// already recorded.
	prepared := func(n int) ([][]*tensor.Tensor, [][]*tensor.Tensor, bool) {
		in, out, err := newJobTensors(runner, opts, n, &held)
		if err != nil {
			results[n] = runResult{status: string(model.JobSubmitFailed), code: engine.OutOfMemory}
			return nil, nil, false
		}
		return in, out, true
	}

	switch opts.mode {
	case model.ModeSync:
		for n := range results {
			in, out, ok := prepared(n)
			if !ok {
				continue
			}
			start := time.Now()
			code := runner.Execute(in, out)
			results[n] = runResult{status: string(model.JobStatusFor(code)), code: code, duration: time.Since(start)}
		}

	case model.ModeCallback:
		// Submission failures are delivered to the callback as well.
		done := make(chan struct{}, opts.jobs)
		submitted := make([]engine.StatusCode, opts.jobs)
		pending := 0
		for n := range results {
			in, out, ok := prepared(n)
			if !ok {
				submitted[n] = engine.OutOfMemory
				continue
			}
			pending++
			start := time.Now()
			submitted[n] = runner.ExecuteAsyncCallback(in, out, func(code engine.StatusCode) {
				results[n] = runResult{status: string(model.JobStatusFor(code)), code: code, duration: time.Since(start)}
				done <- struct{}{}
			}, opts.timeout)
		}
		for range pending {
			<-done
		}
		for n, code := range submitted {
			if code != engine.Success {
				results[n].status = string(model.JobSubmitFailed)
			}
		}

	default:
		handles := make([]engine.JobHandle, opts.jobs)
		for n := range handles {
			in, out, ok := prepared(n)
			if !ok {
				continue
			}
			handles[n] = runner.ExecuteAsync(in, out)
		}
		for n, h := range handles {
			if results[n].status != "" {
				continue
			}
			if h.Status != engine.Success {
				results[n] = runResult{jobID: h.JobID, status: string(model.JobSubmitFailed), code: h.Status}
				runner.Release(h.JobID)
				continue
			}
			code := runner.Wait(h, opts.timeout)
			results[n] = runResult{jobID: h.JobID, status: string(model.JobStatusFor(code)), code: code}
			if info, ok := runner.Job(h.JobID); ok {
				results[n].status = string(info.Status)
				if info.StartedAt != nil && info.FinishedAt != nil {
					results[n].duration = info.FinishedAt.Sub(*info.StartedAt)
				}
			}
			runner.Release(h.JobID)
		}
	}
	return results
}

// newJobTensors builds the tensors for one job. Inputs carry a pattern that
// differs per job so outputs can be told apart. HW tensors live in device
// memory drawn from the runner's arena; the allocations are appended to held.
func newJobTensors(runner *engine.Engine, opts runOptions, n int, held *[][]byte) (inputs, outputs [][]*tensor.Tensor, err error) {
	alloc := func(size uint64) ([]byte, tensor.MemoryType, error) {
		if opts.typ != tensor.TypeHW {
			return make([]byte, size), tensor.MemoryHost, nil
		}
		arena := runner.Arena()
		if arena == nil {
			return make([]byte, size), tensor.MemoryDevice, nil
		}
		buf, err := arena.Alloc(int(size))
		if err != nil {
			return nil, 0, err
		}
		*held = append(*held, buf)
		return buf, tensor.MemoryDevice, nil
	}

	inputs = make([][]*tensor.Tensor, opts.batch)
	outputs = make([][]*tensor.Tensor, opts.batch)
	for b := range opts.batch {
		for _, info := range runner.TensorsInfo(tensor.DirectionInput, opts.typ) {
			buf, mem, err := alloc(info.SizeInBytes)
			if err != nil {
				return nil, nil, err
			}
			fillPattern(info.DataType, buf, n+b)
			inputs[b] = append(inputs[b], tensor.New(info, buf, mem, opts.typ))
		}
		for _, info := range runner.TensorsInfo(tensor.DirectionOutput, opts.typ) {
			buf, mem, err := alloc(info.SizeInBytes)
			if err != nil {
				return nil, nil, err
			}
			outputs[b] = append(outputs[b], tensor.New(info, buf, mem, opts.typ))
		}
	}
	return inputs, outputs, nil
}

func fillPattern(dt tensor.DataType, buf []byte, seed int) {
	if dt == tensor.DataTypeFloat32 {
		for i := 0; i+4 <= len(buf); i += 4 {
			v := float32((i/4+seed)%16) / 4
			binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(v))
		}
		return
	}
	// Small non-negative values stay finite for every 16-bit float format.
	for i := range buf {
		buf[i] = byte((i + seed) % 8)
	}
}

func countFailed(results []runResult) int {
	n := 0
	for _, r := range results {
		if r.code != engine.Success {
			n++
		}
	}
	return n
}

func writeResults(w io.Writer, results []runResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "JOB", "STATUS", "RESULT", "DURATION"})
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for n, r := range results {
		job := "-"
		if r.jobID != 0 {
			job = fmt.Sprint(r.jobID)
		}
		table.Append([]string{fmt.Sprint(n), job, r.status, r.code.String(), r.duration.Round(time.Microsecond).String()})
	}
	table.Render()
	fmt.Fprintf(w, "%d jobs, %d failed\n", len(results), countFailed(results))
}
