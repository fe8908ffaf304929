// Package executor implements the task executor: a capacity-bound
// executor queue distinct from the scheduler's ready queue, out-of-
// process child spawn with a stdin/stdout JSON protocol, graceful
// timeout-then-kill, resource polling via gopsutil, and retry with
// jittered exponential backoff.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/codes"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
	pkgmetrics "github.com/linkflow-go/pkg/metrics"
	"github.com/linkflow-go/pkg/telemetry"
)

// StdinPayload is the single JSON object written to the worker
// process's stdin.
type StdinPayload struct {
	Task   string      `json:"task"`
	Worker string      `json:"worker"`
	Input  interface{} `json:"input"`
}

// StdoutPayload is the optional structured result a well-behaved worker
// process writes to stdout.
type StdoutPayload struct {
	Result       interface{}            `json:"result"`
	Artifacts    map[string]interface{} `json:"artifacts"`
	Metadata     map[string]interface{} `json:"metadata"`
	Quality      *float64               `json:"quality"`
	Completeness *float64               `json:"completeness"`
	Accuracy     *float64               `json:"accuracy"`
}

type Config struct {
	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
	KillTimeout        time.Duration
	ResourcePollEvery  time.Duration
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
	MemoryLimitBytes   uint64
	CPULimitPercent    float64
	Command            string // reference worker-process binary; e.g. "/usr/bin/env"
	Args               []string
}

// Job is one accepted task execution request.
type Job struct {
	Task         *types.Task
	WorkerID     string
	BreakerScope string
	Attempt      int
}

type Outcome struct {
	Result *types.TaskResult
	Err    error
}

// Executor runs a capacity-bound pool: at most MaxConcurrentTasks run
// concurrently; excess jobs wait in an executor queue distinct from the
// scheduler's ready queue.
type Executor struct {
	cfg Config
	log logger.Logger
	sem chan struct{}

	mu         sync.Mutex
	queueDepth int

	breakerAllow func(scope string) (func(success bool), error)
	tracer       *telemetry.Telemetry
}

func New(cfg Config, log logger.Logger) *Executor {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	return &Executor{
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, cfg.MaxConcurrentTasks),
		tracer: telemetry.NewNop(),
	}
}

// SetBreakerGate wires the circuit-breaker admit function applied per
// worker:<id> scope before each run.
func (e *Executor) SetBreakerGate(fn func(scope string) (func(success bool), error)) {
	e.breakerAllow = fn
}

// SetTracer wires a real tracer for the run span. Defaults to a
// no-op tracer when never called.
func (e *Executor) SetTracer(t *telemetry.Telemetry) {
	if t == nil {
		return
	}
	e.tracer = t
}

// QueueDepth reports the current executor-queue depth: jobs accepted
// but waiting on executor capacity, as opposed to dependency-blocked
// tasks in the scheduler's ready queue.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueDepth
}

// Run executes job, blocking on executor capacity first, then racing
// the child process against the task timeout, retrying on retryable
// failures.
func (e *Executor) Run(ctx context.Context, job Job) Outcome {
	ctx, span := e.tracer.StartSpan(ctx, "executor.run")
	span.SetAttributes(
		telemetry.TaskIDAttribute(job.Task.ID),
		telemetry.WorkerIDAttribute(job.WorkerID),
	)
	defer span.End()

	e.adjustQueueDepth(1)

	select {
	case e.sem <- struct{}{}:
		e.adjustQueueDepth(-1)
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.adjustQueueDepth(-1)
		err := coorderrors.New(coorderrors.Cancelled, job.Task.ID, ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled waiting for executor capacity")
		return Outcome{Err: err}
	}

	var doneFn func(bool)
	if e.breakerAllow != nil && job.BreakerScope != "" {
		fn, err := e.breakerAllow(job.BreakerScope)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "breaker denied run")
			return Outcome{Err: err}
		}
		doneFn = fn
	}

	outcome := e.runAttempts(ctx, job)

	if doneFn != nil {
		doneFn(outcome.Err == nil)
	}
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, "run failed")
	}
	return outcome
}

func (e *Executor) adjustQueueDepth(delta int) {
	e.mu.Lock()
	e.queueDepth += delta
	depth := e.queueDepth
	e.mu.Unlock()
	pkgmetrics.QueueDepth.WithLabelValues("executor").Set(float64(depth))
}

func (e *Executor) runAttempts(ctx context.Context, job Job) Outcome {
	maxRetries := job.Task.MaxRetries
	var last Outcome

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		last = e.runOnce(ctx, job, attempt)
		if last.Err == nil {
			return last
		}
		if !retryable(last.Err) || attempt > maxRetries {
			return last
		}
		delay := jitteredBackoff(e.cfg.RetryBackoffBase, e.cfg.RetryBackoffMax, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Outcome{Err: coorderrors.New(coorderrors.Cancelled, job.Task.ID, ctx.Err())}
		}
	}
	return last
}

func retryable(err error) bool {
	return coorderrors.KindOf(err).Retryable()
}

func jitteredBackoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)*3/10 + 1))
	return d - jitter
}

// runOnce spawns the child, pipes stdin, races against timeout, polls
// resources, and parses the result.
func (e *Executor) runOnce(ctx context.Context, job Job, attempt int) Outcome {
	timeout := job.Task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := e.cfg.Command
	if command == "" {
		command = "/bin/cat"
	}
	cmd := exec.CommandContext(execCtx, command, e.cfg.Args...)
	// Graceful stop on timeout/cancel: send an interrupt first and give
	// the child kill_timeout to exit before Wait force-kills it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cfg.KillTimeout

	stdin := StdinPayload{Task: job.Task.ID, Worker: job.WorkerID, Input: job.Task.Payload}
	stdinBytes, err := json.Marshal(stdin)
	if err != nil {
		return Outcome{Err: coorderrors.New(coorderrors.SystemError, job.Task.ID, err)}
	}
	cmd.Stdin = bytes.NewReader(stdinBytes)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{Err: coorderrors.New(coorderrors.ExecutionFailure, job.Task.ID, err)}
	}

	resourceDone := make(chan struct{})
	var resourceErr error
	if e.cfg.ResourcePollEvery > 0 && cmd.Process != nil {
		go e.pollResources(execCtx, cmd.Process.Pid, resourceDone, &resourceErr, cancel)
	}

	waitErr := cmd.Wait()
	close(resourceDone)

	if resourceErr != nil {
		return Outcome{Err: resourceErr}
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return Outcome{Err: coorderrors.New(coorderrors.Timeout, job.Task.ID, execCtx.Err())}
	}

	if waitErr != nil {
		return Outcome{Err: coorderrors.New(coorderrors.ExecutionFailure, job.Task.ID, fmtStderr(waitErr, stderr.String()))}
	}

	return Outcome{Result: parseResult(stdout.Bytes())}
}

// pollResources checks child RSS/CPU every ResourcePollEvery; memory
// over limit cancels as ResourceExceeded, cpu over limit only warns.
func (e *Executor) pollResources(ctx context.Context, pid int, done <-chan struct{}, outErr *error, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.ResourcePollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc, err := process.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			memInfo, err := proc.MemoryInfo()
			if err == nil && memInfo != nil && e.cfg.MemoryLimitBytes > 0 && memInfo.RSS > e.cfg.MemoryLimitBytes {
				*outErr = coorderrors.New(coorderrors.ResourceExceeded, "memory limit exceeded", nil)
				cancel()
				return
			}
			cpuPct, err := proc.CPUPercent()
			if err == nil && e.cfg.CPULimitPercent > 0 && cpuPct > e.cfg.CPULimitPercent {
				e.log.Warn("child process exceeds cpu limit", "pid", pid, "cpu_percent", cpuPct)
			}
		}
	}
}

func parseResult(stdout []byte) *types.TaskResult {
	var payload StdoutPayload
	if err := json.Unmarshal(stdout, &payload); err == nil && payload.Result != nil {
		quality, completeness, accuracy := 0.8, 1.0, 0.9
		if payload.Quality != nil {
			quality = *payload.Quality
		}
		if payload.Completeness != nil {
			completeness = *payload.Completeness
		}
		if payload.Accuracy != nil {
			accuracy = *payload.Accuracy
		}
		return &types.TaskResult{
			Result:       payload.Result,
			Artifacts:    payload.Artifacts,
			Metadata:     payload.Metadata,
			Quality:      quality,
			Completeness: completeness,
			Accuracy:     accuracy,
		}
	}

	// exit=0 but not parseable JSON: raw text result, quality=0.5.
	return &types.TaskResult{
		Result:       string(stdout),
		Quality:      0.5,
		Completeness: 1.0,
		Accuracy:     0.5,
	}
}

func fmtStderr(waitErr error, stderr string) error {
	if stderr == "" {
		return waitErr
	}
	return &stderrWrap{cause: waitErr, stderr: stderr}
}

type stderrWrap struct {
	cause  error
	stderr string
}

func (s *stderrWrap) Error() string { return s.cause.Error() + ": " + s.stderr }
func (s *stderrWrap) Unwrap() error { return s.cause }
