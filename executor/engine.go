package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/bruno/config"
	"github.com/isdmx/bruno/job"
	"github.com/isdmx/bruno/policy"
	"github.com/isdmx/bruno/sandbox"
)

// notificationBuffer is the capacity of the lifecycle event channel
const notificationBuffer = 256

// Option defines a functional option for the Engine
type Option func(*Engine)

// WithCommandRunner sets the CommandRunner used for shell dispatch
func WithCommandRunner(runner sandbox.CommandRunner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithFileSystem sets the FileSystem used for file and script dispatch
func WithFileSystem(fs sandbox.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fs
	}
}

// Engine runs jobs through the sandboxed execution lifecycle. It is
// constructed once per process with its policy engine and sandbox manager
// injected, and shut down once through Shutdown.
type Engine struct {
	logger    *zap.Logger
	cfg       *config.Config
	policy    *policy.Engine
	sandboxes *sandbox.Manager
	runner    sandbox.CommandRunner
	fs        sandbox.FileSystem

	mu            sync.Mutex
	maxConcurrent int
	active        map[string]*job.ExecutionContext
	history       map[string]job.Result
	historyOrder  []string
	closed        bool

	shutdownOnce         sync.Once
	notifications        chan Notification
	droppedNotifications atomic.Int64
}

// New creates an engine with default seam implementations
func New(logger *zap.Logger, cfg *config.Config, pol *policy.Engine, manager *sandbox.Manager, opts ...Option) *Engine {
	e := &Engine{
		logger:        logger,
		cfg:           cfg,
		policy:        pol,
		sandboxes:     manager,
		runner:        &sandbox.RealCommandRunner{},
		fs:            &sandbox.RealFileSystem{},
		maxConcurrent: cfg.Engine.MaxConcurrentJobs,
		active:        make(map[string]*job.ExecutionContext),
		history:       make(map[string]job.Result),
		notifications: make(chan Notification, notificationBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one job through the full lifecycle and always returns a
// Result; it never panics past this boundary.
func (e *Engine) Execute(ctx context.Context, j job.Job) (res job.Result) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("panic during job execution",
				zap.String("job_id", j.ID),
				zap.Any("panic", p))
			res = e.failure(j.ID, start, fmt.Errorf("%w: %v", ErrRuntimeFailure, p), nil)
			e.record(res)
			e.notify(j.ID, PhaseFailed, &res)
		}
	}()

	if err := j.Validate(); err != nil {
		res = e.failure(j.ID, start, err, nil)
		e.finishRejected(res)
		return res
	}

	// Step 1: policy validation. No sandbox exists yet.
	decision := e.policy.ValidateJob(j)
	if !decision.Allowed {
		res = e.failure(j.ID, start, ErrPolicyViolation, decision.Violations)
		res.SecurityEvents = decision.Events
		e.finishRejected(res)
		return res
	}

	// Step 2 + 3: admission control and context registration.
	execCtx := e.buildContext(j, start)
	if err := e.admit(execCtx); err != nil {
		res = e.failure(j.ID, start, err, nil)
		e.finishRejected(res)
		return res
	}
	defer e.releaseSlot(j.ID)

	e.notify(j.ID, PhaseStarted, nil)
	e.logger.Info("job started",
		zap.String("job_id", j.ID),
		zap.String("kind", string(j.Spec.Kind())))

	// Steps 4-5: sandbox acquisition and dispatch.
	res = e.runSandboxed(ctx, j, execCtx)
	res.Duration = time.Since(start)

	// Step 6: record and emit the terminal event.
	e.record(res)
	if res.Status == job.StatusSuccess {
		e.notify(j.ID, PhaseCompleted, &res)
	} else {
		e.notify(j.ID, PhaseFailed, &res)
	}
	e.logger.Info("job finished",
		zap.String("job_id", j.ID),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration))
	return res
}

// runSandboxed acquires a sandbox, dispatches the job, and guarantees the
// sandbox is destroyed exactly once, panics included.
func (e *Engine) runSandboxed(ctx context.Context, j job.Job, execCtx *job.ExecutionContext) (res job.Result) {
	sb, err := e.sandboxes.Create(ctx, execCtx)
	if err != nil {
		if errors.Is(err, sandbox.ErrWorkdirEscape) {
			return e.failure(j.ID, execCtx.StartTime, fmt.Errorf("%w: %v", ErrPathTraversal, err), nil)
		}
		return e.failure(j.ID, execCtx.StartTime, fmt.Errorf("%w: sandbox acquisition: %v", ErrRuntimeFailure, err), nil)
	}
	defer func() {
		// Teardown failures are logged; they never override the result.
		if destroyErr := e.sandboxes.Destroy(context.Background(), sb.ID); destroyErr != nil {
			e.logger.Warn("sandbox teardown failed",
				zap.String("job_id", j.ID),
				zap.String("sandbox_id", sb.ID),
				zap.Error(destroyErr))
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("panic during dispatch",
				zap.String("job_id", j.ID),
				zap.Any("panic", p))
			res = e.failure(j.ID, execCtx.StartTime, fmt.Errorf("%w: %v", ErrRuntimeFailure, p), nil)
		}
	}()

	execCtx.SandboxID = sb.ID
	execCtx.Env["BRUNO_SANDBOX_ID"] = sb.ID
	execCtx.WorkDir = sb.WorkDir

	return e.dispatch(ctx, j, execCtx, sb)
}

// buildContext assembles the per-run state: merged environment, copied
// permissions, and effective resource limits.
func (e *Engine) buildContext(j job.Job, start time.Time) *job.ExecutionContext {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout()
	}

	return &job.ExecutionContext{
		JobID:     j.ID,
		StartTime: start,
		WorkDir:   j.WorkDir,
		Env: job.MergeEnv(e.cfg.Engine.Environment, j.Env, map[string]string{
			"BRUNO_JOB_ID": j.ID,
		}),
		Permissions: j.Permissions.Clone(),
		Limits: job.ResourceLimits{
			CPUPercent: e.cfg.Engine.CPUPercent,
			MemoryMB:   e.cfg.Engine.MemoryMB,
			DiskMB:     e.cfg.Engine.DiskMB,
			Network:    e.cfg.Engine.NetworkEnabled || j.Permissions.Has(job.CapNetwork),
			Timeout:    timeout,
		},
	}
}

// admit registers the context in the active set if the concurrency cap
// allows it. The check and the insert are one critical section so the cap
// holds under parallel submissions.
func (e *Engine) admit(execCtx *job.ExecutionContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if len(e.active) >= e.maxConcurrent {
		return ErrConcurrencyLimit
	}
	if _, dup := e.active[execCtx.JobID]; dup {
		return fmt.Errorf("job %s is already running", execCtx.JobID)
	}
	e.active[execCtx.JobID] = execCtx
	return nil
}

func (e *Engine) releaseSlot(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

// finishRejected records a pre-sandbox rejection and emits its terminal
// event. Rejected jobs never produce a started notification.
func (e *Engine) finishRejected(res job.Result) {
	e.record(res)
	e.notify(res.JobID, PhaseFailed, &res)
	e.logger.Warn("job rejected",
		zap.String("job_id", res.JobID),
		zap.String("error", res.Err))
}

func (e *Engine) failure(jobID string, start time.Time, err error, violations []job.Violation) job.Result {
	return job.Result{
		JobID:      jobID,
		Status:     job.StatusFailure,
		ExitCode:   -1,
		Err:        err.Error(),
		Duration:   time.Since(start),
		Violations: violations,
	}
}

// record appends the result to history, trimming the oldest entries past
// the configured limit.
func (e *Engine) record(res job.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.history[res.JobID]; !exists {
		e.historyOrder = append(e.historyOrder, res.JobID)
	}
	e.history[res.JobID] = res

	limit := e.cfg.Engine.HistoryLimit
	if limit > 0 && len(e.historyOrder) > limit {
		evicted := e.historyOrder[:len(e.historyOrder)-limit]
		e.historyOrder = e.historyOrder[len(e.historyOrder)-limit:]
		for _, id := range evicted {
			delete(e.history, id)
		}
	}
}

// ActiveJobs returns the ids of jobs currently executing
func (e *Engine) ActiveJobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// JobHistory returns the stored result for one job id
func (e *Engine) JobHistory(jobID string) (job.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.history[jobID]
	return res, ok
}

// History returns all stored results, oldest first
func (e *Engine) History() []job.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]job.Result, 0, len(e.historyOrder))
	for _, id := range e.historyOrder {
		out = append(out, e.history[id])
	}
	return out
}

// ClearHistory empties the result history
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = make(map[string]job.Result)
	e.historyOrder = nil
}

// SecurityEvents returns the most recent audit events, newest first
func (e *Engine) SecurityEvents(limit int) []job.SecurityEvent {
	return e.policy.SecurityEvents(limit)
}

// SetMaxConcurrentJobs changes the admission cap at runtime. Jobs already
// running are unaffected.
func (e *Engine) SetMaxConcurrentJobs(n int) error {
	if n <= 0 {
		return fmt.Errorf("max concurrent jobs must be positive, got %d", n)
	}
	e.mu.Lock()
	e.maxConcurrent = n
	e.mu.Unlock()
	return nil
}

// Shutdown refuses new submissions and drains every live sandbox. It is
// idempotent; the process signal path and explicit callers can both invoke
// it safely.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.sandboxes.DestroyAll(ctx)
		e.logger.Info("engine shut down",
			zap.Int64("dropped_notifications", e.droppedNotifications.Load()))
	})
}
