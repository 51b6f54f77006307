package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/bruno/job"
	"github.com/isdmx/bruno/sandbox"
)

// dispatch routes the job to its kind-specific handler. The Spec union is
// sealed, so the type switch covers every kind; the default arm only fires
// for a spec type added without a handler.
func (e *Engine) dispatch(ctx context.Context, j job.Job, execCtx *job.ExecutionContext, sb *sandbox.Sandbox) job.Result {
	switch spec := j.Spec.(type) {
	case job.ShellSpec:
		return e.runShell(ctx, j.ID, execCtx, sb, spec.Command)
	case job.ScriptSpec:
		return e.runScript(ctx, j.ID, execCtx, sb, spec)
	case job.FileSpec:
		return e.runFile(j.ID, execCtx, sb, spec)
	case job.APISpec:
		return e.runAPI(j.ID, execCtx, spec)
	case job.DatabaseSpec:
		return e.runDatabase(j.ID, execCtx, spec)
	default:
		return e.failure(j.ID, execCtx.StartTime,
			fmt.Errorf("%w: %T", ErrUnsupportedJobType, j.Spec), nil)
	}
}

// runShell executes a shell command inside the sandbox, racing completion
// against the effective timeout. The blocklist check here is independent of
// policy validation: the command text is re-checked right before spawning.
func (e *Engine) runShell(ctx context.Context, jobID string, execCtx *job.ExecutionContext, sb *sandbox.Sandbox, command string) job.Result {
	if violations := e.policy.CheckCommand(command); len(violations) > 0 {
		return e.failure(jobID, execCtx.StartTime,
			fmt.Errorf("%w: %s", ErrDangerousCommand, violations[0].Description), violations)
	}

	args, dir, environ := e.sandboxes.ShellInvocation(sb, command, execCtx.Env)
	if dir != "" && execCtx.WorkDir != "" {
		dir = execCtx.WorkDir
	}

	runCtx, cancel := context.WithTimeout(ctx, execCtx.Limits.Timeout)
	defer cancel()

	type outcome struct {
		stdout   string
		stderr   string
		exitCode int
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			// A panicking runner must not take the process down; it
			// surfaces as a runtime failure on the racing select below.
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrRuntimeFailure, p)}
			}
		}()
		stdout, stderr, exitCode, err := e.runner.RunCommand(runCtx, dir, environ, args)
		done <- outcome{stdout: stdout, stderr: stderr, exitCode: exitCode, err: err}
	}()

	// Exactly one arm settles the job: natural completion or the deadline.
	select {
	case out := <-done:
		if runCtx.Err() == context.DeadlineExceeded {
			return e.timeoutResult(jobID, execCtx, out.stdout, out.stderr)
		}
		if out.err != nil {
			return e.failure(jobID, execCtx.StartTime,
				fmt.Errorf("%w: %v", ErrRuntimeFailure, out.err), nil)
		}
		res := job.Result{
			JobID:    jobID,
			Status:   job.StatusSuccess,
			ExitCode: out.exitCode,
			Stdout:   out.stdout,
			Stderr:   out.stderr,
		}
		if out.exitCode != 0 {
			res.Status = job.StatusFailure
			res.Err = fmt.Sprintf("command exited with status %d", out.exitCode)
		}
		return res
	case <-runCtx.Done():
		// The context kills the process; the goroutine drains into the
		// buffered channel and exits on its own.
		return e.timeoutResult(jobID, execCtx, "", "")
	}
}

func (e *Engine) timeoutResult(jobID string, execCtx *job.ExecutionContext, stdout, stderr string) job.Result {
	e.policy.Record(job.SecurityEvent{
		Timestamp: time.Now(),
		Type:      job.EventResourceExceeded,
		Severity:  job.SeverityMedium,
		Details:   fmt.Sprintf("job %s exceeded its %s timeout", jobID, execCtx.Limits.Timeout),
		Action:    job.ActionLogged,
	})
	e.logger.Warn("job timed out",
		zap.String("job_id", jobID),
		zap.Duration("timeout", execCtx.Limits.Timeout))
	return job.Result{
		JobID:    jobID,
		Status:   job.StatusTimeout,
		ExitCode: -1,
		Stdout:   stdout,
		Stderr:   stderr,
		Err:      fmt.Sprintf("%s after %s", ErrExecutionTimeout.Error(), execCtx.Limits.Timeout),
	}
}

// scriptSuffixes maps interpreters to conventional file suffixes
var scriptSuffixes = map[string]string{
	"sh":      ".sh",
	"bash":    ".sh",
	"python":  ".py",
	"python3": ".py",
	"node":    ".js",
}

// runScript persists the script to a content-addressed file inside the
// sandbox workdir, then delegates to the shell path with a derived command.
func (e *Engine) runScript(ctx context.Context, jobID string, execCtx *job.ExecutionContext, sb *sandbox.Sandbox, spec job.ScriptSpec) job.Result {
	if violations := e.policy.CheckCommand(spec.Source); len(violations) > 0 {
		return e.failure(jobID, execCtx.StartTime,
			fmt.Errorf("%w: %s", ErrDangerousCommand, violations[0].Description), violations)
	}

	interpreter := spec.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}

	sum := sha256.Sum256([]byte(spec.Source))
	name := fmt.Sprintf("job-%s%s", hex.EncodeToString(sum[:])[:12], scriptSuffix(interpreter))
	scriptPath := filepath.Join(sb.WorkDir, name)
	if err := e.fs.WriteFile(scriptPath, []byte(spec.Source), sandbox.FilePermission); err != nil {
		return e.failure(jobID, execCtx.StartTime,
			fmt.Errorf("%w: failed to persist script: %v", ErrRuntimeFailure, err), nil)
	}

	return e.runShell(ctx, jobID, execCtx, sb, fmt.Sprintf("%s %s", interpreter, name))
}

func scriptSuffix(interpreter string) string {
	if suffix, ok := scriptSuffixes[interpreter]; ok {
		return suffix
	}
	return ""
}

// runFile performs a filesystem operation confined to the sandbox workdir.
// Resolution happens before any filesystem access so a traversal attempt
// never touches anything outside the sandbox root.
func (e *Engine) runFile(jobID string, execCtx *job.ExecutionContext, sb *sandbox.Sandbox, spec job.FileSpec) job.Result {
	resolved, err := e.resolveInSandbox(jobID, sb.WorkDir, spec.Path)
	if err != nil {
		return e.failure(jobID, execCtx.StartTime, err, []job.Violation{{
			RuleID:      "path-traversal",
			Severity:    job.SeverityHigh,
			Description: fmt.Sprintf("path %q escapes the sandbox working directory", spec.Path),
		}})
	}

	switch spec.Op {
	case job.FileWrite:
		if !execCtx.Permissions.Has(job.CapFilesystemWrite) {
			return e.permissionFailure(jobID, execCtx, job.CapFilesystemWrite)
		}
		if err := e.fs.MkdirAll(filepath.Dir(resolved), sandbox.DirPermission); err != nil {
			return e.failure(jobID, execCtx.StartTime,
				fmt.Errorf("%w: %v", ErrRuntimeFailure, err), nil)
		}
		if err := e.fs.WriteFile(resolved, spec.Content, sandbox.FilePermission); err != nil {
			return e.failure(jobID, execCtx.StartTime,
				fmt.Errorf("%w: %v", ErrRuntimeFailure, err), nil)
		}
		return job.Result{
			JobID:  jobID,
			Status: job.StatusSuccess,
			Output: fmt.Sprintf("wrote %d bytes to %s", len(spec.Content), spec.Path),
		}
	case job.FileRead:
		if !execCtx.Permissions.Has(job.CapFilesystemRead) {
			return e.permissionFailure(jobID, execCtx, job.CapFilesystemRead)
		}
		data, err := e.fs.ReadFile(resolved)
		if err != nil {
			return e.failure(jobID, execCtx.StartTime,
				fmt.Errorf("%w: %v", ErrRuntimeFailure, err), nil)
		}
		return job.Result{
			JobID:  jobID,
			Status: job.StatusSuccess,
			Output: string(data),
		}
	case job.FileExists:
		if !execCtx.Permissions.Has(job.CapFilesystemRead) {
			return e.permissionFailure(jobID, execCtx, job.CapFilesystemRead)
		}
		exists, err := e.fs.FileExists(resolved)
		if err != nil {
			return e.failure(jobID, execCtx.StartTime,
				fmt.Errorf("%w: %v", ErrRuntimeFailure, err), nil)
		}
		return job.Result{
			JobID:  jobID,
			Status: job.StatusSuccess,
			Output: fmt.Sprintf("%t", exists),
		}
	default:
		return e.failure(jobID, execCtx.StartTime,
			fmt.Errorf("%w: file operation %q", ErrUnsupportedJobType, spec.Op), nil)
	}
}

// resolveInSandbox joins the requested path onto the sandbox root and
// rejects any resolution that escapes it.
func (e *Engine) resolveInSandbox(jobID, root, requested string) (string, error) {
	resolved := filepath.Join(root, requested)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		e.policy.Record(job.SecurityEvent{
			Timestamp: time.Now(),
			Type:      job.EventSuspiciousActivity,
			Severity:  job.SeverityHigh,
			Details:   fmt.Sprintf("job %s attempted path traversal: %s", jobID, requested),
			Action:    job.ActionBlocked,
		})
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, requested)
	}
	return resolved, nil
}

func (e *Engine) permissionFailure(jobID string, execCtx *job.ExecutionContext, capability job.Capability) job.Result {
	e.policy.Record(job.SecurityEvent{
		Timestamp: time.Now(),
		Type:      job.EventPermissionDenied,
		Severity:  job.SeverityMedium,
		Details:   fmt.Sprintf("job %s lacks capability %q", jobID, capability),
		Action:    job.ActionBlocked,
	})
	return e.failure(jobID, execCtx.StartTime,
		fmt.Errorf("%w: missing capability %q", ErrPolicyViolation, capability), nil)
}

// runAPI is a permission-gated pass-through: the network capability is
// enforced here, the transport itself is an external collaborator.
func (e *Engine) runAPI(jobID string, execCtx *job.ExecutionContext, spec job.APISpec) job.Result {
	if !execCtx.Permissions.Has(job.CapNetwork) {
		return e.permissionFailure(jobID, execCtx, job.CapNetwork)
	}
	method := spec.Method
	if method == "" {
		method = "GET"
	}
	return job.Result{
		JobID:  jobID,
		Status: job.StatusSuccess,
		Output: fmt.Sprintf("api request admitted: %s %s", method, spec.URL),
	}
}

// runDatabase mirrors runAPI for the database capability gate
func (e *Engine) runDatabase(jobID string, execCtx *job.ExecutionContext, spec job.DatabaseSpec) job.Result {
	required := job.CapDatabaseRead
	if spec.Op == job.DatabaseWrite {
		required = job.CapDatabaseWrite
	}
	if !execCtx.Permissions.Has(required) {
		return e.permissionFailure(jobID, execCtx, required)
	}
	return job.Result{
		JobID:  jobID,
		Status: job.StatusSuccess,
		Output: fmt.Sprintf("database %s admitted (%d byte query)", spec.Op, len(spec.Query)),
	}
}
