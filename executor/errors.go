package executor

import "errors"

// Error taxonomy for execution failures. Every one of these surfaces as a
// Result with status failure or timeout; the Execute boundary never lets
// them propagate as returned errors.
var (
	// ErrPolicyViolation marks a job rejected by policy validation before
	// any sandbox was created.
	ErrPolicyViolation = errors.New("job rejected by security policy")

	// ErrConcurrencyLimit marks an admission refusal at the concurrency cap.
	ErrConcurrencyLimit = errors.New("too many concurrent jobs")

	// ErrPathTraversal marks a file path that resolves outside the sandbox
	// working directory.
	ErrPathTraversal = errors.New("path traversal outside sandbox")

	// ErrDangerousCommand marks a shell command caught by the blocklist at
	// dispatch time.
	ErrDangerousCommand = errors.New("dangerous command blocked")

	// ErrExecutionTimeout marks a job that exceeded its effective timeout.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrRuntimeFailure marks an unexpected failure during dispatch or the
	// surrounding lifecycle.
	ErrRuntimeFailure = errors.New("runtime failure")

	// ErrUnsupportedJobType marks a job whose spec kind the engine does not
	// know.
	ErrUnsupportedJobType = errors.New("unsupported job type")

	// ErrEngineClosed marks a submission after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)
